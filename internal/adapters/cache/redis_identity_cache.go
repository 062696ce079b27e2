package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
)

// RedisIdentityCache stores the latest owner signals as one key per field:
// user:{id}:deviceid, user:{id}:devicefp, user:{id}:browserfp, user:{id}:ip.
type RedisIdentityCache struct {
	client *redis.Client
}

func NewRedisIdentityCache(client *redis.Client) *RedisIdentityCache {
	return &RedisIdentityCache{client: client}
}

func identityKey(subjectID, field string) string {
	return "user:" + subjectID + ":" + field
}

func (c *RedisIdentityCache) Snapshot(ctx context.Context, subjectID string) (domain.IdentitySignals, error) {
	var deviceID, deviceFP, browserFP, addr *redis.StringCmd
	// Per-command results are inspected below; a miss on one field is not
	// an error for the others.
	_, _ = c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		deviceID = p.Get(ctx, identityKey(subjectID, "deviceid"))
		deviceFP = p.Get(ctx, identityKey(subjectID, "devicefp"))
		browserFP = p.Get(ctx, identityKey(subjectID, "browserfp"))
		addr = p.Get(ctx, identityKey(subjectID, "ip"))
		return nil
	})

	var errs []error
	read := func(cmd *redis.StringCmd) string {
		v, err := cmd.Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				errs = append(errs, err)
			}
			return ""
		}
		return v
	}
	out := domain.IdentitySignals{
		DeviceID:           read(deviceID),
		DeviceFingerprint:  read(deviceFP),
		BrowserFingerprint: read(browserFP),
		SourceAddress:      read(addr),
	}
	return out, errors.Join(errs...)
}

// Refresh replaces the snapshot in one transaction. An empty field deletes
// the stored value so signals from an older device never outlive it.
func (c *RedisIdentityCache) Refresh(ctx context.Context, subjectID string, signals domain.IdentitySignals, ttl time.Duration) error {
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for field, value := range map[string]string{
			"deviceid":  signals.DeviceID,
			"devicefp":  signals.DeviceFingerprint,
			"browserfp": signals.BrowserFingerprint,
			"ip":        signals.SourceAddress,
		} {
			if value == "" {
				p.Del(ctx, identityKey(subjectID, field))
				continue
			}
			p.Set(ctx, identityKey(subjectID, field), value, ttl)
		}
		return nil
	})
	return err
}
