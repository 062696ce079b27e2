package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
)

// RedisPendingRewardStore keeps pending reward tokens until they are
// confirmed or expire. Take uses GETDEL so a token is handed out once.
type RedisPendingRewardStore struct {
	client *redis.Client
}

func NewRedisPendingRewardStore(client *redis.Client) *RedisPendingRewardStore {
	return &RedisPendingRewardStore{client: client}
}

// pendingKey hashes the client supplied device id so key size is bounded.
func pendingKey(code, deviceID string) string {
	sum := blake2b.Sum256([]byte(code + "\x00" + deviceID))
	return "pending:" + hex.EncodeToString(sum[:])
}

func (s *RedisPendingRewardStore) Put(ctx context.Context, code, deviceID string, reward domain.PendingReward, ttl time.Duration) error {
	raw, err := json.Marshal(reward)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, pendingKey(code, deviceID), raw, ttl).Err()
}

func (s *RedisPendingRewardStore) Take(ctx context.Context, code, deviceID string) (*domain.PendingReward, error) {
	raw, err := s.client.GetDel(ctx, pendingKey(code, deviceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var out domain.PendingReward
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
