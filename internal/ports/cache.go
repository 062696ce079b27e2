package ports

import (
	"context"
	"time"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
)

// IdentityCache is a disposable accelerator in front of the identity history.
// Snapshot reads every field independently: a failed or missing field is left
// empty and the error, if any, is returned next to the partial snapshot.
type IdentityCache interface {
	Snapshot(ctx context.Context, subjectID string) (domain.IdentitySignals, error)
	Refresh(ctx context.Context, subjectID string, signals domain.IdentitySignals, ttl time.Duration) error
}

// CodeCache caches referral code resolution.
type CodeCache interface {
	Get(ctx context.Context, code string) (subjectID string, found bool, err error)
	Put(ctx context.Context, code, subjectID string, ttl time.Duration) error
}

// CounterStore is the key/value abstraction behind the velocity guard.
// Keys expire on their own; an expired key behaves as absent.
type CounterStore interface {
	// Incr increments key and starts its expiry on the first increment.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	// SetIfAbsent sets key and reports whether it was previously unset.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// AddToSet adds member, refreshes the expiry and returns the cardinality.
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) (int64, error)
}

// PendingRewardStore holds tokens between a visit and its confirmation.
// Take is an atomic fetch-and-delete; it returns nil, nil when no token exists.
type PendingRewardStore interface {
	Put(ctx context.Context, code, deviceID string, reward domain.PendingReward, ttl time.Duration) error
	Take(ctx context.Context, code, deviceID string) (*domain.PendingReward, error)
}
