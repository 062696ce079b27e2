// Package memory holds in-process implementations of the cache and repository
// ports. They back local runs without Redis or Postgres and double as test
// stores. Expiry is lazy: an expired key behaves as absent on the next read
// and is dropped then.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
)

type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

type counterEntry struct {
	count     int64
	value     string
	members   map[string]struct{}
	expiresAt time.Time
}

// CounterStore implements ports.CounterStore.
type CounterStore struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
	now     Clock
}

func NewCounterStore(now Clock) *CounterStore {
	if now == nil {
		now = systemClock
	}
	return &CounterStore{entries: make(map[string]*counterEntry), now: now}
}

// live returns the entry for key, dropping it when expired. Caller holds mu.
func (s *CounterStore) live(key string, now time.Time) *counterEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *CounterStore) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.live(key, now)
	if e == nil {
		e = &counterEntry{expiresAt: now.Add(window)}
		s.entries[key] = e
	}
	e.count++
	return e.count, nil
}

func (s *CounterStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.live(key, now) != nil {
		return false, nil
	}
	s.entries[key] = &counterEntry{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *CounterStore) AddToSet(_ context.Context, key, member string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.live(key, now)
	if e == nil {
		e = &counterEntry{members: make(map[string]struct{})}
		s.entries[key] = e
	}
	e.members[member] = struct{}{}
	e.expiresAt = now.Add(ttl)
	return int64(len(e.members)), nil
}

type pendingEntry struct {
	reward    domain.PendingReward
	expiresAt time.Time
}

// PendingRewardStore implements ports.PendingRewardStore. Take holds the
// mutex across lookup and delete, so a token is handed out once.
type PendingRewardStore struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
	now     Clock
}

func NewPendingRewardStore(now Clock) *PendingRewardStore {
	if now == nil {
		now = systemClock
	}
	return &PendingRewardStore{entries: make(map[string]pendingEntry), now: now}
}

func pendingKey(code, deviceID string) string {
	return code + "\x00" + deviceID
}

func (s *PendingRewardStore) Put(_ context.Context, code, deviceID string, reward domain.PendingReward, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[pendingKey(code, deviceID)] = pendingEntry{reward: reward, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *PendingRewardStore) Take(_ context.Context, code, deviceID string) (*domain.PendingReward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pendingKey(code, deviceID)
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	delete(s.entries, key)
	if !s.now().Before(e.expiresAt) {
		return nil, nil
	}
	reward := e.reward
	return &reward, nil
}

type identityField struct {
	value     string
	expiresAt time.Time
}

// IdentityCache implements ports.IdentityCache with one expiry per field,
// like the Redis layout.
type IdentityCache struct {
	mu       sync.Mutex
	subjects map[string]map[string]identityField
	now      Clock
}

func NewIdentityCache(now Clock) *IdentityCache {
	if now == nil {
		now = systemClock
	}
	return &IdentityCache{subjects: make(map[string]map[string]identityField), now: now}
}

func (c *IdentityCache) Snapshot(_ context.Context, subjectID string) (domain.IdentitySignals, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fields := c.subjects[subjectID]
	now := c.now()
	get := func(name string) string {
		f, ok := fields[name]
		if !ok || !now.Before(f.expiresAt) {
			return ""
		}
		return f.value
	}
	return domain.IdentitySignals{
		DeviceID:           get("deviceid"),
		DeviceFingerprint:  get("devicefp"),
		BrowserFingerprint: get("browserfp"),
		SourceAddress:      get("ip"),
	}, nil
}

func (c *IdentityCache) Refresh(_ context.Context, subjectID string, signals domain.IdentitySignals, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fields, ok := c.subjects[subjectID]
	if !ok {
		fields = make(map[string]identityField)
		c.subjects[subjectID] = fields
	}
	expiresAt := c.now().Add(ttl)
	for name, value := range map[string]string{
		"deviceid":  signals.DeviceID,
		"devicefp":  signals.DeviceFingerprint,
		"browserfp": signals.BrowserFingerprint,
		"ip":        signals.SourceAddress,
	} {
		if value == "" {
			delete(fields, name)
			continue
		}
		fields[name] = identityField{value: value, expiresAt: expiresAt}
	}
	return nil
}

type codeEntry struct {
	subjectID string
	expiresAt time.Time
}

// CodeCache implements ports.CodeCache.
type CodeCache struct {
	mu      sync.Mutex
	entries map[string]codeEntry
	now     Clock
}

func NewCodeCache(now Clock) *CodeCache {
	if now == nil {
		now = systemClock
	}
	return &CodeCache{entries: make(map[string]codeEntry), now: now}
}

func (c *CodeCache) Get(_ context.Context, code string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[code]
	if !ok {
		return "", false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, code)
		return "", false, nil
	}
	return e.subjectID, true, nil
}

func (c *CodeCache) Put(_ context.Context, code, subjectID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[code] = codeEntry{subjectID: subjectID, expiresAt: c.now().Add(ttl)}
	return nil
}
