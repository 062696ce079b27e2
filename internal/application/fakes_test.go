package application_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/adapters/memory"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/application"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/ports"
)

type fixture struct {
	service  *application.Service
	subjects *fakeSubjects
	history  *fakeHistory
	visits   *fakeVisits
	ledger   *fakeLedger
	outbox   *fakeOutbox
	identity *memory.IdentityCache
	codes    *memory.CodeCache
	counters *memory.CounterStore
	pending  *memory.PendingRewardStore
	clock    *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture() *fixture {
	clock := &testClock{now: time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)}
	f := &fixture{
		subjects: &fakeSubjects{byCode: map[string]domain.ReferralSubject{}},
		history:  &fakeHistory{rows: map[string]map[string]domain.IdentityHistory{}},
		visits:   &fakeVisits{},
		ledger:   &fakeLedger{byVisit: map[uuid.UUID]domain.RewardCredit{}},
		outbox:   &fakeOutbox{},
		identity: memory.NewIdentityCache(clock.Now),
		codes:    memory.NewCodeCache(clock.Now),
		counters: memory.NewCounterStore(clock.Now),
		pending:  memory.NewPendingRewardStore(clock.Now),
		clock:    clock,
	}
	f.service = f.build(application.Dependencies{})
	return f
}

// build wires the fixture stores; non-nil fields in overrides replace them.
func (f *fixture) build(overrides application.Dependencies) *application.Service {
	deps := application.Dependencies{
		Config: application.Config{
			Platforms: domain.Platforms{
				"youtube": "https://www.youtube.com/watch?v=latest",
				"spotify": "https://open.spotify.com/episode/latest",
			},
		},
		Policy:        domain.DefaultPolicy(),
		Subjects:      f.subjects,
		History:       f.history,
		Visits:        f.visits,
		Ledger:        f.ledger,
		Outbox:        f.outbox,
		IdentityCache: f.identity,
		CodeCache:     f.codes,
		Counters:      f.counters,
		Pending:       f.pending,
		Now:           f.clock.Now,
	}
	if overrides.Subjects != nil {
		deps.Subjects = overrides.Subjects
	}
	if overrides.History != nil {
		deps.History = overrides.History
	}
	if overrides.IdentityCache != nil {
		deps.IdentityCache = overrides.IdentityCache
	}
	if overrides.CodeCache != nil {
		deps.CodeCache = overrides.CodeCache
	}
	if overrides.Counters != nil {
		deps.Counters = overrides.Counters
	}
	if overrides.Pending != nil {
		deps.Pending = overrides.Pending
	}
	if overrides.Ledger != nil {
		deps.Ledger = overrides.Ledger
	}
	svc, err := application.NewService(deps)
	if err != nil {
		panic(err)
	}
	return svc
}

type fakeSubjects struct {
	mu      sync.Mutex
	byCode  map[string]domain.ReferralSubject
	lookups int
}

func (r *fakeSubjects) GetByCode(_ context.Context, code string) (domain.ReferralSubject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	s, ok := r.byCode[code]
	if !ok {
		return domain.ReferralSubject{}, domain.ErrNotFound
	}
	return s, nil
}

func (r *fakeSubjects) Upsert(_ context.Context, subject domain.ReferralSubject) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCode[subject.ReferralCode] = subject
	return nil
}

type fakeHistory struct {
	mu   sync.Mutex
	rows map[string]map[string]domain.IdentityHistory
}

func (r *fakeHistory) Upsert(_ context.Context, subjectID string, signals domain.IdentitySignals) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bySubject, ok := r.rows[subjectID]
	if !ok {
		bySubject = map[string]domain.IdentityHistory{}
		r.rows[subjectID] = bySubject
	}
	row, ok := bySubject[signals.DeviceID]
	if !ok {
		row = domain.IdentityHistory{SubjectID: subjectID, FirstSeen: signals.ObservedAt}
	}
	row.Signals = signals
	row.LastSeen = signals.ObservedAt
	bySubject[signals.DeviceID] = row
	return nil
}

// put stores a row as-is, used to seed rows with an old last_seen.
func (r *fakeHistory) put(row domain.IdentityHistory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bySubject, ok := r.rows[row.SubjectID]
	if !ok {
		bySubject = map[string]domain.IdentityHistory{}
		r.rows[row.SubjectID] = bySubject
	}
	bySubject[row.Signals.DeviceID] = row
}

// ListSince deliberately ignores since so that retention filtering in the
// service is exercised on its own.
func (r *fakeHistory) ListSince(_ context.Context, subjectID string, _ time.Time, limit int) ([]domain.IdentityHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.IdentityHistory, 0, len(r.rows[subjectID]))
	for _, row := range r.rows[subjectID] {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeHistory) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, bySubject := range r.rows {
		for device, row := range bySubject {
			if row.LastSeen.Before(cutoff) {
				delete(bySubject, device)
				n++
			}
		}
	}
	return n, nil
}

func (r *fakeHistory) Stats(_ context.Context, now, cutoff time.Time) (domain.IdentityStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var st domain.IdentityStats
	for _, bySubject := range r.rows {
		if len(bySubject) > 0 {
			st.DistinctSubjects++
		}
		for _, row := range bySubject {
			st.TotalRows++
			if !row.LastSeen.Before(now.Add(-7 * 24 * time.Hour)) {
				st.Active7d++
			}
			if !row.LastSeen.Before(now.Add(-30 * 24 * time.Hour)) {
				st.Active30d++
			}
			if row.LastSeen.Before(cutoff) {
				st.Expired++
			}
		}
	}
	return st, nil
}

func (r *fakeHistory) MultiDeviceSubjects(_ context.Context, moreThan, limit int) ([]domain.MultiDeviceSubject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.MultiDeviceSubject
	for id, bySubject := range r.rows {
		if len(bySubject) > moreThan {
			out = append(out, domain.MultiDeviceSubject{SubjectID: id, DeviceCount: int64(len(bySubject))})
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type failingHistory struct{ fakeHistory }

func (r *failingHistory) ListSince(context.Context, string, time.Time, int) ([]domain.IdentityHistory, error) {
	return nil, errors.New("connection refused")
}

type fakeVisits struct {
	mu     sync.Mutex
	visits []domain.Visit
	events []ports.OutboxEvent
}

func (r *fakeVisits) CreateWithOutbox(_ context.Context, visit domain.Visit, event ports.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visits = append(r.visits, visit)
	r.events = append(r.events, event)
	return nil
}

func (r *fakeVisits) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visits)
}

type fakeLedger struct {
	mu      sync.Mutex
	byVisit map[uuid.UUID]domain.RewardCredit
	calls   int
	failErr error
}

func (l *fakeLedger) Credit(_ context.Context, credit domain.RewardCredit, _ ports.OutboxEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.failErr != nil {
		return l.failErr
	}
	if _, ok := l.byVisit[credit.VisitID]; ok {
		return domain.ErrAlreadyCredited
	}
	l.byVisit[credit.VisitID] = credit
	return nil
}

func (l *fakeLedger) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type fakeOutbox struct {
	mu     sync.Mutex
	events []ports.OutboxEvent
}

func (o *fakeOutbox) Enqueue(_ context.Context, event ports.OutboxEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return nil
}

func (o *fakeOutbox) types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.events))
	for _, e := range o.events {
		out = append(out, e.EventType)
	}
	return out
}

func (o *fakeOutbox) ClaimUnpublished(context.Context, int, string, time.Time) ([]ports.OutboxRecord, error) {
	return nil, nil
}

func (o *fakeOutbox) MarkPublished(context.Context, uuid.UUID, string, time.Time) error { return nil }

func (o *fakeOutbox) MarkFailed(context.Context, uuid.UUID, string, string, time.Time) error {
	return nil
}

func (o *fakeOutbox) MarkDeadLettered(context.Context, uuid.UUID, string, string, time.Time) error {
	return nil
}

type failingCounters struct{}

func (failingCounters) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

func (failingCounters) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func (failingCounters) AddToSet(context.Context, string, string, time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

type failingIdentityCache struct{}

func (failingIdentityCache) Snapshot(context.Context, string) (domain.IdentitySignals, error) {
	return domain.IdentitySignals{}, errors.New("redis down")
}

func (failingIdentityCache) Refresh(context.Context, string, domain.IdentitySignals, time.Duration) error {
	return errors.New("redis down")
}
