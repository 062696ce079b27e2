package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/ports"
)

// Repositories mirrors the durable store with maps. One lock covers every
// table so the visit, ledger and outbox writes commit together like the
// Postgres transactions do.
type Repositories struct {
	Subjects *SubjectRepository
	History  *HistoryRepository
	Visits   *VisitRepository
	Ledger   *RewardLedger
	Outbox   *OutboxRepository
}

type historyKey struct {
	subjectID string
	deviceID  string
}

type tables struct {
	mu       sync.Mutex
	now      Clock
	subjects map[string]domain.ReferralSubject
	codes    map[string]string
	history  map[historyKey]domain.IdentityHistory
	visits   []domain.Visit
	credits  map[uuid.UUID]domain.RewardCredit
	outbox   []*ports.OutboxRecord
}

func NewRepositories(now Clock) Repositories {
	if now == nil {
		now = systemClock
	}
	t := &tables{
		now:      now,
		subjects: make(map[string]domain.ReferralSubject),
		codes:    make(map[string]string),
		history:  make(map[historyKey]domain.IdentityHistory),
		credits:  make(map[uuid.UUID]domain.RewardCredit),
	}
	return Repositories{
		Subjects: &SubjectRepository{t: t},
		History:  &HistoryRepository{t: t},
		Visits:   &VisitRepository{t: t},
		Ledger:   &RewardLedger{t: t},
		Outbox:   &OutboxRepository{t: t},
	}
}

// enqueue appends an outbox row. Caller holds mu.
func (t *tables) enqueue(event ports.OutboxEvent) {
	t.outbox = append(t.outbox, &ports.OutboxRecord{
		OutboxID:     event.EventID,
		EventType:    event.EventType,
		PartitionKey: event.PartitionKey,
		Payload:      append([]byte(nil), event.Payload...),
		CreatedAt:    event.OccurredAt,
	})
}

type SubjectRepository struct{ t *tables }

func (r *SubjectRepository) GetByCode(_ context.Context, code string) (domain.ReferralSubject, error) {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	id, ok := r.t.codes[code]
	if !ok {
		return domain.ReferralSubject{}, domain.ErrNotFound
	}
	return r.t.subjects[id], nil
}

func (r *SubjectRepository) Upsert(_ context.Context, subject domain.ReferralSubject) error {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	if owner, ok := r.t.codes[subject.ReferralCode]; ok && owner != subject.SubjectID {
		return fmt.Errorf("%w: referral code %q belongs to another subject", domain.ErrInvalidInput, subject.ReferralCode)
	}
	existing, ok := r.t.subjects[subject.SubjectID]
	if ok {
		delete(r.t.codes, existing.ReferralCode)
		subject.Points = existing.Points
		subject.CreatedAt = existing.CreatedAt
	} else if subject.CreatedAt.IsZero() {
		subject.CreatedAt = r.t.now()
	}
	r.t.subjects[subject.SubjectID] = subject
	r.t.codes[subject.ReferralCode] = subject.SubjectID
	return nil
}

// Points returns the subject's credited points.
func (r *SubjectRepository) Points(subjectID string) int64 {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	return r.t.subjects[subjectID].Points
}

type HistoryRepository struct{ t *tables }

func (r *HistoryRepository) Upsert(_ context.Context, subjectID string, signals domain.IdentitySignals) error {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	key := historyKey{subjectID: subjectID, deviceID: signals.DeviceID}
	row, ok := r.t.history[key]
	if !ok {
		row = domain.IdentityHistory{SubjectID: subjectID, FirstSeen: signals.ObservedAt}
	}
	row.Signals = signals
	row.LastSeen = signals.ObservedAt
	r.t.history[key] = row
	return nil
}

func (r *HistoryRepository) ListSince(_ context.Context, subjectID string, since time.Time, limit int) ([]domain.IdentityHistory, error) {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	var out []domain.IdentityHistory
	for key, row := range r.t.history {
		if key.subjectID == subjectID && !row.LastSeen.Before(since) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *HistoryRepository) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	var n int64
	for key, row := range r.t.history {
		if row.LastSeen.Before(cutoff) {
			delete(r.t.history, key)
			n++
		}
	}
	return n, nil
}

func (r *HistoryRepository) Stats(_ context.Context, now, cutoff time.Time) (domain.IdentityStats, error) {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	var st domain.IdentityStats
	subjects := map[string]struct{}{}
	for key, row := range r.t.history {
		st.TotalRows++
		subjects[key.subjectID] = struct{}{}
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
	st.DistinctSubjects = int64(len(subjects))
	return st, nil
}

func (r *HistoryRepository) MultiDeviceSubjects(_ context.Context, moreThan, limit int) ([]domain.MultiDeviceSubject, error) {
	r.t.mu.Lock()
	counts := map[string]int64{}
	for key := range r.t.history {
		counts[key.subjectID]++
	}
	r.t.mu.Unlock()

	var out []domain.MultiDeviceSubject
	for id, n := range counts {
		if n > int64(moreThan) {
			out = append(out, domain.MultiDeviceSubject{SubjectID: id, DeviceCount: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceCount != out[j].DeviceCount {
			return out[i].DeviceCount > out[j].DeviceCount
		}
		return out[i].SubjectID < out[j].SubjectID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type VisitRepository struct{ t *tables }

func (r *VisitRepository) CreateWithOutbox(_ context.Context, visit domain.Visit, event ports.OutboxEvent) error {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	visit.Flags = append([]string(nil), visit.Flags...)
	r.t.visits = append(r.t.visits, visit)
	r.t.enqueue(event)
	return nil
}

// All returns recorded visits in insertion order.
func (r *VisitRepository) All() []domain.Visit {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	return append([]domain.Visit(nil), r.t.visits...)
}

type RewardLedger struct{ t *tables }

func (l *RewardLedger) Credit(_ context.Context, credit domain.RewardCredit, event ports.OutboxEvent) error {
	if credit.Amount <= 0 {
		return fmt.Errorf("%w: credit amount must be positive", domain.ErrInvalidInput)
	}
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	if _, ok := l.t.credits[credit.VisitID]; ok {
		return domain.ErrAlreadyCredited
	}
	subject, ok := l.t.subjects[credit.SubjectID]
	if !ok {
		return domain.ErrNotFound
	}
	subject.Points += credit.Amount
	l.t.subjects[credit.SubjectID] = subject
	l.t.credits[credit.VisitID] = credit
	l.t.enqueue(event)
	return nil
}

// Credits returns the number of credits written.
func (l *RewardLedger) Credits() int {
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	return len(l.t.credits)
}

type OutboxRepository struct{ t *tables }

var errClaimTokenRequired = errors.New("claim token is required")

func (r *OutboxRepository) Enqueue(_ context.Context, event ports.OutboxEvent) error {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	r.t.enqueue(event)
	return nil
}

func (r *OutboxRepository) ClaimUnpublished(_ context.Context, limit int, claimToken string, claimUntil time.Time) ([]ports.OutboxRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	if claimToken == "" {
		return nil, errClaimTokenRequired
	}
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	now := r.t.now()
	var out []ports.OutboxRecord
	for _, rec := range r.t.outbox {
		if len(out) == limit {
			break
		}
		if rec.PublishedAt != nil || rec.DeadLetteredAt != nil {
			continue
		}
		if rec.ClaimUntil != nil && !rec.ClaimUntil.Before(now) {
			continue
		}
		token, until := claimToken, claimUntil
		rec.ClaimToken, rec.ClaimUntil = &token, &until
		out = append(out, *rec)
	}
	return out, nil
}

func (r *OutboxRepository) MarkPublished(_ context.Context, id uuid.UUID, claimToken string, at time.Time) error {
	return r.release(id, claimToken, func(rec *ports.OutboxRecord) {
		rec.PublishedAt = &at
	})
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id uuid.UUID, claimToken, errMsg string, at time.Time) error {
	return r.release(id, claimToken, func(rec *ports.OutboxRecord) {
		rec.RetryCount++
		rec.LastError, rec.LastErrorAt = &errMsg, &at
	})
}

func (r *OutboxRepository) MarkDeadLettered(_ context.Context, id uuid.UUID, claimToken, errMsg string, at time.Time) error {
	return r.release(id, claimToken, func(rec *ports.OutboxRecord) {
		rec.RetryCount++
		rec.LastError, rec.LastErrorAt = &errMsg, &at
		rec.DeadLetteredAt = &at
	})
}

func (r *OutboxRepository) release(id uuid.UUID, claimToken string, apply func(*ports.OutboxRecord)) error {
	if claimToken == "" {
		return errClaimTokenRequired
	}
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	for _, rec := range r.t.outbox {
		if rec.OutboxID != id || rec.ClaimToken == nil || *rec.ClaimToken != claimToken {
			continue
		}
		apply(rec)
		rec.ClaimToken, rec.ClaimUntil = nil, nil
	}
	return nil
}

// Pending returns event types still waiting to be published.
func (r *OutboxRepository) Pending() []string {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	var out []string
	for _, rec := range r.t.outbox {
		if rec.PublishedAt == nil && rec.DeadLetteredAt == nil {
			out = append(out, rec.EventType)
		}
	}
	return out
}
