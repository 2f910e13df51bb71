// Package memory implements the schedule store on a mutex-guarded map.
//
// Semantics match the postgres store exactly: versioned optimistic writes,
// atomic claim leases, deterministic due ordering. The engine's concurrency
// tests run against this store because claim atomicity, not storage
// technology, is what the dispatcher's correctness rests on.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evolvix-software/reportsched/internal/domain"
)

type Store struct {
	mu        sync.Mutex
	schedules map[uuid.UUID]domain.ScheduleDefinition
}

func New() *Store {
	return &Store{
		schedules: make(map[uuid.UUID]domain.ScheduleDefinition),
	}
}

// clone returns a defensive copy so callers never alias stored state.
func clone(def domain.ScheduleDefinition) domain.ScheduleDefinition {
	out := def
	out.Recipients = append([]string(nil), def.Recipients...)
	if def.LastRunAt != nil {
		t := *def.LastRunAt
		out.LastRunAt = &t
	}
	if def.ClaimedUntil != nil {
		t := *def.ClaimedUntil
		out.ClaimedUntil = &t
	}
	return out
}

func (s *Store) Create(ctx context.Context, def domain.ScheduleDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[def.ID]; exists {
		return domain.ErrStaleWrite
	}
	s.schedules[def.ID] = clone(def)
	return nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (domain.ScheduleDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.schedules[id]
	if !ok {
		return domain.ScheduleDefinition{}, domain.ErrNotFound
	}
	return clone(def), nil
}

// Update replaces the stored definition if the caller's version matches the
// stored one, then increments the version.
func (s *Store) Update(ctx context.Context, def domain.ScheduleDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.schedules[def.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != def.Version {
		return domain.ErrStaleWrite
	}

	next := clone(def)
	next.Version++
	s.schedules[def.ID] = next
	return nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.schedules, id)
	return nil
}

func (s *Store) ListAll(ctx context.Context, limit, offset int) ([]domain.ScheduleDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]domain.ScheduleDefinition, 0, len(s.schedules))
	for _, def := range s.schedules {
		all = append(all, clone(def))
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListDue returns active, unclaimed schedules with next_run_at <= now,
// ordered by next_run_at ascending with id as the deterministic tie-break.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduleDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.ScheduleDefinition
	for _, def := range s.schedules {
		if !def.Active || def.NextRunAt.After(now) || def.Claimed(now) {
			continue
		}
		due = append(due, clone(def))
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRunAt.Equal(due[j].NextRunAt) {
			return due[i].NextRunAt.Before(due[j].NextRunAt)
		}
		return due[i].ID.String() < due[j].ID.String()
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Claim sets the dispatch lease in a single atomic step. It succeeds only
// if the version matches, the schedule is active, and no unexpired claim
// exists. A false return means another dispatcher won the race.
func (s *Store) Claim(ctx context.Context, id uuid.UUID, version int64, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.schedules[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if def.Version != version || !def.Active || def.Claimed(time.Now().UTC()) {
		return false, nil
	}

	lease := until
	def.ClaimedUntil = &lease
	def.Version++
	s.schedules[id] = def
	return true, nil
}

// FinishRun records a run outcome and the recomputed next occurrence, then
// clears the claim. The write is keyed on the lease timestamp: if another
// dispatcher reclaimed the schedule after lease expiry, this returns
// ErrStaleWrite and the result is discarded.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, lease time.Time, outcome domain.RunOutcome, lastRunAt *time.Time, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.schedules[id]
	if !ok {
		return domain.ErrNotFound
	}
	if def.ClaimedUntil == nil || !def.ClaimedUntil.Equal(lease) {
		return domain.ErrStaleWrite
	}

	def.LastOutcome = outcome
	if lastRunAt != nil {
		t := *lastRunAt
		def.LastRunAt = &t
	}
	def.NextRunAt = nextRunAt
	def.ClaimedUntil = nil
	def.Version++
	def.UpdatedAt = time.Now().UTC()
	s.schedules[id] = def
	return nil
}

// RecordManualRun updates the run bookkeeping without touching the
// schedule's next occurrence or claim.
func (s *Store) RecordManualRun(ctx context.Context, id uuid.UUID, outcome domain.RunOutcome, ranAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.schedules[id]
	if !ok {
		return domain.ErrNotFound
	}

	def.LastOutcome = outcome
	if outcome == domain.OutcomeSuccess {
		t := ranAt
		def.LastRunAt = &t
	}
	def.Version++
	def.UpdatedAt = time.Now().UTC()
	s.schedules[id] = def
	return nil
}

// ListMisfired returns active, unclaimed schedules whose next_run_at fell
// behind the given cutoff, ordered like ListDue.
func (s *Store) ListMisfired(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduleDefinition, error) {
	return s.ListDue(ctx, olderThan, limit)
}
