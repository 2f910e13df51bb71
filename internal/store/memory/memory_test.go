package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/evolvix-software/reportsched/internal/dispatch"
	"github.com/evolvix-software/reportsched/internal/domain"
	"github.com/evolvix-software/reportsched/internal/lifecycle"
	"github.com/evolvix-software/reportsched/internal/sweeper"
	"github.com/evolvix-software/reportsched/internal/testutil"
)

// The memory store must satisfy every consumer-side store contract, same
// as the postgres store.
var (
	_ lifecycle.Store = (*Store)(nil)
	_ dispatch.Store  = (*Store)(nil)
	_ sweeper.Store   = (*Store)(nil)
)

func newDef(name string, nextRunAt time.Time) domain.ScheduleDefinition {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return domain.ScheduleDefinition{
		ID:         uuid.New(),
		Name:       name,
		ReportType: "weekly-sales",
		Frequency:  domain.FrequencyDaily,
		TimeOfDay:  domain.TimeOfDay{Hour: 9},
		Timezone:   "UTC",
		Recipients: []string{"ops@example.com"},
		Format:     domain.FormatPDF,
		Active:     true,
		NextRunAt:  nextRunAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()

	def := newDef("a", time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC))
	if err := s.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := s.GetByID(ctx, def.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Name != "a" || !got.NextRunAt.Equal(def.NextRunAt) {
		t.Errorf("got %+v, want %+v", got, def)
	}

	if _, err := s.GetByID(ctx, uuid.New()); err != domain.ErrNotFound {
		t.Errorf("GetByID unknown id = %v, want ErrNotFound", err)
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()

	def := newDef("a", time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC))
	if err := s.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, _ := s.GetByID(ctx, def.ID)
	got.Recipients[0] = "mutated@example.com"
	got.Name = "mutated"

	again, _ := s.GetByID(ctx, def.ID)
	if again.Recipients[0] != "ops@example.com" || again.Name != "a" {
		t.Error("mutation through returned copy leaked into stored state")
	}
}

func TestStore_Update_StaleVersion(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()

	def := newDef("a", time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC))
	if err := s.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// First writer wins.
	first := def
	first.Name = "first"
	if err := s.Update(ctx, first); err != nil {
		t.Fatalf("first Update failed: %v", err)
	}

	// Second writer still holds version 0 and must lose.
	second := def
	second.Name = "second"
	if err := s.Update(ctx, second); err != domain.ErrStaleWrite {
		t.Fatalf("stale Update = %v, want ErrStaleWrite", err)
	}

	got, _ := s.GetByID(ctx, def.ID)
	if got.Name != "first" {
		t.Errorf("Name = %q, want %q", got.Name, "first")
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
}

func TestStore_ListDue_OrderAndFilter(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	early := newDef("early", now.Add(-2*time.Hour))
	late := newDef("late", now.Add(-time.Hour))
	future := newDef("future", now.Add(time.Hour))
	paused := newDef("paused", now.Add(-time.Hour))
	paused.Active = false
	claimed := newDef("claimed", now.Add(-time.Hour))
	lease := time.Now().UTC().Add(5 * time.Minute)
	claimed.ClaimedUntil = &lease

	for _, def := range []domain.ScheduleDefinition{late, future, paused, claimed, early} {
		if err := s.Create(ctx, def); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	due, err := s.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("ListDue returned %d schedules, want 2", len(due))
	}
	if due[0].Name != "early" || due[1].Name != "late" {
		t.Errorf("ListDue order = [%s, %s], want [early, late]", due[0].Name, due[1].Name)
	}
}

func TestStore_ListDue_TieBreakByID(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	dueAt := now.Add(-time.Hour)

	a := newDef("a", dueAt)
	b := newDef("b", dueAt)
	for _, def := range []domain.ScheduleDefinition{a, b} {
		if err := s.Create(ctx, def); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	due, err := s.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("ListDue returned %d, want 2", len(due))
	}
	if due[0].ID.String() > due[1].ID.String() {
		t.Error("equal NextRunAt not ordered by id")
	}
}

func TestStore_Claim_ExactlyOneWinner(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()

	def := newDef("contested", time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC))
	if err := s.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	until := time.Now().UTC().Add(5 * time.Minute)

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Claim(ctx, def.ID, def.Version, until)
			if err != nil {
				t.Errorf("Claim error: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Errorf("claim won by %d racers, want exactly 1", won)
	}
}

func TestStore_Claim_InactiveOrClaimedRejected(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()

	paused := newDef("paused", time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC))
	paused.Active = false
	if err := s.Create(ctx, paused); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	until := time.Now().UTC().Add(5 * time.Minute)
	if ok, _ := s.Claim(ctx, paused.ID, paused.Version, until); ok {
		t.Error("claimed a paused schedule")
	}

	active := newDef("active", time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC))
	if err := s.Create(ctx, active); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if ok, _ := s.Claim(ctx, active.ID, active.Version, until); !ok {
		t.Fatal("first claim failed")
	}
	// Version advanced by the claim, so even the fresh version cannot
	// double-claim while the lease holds.
	if ok, _ := s.Claim(ctx, active.ID, active.Version+1, until.Add(time.Minute)); ok {
		t.Error("claimed a schedule with an unexpired lease")
	}
}

func TestStore_Claim_ExpiredLeaseReclaimable(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()

	def := newDef("stuck", time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC))
	if err := s.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	expired := time.Now().UTC().Add(-time.Minute)
	if ok, _ := s.Claim(ctx, def.ID, 0, expired); !ok {
		t.Fatal("initial claim failed")
	}

	// Lease is already expired, so another dispatcher may take over.
	fresh := time.Now().UTC().Add(5 * time.Minute)
	if ok, _ := s.Claim(ctx, def.ID, 1, fresh); !ok {
		t.Error("could not reclaim schedule with expired lease")
	}
}

func TestStore_FinishRun_KeyedOnLease(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()

	def := newDef("run", time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC))
	if err := s.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	lease := time.Now().UTC().Add(5 * time.Minute)
	if ok, _ := s.Claim(ctx, def.ID, 0, lease); !ok {
		t.Fatal("claim failed")
	}

	// A writer holding a different lease timestamp must be rejected.
	wrongLease := lease.Add(time.Second)
	next := def.NextRunAt.Add(24 * time.Hour)
	if err := s.FinishRun(ctx, def.ID, wrongLease, domain.OutcomeSuccess, nil, next); err != domain.ErrStaleWrite {
		t.Fatalf("FinishRun with wrong lease = %v, want ErrStaleWrite", err)
	}

	ranAt := time.Now().UTC()
	if err := s.FinishRun(ctx, def.ID, lease, domain.OutcomeSuccess, &ranAt, next); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	got, _ := s.GetByID(ctx, def.ID)
	if got.ClaimedUntil != nil {
		t.Error("claim not cleared by FinishRun")
	}
	if !got.NextRunAt.Equal(next) {
		t.Errorf("NextRunAt = %v, want %v", got.NextRunAt, next)
	}
	if got.LastOutcome != domain.OutcomeSuccess {
		t.Errorf("LastOutcome = %v, want success", got.LastOutcome)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(ranAt) {
		t.Errorf("LastRunAt = %v, want %v", got.LastRunAt, ranAt)
	}

	// The claim is gone, so the same lease cannot finish twice.
	if err := s.FinishRun(ctx, def.ID, lease, domain.OutcomeSuccess, &ranAt, next); err != domain.ErrStaleWrite {
		t.Errorf("second FinishRun = %v, want ErrStaleWrite", err)
	}
}

func TestStore_FinishRun_FailureKeepsLastRunAt(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()

	def := newDef("run", time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC))
	prior := time.Date(2024, 1, 9, 9, 0, 0, 0, time.UTC)
	def.LastRunAt = &prior
	if err := s.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	lease := time.Now().UTC().Add(5 * time.Minute)
	if ok, _ := s.Claim(ctx, def.ID, 0, lease); !ok {
		t.Fatal("claim failed")
	}

	next := def.NextRunAt.Add(24 * time.Hour)
	if err := s.FinishRun(ctx, def.ID, lease, domain.OutcomeFailed, nil, next); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	got, _ := s.GetByID(ctx, def.ID)
	if got.LastOutcome != domain.OutcomeFailed {
		t.Errorf("LastOutcome = %v, want failed", got.LastOutcome)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(prior) {
		t.Errorf("LastRunAt = %v, want prior successful run %v", got.LastRunAt, prior)
	}
	if !got.NextRunAt.Equal(next) {
		t.Errorf("NextRunAt = %v, want %v after failed run", got.NextRunAt, next)
	}
}

func TestStore_RecordManualRun(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()

	def := newDef("manual", time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC))
	if err := s.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ranAt := time.Date(2024, 1, 20, 15, 0, 0, 0, time.UTC)
	if err := s.RecordManualRun(ctx, def.ID, domain.OutcomeSuccess, ranAt); err != nil {
		t.Fatalf("RecordManualRun failed: %v", err)
	}

	got, _ := s.GetByID(ctx, def.ID)
	if !got.NextRunAt.Equal(def.NextRunAt) {
		t.Error("manual run moved NextRunAt")
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(ranAt) {
		t.Errorf("LastRunAt = %v, want %v", got.LastRunAt, ranAt)
	}

	// A failed manual run records the outcome but not LastRunAt.
	if err := s.RecordManualRun(ctx, def.ID, domain.OutcomeFailed, ranAt.Add(time.Hour)); err != nil {
		t.Fatalf("RecordManualRun failed: %v", err)
	}
	got, _ = s.GetByID(ctx, def.ID)
	if got.LastOutcome != domain.OutcomeFailed {
		t.Errorf("LastOutcome = %v, want failed", got.LastOutcome)
	}
	if !got.LastRunAt.Equal(ranAt) {
		t.Errorf("LastRunAt moved by failed manual run: %v", got.LastRunAt)
	}
}

func TestStore_ListAll_NewestFirst(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()

	old := newDef("old", time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC))
	old.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := newDef("recent", time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC))
	recent.CreatedAt = time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

	for _, def := range []domain.ScheduleDefinition{old, recent} {
		if err := s.Create(ctx, def); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	all, err := s.ListAll(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(all) != 2 || all[0].Name != "recent" || all[1].Name != "old" {
		t.Errorf("ListAll order wrong: %+v", all)
	}

	page, err := s.ListAll(ctx, 1, 1)
	if err != nil {
		t.Fatalf("ListAll page failed: %v", err)
	}
	if len(page) != 1 || page[0].Name != "old" {
		t.Errorf("ListAll offset page wrong: %+v", page)
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := New()

	def := newDef("gone", time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC))
	if err := s.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Delete(ctx, def.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, def.ID); err != domain.ErrNotFound {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}
