package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/evolvix-software/reportsched/internal/domain"
	"github.com/evolvix-software/reportsched/internal/store/memory"
	"github.com/evolvix-software/reportsched/internal/testutil"
)

type fakeCalc struct {
	err error
}

func (c fakeCalc) Next(def domain.ScheduleDefinition, after time.Time) (time.Time, error) {
	if c.err != nil {
		return time.Time{}, c.err
	}
	return after.Add(24 * time.Hour), nil
}

func newDef(name string, nextRunAt time.Time) domain.ScheduleDefinition {
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
	}
}

func newTestSweeper(store Store, calc Calculator, now time.Time) *Sweeper {
	s := New(Config{
		Interval:  time.Hour,
		Threshold: 15 * time.Minute,
		BatchSize: 100,
	}, store, calc)
	s.clock = func() time.Time { return now }
	return s
}

func TestSweeper_AdvancesMisfiredSchedule(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := memory.New()
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	// An hour behind: well past the 15 minute threshold.
	def := newDef("behind", now.Add(-time.Hour))
	if err := store.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s := newTestSweeper(store, fakeCalc{}, now)
	s.runCycle(ctx)

	got, _ := store.GetByID(ctx, def.ID)
	want := now.Add(24 * time.Hour)
	if !got.NextRunAt.Equal(want) {
		t.Errorf("NextRunAt = %v, want %v", got.NextRunAt, want)
	}
	if got.Version == def.Version {
		t.Error("version not advanced by sweep")
	}
}

func TestSweeper_LeavesFreshlyDueSchedulesAlone(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := memory.New()
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	// Five minutes behind: due, but not misfired. The dispatcher owns it.
	def := newDef("due", now.Add(-5*time.Minute))
	if err := store.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s := newTestSweeper(store, fakeCalc{}, now)
	s.runCycle(ctx)

	got, _ := store.GetByID(ctx, def.ID)
	if !got.NextRunAt.Equal(def.NextRunAt) {
		t.Errorf("sweeper touched a schedule inside the threshold: %v", got.NextRunAt)
	}
}

func TestSweeper_SkipsPausedSchedules(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := memory.New()
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	def := newDef("paused", now.Add(-time.Hour))
	def.Active = false
	if err := store.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s := newTestSweeper(store, fakeCalc{}, now)
	s.runCycle(ctx)

	got, _ := store.GetByID(ctx, def.ID)
	if !got.NextRunAt.Equal(def.NextRunAt) {
		t.Error("sweeper advanced a paused schedule")
	}
}

func TestSweeper_CalculatorErrorSkipsSchedule(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := memory.New()
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	def := newDef("broken", now.Add(-time.Hour))
	if err := store.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s := newTestSweeper(store, fakeCalc{err: errors.New("bad definition")}, now)
	s.runCycle(ctx)

	got, _ := store.GetByID(ctx, def.ID)
	if !got.NextRunAt.Equal(def.NextRunAt) {
		t.Error("sweeper advanced a schedule it could not compute")
	}
}

// failingStore errors on list.
type failingStore struct{}

func (failingStore) ListMisfired(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduleDefinition, error) {
	return nil, errors.New("db down")
}

func (failingStore) Update(ctx context.Context, def domain.ScheduleDefinition) error {
	return nil
}

func TestSweeper_StoreErrorAbortsCycle(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := newTestSweeper(failingStore{}, fakeCalc{}, time.Now().UTC())

	// Must log and return, not panic.
	s.runCycle(ctx)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	store := memory.New()
	s := New(Config{Interval: 10 * time.Millisecond, Threshold: 15 * time.Minute, BatchSize: 10}, store, fakeCalc{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
