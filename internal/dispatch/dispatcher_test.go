package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/evolvix-software/reportsched/internal/domain"
	"github.com/evolvix-software/reportsched/internal/store/memory"
	"github.com/evolvix-software/reportsched/internal/testutil"
)

// fakeCalc advances a schedule by a fixed day regardless of frequency.
type fakeCalc struct{}

func (fakeCalc) Next(def domain.ScheduleDefinition, after time.Time) (time.Time, error) {
	return after.Add(24 * time.Hour), nil
}

// countingSink records every execution per schedule.
type countingSink struct {
	mu    sync.Mutex
	calls map[uuid.UUID][]uuid.UUID // schedule -> execution ids
	fail  bool
}

func newCountingSink() *countingSink {
	return &countingSink{calls: make(map[uuid.UUID][]uuid.UUID)}
}

func (s *countingSink) Execute(ctx context.Context, req ExecutionRequest) ExecutionResult {
	s.mu.Lock()
	s.calls[req.ScheduleID] = append(s.calls[req.ScheduleID], req.ExecutionID)
	s.mu.Unlock()
	if s.fail {
		return ExecutionResult{Err: errors.New("renderer unavailable")}
	}
	return ExecutionResult{Duration: time.Millisecond}
}

func (s *countingSink) count(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls[id])
}

func (s *countingSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, execs := range s.calls {
		n += len(execs)
	}
	return n
}

func dueDef(name string, nextRunAt time.Time) domain.ScheduleDefinition {
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
		CreatedAt:  nextRunAt.Add(-24 * time.Hour),
		UpdatedAt:  nextRunAt.Add(-24 * time.Hour),
	}
}

// newTestDispatcher builds a dispatcher with instant backoff so failing
// sinks do not slow the tests down.
func newTestDispatcher(store Store, sink ExecutionSink) *Dispatcher {
	d := New(Config{
		PollInterval:  time.Hour, // polls are driven manually in tests
		LeaseDuration: 5 * time.Minute,
		Workers:       4,
		BatchSize:     100,
	}, store, sink, fakeCalc{})
	d.backoff = []time.Duration{0, 0, 0}
	return d
}

// poll runs one manual poll cycle and waits for spawned workers.
func poll(ctx context.Context, d *Dispatcher) {
	sem := make(chan struct{}, d.config.Workers)
	var wg sync.WaitGroup
	d.pollOnce(ctx, sem, &wg)
	wg.Wait()
}

func TestDispatcher_ExecutesDueSchedule(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := memory.New()
	sink := newCountingSink()

	def := dueDef("due", time.Now().UTC().Add(-time.Minute))
	if err := store.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	d := newTestDispatcher(store, sink)
	poll(ctx, d)

	if got := sink.count(def.ID); got != 1 {
		t.Fatalf("sink called %d times, want 1", got)
	}

	after, _ := store.GetByID(ctx, def.ID)
	if !after.NextRunAt.After(def.NextRunAt) {
		t.Errorf("NextRunAt not advanced: %v", after.NextRunAt)
	}
	if after.LastOutcome != domain.OutcomeSuccess {
		t.Errorf("LastOutcome = %v, want success", after.LastOutcome)
	}
	if after.LastRunAt == nil {
		t.Error("LastRunAt not recorded")
	}
	if after.ClaimedUntil != nil {
		t.Error("claim not released")
	}
}

func TestDispatcher_ExactlyOnceUnderContention(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := memory.New()
	sink := newCountingSink()

	const n = 25
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		def := dueDef("contested", time.Now().UTC().Add(-time.Minute))
		if err := store.Create(ctx, def); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		ids = append(ids, def.ID)
	}

	// Two dispatcher processes poll the same store concurrently. The
	// atomic claim must keep every occurrence on exactly one of them.
	d1 := newTestDispatcher(store, sink)
	d2 := newTestDispatcher(store, sink)

	var wg sync.WaitGroup
	for _, d := range []*Dispatcher{d1, d2} {
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			poll(ctx, d)
		}(d)
	}
	wg.Wait()

	for _, id := range ids {
		if got := sink.count(id); got != 1 {
			t.Errorf("schedule %s executed %d times, want exactly 1", id, got)
		}
	}
	if sink.total() != n {
		t.Errorf("total executions = %d, want %d", sink.total(), n)
	}
}

func TestDispatcher_FailedDeliveryRetriesThenRecordsFailure(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := memory.New()
	sink := newCountingSink()
	sink.fail = true

	def := dueDef("failing", time.Now().UTC().Add(-time.Minute))
	if err := store.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	d := newTestDispatcher(store, sink)
	poll(ctx, d)

	if got := sink.count(def.ID); got != maxAttempts {
		t.Errorf("sink attempts = %d, want %d", got, maxAttempts)
	}

	after, _ := store.GetByID(ctx, def.ID)
	if after.LastOutcome != domain.OutcomeFailed {
		t.Errorf("LastOutcome = %v, want failed", after.LastOutcome)
	}
	if after.LastRunAt != nil {
		t.Error("LastRunAt set despite failure")
	}
	// The schedule still advances: retries never replay the occurrence.
	if !after.NextRunAt.After(def.NextRunAt) {
		t.Errorf("NextRunAt not advanced after failure: %v", after.NextRunAt)
	}
	if after.ClaimedUntil != nil {
		t.Error("claim not released after failure")
	}
}

func TestDispatcher_PausedScheduleNeverExecuted(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := memory.New()
	sink := newCountingSink()

	def := dueDef("paused", time.Now().UTC().Add(-time.Minute))
	def.Active = false
	if err := store.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	d := newTestDispatcher(store, sink)
	poll(ctx, d)

	if got := sink.count(def.ID); got != 0 {
		t.Errorf("paused schedule executed %d times, want 0", got)
	}
}

func TestDispatcher_FutureScheduleNotExecuted(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := memory.New()
	sink := newCountingSink()

	def := dueDef("future", time.Now().UTC().Add(time.Hour))
	if err := store.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	d := newTestDispatcher(store, sink)
	poll(ctx, d)

	if got := sink.count(def.ID); got != 0 {
		t.Errorf("future schedule executed %d times, want 0", got)
	}
}

func TestDispatcher_ManualRun(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := memory.New()
	sink := newCountingSink()

	def := dueDef("manual", time.Now().UTC().Add(time.Hour))
	if err := store.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	d := newTestDispatcher(store, sink)
	trigger := domain.ManualTrigger{
		ScheduleID:  def.ID,
		ExecutionID: uuid.New(),
		RequestedAt: time.Now().UTC(),
	}
	d.runManual(ctx, trigger)

	if got := sink.count(def.ID); got != 1 {
		t.Fatalf("sink called %d times, want 1", got)
	}
	sink.mu.Lock()
	gotExec := sink.calls[def.ID][0]
	sink.mu.Unlock()
	if gotExec != trigger.ExecutionID {
		t.Errorf("execution id = %s, want trigger id %s", gotExec, trigger.ExecutionID)
	}

	after, _ := store.GetByID(ctx, def.ID)
	if !after.NextRunAt.Equal(def.NextRunAt) {
		t.Error("manual run moved NextRunAt")
	}
	if after.LastOutcome != domain.OutcomeSuccess {
		t.Errorf("LastOutcome = %v, want success", after.LastOutcome)
	}
}

func TestDispatcher_ManualRunOnPausedSchedule(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := memory.New()
	sink := newCountingSink()

	def := dueDef("paused-manual", time.Now().UTC().Add(time.Hour))
	def.Active = false
	if err := store.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Manual runs bypass the active flag: run-now on a paused schedule
	// is an explicit user request.
	d := newTestDispatcher(store, sink)
	d.runManual(ctx, domain.ManualTrigger{
		ScheduleID:  def.ID,
		ExecutionID: uuid.New(),
		RequestedAt: time.Now().UTC(),
	})

	if got := sink.count(def.ID); got != 1 {
		t.Errorf("sink called %d times, want 1", got)
	}
}

func TestDispatcher_RunConsumesTriggersAndStops(t *testing.T) {
	store := memory.New()
	sink := newCountingSink()

	ctx := testutil.TestContext(t)
	def := dueDef("trigger", time.Now().UTC().Add(time.Hour))
	if err := store.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	d := newTestDispatcher(store, sink)

	runCtx, cancel := context.WithCancel(context.Background())
	triggers := make(chan domain.ManualTrigger, 1)
	done := make(chan struct{})
	go func() {
		d.Run(runCtx, triggers)
		close(done)
	}()

	triggers <- domain.ManualTrigger{
		ScheduleID:  def.ID,
		ExecutionID: uuid.New(),
		RequestedAt: time.Now().UTC(),
	}

	deadline := time.After(2 * time.Second)
	for sink.count(def.ID) == 0 {
		select {
		case <-deadline:
			t.Fatal("trigger never executed")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

// stubStore fails or lies in targeted ways the memory store cannot.
type stubStore struct {
	due        []domain.ScheduleDefinition
	claimOK    bool
	finishErr  error
	finishedMu sync.Mutex
	finished   int
}

func (s *stubStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduleDefinition, error) {
	return s.due, nil
}

func (s *stubStore) Claim(ctx context.Context, id uuid.UUID, version int64, until time.Time) (bool, error) {
	return s.claimOK, nil
}

func (s *stubStore) FinishRun(ctx context.Context, id uuid.UUID, lease time.Time, outcome domain.RunOutcome, lastRunAt *time.Time, nextRunAt time.Time) error {
	s.finishedMu.Lock()
	s.finished++
	s.finishedMu.Unlock()
	return s.finishErr
}

func (s *stubStore) RecordManualRun(ctx context.Context, id uuid.UUID, outcome domain.RunOutcome, ranAt time.Time) error {
	return nil
}

func (s *stubStore) GetByID(ctx context.Context, id uuid.UUID) (domain.ScheduleDefinition, error) {
	return domain.ScheduleDefinition{}, domain.ErrNotFound
}

func TestDispatcher_LostClaimSkipsSilently(t *testing.T) {
	ctx := testutil.TestContext(t)
	sink := newCountingSink()
	store := &stubStore{
		due:     []domain.ScheduleDefinition{dueDef("lost", time.Now().UTC().Add(-time.Minute))},
		claimOK: false,
	}

	d := newTestDispatcher(store, sink)
	poll(ctx, d)

	if sink.total() != 0 {
		t.Errorf("sink called %d times after lost claim, want 0", sink.total())
	}
}

func TestDispatcher_LeaseLostMidRunDiscardsResult(t *testing.T) {
	ctx := testutil.TestContext(t)
	sink := newCountingSink()
	def := dueDef("lease-lost", time.Now().UTC().Add(-time.Minute))
	store := &stubStore{
		due:       []domain.ScheduleDefinition{def},
		claimOK:   true,
		finishErr: domain.ErrStaleWrite,
	}

	d := newTestDispatcher(store, sink)
	poll(ctx, d)

	// The sink ran, the write was rejected, and nothing panicked. The
	// reclaiming dispatcher owns the authoritative outcome.
	if sink.total() != 1 {
		t.Errorf("sink called %d times, want 1", sink.total())
	}
	if store.finished != 1 {
		t.Errorf("FinishRun called %d times, want 1", store.finished)
	}
}

// blockingBreaker rejects everything.
type blockingBreaker struct{}

func (blockingBreaker) Allow(key string) error  { return errors.New("circuit open") }
func (blockingBreaker) RecordSuccess(key string) {}
func (blockingBreaker) RecordFailure(key string) {}

func TestDispatcher_OpenBreakerFailsFast(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := memory.New()
	sink := newCountingSink()

	def := dueDef("broken", time.Now().UTC().Add(-time.Minute))
	if err := store.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	d := newTestDispatcher(store, sink).WithBreaker(blockingBreaker{})
	poll(ctx, d)

	if sink.total() != 0 {
		t.Errorf("sink called %d times with open breaker, want 0", sink.total())
	}

	after, _ := store.GetByID(ctx, def.ID)
	if after.LastOutcome != domain.OutcomeFailed {
		t.Errorf("LastOutcome = %v, want failed", after.LastOutcome)
	}
	if !after.NextRunAt.After(def.NextRunAt) {
		t.Error("NextRunAt not advanced after breaker rejection")
	}
}
