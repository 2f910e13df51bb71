// Package dispatch runs the execution loop of the schedule engine.
//
// Three concerns are kept separate on purpose: "is it due" is the store's
// ListDue query, "who runs it" is the atomic claim lease, and "what happens
// after" is the recompute-and-persist step. Multiple dispatcher processes
// may run concurrently; the claim is the single serialization point, so a
// lost claim race is skipped silently, never treated as an error.
package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evolvix-software/reportsched/internal/domain"
)

var defaultBackoff = []time.Duration{
	0,
	30 * time.Second,
	2 * time.Minute,
}

const maxAttempts = 3

type Store interface {
	// ListDue returns active, unclaimed schedules with NextRunAt <= now,
	// ordered by NextRunAt ascending, ties broken by id.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduleDefinition, error)

	// Claim atomically sets the dispatch lease. It returns false when the
	// version no longer matches or another dispatcher holds the lease.
	Claim(ctx context.Context, id uuid.UUID, version int64, until time.Time) (bool, error)

	// FinishRun records the outcome and the recomputed next occurrence,
	// keyed on the lease so a writer that lost its lease cannot clobber a
	// reclaiming dispatcher's state.
	FinishRun(ctx context.Context, id uuid.UUID, lease time.Time, outcome domain.RunOutcome, lastRunAt *time.Time, nextRunAt time.Time) error

	// RecordManualRun updates run bookkeeping for an out-of-band trigger
	// without touching NextRunAt or the claim.
	RecordManualRun(ctx context.Context, id uuid.UUID, outcome domain.RunOutcome, ranAt time.Time) error

	GetByID(ctx context.Context, id uuid.UUID) (domain.ScheduleDefinition, error)
}

type Calculator interface {
	Next(def domain.ScheduleDefinition, after time.Time) (time.Time, error)
}

// Breaker short-circuits execution for schedules whose sink keeps failing.
type Breaker interface {
	Allow(key string) error
	RecordSuccess(key string)
	RecordFailure(key string)
}

// AnalyticsSink records execution counters as a best-effort side effect.
// Implementations handle their own errors; analytics never affects
// dispatch correctness.
type AnalyticsSink interface {
	Record(ctx context.Context, scheduleID uuid.UUID, reportType string, outcome domain.RunOutcome, at time.Time)
}

// MetricsSink records dispatcher metrics. All methods must be non-blocking
// and fire-and-forget.
type MetricsSink interface {
	PollStarted()
	PollCompleted(duration time.Duration, due int, err error)
	ClaimLost()
	ExecutionAttemptCompleted(attempt int, success bool, duration time.Duration)
	ExecutionOutcome(outcome string)
	RetryAttempt()
	ExecutionsInFlightIncr()
	ExecutionsInFlightDecr()
}

type Config struct {
	// PollInterval is the due-scan cadence. Coarser is a latency tradeoff,
	// not a correctness one: NextRunAt comparisons are exact.
	PollInterval time.Duration

	// LeaseDuration bounds how long a claim shields a schedule. An
	// execution that outlives its lease may be reclaimed and retried, so
	// sinks must be retry-safe for the same execution id.
	LeaseDuration time.Duration

	// Workers bounds concurrent sink invocations.
	Workers int

	// BatchSize caps schedules fetched per poll.
	BatchSize int
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
}

type Dispatcher struct {
	config    Config
	store     Store
	sink      ExecutionSink
	calc      Calculator
	breaker   Breaker       // optional, nil = disabled
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled
	backoff   []time.Duration
	clock     func() time.Time
}

func New(config Config, store Store, sink ExecutionSink, calc Calculator) *Dispatcher {
	config.applyDefaults()
	return &Dispatcher{
		config:  config,
		store:   store,
		sink:    sink,
		calc:    calc,
		backoff: defaultBackoff,
		clock:   time.Now,
	}
}

func (d *Dispatcher) WithBreaker(b Breaker) *Dispatcher {
	d.breaker = b
	return d
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// Run polls for due schedules and consumes manual triggers until ctx is
// cancelled, then waits for in-flight executions to finish. triggers may
// be nil for dispatcher-only processes with no authoring surface.
func (d *Dispatcher) Run(ctx context.Context, triggers <-chan domain.ManualTrigger) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, d.config.Workers)
	var wg sync.WaitGroup

	log.Printf("dispatch: started (poll=%s, lease=%s, workers=%d)",
		d.config.PollInterval, d.config.LeaseDuration, d.config.Workers)

	for {
		select {
		case <-ctx.Done():
			log.Println("dispatch: stopping, waiting for in-flight executions")
			wg.Wait()
			log.Println("dispatch: stopped")
			return
		case <-ticker.C:
			d.pollOnce(ctx, sem, &wg)
		case trigger := <-triggers:
			if !d.acquire(ctx, sem) {
				continue
			}
			wg.Add(1)
			go func(trig domain.ManualTrigger) {
				defer wg.Done()
				defer func() { <-sem }()
				d.runManual(ctx, trig)
			}(trigger)
		}
	}
}

// pollOnce scans for due schedules, claims each, and hands claimed ones to
// the worker pool. Claim failures are lost races, skipped silently.
func (d *Dispatcher) pollOnce(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	start := d.clock().UTC()
	if d.metrics != nil {
		d.metrics.PollStarted()
	}

	due, err := d.store.ListDue(ctx, start, d.config.BatchSize)
	if d.metrics != nil {
		d.metrics.PollCompleted(time.Since(start), len(due), err)
	}
	if err != nil {
		log.Printf("dispatch: list due: %v", err)
		return
	}

	for _, def := range due {
		until := d.clock().UTC().Add(d.config.LeaseDuration)
		claimed, err := d.store.Claim(ctx, def.ID, def.Version, until)
		if err != nil {
			log.Printf("dispatch: claim schedule=%s: %v", def.ID, err)
			continue
		}
		if !claimed {
			if d.metrics != nil {
				d.metrics.ClaimLost()
			}
			continue
		}

		if !d.acquire(ctx, sem) {
			return
		}
		wg.Add(1)
		go func(def domain.ScheduleDefinition, lease time.Time) {
			defer wg.Done()
			defer func() { <-sem }()
			d.execute(ctx, def, lease)
		}(def, until)
	}
}

// acquire takes a worker slot, or reports false if ctx ended first.
func (d *Dispatcher) acquire(ctx context.Context, sem chan struct{}) bool {
	select {
	case sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// execute runs one claimed schedule through the sink, then records the
// outcome and the recomputed next occurrence in a single store write.
func (d *Dispatcher) execute(ctx context.Context, def domain.ScheduleDefinition, lease time.Time) {
	startedAt := d.clock().UTC()
	executionID := uuid.New()

	log.Printf("dispatch: executing schedule=%s execution=%s due=%s",
		def.ID, executionID, def.NextRunAt.Format(time.RFC3339))

	outcome := d.deliver(ctx, ExecutionRequest{
		ScheduleID:  def.ID,
		ExecutionID: executionID,
		ReportType:  def.ReportType,
		Recipients:  def.Recipients,
		Format:      def.Format,
	})

	if d.analytics != nil {
		d.analytics.Record(ctx, def.ID, def.ReportType, outcome, startedAt)
	}

	now := d.clock().UTC()
	next, err := d.calc.Next(def, now)
	if err != nil {
		// Indicates a definition the authoring path should never have
		// persisted. Leave the claim to expire so the problem stays
		// visible instead of advancing the schedule blindly.
		log.Printf("dispatch: recompute schedule=%s: %v", def.ID, err)
		return
	}

	var lastRunAt *time.Time
	if outcome == domain.OutcomeSuccess {
		lastRunAt = &startedAt
	}

	if err := d.store.FinishRun(ctx, def.ID, lease, outcome, lastRunAt, next); err != nil {
		if errors.Is(err, domain.ErrStaleWrite) {
			// Lease expired mid-run and another dispatcher took over.
			log.Printf("dispatch: schedule=%s lease lost mid-run, discarding result", def.ID)
			return
		}
		log.Printf("dispatch: finish run schedule=%s: %v", def.ID, err)
		return
	}

	log.Printf("dispatch: schedule=%s outcome=%s next_run=%s", def.ID, outcome, next.Format(time.RFC3339))
}

// runManual executes an out-of-band trigger. No claim is taken and
// NextRunAt is untouched; only the run bookkeeping is updated.
func (d *Dispatcher) runManual(ctx context.Context, trigger domain.ManualTrigger) {
	def, err := d.store.GetByID(ctx, trigger.ScheduleID)
	if err != nil {
		log.Printf("dispatch: manual run schedule=%s: %v", trigger.ScheduleID, err)
		return
	}

	startedAt := d.clock().UTC()
	log.Printf("dispatch: manual run schedule=%s execution=%s", def.ID, trigger.ExecutionID)

	outcome := d.deliver(ctx, ExecutionRequest{
		ScheduleID:  def.ID,
		ExecutionID: trigger.ExecutionID,
		ReportType:  def.ReportType,
		Recipients:  def.Recipients,
		Format:      def.Format,
	})

	if d.analytics != nil {
		d.analytics.Record(ctx, def.ID, def.ReportType, outcome, startedAt)
	}

	if err := d.store.RecordManualRun(ctx, def.ID, outcome, startedAt); err != nil {
		log.Printf("dispatch: record manual run schedule=%s: %v", def.ID, err)
	}
}

// deliver invokes the sink with bounded exponential-backoff retries. A
// permanently failing sink never starves the dispatcher: after maxAttempts
// the run is recorded as failed and the schedule moves on to its normal
// next occurrence.
func (d *Dispatcher) deliver(ctx context.Context, req ExecutionRequest) domain.RunOutcome {
	key := req.ScheduleID.String()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if d.metrics != nil {
				d.metrics.RetryAttempt()
			}
			if !d.sleepBackoff(ctx, attempt) {
				return domain.OutcomeFailed
			}
		}

		if d.breaker != nil {
			if err := d.breaker.Allow(key); err != nil {
				log.Printf("dispatch: schedule=%s circuit open, skipping attempt %d", req.ScheduleID, attempt)
				return domain.OutcomeFailed
			}
		}

		if d.metrics != nil {
			d.metrics.ExecutionsInFlightIncr()
		}
		result := d.sink.Execute(ctx, req)
		if d.metrics != nil {
			d.metrics.ExecutionsInFlightDecr()
			d.metrics.ExecutionAttemptCompleted(attempt, result.IsSuccess(), result.Duration)
		}

		if result.IsSuccess() {
			if d.breaker != nil {
				d.breaker.RecordSuccess(key)
			}
			if d.metrics != nil {
				d.metrics.ExecutionOutcome(string(domain.OutcomeSuccess))
			}
			return domain.OutcomeSuccess
		}

		if d.breaker != nil {
			d.breaker.RecordFailure(key)
		}
		log.Printf("dispatch: schedule=%s execution=%s attempt=%d failed: %v",
			req.ScheduleID, req.ExecutionID, attempt, result.Err)
	}

	if d.metrics != nil {
		d.metrics.ExecutionOutcome(string(domain.OutcomeFailed))
	}
	return domain.OutcomeFailed
}

// sleepBackoff waits out the backoff for the given attempt, or reports
// false if ctx ended first.
func (d *Dispatcher) sleepBackoff(ctx context.Context, attempt int) bool {
	idx := attempt - 1
	if idx >= len(d.backoff) {
		idx = len(d.backoff) - 1
	}

	timer := time.NewTimer(d.backoff[idx])
	select {
	case <-ctx.Done():
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		return false
	case <-timer.C:
		return true
	}
}
