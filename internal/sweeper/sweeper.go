// Package sweeper advances schedules that fell too far behind.
//
// A schedule misfires when its nextRunAt passes while no dispatcher is
// able to fire it (outage, prolonged overload). Missed occurrences are
// never replayed: the sweeper recomputes nextRunAt from the present so
// the schedule resumes its normal cadence instead of burst-firing stale
// occurrences at whoever comes back up first.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/evolvix-software/reportsched/internal/domain"
)

// Store defines the persistence operations the sweeper needs.
type Store interface {
	ListMisfired(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduleDefinition, error)
	Update(ctx context.Context, def domain.ScheduleDefinition) error
}

// Calculator computes the next occurrence for a schedule definition.
type Calculator interface {
	Next(def domain.ScheduleDefinition, after time.Time) (time.Time, error)
}

// Config holds sweeper configuration.
type Config struct {
	// Interval is how often the sweeper runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is how far past nextRunAt a schedule must be before it
	// counts as misfired rather than merely due. Keeping this above the
	// dispatcher poll interval ensures the sweeper never races a healthy
	// dispatcher for a schedule that is about to fire normally.
	// Default: 15 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of misfires to process per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 15 * time.Minute,
		BatchSize: 100,
	}
}

// Sweeper detects misfired schedules and moves them forward.
type Sweeper struct {
	config Config
	store  Store
	calc   Calculator
	clock  func() time.Time
}

// New creates a new Sweeper.
func New(config Config, store Store, calc Calculator) *Sweeper {
	return &Sweeper{
		config: config,
		store:  store,
		calc:   calc,
		clock:  time.Now,
	}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	log.Printf("sweeper: started (interval=%s, threshold=%s, batch=%d)",
		s.config.Interval, s.config.Threshold, s.config.BatchSize)

	// Run immediately on startup, then on ticker
	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("sweeper: stopped")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle executes one sweep cycle.
func (s *Sweeper) runCycle(ctx context.Context) {
	now := s.clock().UTC()
	cutoff := now.Add(-s.config.Threshold)

	misfired, err := s.store.ListMisfired(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		log.Printf("sweeper: failed to fetch misfires: %v", err)
		return
	}

	if len(misfired) == 0 {
		// Nothing to do. Silent success.
		return
	}

	log.Printf("sweeper: found %d misfired schedules", len(misfired))

	advanced := 0
	failed := 0

	for _, def := range misfired {
		// Check context before each write to allow graceful shutdown
		if ctx.Err() != nil {
			log.Printf("sweeper: cycle interrupted, processed %d/%d misfires", advanced+failed, len(misfired))
			return
		}

		next, err := s.calc.Next(def, now)
		if err != nil {
			log.Printf("sweeper: cannot compute next occurrence schedule=%s: %v", def.ID, err)
			failed++
			continue
		}

		missed := def.NextRunAt
		def.NextRunAt = next
		def.UpdatedAt = now

		if err := s.store.Update(ctx, def); err != nil {
			// Stale write means a dispatcher or operator touched the
			// schedule since we listed it. Their write wins; next cycle
			// re-evaluates.
			if err == domain.ErrStaleWrite {
				failed++
				continue
			}
			log.Printf("sweeper: failed to advance schedule=%s: %v", def.ID, err)
			failed++
			continue
		}

		log.Printf("sweeper: advanced schedule=%s missed=%s next=%s (behind=%s)",
			def.ID, missed.Format(time.RFC3339), next.Format(time.RFC3339),
			now.Sub(missed).Round(time.Second))
		advanced++
	}

	log.Printf("sweeper: cycle complete, advanced=%d, skipped=%d", advanced, failed)
}
