// Package lifecycle applies user-facing operations to schedule definitions.
//
// Every mutation funnels through the store's optimistic update path; a lost
// race is retried once against fresh state before the conflict is surfaced.
// NextRunAt is recomputed whenever a recurrence field or the active flag
// changes, never hand-edited.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/evolvix-software/reportsched/internal/domain"
)

type Store interface {
	Create(ctx context.Context, def domain.ScheduleDefinition) error
	GetByID(ctx context.Context, id uuid.UUID) (domain.ScheduleDefinition, error)
	// Update is optimistic: it fails with domain.ErrStaleWrite when the
	// caller's version no longer matches the stored one.
	Update(ctx context.Context, def domain.ScheduleDefinition) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListAll(ctx context.Context, limit, offset int) ([]domain.ScheduleDefinition, error)
}

type Calculator interface {
	Next(def domain.ScheduleDefinition, after time.Time) (time.Time, error)
}

// EventEmitter carries manual triggers to the dispatcher.
type EventEmitter interface {
	Emit(ctx context.Context, trigger domain.ManualTrigger) error
}

// Spec carries the authoring fields of a schedule definition.
type Spec struct {
	Name       string
	ReportType string
	Frequency  domain.Frequency
	Anchor     int
	TimeOfDay  domain.TimeOfDay
	Timezone   string
	CronExpr   string
	Recipients []string
	Format     domain.Format
}

type Manager struct {
	store   Store
	calc    Calculator
	emitter EventEmitter
	clock   func() time.Time
}

func New(store Store, calc Calculator, emitter EventEmitter) *Manager {
	return &Manager{
		store:   store,
		calc:    calc,
		emitter: emitter,
		clock:   time.Now,
	}
}

// Create validates the spec, computes the first occurrence from now and
// persists the new definition as active.
func (m *Manager) Create(ctx context.Context, spec Spec) (domain.ScheduleDefinition, error) {
	if err := validateSpec(spec); err != nil {
		return domain.ScheduleDefinition{}, err
	}

	now := m.clock().UTC()
	def := domain.ScheduleDefinition{
		ID:         uuid.New(),
		Name:       spec.Name,
		ReportType: spec.ReportType,
		Frequency:  spec.Frequency,
		Anchor:     spec.Anchor,
		TimeOfDay:  spec.TimeOfDay,
		Timezone:   spec.Timezone,
		CronExpr:   spec.CronExpr,
		Recipients: append([]string(nil), spec.Recipients...),
		Format:     spec.Format,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	next, err := m.calc.Next(def, now)
	if err != nil {
		return domain.ScheduleDefinition{}, fmt.Errorf("compute first occurrence: %w", err)
	}
	def.NextRunAt = next

	if err := m.store.Create(ctx, def); err != nil {
		return domain.ScheduleDefinition{}, fmt.Errorf("persist schedule: %w", err)
	}

	log.Printf("lifecycle: created schedule=%s freq=%s next_run=%s", def.ID, def.Frequency, def.NextRunAt.Format(time.RFC3339))
	return def, nil
}

// Update re-validates and recomputes NextRunAt from now regardless of
// whether the recurrence fields changed. Recomputing with unchanged fields
// yields the same or a later instant, never an earlier one, so repeated
// updates are idempotent.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, spec Spec) (domain.ScheduleDefinition, error) {
	if err := validateSpec(spec); err != nil {
		return domain.ScheduleDefinition{}, err
	}

	return m.mutate(ctx, id, func(def *domain.ScheduleDefinition) error {
		def.Name = spec.Name
		def.ReportType = spec.ReportType
		def.Frequency = spec.Frequency
		def.Anchor = spec.Anchor
		def.TimeOfDay = spec.TimeOfDay
		def.Timezone = spec.Timezone
		def.CronExpr = spec.CronExpr
		def.Recipients = append([]string(nil), spec.Recipients...)
		def.Format = spec.Format

		next, err := m.calc.Next(*def, m.clock().UTC())
		if err != nil {
			return fmt.Errorf("recompute occurrence: %w", err)
		}
		def.NextRunAt = next
		return nil
	})
}

// Pause deactivates the schedule without touching NextRunAt, so resuming
// mid-cycle does not reset the phase.
func (m *Manager) Pause(ctx context.Context, id uuid.UUID) (domain.ScheduleDefinition, error) {
	return m.mutate(ctx, id, func(def *domain.ScheduleDefinition) error {
		def.Active = false
		return nil
	})
}

// Resume reactivates the schedule. If one or more due instants passed while
// paused, the missed occurrences are skipped and the schedule resumes on
// its next natural occurrence (no catch-up).
func (m *Manager) Resume(ctx context.Context, id uuid.UUID) (domain.ScheduleDefinition, error) {
	return m.mutate(ctx, id, func(def *domain.ScheduleDefinition) error {
		now := m.clock().UTC()
		def.Active = true
		if !def.NextRunAt.After(now) {
			next, err := m.calc.Next(*def, now)
			if err != nil {
				return fmt.Errorf("recompute occurrence: %w", err)
			}
			log.Printf("lifecycle: schedule=%s missed occurrence at %s while paused, resuming at %s",
				def.ID, def.NextRunAt.Format(time.RFC3339), next.Format(time.RFC3339))
			def.NextRunAt = next
		}
		return nil
	})
}

// RunNow emits a manual trigger for immediate out-of-band execution. The
// stored definition is not modified here; the dispatcher records the run
// outcome after execution, and NextRunAt is left alone entirely.
func (m *Manager) RunNow(ctx context.Context, id uuid.UUID) (domain.ManualTrigger, error) {
	def, err := m.store.GetByID(ctx, id)
	if err != nil {
		return domain.ManualTrigger{}, err
	}

	trigger := domain.ManualTrigger{
		ScheduleID:  def.ID,
		ExecutionID: uuid.New(),
		RequestedAt: m.clock().UTC(),
	}
	if err := m.emitter.Emit(ctx, trigger); err != nil {
		return domain.ManualTrigger{}, fmt.Errorf("emit trigger: %w", err)
	}

	log.Printf("lifecycle: manual run requested schedule=%s execution=%s", def.ID, trigger.ExecutionID)
	return trigger, nil
}

// Delete removes the definition. No undo.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	log.Printf("lifecycle: deleted schedule=%s", id)
	return nil
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (domain.ScheduleDefinition, error) {
	return m.store.GetByID(ctx, id)
}

func (m *Manager) List(ctx context.Context, limit, offset int) ([]domain.ScheduleDefinition, error) {
	return m.store.ListAll(ctx, limit, offset)
}

// mutate applies fn to a fresh snapshot and writes it back optimistically.
// A stale write is retried once against re-fetched state; a second conflict
// surfaces to the caller.
func (m *Manager) mutate(ctx context.Context, id uuid.UUID, fn func(*domain.ScheduleDefinition) error) (domain.ScheduleDefinition, error) {
	for attempt := 0; ; attempt++ {
		def, err := m.store.GetByID(ctx, id)
		if err != nil {
			return domain.ScheduleDefinition{}, err
		}

		if err := fn(&def); err != nil {
			return domain.ScheduleDefinition{}, err
		}
		def.UpdatedAt = m.clock().UTC()

		err = m.store.Update(ctx, def)
		if err == nil {
			def.Version++
			return def, nil
		}
		if errors.Is(err, domain.ErrStaleWrite) && attempt == 0 {
			log.Printf("lifecycle: stale write on schedule=%s, retrying", id)
			continue
		}
		return domain.ScheduleDefinition{}, err
	}
}
