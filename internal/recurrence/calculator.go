// Package recurrence computes the next due instant for a schedule.
//
// All computation happens in the schedule's timezone's local calendar and
// the result is converted back to UTC. The calculator is pure: no state,
// no I/O, and the result is always strictly after the reference instant.
//
// Calendar edge cases clamp instead of erroring: an anchor day past the
// end of a month resolves to the last day of that month (anchor=31 in
// April yields April 30, anchor=29 in a non-leap February yields Feb 28).
// Users author schedules without calendar expertise; clamping is the
// least-surprising policy.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/evolvix-software/reportsched/internal/domain"
)

// ErrInvalidSchedule indicates an internally inconsistent anchor/frequency
// pair reached the calculator. Authoring validation rejects these before
// persistence, so hitting this error means a bug upstream.
var ErrInvalidSchedule = errors.New("invalid schedule")

// maxSteps bounds the month-stepping loops. Any valid schedule resolves in
// a handful of steps; the bound only guards against bugs.
const maxSteps = 1000

// Calculator computes next-run instants. The cron parser is only consulted
// for FrequencyCron schedules.
type Calculator struct {
	parser cron.Parser
}

func NewCalculator() *Calculator {
	return &Calculator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Next returns the first due instant strictly after the given instant.
func (c *Calculator) Next(def domain.ScheduleDefinition, after time.Time) (time.Time, error) {
	if err := Validate(def.Frequency, def.Anchor, def.TimeOfDay, def.Timezone, def.CronExpr); err != nil {
		return time.Time{}, err
	}

	loc, err := time.LoadLocation(def.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, def.Timezone, err)
	}

	switch def.Frequency {
	case domain.FrequencyDaily:
		return nextDaily(def.TimeOfDay, loc, after), nil
	case domain.FrequencyWeekly:
		return nextWeekly(def.Anchor, def.TimeOfDay, loc, after), nil
	case domain.FrequencyMonthly:
		return nextByMonth(def.Anchor, def.TimeOfDay, loc, after, 1), nil
	case domain.FrequencyQuarterly:
		return nextByMonth(def.Anchor, def.TimeOfDay, loc, after, 3), nil
	case domain.FrequencyYearly:
		return nextByMonth(def.Anchor, def.TimeOfDay, loc, after, 12), nil
	case domain.FrequencyCron:
		sched, err := c.parser.Parse(def.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, def.CronExpr, err)
		}
		return sched.Next(after.In(loc)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, def.Frequency)
	}
}

// Validate checks that the recurrence fields are internally consistent.
// Returns an error wrapping ErrInvalidSchedule if not.
func Validate(freq domain.Frequency, anchor int, tod domain.TimeOfDay, timezone, cronExpr string) error {
	if !freq.Valid() {
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, freq)
	}
	if !tod.Valid() {
		return fmt.Errorf("%w: time of day %02d:%02d out of range", ErrInvalidSchedule, tod.Hour, tod.Minute)
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, timezone, err)
	}

	switch freq {
	case domain.FrequencyWeekly:
		if anchor < 0 || anchor > 6 {
			return fmt.Errorf("%w: weekly anchor must be 0-6 (Sunday-Saturday), got %d", ErrInvalidSchedule, anchor)
		}
	case domain.FrequencyMonthly, domain.FrequencyQuarterly, domain.FrequencyYearly:
		if anchor < 1 || anchor > 31 {
			return fmt.Errorf("%w: day-of-month anchor must be 1-31, got %d", ErrInvalidSchedule, anchor)
		}
	case domain.FrequencyCron:
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(cronExpr); err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, cronExpr, err)
		}
	}
	return nil
}

func nextDaily(tod domain.TimeOfDay, loc *time.Location, after time.Time) time.Time {
	local := after.In(loc)
	cand := time.Date(local.Year(), local.Month(), local.Day(), tod.Hour, tod.Minute, 0, 0, loc)
	for i := 0; !cand.After(after) && i < maxSteps; i++ {
		cand = time.Date(cand.Year(), cand.Month(), cand.Day()+1, tod.Hour, tod.Minute, 0, 0, loc)
	}
	return cand.UTC()
}

func nextWeekly(anchor int, tod domain.TimeOfDay, loc *time.Location, after time.Time) time.Time {
	local := after.In(loc)
	days := (anchor - int(local.Weekday()) + 7) % 7
	cand := time.Date(local.Year(), local.Month(), local.Day()+days, tod.Hour, tod.Minute, 0, 0, loc)
	if !cand.After(after) {
		// Today matches but the time of day has already passed: next week.
		cand = time.Date(cand.Year(), cand.Month(), cand.Day()+7, tod.Hour, tod.Minute, 0, 0, loc)
	}
	return cand.UTC()
}

// nextByMonth handles monthly (step 1), quarterly (step 3) and yearly
// (step 12) frequencies. Quarterly candidates start at the first month of
// the current quarter; yearly keeps the month of the reference instant.
func nextByMonth(anchor int, tod domain.TimeOfDay, loc *time.Location, after time.Time, step int) time.Time {
	local := after.In(loc)
	year, month := local.Year(), int(local.Month())

	if step == 3 {
		month = ((month-1)/3)*3 + 1
	}

	for i := 0; i < maxSteps; i++ {
		cand := clampedDate(year, time.Month(month), anchor, tod, loc)
		if cand.After(after) {
			return cand.UTC()
		}
		month += step
		for month > 12 {
			month -= 12
			year++
		}
	}
	// Unreachable for any valid input; return a far-future fallback rather
	// than loop forever.
	return after.AddDate(1, 0, 0).UTC()
}

// clampedDate builds the anchor day of the given month, clamping to the
// last day when the month is shorter than the anchor.
func clampedDate(year int, month time.Month, day int, tod domain.TimeOfDay, loc *time.Location) time.Time {
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, tod.Hour, tod.Minute, 0, 0, loc)
}

func daysInMonth(year int, month time.Month) int {
	// Day zero of the following month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
