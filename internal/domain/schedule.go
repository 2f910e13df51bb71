package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"

	// FrequencyCron is an escape hatch for schedules the calendar
	// frequencies cannot express. CronExpr must be set.
	FrequencyCron Frequency = "cron"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly,
		FrequencyQuarterly, FrequencyYearly, FrequencyCron:
		return true
	}
	return false
}

type Format string

const (
	FormatPDF   Format = "pdf"
	FormatCSV   Format = "csv"
	FormatExcel Format = "excel"
)

func (f Format) Valid() bool {
	switch f {
	case FormatPDF, FormatCSV, FormatExcel:
		return true
	}
	return false
}

type RunOutcome string

const (
	OutcomeSuccess RunOutcome = "success"
	OutcomeFailed  RunOutcome = "failed"
)

// TimeOfDay is a wall-clock time interpreted in the schedule's timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ScheduleDefinition is the persisted recurrence and delivery configuration
// for one report. NextRunAt is authoritative and always recomputed, never
// hand-edited. Version is the optimistic concurrency token: every write
// increments it, and conditional writes are keyed on it.
type ScheduleDefinition struct {
	ID uuid.UUID

	Name       string
	ReportType string

	Frequency Frequency
	Anchor    int // day-of-week (0=Sunday) for weekly, day-of-month for monthly/quarterly/yearly
	TimeOfDay TimeOfDay
	Timezone  string // IANA timezone
	CronExpr  string // only for FrequencyCron

	Recipients []string
	Format     Format

	Active      bool
	NextRunAt   time.Time // UTC
	LastRunAt   *time.Time
	LastOutcome RunOutcome

	// ClaimedUntil is the dispatch lease. A schedule with an unexpired
	// claim is invisible to ListDue; the claim timestamp doubles as the
	// write token for FinishRun.
	ClaimedUntil *time.Time

	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Claimed reports whether the schedule holds an unexpired dispatch lease.
func (s ScheduleDefinition) Claimed(now time.Time) bool {
	return s.ClaimedUntil != nil && s.ClaimedUntil.After(now)
}
