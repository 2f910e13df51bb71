package lifecycle

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/evolvix-software/reportsched/internal/domain"
)

// ValidationError reports one offending authoring field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is the full set of authoring problems found in a spec.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

func validateSpec(spec Spec) error {
	var errs ValidationErrors

	if spec.Name == "" {
		errs = append(errs, ValidationError{Field: "name", Message: "required"})
	}
	if spec.ReportType == "" {
		errs = append(errs, ValidationError{Field: "report_type", Message: "required"})
	}

	if !spec.Frequency.Valid() {
		errs = append(errs, ValidationError{
			Field:   "frequency",
			Message: fmt.Sprintf("must be one of daily, weekly, monthly, quarterly, yearly, cron; got %q", spec.Frequency),
		})
	} else {
		switch spec.Frequency {
		case domain.FrequencyWeekly:
			if spec.Anchor < 0 || spec.Anchor > 6 {
				errs = append(errs, ValidationError{
					Field:   "anchor",
					Message: fmt.Sprintf("weekly anchor must be 0-6 (Sunday-Saturday), got %d", spec.Anchor),
				})
			}
		case domain.FrequencyMonthly, domain.FrequencyQuarterly, domain.FrequencyYearly:
			if spec.Anchor < 1 || spec.Anchor > 31 {
				errs = append(errs, ValidationError{
					Field:   "anchor",
					Message: fmt.Sprintf("day-of-month anchor must be 1-31, got %d", spec.Anchor),
				})
			}
		case domain.FrequencyCron:
			parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
			if spec.CronExpr == "" {
				errs = append(errs, ValidationError{Field: "cron_expression", Message: "required for cron frequency"})
			} else if _, err := parser.Parse(spec.CronExpr); err != nil {
				errs = append(errs, ValidationError{Field: "cron_expression", Message: err.Error()})
			}
		}
	}

	if !spec.TimeOfDay.Valid() {
		errs = append(errs, ValidationError{
			Field:   "time_of_day",
			Message: fmt.Sprintf("must be a valid HH:MM time, got %02d:%02d", spec.TimeOfDay.Hour, spec.TimeOfDay.Minute),
		})
	}

	if spec.Timezone == "" {
		errs = append(errs, ValidationError{Field: "timezone", Message: "required"})
	} else if _, err := time.LoadLocation(spec.Timezone); err != nil {
		errs = append(errs, ValidationError{Field: "timezone", Message: fmt.Sprintf("unknown IANA timezone %q", spec.Timezone)})
	}

	if len(spec.Recipients) == 0 {
		errs = append(errs, ValidationError{Field: "recipients", Message: "at least one recipient is required"})
	} else {
		for i, r := range spec.Recipients {
			if r == "" {
				errs = append(errs, ValidationError{
					Field:   "recipients",
					Message: fmt.Sprintf("recipient %d is empty", i),
				})
			}
		}
	}

	if !spec.Format.Valid() {
		errs = append(errs, ValidationError{
			Field:   "format",
			Message: fmt.Sprintf("must be one of pdf, csv, excel; got %q", spec.Format),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
