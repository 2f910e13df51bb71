package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
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

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// DATABASE_URL is required
	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	// POLL_INTERVAL must be a valid positive duration
	if cfg.PollIntervalStr != "" {
		d, err := time.ParseDuration(cfg.PollIntervalStr)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "POLL_INTERVAL",
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   "POLL_INTERVAL",
				Message: "must be positive",
			})
		}
	}

	// CLAIM_LEASE must be a valid positive duration, and long enough that
	// a run's retry window cannot outlive its own claim.
	if cfg.ClaimLeaseStr != "" {
		d, err := time.ParseDuration(cfg.ClaimLeaseStr)
		switch {
		case err != nil:
			errs = append(errs, ValidationError{
				Field:   "CLAIM_LEASE",
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		case d <= 0:
			errs = append(errs, ValidationError{
				Field:   "CLAIM_LEASE",
				Message: "must be positive",
			})
		case d < time.Minute:
			errs = append(errs, ValidationError{
				Field:   "CLAIM_LEASE",
				Message: "must be at least 1m to cover the retry window",
			})
		}
	}

	// SINK_URL is required: a dispatcher with nowhere to deliver is a
	// misconfiguration, not a degraded mode.
	if cfg.SinkURL == "" {
		errs = append(errs, ValidationError{
			Field:   "SINK_URL",
			Message: "required",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
