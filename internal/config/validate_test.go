package config

import (
	"errors"
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		DatabaseURL:     "postgres://localhost/reportsched",
		SinkURL:         "https://render.internal/render",
		PollIntervalStr: "30s",
		ClaimLeaseStr:   "5m",
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}
	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(errs) != 1 || errs[0].Field != "DATABASE_URL" {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestValidate_MissingSinkURL(t *testing.T) {
	cfg := validConfig()
	cfg.SinkURL = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for missing SINK_URL")
	}
	if !strings.Contains(err.Error(), "SINK_URL") {
		t.Errorf("error should name SINK_URL: %v", err)
	}
}

func TestValidate_InvalidPollInterval(t *testing.T) {
	cfg := validConfig()
	cfg.PollIntervalStr = "not-a-duration"

	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "POLL_INTERVAL") {
		t.Errorf("expected POLL_INTERVAL error, got %v", err)
	}
}

func TestValidate_NegativePollInterval(t *testing.T) {
	cfg := validConfig()
	cfg.PollIntervalStr = "-30s"

	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "must be positive") {
		t.Errorf("expected positivity error, got %v", err)
	}
}

func TestValidate_ClaimLeaseTooShort(t *testing.T) {
	cfg := validConfig()
	cfg.ClaimLeaseStr = "30s"

	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "retry window") {
		t.Errorf("expected retry window error, got %v", err)
	}
}

func TestValidate_InvalidClaimLease(t *testing.T) {
	cfg := validConfig()
	cfg.ClaimLeaseStr = "five minutes"

	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "CLAIM_LEASE") {
		t.Errorf("expected CLAIM_LEASE error, got %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := Config{
		PollIntervalStr: "bogus",
		ClaimLeaseStr:   "1s",
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(errs) != 4 {
		t.Errorf("expected 4 errors (DATABASE_URL, POLL_INTERVAL, CLAIM_LEASE, SINK_URL), got %d: %v", len(errs), errs)
	}
	msg := err.Error()
	if !strings.Contains(msg, "4 validation errors:") {
		t.Errorf("multi-error message should carry a count header: %q", msg)
	}
}

func TestValidationError_Error(t *testing.T) {
	e := ValidationError{Field: "DATABASE_URL", Message: "required"}
	if e.Error() != "DATABASE_URL: required" {
		t.Errorf("Error() = %q", e.Error())
	}
}
