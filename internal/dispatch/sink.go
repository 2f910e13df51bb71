package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/evolvix-software/reportsched/internal/domain"
)

// ExecutionRequest is the payload handed to the rendering/delivery layer.
// ReportType, Recipients and Format pass through uninterpreted; the engine
// only schedules. ExecutionID is stable across retries of one run so the
// receiving side can dedupe.
type ExecutionRequest struct {
	ScheduleID  uuid.UUID
	ExecutionID uuid.UUID
	ReportType  string
	Recipients  []string
	Format      domain.Format
}

type ExecutionResult struct {
	Err      error
	Duration time.Duration
}

func (r ExecutionResult) IsSuccess() bool {
	return r.Err == nil
}

// ExecutionSink renders and delivers one report. Implementations must be
// safe to invoke again with the same ExecutionID: a lease that expires
// mid-run means another dispatcher may retry the same execution.
type ExecutionSink interface {
	Execute(ctx context.Context, req ExecutionRequest) ExecutionResult
}
