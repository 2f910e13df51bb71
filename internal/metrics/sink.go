package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Dispatcher poll metrics
	PollStarted()
	PollCompleted(duration time.Duration, due int, err error)
	ClaimLost()

	// Execution metrics
	ExecutionAttemptCompleted(attempt int, success bool, duration time.Duration)
	ExecutionOutcome(outcome string)
	RetryAttempt()
	ExecutionsInFlightIncr()
	ExecutionsInFlightDecr()

	// Trigger bus metrics
	TriggerEmitError()

	// Sweeper metrics
	MisfiresSwept(count int)
}

// Outcome constants for ExecutionOutcome metric.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)
