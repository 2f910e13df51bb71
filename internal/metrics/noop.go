package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) PollStarted()                                                      {}
func (n *NoopSink) PollCompleted(duration time.Duration, due int, err error)          {}
func (n *NoopSink) ClaimLost()                                                        {}
func (n *NoopSink) ExecutionAttemptCompleted(attempt int, success bool, d time.Duration) {}
func (n *NoopSink) ExecutionOutcome(outcome string)                                   {}
func (n *NoopSink) RetryAttempt()                                                     {}
func (n *NoopSink) ExecutionsInFlightIncr()                                           {}
func (n *NoopSink) ExecutionsInFlightDecr()                                           {}
func (n *NoopSink) TriggerEmitError()                                                 {}
func (n *NoopSink) MisfiresSwept(count int)                                           {}
