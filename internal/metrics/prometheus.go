package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Dispatcher poll metrics
	pollsTotal      prometheus.Counter
	pollErrorsTotal prometheus.Counter
	dueFoundTotal   prometheus.Counter
	pollDuration    prometheus.Histogram
	claimsLostTotal prometheus.Counter

	// Execution metrics
	attemptsTotal      *prometheus.CounterVec
	outcomesTotal      *prometheus.CounterVec
	executionDuration  prometheus.Histogram
	retryAttemptsTotal prometheus.Counter
	executionsInFlight prometheus.Gauge

	// Trigger bus metrics
	triggerEmitErrorsTotal prometheus.Counter

	// Sweeper metrics
	misfiresSweptTotal prometheus.Counter
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initPollMetrics(reg)
	s.initExecutionMetrics(reg)
	s.initAuxMetrics(reg)
	return s
}

func (s *PrometheusSink) initPollMetrics(reg prometheus.Registerer) {
	s.pollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reportsched_dispatch_polls_total",
		Help: "Total number of due-scan polls executed.",
	})
	s.pollErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reportsched_dispatch_poll_errors_total",
		Help: "Total number of polls that failed at the store.",
	})
	s.dueFoundTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reportsched_dispatch_due_found_total",
		Help: "Total number of due schedules returned by polls.",
	})
	s.pollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reportsched_dispatch_poll_duration_seconds",
		Help:    "Duration of each due-scan poll in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.claimsLostTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reportsched_dispatch_claims_lost_total",
		Help: "Total number of claim attempts lost to another dispatcher.",
	})

	s.register(reg, s.pollsTotal, "reportsched_dispatch_polls_total")
	s.register(reg, s.pollErrorsTotal, "reportsched_dispatch_poll_errors_total")
	s.register(reg, s.dueFoundTotal, "reportsched_dispatch_due_found_total")
	s.register(reg, s.pollDuration, "reportsched_dispatch_poll_duration_seconds")
	s.register(reg, s.claimsLostTotal, "reportsched_dispatch_claims_lost_total")
}

func (s *PrometheusSink) initExecutionMetrics(reg prometheus.Registerer) {
	s.attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reportsched_execution_attempts_total",
		Help: "Total number of sink execution attempts.",
	}, []string{"attempt", "success"})

	s.outcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reportsched_execution_outcomes_total",
		Help: "Total number of final execution outcomes per run.",
	}, []string{"outcome"})

	s.executionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reportsched_execution_duration_seconds",
		Help:    "Sink execution latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.retryAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reportsched_execution_retry_attempts_total",
		Help: "Total number of retry attempts (excludes first attempt).",
	})

	s.executionsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reportsched_executions_in_flight",
		Help: "Number of executions currently being processed.",
	})

	s.register(reg, s.attemptsTotal, "reportsched_execution_attempts_total")
	s.register(reg, s.outcomesTotal, "reportsched_execution_outcomes_total")
	s.register(reg, s.executionDuration, "reportsched_execution_duration_seconds")
	s.register(reg, s.retryAttemptsTotal, "reportsched_execution_retry_attempts_total")
	s.register(reg, s.executionsInFlight, "reportsched_executions_in_flight")
}

func (s *PrometheusSink) initAuxMetrics(reg prometheus.Registerer) {
	s.triggerEmitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reportsched_trigger_emit_errors_total",
		Help: "Total number of manual trigger emit errors (buffer full).",
	})
	s.misfiresSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reportsched_sweeper_misfires_swept_total",
		Help: "Total number of misfired schedules advanced by the sweeper.",
	})

	s.register(reg, s.triggerEmitErrorsTotal, "reportsched_trigger_emit_errors_total")
	s.register(reg, s.misfiresSweptTotal, "reportsched_sweeper_misfires_swept_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

func (s *PrometheusSink) PollStarted() {
	s.pollsTotal.Inc()
}

func (s *PrometheusSink) PollCompleted(duration time.Duration, due int, err error) {
	s.pollDuration.Observe(duration.Seconds())
	s.dueFoundTotal.Add(float64(due))
	if err != nil {
		s.pollErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) ClaimLost() {
	s.claimsLostTotal.Inc()
}

func (s *PrometheusSink) ExecutionAttemptCompleted(attempt int, success bool, duration time.Duration) {
	s.attemptsTotal.WithLabelValues(strconv.Itoa(attempt), strconv.FormatBool(success)).Inc()
	s.executionDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) ExecutionOutcome(outcome string) {
	s.outcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt() {
	s.retryAttemptsTotal.Inc()
}

func (s *PrometheusSink) ExecutionsInFlightIncr() {
	s.executionsInFlight.Inc()
}

func (s *PrometheusSink) ExecutionsInFlightDecr() {
	s.executionsInFlight.Dec()
}

func (s *PrometheusSink) TriggerEmitError() {
	s.triggerEmitErrorsTotal.Inc()
}

func (s *PrometheusSink) MisfiresSwept(count int) {
	s.misfiresSweptTotal.Add(float64(count))
}
