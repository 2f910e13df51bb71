package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type scheduleState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

// CircuitBreaker tracks consecutive delivery failures per schedule. A
// schedule whose sink keeps failing gets its attempts suppressed for the
// cooldown period so a broken renderer endpoint does not eat worker slots
// on every poll.
type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*scheduleState
	threshold int
	cooldown  time.Duration
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*scheduleState),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (cb *CircuitBreaker) Allow(scheduleID string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[scheduleID]
	if !ok {
		return nil
	}

	switch s.state {
	case stateClosed:
		return nil
	case stateOpen:
		if time.Since(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(scheduleID string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[scheduleID]
	if !ok {
		return
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

func (cb *CircuitBreaker) RecordFailure(scheduleID string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[scheduleID]
	if !ok {
		s = &scheduleState{}
		cb.states[scheduleID] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = time.Now()
	}
}

// Forget drops breaker state for a deleted schedule.
func (cb *CircuitBreaker) Forget(scheduleID string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.states, scheduleID)
}
