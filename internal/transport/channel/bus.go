// Package channel is the in-process transport for manual run requests.
// The API handler emits on one end; the dispatcher consumes on the other.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/evolvix-software/reportsched/internal/domain"
)

// ErrBufferFull is returned when an emit cannot be accepted within the
// emit timeout. Callers surface it to the user rather than blocking the
// request indefinitely.
var ErrBufferFull = errors.New("trigger buffer full")

// DefaultEmitTimeout bounds how long Emit waits for buffer space.
const DefaultEmitTimeout = 5 * time.Second

// MetricsSink records bus-level metrics.
type MetricsSink interface {
	TriggerEmitError()
}

type Option func(*TriggerBus)

// WithEmitTimeout overrides the emit timeout.
func WithEmitTimeout(d time.Duration) Option {
	return func(b *TriggerBus) {
		b.emitTimeout = d
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m MetricsSink) Option {
	return func(b *TriggerBus) {
		b.metrics = m
	}
}

type TriggerBus struct {
	ch          chan domain.ManualTrigger
	emitTimeout time.Duration
	metrics     MetricsSink
}

func NewTriggerBus(buffer int, opts ...Option) *TriggerBus {
	b := &TriggerBus{
		ch:          make(chan domain.ManualTrigger, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit enqueues a manual trigger. It fails with ErrBufferFull if the
// buffer stays full past the emit timeout, or with the context error if
// ctx ends first.
func (b *TriggerBus) Emit(ctx context.Context, trigger domain.ManualTrigger) error {
	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- trigger:
		return nil
	case <-timer.C:
		if b.metrics != nil {
			b.metrics.TriggerEmitError()
		}
		return ErrBufferFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *TriggerBus) Channel() <-chan domain.ManualTrigger {
	return b.ch
}
