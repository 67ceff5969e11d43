package messaging

import (
	"context"
	"sync"

	"github.com/terminal-bench/nftmarket/pkg/circuit"
)

// Recorder is an in-memory Sink that keeps every published event. It backs
// tests and the single-process deployment where no broker is configured.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns published events of one type, in publish order.
func (r *Recorder) ByType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans one event out to several sinks. Publish returns the first error
// but still delivers to the remaining sinks.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Publish(ctx context.Context, event Event) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Guarded wraps a sink with a circuit breaker so a dead backend fails fast
// instead of slowing every publish.
type Guarded struct {
	sink    Sink
	breaker *circuit.Breaker
}

func Guard(sink Sink, breaker *circuit.Breaker) *Guarded {
	return &Guarded{sink: sink, breaker: breaker}
}

func (g *Guarded) Publish(ctx context.Context, event Event) error {
	return g.breaker.Execute(ctx, func() error {
		return g.sink.Publish(ctx, event)
	})
}
