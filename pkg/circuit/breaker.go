package circuit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State is the breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Breaker shields a flaky downstream: after MaxFailures consecutive failures
// it opens and fails fast, then after Timeout it admits up to HalfOpenMax
// probe calls before closing again.
type Breaker struct {
	name        string
	maxFailures int
	timeout     time.Duration
	halfOpenMax int

	state         int32
	failures      int32
	successes     int32
	halfOpenCount int32

	mu            sync.Mutex
	lastFailure   time.Time
	onStateChange func(from, to State)
}

// Config holds breaker settings.
type Config struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(from, to State)
}

func NewBreaker(cfg Config) *Breaker {
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		timeout:       cfg.Timeout,
		halfOpenMax:   cfg.HalfOpenMax,
		state:         int32(StateClosed),
		onStateChange: cfg.OnStateChange,
	}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn if the breaker admits the call and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	if err := fn(); err != nil {
		b.recordFailure()
		return err
	}

	b.recordSuccess()
	return nil
}

func (b *Breaker) allow() error {
	switch State(atomic.LoadInt32(&b.state)) {
	case StateClosed:
		return nil

	case StateOpen:
		b.mu.Lock()
		if time.Since(b.lastFailure) > b.timeout {
			b.transitionTo(StateHalfOpen)
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()
		return ErrCircuitOpen

	case StateHalfOpen:
		if atomic.AddInt32(&b.halfOpenCount, 1) > int32(b.halfOpenMax) {
			atomic.AddInt32(&b.halfOpenCount, -1)
			return ErrTooManyRequests
		}
		return nil

	default:
		return errors.New("unknown state")
	}
}

func (b *Breaker) recordFailure() {
	switch State(atomic.LoadInt32(&b.state)) {
	case StateClosed:
		if int(atomic.AddInt32(&b.failures, 1)) >= b.maxFailures {
			b.mu.Lock()
			b.lastFailure = time.Now()
			b.transitionTo(StateOpen)
			b.mu.Unlock()
		}

	case StateHalfOpen:
		// A failed probe reopens immediately.
		b.mu.Lock()
		b.lastFailure = time.Now()
		atomic.StoreInt32(&b.halfOpenCount, 0)
		b.transitionTo(StateOpen)
		b.mu.Unlock()
	}
}

func (b *Breaker) recordSuccess() {
	switch State(atomic.LoadInt32(&b.state)) {
	case StateClosed:
		atomic.StoreInt32(&b.failures, 0)

	case StateHalfOpen:
		if int(atomic.AddInt32(&b.successes, 1)) >= b.halfOpenMax {
			b.mu.Lock()
			atomic.StoreInt32(&b.successes, 0)
			atomic.StoreInt32(&b.halfOpenCount, 0)
			b.transitionTo(StateClosed)
			b.mu.Unlock()
		}
	}
}

// transitionTo must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	oldState := State(atomic.LoadInt32(&b.state))
	if oldState == newState {
		return
	}

	atomic.StoreInt32(&b.state, int32(newState))
	atomic.StoreInt32(&b.failures, 0)
	atomic.StoreInt32(&b.successes, 0)

	if b.onStateChange != nil {
		b.onStateChange(oldState, newState)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	return State(atomic.LoadInt32(&b.state))
}

// Failures returns the consecutive failure count in the closed state.
func (b *Breaker) Failures() int {
	return int(atomic.LoadInt32(&b.failures))
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	atomic.StoreInt32(&b.halfOpenCount, 0)
	b.transitionTo(StateClosed)
}

// Group lazily creates one breaker per name, all sharing the same settings.
type Group struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

func NewGroup(defaultConfig Config) *Group {
	return &Group{
		breakers: make(map[string]*Breaker),
		config:   defaultConfig,
	}
}

// Get returns the breaker for name, creating it on first use.
func (g *Group) Get(name string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[name]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.breakers[name]; ok {
		return b
	}

	cfg := g.config
	cfg.Name = name
	b = NewBreaker(cfg)
	g.breakers[name] = b
	return b
}

// States reports the state of every breaker in the group.
func (g *Group) States() map[string]State {
	g.mu.RLock()
	defer g.mu.RUnlock()

	states := make(map[string]State, len(g.breakers))
	for name, b := range g.breakers {
		states[name] = b.State()
	}
	return states
}
