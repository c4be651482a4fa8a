// Package resilience holds the per-plugin circuit breaker and the
// exponential-backoff retry policy the scheduler wraps around plugin calls.
package resilience

import (
	"context"
	"sort"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	return c
}

// Snapshot is a point-in-time copy of a breaker.
type Snapshot struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	Failures         int       `json:"failures"`
	LastFailure      time.Time `json:"last_failure,omitempty"`
	FailureThreshold int       `json:"failure_threshold"`
	RecoveryTimeout  string    `json:"recovery_timeout"`
}

// Breaker is a consecutive-failure circuit breaker.
//
// closed: failures count up, reaching the threshold opens the circuit.
// open: calls are rejected until RecoveryTimeout has elapsed since the last
// failure, then one trial call is admitted (half_open).
// half_open: the trial's success closes the circuit, its failure reopens it.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu          sync.Mutex
	state       State
	fails       int
	lastFailure time.Time
	trial       bool // a half_open trial call is in flight
}

type BreakerOption func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

func NewBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	b := &Breaker{name: name, cfg: cfg.withDefaults(), now: time.Now, state: StateClosed}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// Call runs fn unless the circuit rejects it, and records the outcome.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		wait := b.cfg.RecoveryTimeout - b.now().Sub(b.lastFailure)
		if wait > 0 {
			return &OpenError{Name: b.name, RetryAfter: wait.Milliseconds()}
		}
		b.state = StateHalfOpen
		b.trial = true
		return nil
	case StateHalfOpen:
		if b.trial {
			return &OpenError{Name: b.name}
		}
		b.trial = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.state = StateClosed
		b.fails = 0
		b.trial = false
		return
	}

	b.fails++
	b.lastFailure = b.now()
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.trial = false
	case StateClosed:
		if b.fails >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	}
}

// State reports the current state without transitioning it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = StateClosed
	b.fails = 0
	b.trial = false
	b.lastFailure = time.Time{}
	b.mu.Unlock()
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:             b.name,
		State:            b.state,
		Failures:         b.fails,
		LastFailure:      b.lastFailure,
		FailureThreshold: b.cfg.FailureThreshold,
		RecoveryTimeout:  b.cfg.RecoveryTimeout.String(),
	}
}

// Breakers lazily creates one Breaker per key.
type Breakers struct {
	cfg  BreakerConfig
	opts []BreakerOption

	mu sync.Mutex
	m  map[string]*Breaker
}

func NewBreakers(cfg BreakerConfig, opts ...BreakerOption) *Breakers {
	return &Breakers{cfg: cfg, opts: opts, m: make(map[string]*Breaker)}
}

func (s *Breakers) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.m[name]
	if b == nil {
		b = NewBreaker(name, s.cfg, s.opts...)
		s.m[name] = b
	}
	return b
}

// Snapshot returns every breaker sorted by name.
func (s *Breakers) Snapshot() []Snapshot {
	s.mu.Lock()
	list := make([]*Breaker, 0, len(s.m))
	for _, b := range s.m {
		list = append(list, b)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
