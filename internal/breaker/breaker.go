// Package breaker implements a per-key circuit breaker, adapted from the
// teacher's llm/circuitbreaker state machine (closed/open/half-open with
// a consecutive-failure threshold and a reset-timeout cooldown) and
// generalized to a Registry keyed by provider tag or user id so each key
// trips independently.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/stephabauva/wellness-gateway/internal/errs"
)

// State is the breaker's current posture.
type State int

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

// Config controls one breaker's trip/recovery behavior.
type Config struct {
	Threshold        int           // consecutive failures before tripping open
	ResetTimeout     time.Duration // how long Open is held before probing half-open
	HalfOpenMaxCalls int           // calls allowed through while half-open
}

func DefaultConfig() Config {
	return Config{Threshold: 5, ResetTimeout: 60 * time.Second, HalfOpenMaxCalls: 3}
}

// Breaker is a single key's state machine.
type Breaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	halfOpenCalls   int
}

func newBreaker(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed, clearing failure history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenCalls = 0
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailureTime) > b.cfg.ResetTimeout {
			b.state = StateHalfOpen
			b.halfOpenCalls = 1
			return nil
		}
		return errs.New(errs.BreakerOpen, "circuit breaker open")
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return errs.New(errs.BreakerOpen, "circuit breaker half-open call limit reached")
		}
		b.halfOpenCalls++
		return nil
	default:
		return errs.New(errs.Internal, "breaker in unknown state")
	}
}

func (b *Breaker) afterCall(success bool) (tripped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case StateClosed:
			b.failureCount = 0
		case StateHalfOpen:
			b.state = StateClosed
			b.failureCount = 0
			b.halfOpenCalls = 0
		}
		return false
	}

	b.lastFailureTime = time.Now()
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.Threshold {
			b.state = StateOpen
			return true
		}
	case StateHalfOpen:
		b.state = StateOpen
		return true
	}
	return false
}

// Call executes fn guarded by the breaker's state machine. Only errors
// classed Transient, RateLimited or Timeout count toward the failure threshold;
// other error classes pass through without affecting breaker state, since
// they indicate a client/request problem rather than upstream distress.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)
	success := err == nil || !countsAsFailure(err)
	b.afterCall(success)
	return err
}

func countsAsFailure(err error) bool {
	class := errs.ClassOf(err)
	return class == errs.Transient || class == errs.RateLimited || class == errs.Timeout
}

// Registry hands out one Breaker per key (provider tag or user id),
// creating it lazily with a shared Config.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = newBreaker(r.cfg)
		r.breakers[key] = b
	}
	return b
}

// States returns every known key's current state, for /admin/stats.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	keys := make([]string, 0, len(r.breakers))
	bs := make([]*Breaker, 0, len(r.breakers))
	for k, b := range r.breakers {
		keys = append(keys, k)
		bs = append(bs, b)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(keys))
	for i, k := range keys {
		out[k] = bs[i].State()
	}
	return out
}
