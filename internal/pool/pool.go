// Package pool implements a bounded, per-provider concurrency limiter with
// cumulative health tracking, adapted from the goroutine pool idiom of
// capped worker counts guarded by atomics and guaranteed slot release.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stephabauva/wellness-gateway/internal/errs"
)

// Outcome describes how a unit of work finished, for the per-provider stats.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// Slot represents an acquired concurrency permit for one provider. It must
// be released exactly once, typically via a deferred Release call so the
// slot is freed on every completion path including panics.
type Slot struct {
	providerTag string
	acquiredAt  time.Time
	released    atomic.Bool
}

type providerStats struct {
	inFlight   atomic.Int32
	successes  atomic.Int64
	failures   atomic.Int64
	latencySum atomic.Int64 // nanoseconds, cumulative; divided by latencyCnt
	latencyCnt atomic.Int64
}

// Stats is a point-in-time snapshot of a provider's health.
type Stats struct {
	ProviderTag    string
	InFlight       int
	Successes      int64
	Failures       int64
	AverageLatency time.Duration
}

// Config controls pool behavior.
type Config struct {
	// MaxPerProvider bounds concurrent in-flight calls for any one
	// provider tag.
	MaxPerProvider int
}

// Pool bounds concurrency per-provider and tracks cumulative success/failure
// counts and average latency for observability. It never uses these stats
// to make routing decisions.
type Pool struct {
	maxPerProvider int

	mu    sync.Mutex
	sems  map[string]chan struct{}
	stats map[string]*providerStats
}

func New(cfg Config) *Pool {
	if cfg.MaxPerProvider <= 0 {
		cfg.MaxPerProvider = 50
	}
	return &Pool{
		maxPerProvider: cfg.MaxPerProvider,
		sems:           make(map[string]chan struct{}),
		stats:          make(map[string]*providerStats),
	}
}

func (p *Pool) semFor(providerTag string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.sems[providerTag]
	if !ok {
		sem = make(chan struct{}, p.maxPerProvider)
		p.sems[providerTag] = sem
		p.stats[providerTag] = &providerStats{}
	}
	return sem
}

func (p *Pool) statsFor(providerTag string) *providerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.stats[providerTag]
	if !ok {
		st = &providerStats{}
		p.stats[providerTag] = st
	}
	return st
}

// Acquire blocks until a concurrency slot for providerTag is free, the
// context is cancelled, or timeout elapses, whichever is first. A
// non-positive timeout means "wait until ctx is done only".
func (p *Pool) Acquire(ctx context.Context, providerTag string, timeout time.Duration) (*Slot, error) {
	sem := p.semFor(providerTag)

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case sem <- struct{}{}:
		st := p.statsFor(providerTag)
		st.inFlight.Add(1)
		return &Slot{providerTag: providerTag, acquiredAt: time.Now()}, nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, errs.New(errs.Cancelled, "acquire cancelled").WithCause(ctx.Err())
		}
		return nil, errs.New(errs.ResourceExhausted, "connection pool exhausted for provider "+providerTag)
	}
}

// Release returns the slot to its provider's pool and records the outcome
// and latency. Safe to call multiple times; only the first call has
// effect, so deferring Release alongside an explicit success-path call is
// safe.
func (p *Pool) Release(slot *Slot, outcome Outcome) {
	if slot == nil || !slot.released.CompareAndSwap(false, true) {
		return
	}

	sem := p.semFor(slot.providerTag)
	select {
	case <-sem:
	default:
	}

	st := p.statsFor(slot.providerTag)
	st.inFlight.Add(-1)
	switch outcome {
	case OutcomeSuccess:
		st.successes.Add(1)
	default:
		st.failures.Add(1)
	}
	st.latencySum.Add(int64(time.Since(slot.acquiredAt)))
	st.latencyCnt.Add(1)
}

// Stats returns a snapshot for providerTag. Returns a zero Stats if the
// provider has never been acquired from.
func (p *Pool) Stats(providerTag string) Stats {
	p.mu.Lock()
	st, ok := p.stats[providerTag]
	p.mu.Unlock()
	if !ok {
		return Stats{ProviderTag: providerTag}
	}

	cnt := st.latencyCnt.Load()
	var avg time.Duration
	if cnt > 0 {
		avg = time.Duration(st.latencySum.Load() / cnt)
	}
	return Stats{
		ProviderTag:    providerTag,
		InFlight:       int(st.inFlight.Load()),
		Successes:      st.successes.Load(),
		Failures:       st.failures.Load(),
		AverageLatency: avg,
	}
}

// AllStats returns a snapshot for every provider tag seen so far.
func (p *Pool) AllStats() []Stats {
	p.mu.Lock()
	tags := make([]string, 0, len(p.stats))
	for tag := range p.stats {
		tags = append(tags, tag)
	}
	p.mu.Unlock()

	out := make([]Stats, 0, len(tags))
	for _, tag := range tags {
		out = append(out, p.Stats(tag))
	}
	return out
}
