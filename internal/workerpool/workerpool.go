// Package workerpool runs a fixed-size set of workers draining the
// gateway's priority queue, invoking breaker-wrapped provider calls
// through the connection pool with bounded exponential backoff on
// transient failures, adapted from the teacher's GoroutinePool worker
// loop (internal/pool/goroutine_pool.go) generalized to the gateway's
// specific dequeue → cache → acquire → invoke → retry pipeline.
package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stephabauva/wellness-gateway/internal/breaker"
	"github.com/stephabauva/wellness-gateway/internal/cache"
	"github.com/stephabauva/wellness-gateway/internal/errs"
	"github.com/stephabauva/wellness-gateway/internal/pool"
	"github.com/stephabauva/wellness-gateway/internal/provider"
	"github.com/stephabauva/wellness-gateway/internal/queue"
	"go.uber.org/zap"
)

// Result is what a worker produces for one dequeued request.
type Result struct {
	Response    *provider.ChatResponse
	CacheHit    bool
	RetryAttempt int
	Err         error
}

// Job is the unit of work a caller submits; it carries everything a
// worker needs and a channel to receive the Result on.
type Job struct {
	Request      queue.Request
	ProviderTag  string
	Provider     provider.Provider
	Messages     []provider.Message
	Options      provider.Options
	CacheKey     string
	done         chan Result
}

// NewJob constructs a Job with its result channel pre-allocated.
func NewJob(req queue.Request, providerTag string, p provider.Provider, messages []provider.Message, opts provider.Options, cacheKey string) *Job {
	return &Job{Request: req, ProviderTag: providerTag, Provider: p, Messages: messages, Options: opts, CacheKey: cacheKey, done: make(chan Result, 1)}
}

// Wait blocks until the job's worker has produced a result.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-j.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Config controls pool sizing and retry behavior.
type Config struct {
	Workers    int
	MaxRetries int
	AcquireTimeout time.Duration

	// CircuitBreakersEnabled gates whether provider calls run through the
	// breaker registry. It is resolved once at wiring time from the
	// circuit_breakers rollout flag: jobs carry no per-request userID, so
	// there is no per-call percentage check to make here.
	CircuitBreakersEnabled bool
}

func DefaultConfig() Config {
	return Config{Workers: 8, MaxRetries: 3, AcquireTimeout: 5 * time.Second, CircuitBreakersEnabled: true}
}

// Pool runs Config.Workers goroutines, each looping: dequeue from the
// shared priority queue, check the response cache, acquire a connection
// slot, invoke the breaker-wrapped provider, retry transient failures
// with backoff, and deliver a Result to the job's channel.
type Pool struct {
	cfg     Config
	q       *queue.Queue
	conn    *pool.Pool
	cache   *cache.Cache
	breakers *breaker.Registry
	logger  *zap.Logger

	jobs map[string]*Job
	mu   sync.Mutex

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func New(cfg Config, q *queue.Queue, conn *pool.Pool, c *cache.Cache, breakers *breaker.Registry, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:      cfg,
		q:        q,
		conn:     conn,
		cache:    c,
		breakers: breakers,
		logger:   logger.With(zap.String("component", "workerpool")),
		jobs:     make(map[string]*Job),
		stopCh:   make(chan struct{}),
	}
}

// WorkerCount returns the number of worker goroutines this pool runs.
func (p *Pool) WorkerCount() int { return p.cfg.Workers }

// Submit enqueues job on the shared queue (keyed by job.Request) and
// registers it so the worker that dequeues the matching request can find
// its result channel.
func (p *Pool) Submit(job *Job) error {
	p.mu.Lock()
	p.jobs[job.Request.ID] = job
	p.mu.Unlock()

	if err := p.q.Enqueue(job.Request); err != nil {
		p.mu.Lock()
		delete(p.jobs, job.Request.ID)
		p.mu.Unlock()
		return err
	}
	return nil
}

// Start launches the worker goroutines. Stop must be called to release
// them.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Stop signals every worker to exit and waits for them to drain.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		req, err := p.q.Dequeue(ctx, time.Second)
		if err != nil {
			continue
		}

		p.mu.Lock()
		job, ok := p.jobs[req.ID]
		delete(p.jobs, req.ID)
		p.mu.Unlock()
		if !ok {
			continue
		}

		job.done <- p.execute(ctx, job)
	}
}

func (p *Pool) execute(ctx context.Context, job *Job) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Err: errs.New(errs.Internal, "worker panicked").WithCause(errs.New(errs.Internal, "panic recovered"))}
		}
	}()

	if job.CacheKey != "" {
		if res, hit := p.cache.Get(ctx, cache.CategoryAIResponses, job.CacheKey); hit && !res.Stale {
			if resp, ok := res.Value.(*provider.ChatResponse); ok {
				return Result{Response: resp, CacheHit: true}
			}
		}
	}

	var b *breaker.Breaker
	if p.cfg.CircuitBreakersEnabled {
		b = p.breakers.Get(job.ProviderTag)
	}
	attempt := 0

	op := func() (*provider.ChatResponse, error) {
		attempt++
		slot, err := p.conn.Acquire(ctx, job.ProviderTag, p.cfg.AcquireTimeout)
		if err != nil {
			return nil, err
		}
		defer p.conn.Release(slot, pool.OutcomeFailure)

		var resp *provider.ChatResponse
		var callErr error
		call := func(ctx context.Context) error {
			var innerErr error
			resp, innerErr = job.Provider.Chat(ctx, job.Messages, job.Options)
			return innerErr
		}
		if b != nil {
			callErr = b.Call(ctx, call)
		} else {
			callErr = call(ctx)
		}

		outcome := pool.OutcomeSuccess
		if callErr != nil {
			outcome = pool.OutcomeFailure
		}
		p.conn.Release(slot, outcome)

		if callErr != nil {
			if !isRetryable(callErr) {
				return nil, backoff.Permanent(callErr)
			}
			return nil, callErr
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(p.cfg.MaxRetries)+1),
	)
	if err != nil {
		return Result{Err: err, RetryAttempt: attempt - 1}
	}

	if job.CacheKey != "" {
		p.cache.Put(ctx, cache.CategoryAIResponses, job.CacheKey, resp)
	}

	return Result{Response: resp, RetryAttempt: attempt - 1}
}

func isRetryable(err error) bool {
	class := errs.ClassOf(err)
	return class == errs.Transient || class == errs.RateLimited
}
