// Package queue implements the gateway's bounded multi-level priority
// FIFO, grounded on the teacher's channel-based concurrency idioms
// (internal/channel.TunableChannel, internal/pool's atomic counters) but
// generalized to strict cross-level priority with per-level FIFO order,
// overflow shedding, and deadline/cancellation-aware dequeue.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/stephabauva/wellness-gateway/internal/errs"
)

// Request is one unit of schedulable work. Priority is 1 (highest) to
// Levels (lowest). Deadline is optional; a zero Deadline never expires.
type Request struct {
	ID       string
	Priority int
	Deadline time.Time
	Cancel   <-chan struct{} // closed externally to cancel this request
	Payload  any
}

// Config bounds the queue.
type Config struct {
	Levels   int // number of priority levels, 1..Levels
	Capacity int // total capacity across all levels
}

func DefaultConfig() Config {
	return Config{Levels: 5, Capacity: 1000}
}

// Queue is a bounded, multi-level FIFO. Enqueue never blocks; on overflow
// the lowest-priority (highest-numbered) non-empty bucket sheds its
// oldest entry to make room. Dequeue blocks until an item is available,
// the context is cancelled, or timeout elapses.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	buckets []*list.List // index 0 == priority 1 (highest)
	size    int
	notify  chan struct{}

	rejected int64
	shed     int64
}

func New(cfg Config) *Queue {
	if cfg.Levels <= 0 {
		cfg.Levels = 5
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	q := &Queue{cfg: cfg, buckets: make([]*list.List, cfg.Levels), notify: make(chan struct{}, 1)}
	for i := range q.buckets {
		q.buckets[i] = list.New()
	}
	return q
}

func (q *Queue) levelIndex(priority int) int {
	if priority < 1 {
		priority = 1
	}
	if priority > q.cfg.Levels {
		priority = q.cfg.Levels
	}
	return priority - 1
}

// Enqueue adds req to its priority bucket. If the queue is at capacity,
// the oldest entry in the lowest-priority non-empty bucket at or below
// req's own level (req's own bucket included) is shed to make room; if
// every queued entry is of higher priority than req, req itself is
// rejected with a ResourceExhausted error.
func (q *Queue) Enqueue(req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size >= q.cfg.Capacity {
		if !q.shedLowestLocked(q.levelIndex(req.Priority)) {
			q.rejected++
			return errs.New(errs.ResourceExhausted, "queue overflow")
		}
	}

	idx := q.levelIndex(req.Priority)
	q.buckets[idx].PushBack(req)
	q.size++
	q.signal()
	return nil
}

// shedLowestLocked evicts the oldest entry from the lowest-priority
// non-empty bucket at or below protectIdx (i.e. never sheds a bucket
// higher-priority than the incoming request). Returns whether room was
// made.
func (q *Queue) shedLowestLocked(protectIdx int) bool {
	for i := len(q.buckets) - 1; i >= protectIdx; i-- {
		b := q.buckets[i]
		if b.Len() > 0 {
			b.Remove(b.Front())
			q.size--
			q.shed++
			return true
		}
	}
	return false
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue returns the highest-priority, oldest-submitted eligible request.
// Requests whose Deadline has passed, or whose Cancel channel is closed,
// are dropped silently and the scan continues. Blocks until an item is
// available, ctx is cancelled (Cancelled), or timeout elapses (Timeout).
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Request, error) {
	deadline := time.Now().Add(timeout)
	for {
		if req, ok := q.tryDequeueLocked(); ok {
			return req, nil
		}

		var waitCtx context.Context
		var cancel context.CancelFunc
		if timeout > 0 {
			waitCtx, cancel = context.WithDeadline(ctx, deadline)
		} else {
			waitCtx, cancel = ctx, func() {}
		}

		select {
		case <-q.notify:
			cancel()
			continue
		case <-waitCtx.Done():
			cancel()
			if ctx.Err() != nil {
				return Request{}, errs.New(errs.Cancelled, "dequeue cancelled").WithCause(ctx.Err())
			}
			return Request{}, errs.New(errs.Timeout, "dequeue timed out")
		}
	}
}

func (q *Queue) tryDequeueLocked() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, b := range q.buckets {
		for el := b.Front(); el != nil; {
			req := el.Value.(Request)
			next := el.Next()

			if isCancelled(req) || isExpired(req) {
				b.Remove(el)
				q.size--
				el = next
				continue
			}

			b.Remove(el)
			q.size--
			return req, true
		}
	}
	return Request{}, false
}

func isCancelled(req Request) bool {
	if req.Cancel == nil {
		return false
	}
	select {
	case <-req.Cancel:
		return true
	default:
		return false
	}
}

func isExpired(req Request) bool {
	return !req.Deadline.IsZero() && time.Now().After(req.Deadline)
}

// Stats reports queue depth and shedding counters.
type Stats struct {
	Size     int
	PerLevel []int
	Rejected int64
	Shed     int64
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	perLevel := make([]int, len(q.buckets))
	for i, b := range q.buckets {
		perLevel[i] = b.Len()
	}
	return Stats{Size: q.size, PerLevel: perLevel, Rejected: q.rejected, Shed: q.shed}
}
