// Package webhook receives Bot API updates, deduplicates them, and
// fans them out to kind-specific handlers through a bounded queue.
// Updates arrive either from the HTTP front door or from the long
// poller; both feed the same dispatcher.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/starpay/pkg/telegram"
)

const (
	// DefaultQueueCapacity bounds the update backlog.
	DefaultQueueCapacity = 10_000

	// DefaultWorkers preserves arrival order by handling updates one
	// at a time.
	DefaultWorkers = 1

	// DefaultDedupTTL covers the platform's redelivery horizon with a
	// 2h margin.
	DefaultDedupTTL = 26 * time.Hour

	dedupSweepEvery = 15 * time.Minute
)

// ErrDispatcherClosed is returned by Enqueue after Close.
var ErrDispatcherClosed = errors.New("webhook: dispatcher closed")

// HandleFunc processes one update. Errors mean the update was not
// handled; the dispatcher logs them and moves on.
type HandleFunc func(ctx context.Context, u telegram.Update) error

// updateRing is a fixed-capacity FIFO. When full, push evicts the
// oldest entry to make room.
type updateRing struct {
	buf   []telegram.Update
	head  int
	count int
}

func newUpdateRing(capacity int) *updateRing {
	return &updateRing{buf: make([]telegram.Update, capacity)}
}

// push appends u, evicting the oldest entry when full. It reports
// whether an eviction happened and the evicted update.
func (r *updateRing) push(u telegram.Update) (telegram.Update, bool) {
	var evicted telegram.Update
	var full bool
	if r.count == len(r.buf) {
		evicted = r.pop()
		full = true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = u
	r.count++
	return evicted, full
}

func (r *updateRing) pop() telegram.Update {
	u := r.buf[r.head]
	r.buf[r.head] = telegram.Update{}
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return u
}

func (r *updateRing) len() int { return r.count }

// Dispatcher is a bounded FIFO of updates with drop-oldest overflow,
// update-id dedup, and a fixed worker pool. All queue state is guarded
// by one mutex; workers park on the condition variable.
type Dispatcher struct {
	handler  HandleFunc
	capacity int
	workers  int
	dedupTTL time.Duration
	logger   *slog.Logger
	clock    func() time.Time

	mu      sync.Mutex
	cond    *sync.Cond
	ring    *updateRing
	seen    map[int64]int64 // update id -> first seen, unix ms
	started bool
	closed  bool

	wg        sync.WaitGroup
	sweepStop chan struct{}
	sweepDone chan struct{}

	enqueued   metric.Int64Counter
	dropped    metric.Int64Counter
	duplicates metric.Int64Counter
	processed  metric.Int64Counter
	queueSize  metric.Int64Gauge
	handleSecs metric.Float64Histogram
}

// DispatcherOption adjusts Dispatcher construction.
type DispatcherOption func(*Dispatcher)

// WithQueueCapacity bounds the backlog. Values below 1 are ignored.
func WithQueueCapacity(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.capacity = n
		}
	}
}

// WithWorkers sets the worker pool size. Values below 1 are ignored.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithDedupTTL sets how long an update id blocks redelivery.
func WithDedupTTL(ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.dedupTTL = ttl }
}

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDispatcherClock substitutes the time source used for dedup aging.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.clock = now }
}

// NewDispatcher builds a stopped dispatcher around handler.
func NewDispatcher(handler HandleFunc, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handler:  handler,
		capacity: DefaultQueueCapacity,
		workers:  DefaultWorkers,
		dedupTTL: DefaultDedupTTL,
		logger:   slog.Default(),
		clock:    time.Now,
		seen:     make(map[int64]int64),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.cond = sync.NewCond(&d.mu)
	d.ring = newUpdateRing(d.capacity)

	meter := otel.Meter("starpay/webhook")
	d.enqueued, _ = meter.Int64Counter("updates_enqueued_total",
		metric.WithDescription("Updates accepted into the dispatch queue"))
	d.dropped, _ = meter.Int64Counter("updates_dropped_total",
		metric.WithDescription("Updates evicted on overflow or refused after close"))
	d.duplicates, _ = meter.Int64Counter("updates_duplicate_total",
		metric.WithDescription("Updates discarded as redeliveries within the dedup TTL"))
	d.processed, _ = meter.Int64Counter("updates_processed_total",
		metric.WithDescription("Updates handled successfully"))
	d.queueSize, _ = meter.Int64Gauge("updates_queue_size",
		metric.WithDescription("Updates waiting in the dispatch queue"))
	d.handleSecs, _ = meter.Float64Histogram("update_handle_seconds",
		metric.WithDescription("Time spent handling one update"))
	return d
}

// Start launches the workers and the dedup sweeper. Repeated calls
// warn and return.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		d.logger.Warn("dispatcher already started or closed")
		return
	}
	d.started = true
	d.sweepStop = make(chan struct{})
	d.sweepDone = make(chan struct{})

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
	go d.sweep()
}

// Close refuses further enqueues, lets the workers drain the backlog,
// and stops the sweeper. Safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	started := d.started
	d.cond.Broadcast()
	d.mu.Unlock()

	if !started {
		return
	}
	d.wg.Wait()
	close(d.sweepStop)
	<-d.sweepDone
}

// Enqueue admits one update. Redeliveries within the dedup TTL are
// dropped silently; on overflow the oldest queued update is evicted.
// After Close it returns ErrDispatcherClosed.
func (d *Dispatcher) Enqueue(ctx context.Context, u telegram.Update) error {
	nowMs := d.clock().UnixMilli()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.dropped.Add(ctx, 1)
		return ErrDispatcherClosed
	}
	if seenAt, ok := d.seen[u.UpdateID]; ok && nowMs-seenAt < d.dedupTTL.Milliseconds() {
		d.mu.Unlock()
		d.duplicates.Add(ctx, 1)
		d.logger.DebugContext(ctx, "duplicate update discarded", "updateId", u.UpdateID)
		return nil
	}
	d.seen[u.UpdateID] = nowMs

	evicted, wasFull := d.ring.push(u)
	size := d.ring.len()
	d.cond.Signal()
	d.mu.Unlock()

	if wasFull {
		d.dropped.Add(ctx, 1)
		d.logger.WarnContext(ctx, "queue full, dropped oldest update", "droppedUpdateId", evicted.UpdateID)
	}
	d.enqueued.Add(ctx, 1)
	d.queueSize.Record(ctx, int64(size))
	return nil
}

// QueueLen reports the number of updates waiting.
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ring.len()
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for d.ring.len() == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.ring.len() == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		u := d.ring.pop()
		size := d.ring.len()
		d.mu.Unlock()
		d.queueSize.Record(ctx, int64(size))

		start := time.Now()
		err := d.handler(ctx, u)
		d.handleSecs.Record(ctx, time.Since(start).Seconds())
		switch {
		case err == nil:
			d.processed.Add(ctx, 1)
		case errors.Is(err, context.Canceled):
			d.logger.InfoContext(ctx, "update handling canceled", "updateId", u.UpdateID)
		default:
			d.logger.ErrorContext(ctx, "update handling failed", "updateId", u.UpdateID, "error", err)
		}
	}
}

// sweep drops dedup entries older than the TTL.
func (d *Dispatcher) sweep() {
	defer close(d.sweepDone)
	ticker := time.NewTicker(dedupSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-d.sweepStop:
			return
		case <-ticker.C:
			cut := d.clock().UnixMilli() - d.dedupTTL.Milliseconds()
			d.mu.Lock()
			for id, at := range d.seen {
				if at <= cut {
					delete(d.seen, id)
				}
			}
			d.mu.Unlock()
		}
	}
}
