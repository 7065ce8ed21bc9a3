package telegram

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// DefaultPollTimeoutSec is the long-poll window requested from the
// platform when none is configured.
const DefaultPollTimeoutSec = 25

// Sink receives one update from the poller. Errors are logged and do
// not stop the poll loop.
type Sink func(ctx context.Context, u Update) error

// LongPoller pulls updates via getUpdates and feeds them to a sink.
// Webhook delivery is disabled before the first poll so the platform
// routes updates to polling. Poll failures are retried forever with
// the client's backoff schedule.
type LongPoller struct {
	client      *Client
	sink        Sink
	pollTimeout int
	allowed     []string
	logger      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// Next offset to request. -1 until the first batch arrives.
	offset atomic.Int64

	cycles      metric.Int64Counter
	requests    metric.Int64Counter
	responses   metric.Int64Counter
	batches     metric.Int64Counter
	updates     metric.Int64Counter
	retries     metric.Int64Counter
	pollErrors  metric.Int64Counter
	offsetGauge metric.Int64Gauge
}

// PollerOption adjusts LongPoller construction.
type PollerOption func(*LongPoller)

// WithPollTimeout sets the getUpdates long-poll window in seconds.
func WithPollTimeout(sec int) PollerOption {
	return func(p *LongPoller) { p.pollTimeout = sec }
}

// WithAllowedUpdates restricts which update kinds the platform sends.
func WithAllowedUpdates(kinds ...string) PollerOption {
	return func(p *LongPoller) { p.allowed = kinds }
}

// WithPollerLogger sets the poll loop logger.
func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(p *LongPoller) { p.logger = l }
}

// NewLongPoller builds a poller that delivers updates to sink.
func NewLongPoller(client *Client, sink Sink, opts ...PollerOption) *LongPoller {
	p := &LongPoller{
		client:      client,
		sink:        sink,
		pollTimeout: DefaultPollTimeoutSec,
		allowed:     []string{"message", "pre_checkout_query"},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.offset.Store(-1)

	meter := otel.Meter("starpay/telegram")
	p.cycles, _ = meter.Int64Counter("longpoll_cycles_total",
		metric.WithDescription("Poll loop iterations"))
	p.requests, _ = meter.Int64Counter("longpoll_requests_total",
		metric.WithDescription("getUpdates requests issued"))
	p.responses, _ = meter.Int64Counter("longpoll_responses_total",
		metric.WithDescription("getUpdates requests answered successfully"))
	p.batches, _ = meter.Int64Counter("longpoll_batches_total",
		metric.WithDescription("Non-empty update batches received"))
	p.updates, _ = meter.Int64Counter("longpoll_updates_total",
		metric.WithDescription("Updates received via long polling"))
	p.retries, _ = meter.Int64Counter("longpoll_retries_total",
		metric.WithDescription("Poll attempts repeated after a failure"))
	p.pollErrors, _ = meter.Int64Counter("longpoll_errors_total",
		metric.WithDescription("getUpdates requests that failed"))
	p.offsetGauge, _ = meter.Int64Gauge("longpoll_offset",
		metric.WithDescription("Next update offset to request, -1 before the first batch"))
	p.offsetGauge.Record(context.Background(), -1)
	return p
}

// Offset returns the next update offset the poller will request, or -1
// before the first batch.
func (p *LongPoller) Offset() int64 { return p.offset.Load() }

// Start launches the poll loop. Repeated calls warn and return.
func (p *LongPoller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.logger.Warn("long poller already started")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop cancels the poll loop and waits for it to exit. Safe to call
// multiple times and before Start.
func (p *LongPoller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *LongPoller) run(ctx context.Context) {
	defer close(p.done)

	// Polling and webhook delivery are mutually exclusive on the
	// platform side. Keep pending updates so none are lost when
	// switching modes.
	if err := p.client.DeleteWebhook(ctx, false); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.ErrorContext(ctx, "failed to delete webhook before polling", "error", err)
	}

	retry := 0
	for ctx.Err() == nil {
		p.cycles.Add(ctx, 1)

		var offsetArg *int64
		if v := p.offset.Load(); v >= 0 {
			offsetArg = &v
		}

		p.requests.Add(ctx, 1)
		batch, err := p.client.GetUpdates(ctx, offsetArg, p.pollTimeout, p.allowed)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.pollErrors.Add(ctx, 1)
			p.retries.Add(ctx, 1)
			p.logger.WarnContext(ctx, "poll failed", "error", err, "retry", retry)
			if sleepCtx(ctx, backoffDelay(retry, p.client.retryBase, p.client.retryCap)) != nil {
				return
			}
			retry++
			continue
		}
		retry = 0
		p.responses.Add(ctx, 1)
		if len(batch) == 0 {
			continue
		}

		p.batches.Add(ctx, 1)
		p.updates.Add(ctx, int64(len(batch)))
		maxID := batch[0].UpdateID
		for _, u := range batch {
			if u.UpdateID > maxID {
				maxID = u.UpdateID
			}
			if err := p.sink(ctx, u); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.WarnContext(ctx, "failed to hand off update", "updateId", u.UpdateID, "error", err)
			}
		}
		p.offset.Store(maxID + 1)
		p.offsetGauge.Record(ctx, maxID+1)
	}
}
