package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RefundSLAWarn is the refund latency above which a warning is logged.
const RefundSLAWarn = 2 * time.Second

// ErrBlankChargeID rejects refund requests without a charge to refund.
var ErrBlankChargeID = errors.New("payments: charge id must not be blank")

// RefundClient returns stars to the payer. Satisfied by *telegram.Client.
type RefundClient interface {
	RefundStarPayment(ctx context.Context, userID int64, chargeID string) error
}

// RefundService issues star refunds at most once per charge id. A failed
// attempt is journaled as Failed and may be retried; retries continue the
// attempt count.
type RefundService struct {
	client  RefundClient
	journal *RefundJournal
	clock   func() time.Time
	logger  *slog.Logger

	total    metric.Int64Counter
	failures metric.Int64Counter
}

// RefundServiceOption configures a RefundService.
type RefundServiceOption func(*RefundService)

// WithRefundClock overrides the SLA clock.
func WithRefundClock(now func() time.Time) RefundServiceOption {
	return func(s *RefundService) { s.clock = now }
}

// WithRefundLogger overrides the service logger.
func WithRefundLogger(logger *slog.Logger) RefundServiceOption {
	return func(s *RefundService) { s.logger = logger }
}

// NewRefundService wires star refunds against the given platform client.
func NewRefundService(client RefundClient, journal *RefundJournal, opts ...RefundServiceOption) *RefundService {
	s := &RefundService{
		client:  client,
		journal: journal,
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	meter := otel.Meter("starpay/payments")
	s.total, _ = meter.Int64Counter("refund_total",
		metric.WithDescription("Star refunds attempted"))
	s.failures, _ = meter.Int64Counter("refund_fail_total",
		metric.WithDescription("Star refunds that did not go through"))
	return s
}

// RefundStar refunds the named charge back to userID. A charge already
// refunded or mid-refund is a logged no-op; a charge whose last attempt
// failed is retried with the attempt count carried forward.
func (s *RefundService) RefundStar(ctx context.Context, userID int64, chargeID, reason string) error {
	if userID <= 0 {
		return ErrInvalidUser
	}
	chargeID = strings.TrimSpace(chargeID)
	if chargeID == "" {
		return ErrBlankChargeID
	}

	rec, ok := s.journal.TryBegin(chargeID, reason)
	if !ok {
		s.logger.InfoContext(ctx, "duplicate refund suppressed",
			"chargeId", chargeID, "status", rec.Status, "attempt", rec.Attempt)
		return nil
	}
	s.total.Add(ctx, 1)

	start := s.clock()
	if err := s.client.RefundStarPayment(ctx, userID, chargeID); err != nil {
		s.journal.Fail(chargeID, err.Error())
		s.failures.Add(ctx, 1)
		return fmt.Errorf("payments: refund charge %s: %w", chargeID, err)
	}
	done, _ := s.journal.Succeed(chargeID)
	elapsed := s.clock().Sub(start)
	if elapsed > RefundSLAWarn {
		s.logger.WarnContext(ctx, "refund exceeded latency budget",
			"chargeId", chargeID, "elapsed", elapsed, "attempt", done.Attempt)
	}
	s.logger.InfoContext(ctx, "refund succeeded",
		"chargeId", chargeID, "userId", userID, "reason", reason, "attempt", done.Attempt)
	return nil
}
