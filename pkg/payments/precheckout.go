package payments

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/starpay/pkg/antifraud"
	"github.com/Mindburn-Labs/starpay/pkg/catalog"
	"github.com/Mindburn-Labs/starpay/pkg/telegram"
)

// PreCheckoutDeadline bounds the whole pre-checkout exchange. The
// platform voids queries not answered within 10 seconds.
const PreCheckoutDeadline = 10 * time.Second

// RejectionMessage is the only text a user ever sees for a rejected
// checkout. The precise reason stays in the logs.
const RejectionMessage = "Payment rejected: invalid parameters."

// PreCheckoutClient is the platform surface the handler needs.
type PreCheckoutClient interface {
	AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error
}

// PreCheckoutHandler answers the platform's final confirmation before
// a charge. Exactly one answer is sent per query.
type PreCheckoutHandler struct {
	client   PreCheckoutClient
	cases    catalog.Store
	currency string
	velocity *antifraud.VelocityChecker
	logger   *slog.Logger

	decisions metric.Int64Counter
}

// PreCheckoutOption adjusts PreCheckoutHandler construction.
type PreCheckoutOption func(*PreCheckoutHandler)

// WithPreCheckoutVelocity lets the handler block checkouts for
// subjects the velocity checker flags hard enough.
func WithPreCheckoutVelocity(v *antifraud.VelocityChecker) PreCheckoutOption {
	return func(h *PreCheckoutHandler) { h.velocity = v }
}

// WithPreCheckoutLogger sets the handler logger.
func WithPreCheckoutLogger(l *slog.Logger) PreCheckoutOption {
	return func(h *PreCheckoutHandler) { h.logger = l }
}

// NewPreCheckoutHandler builds the pre-checkout handler.
func NewPreCheckoutHandler(client PreCheckoutClient, cases catalog.Store, currency string, opts ...PreCheckoutOption) *PreCheckoutHandler {
	h := &PreCheckoutHandler{
		client:   client,
		cases:    cases,
		currency: currency,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	meter := otel.Meter("starpay/payments")
	h.decisions, _ = meter.Int64Counter("pre_checkout_total",
		metric.WithDescription("Pre-checkout answers by result"))
	return h
}

// Handle validates the query and answers it.
func (h *PreCheckoutHandler) Handle(ctx context.Context, q telegram.PreCheckoutQuery) error {
	ctx, cancel := context.WithTimeout(ctx, PreCheckoutDeadline)
	defer cancel()

	payload, _, reason := validateCharge(h.cases, h.currency, chargeFacts{
		actorID:        q.From.ID,
		currency:       q.Currency,
		totalAmount:    q.TotalAmount,
		payloadRaw:     q.InvoicePayload,
		mismatchReason: ReasonUserMismatch,
	})

	if reason == "" && h.velocity != nil {
		dec := h.velocity.CheckAndRecord(antifraud.Event{
			Type:      antifraud.EventPreCheckout,
			SubjectID: q.From.ID,
			Path:      "pre_checkout",
		})
		if dec.Action == antifraud.ActionHardBlockBeforePayment {
			reason = ReasonVelocity
		}
	}

	if reason != "" {
		h.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "fail")))
		h.logger.WarnContext(ctx, "pre-checkout rejected",
			"queryId", q.ID, "userId", q.From.ID, "caseId", payload.CaseID, "reason", reason)
		return h.client.AnswerPreCheckoutQuery(ctx, q.ID, false, RejectionMessage)
	}

	h.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
	h.logger.InfoContext(ctx, "pre-checkout approved",
		"queryId", q.ID, "userId", q.From.ID, "caseId", payload.CaseID, "nonce", payload.Nonce)
	return h.client.AnswerPreCheckoutQuery(ctx, q.ID, true, "")
}
