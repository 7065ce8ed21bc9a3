package payments

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/starpay/pkg/catalog"
	"github.com/Mindburn-Labs/starpay/pkg/fairness"
	"github.com/Mindburn-Labs/starpay/pkg/telegram"
)

// Drawer resolves a paid charge to a prize. Satisfied by *fairness.Engine.
type Drawer interface {
	Draw(ctx context.Context, caseID string, userID int64, nonce string) (fairness.DrawResult, error)
}

// Awarder dispenses the prize named by an award plan. Satisfied by *AwardService.
type Awarder interface {
	Schedule(ctx context.Context, plan AwardPlan) error
}

// Refunder returns stars to the payer. Satisfied by *RefundService.
type Refunder interface {
	RefundStar(ctx context.Context, userID int64, chargeID, reason string) error
}

// ReceiptSender posts the post-payment receipt message. Satisfied by *telegram.Client.
type ReceiptSender interface {
	SendMessage(ctx context.Context, params telegram.SendMessageParams) (telegram.Message, error)
}

// PaymentHandler settles successful_payment updates: it journals the charge,
// draws the prize, schedules the award and pays the user back when any of
// that fails. Each charge id is settled at most once.
type PaymentHandler struct {
	journal  *PaymentJournal
	cases    catalog.Store
	drawer   Drawer
	awarder  Awarder
	refunder Refunder
	receipts ReceiptSender
	currency string
	logger   *slog.Logger
	tracer   trace.Tracer

	settled    metric.Int64Counter
	idempotent metric.Int64Counter
	failures   metric.Int64Counter
}

// PaymentHandlerOption configures a PaymentHandler.
type PaymentHandlerOption func(*PaymentHandler)

// WithRefunder makes failed charges refundable. Without it failures are
// journaled as Failed and stars stay with the bot.
func WithRefunder(r Refunder) PaymentHandlerOption {
	return func(h *PaymentHandler) { h.refunder = r }
}

// WithReceiptSender enables the best-effort receipt message after settlement.
func WithReceiptSender(s ReceiptSender) PaymentHandlerOption {
	return func(h *PaymentHandler) { h.receipts = s }
}

// WithPaymentLogger overrides the handler logger.
func WithPaymentLogger(logger *slog.Logger) PaymentHandlerOption {
	return func(h *PaymentHandler) { h.logger = logger }
}

// NewPaymentHandler wires the settlement pipeline for successful payments.
func NewPaymentHandler(journal *PaymentJournal, cases catalog.Store, drawer Drawer, awarder Awarder, currency string, opts ...PaymentHandlerOption) *PaymentHandler {
	h := &PaymentHandler{
		journal:  journal,
		cases:    cases,
		drawer:   drawer,
		awarder:  awarder,
		currency: currency,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.tracer = otel.Tracer("starpay/payments")
	meter := otel.Meter("starpay/payments")
	h.settled, _ = meter.Int64Counter("pay_success_total",
		metric.WithDescription("Successful payments settled end to end"))
	h.idempotent, _ = meter.Int64Counter("pay_success_idempotent_total",
		metric.WithDescription("Successful payment redeliveries suppressed by the journal"))
	h.failures, _ = meter.Int64Counter("pay_failure_total",
		metric.WithDescription("Successful payments that could not be settled"))
	return h
}

// Handle settles one successful payment. Validation and award failures are
// compensated (refund when possible) and the update is considered consumed;
// cancellation mid-settlement reverts the journal entry so a redelivery can
// retry the charge.
func (h *PaymentHandler) Handle(ctx context.Context, msg telegram.Message) error {
	payment := msg.SuccessfulPayment
	if payment == nil {
		return fmt.Errorf("payments: message %d carries no successful_payment", msg.MessageID)
	}
	chargeID := strings.TrimSpace(payment.TelegramPaymentChargeID)
	if chargeID == "" {
		h.failures.Add(ctx, 1)
		return fmt.Errorf("payments: message %d carries a blank charge id", msg.MessageID)
	}
	var actorID int64
	if msg.From != nil {
		actorID = msg.From.ID
	}

	ctx, span := h.tracer.Start(ctx, "payments.settle",
		trace.WithAttributes(attribute.String("charge.id", chargeID)))
	defer span.End()

	if !h.journal.Begin(chargeID) {
		h.idempotent.Add(ctx, 1)
		span.SetAttributes(attribute.Bool("charge.duplicate", true))
		h.logger.InfoContext(ctx, "duplicate successful payment suppressed",
			"chargeId", chargeID, "userId", actorID)
		return nil
	}

	payload, c, reason := validateCharge(h.cases, h.currency, chargeFacts{
		actorID:        actorID,
		currency:       payment.Currency,
		totalAmount:    payment.TotalAmount,
		payloadRaw:     payment.InvoicePayload,
		mismatchReason: ReasonSenderMismatch,
	})
	if reason != "" {
		span.SetAttributes(attribute.String("charge.reject_reason", reason))
		h.settleFailure(ctx, chargeID, actorID, payment.Currency, ValidationReason(reason))
		return nil
	}

	res, err := h.drawer.Draw(ctx, payload.CaseID, payload.UserID, payload.Nonce)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "draw failed")
		if canceled(err) {
			h.journal.Revert(chargeID)
			return fmt.Errorf("payments: draw interrupted for charge %s: %w", chargeID, err)
		}
		h.settleFailure(ctx, chargeID, payload.UserID, payment.Currency, DrawReason(err.Error()))
		return fmt.Errorf("payments: draw failed for charge %s: %w", chargeID, err)
	}

	plan := AwardPlan{
		ChargeID:         chargeID,
		ProviderChargeID: payment.ProviderPaymentChargeID,
		Amount:           payment.TotalAmount,
		Currency:         payment.Currency,
		UserID:           payload.UserID,
		CaseID:           payload.CaseID,
		Nonce:            payload.Nonce,
		ResultItemID:     res.Record.ResultItemID,
		Record:           res.Record,
		Receipt:          res.Receipt,
	}
	if err := h.awarder.Schedule(ctx, plan); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "award failed")
		if canceled(err) {
			h.journal.Revert(chargeID)
			return fmt.Errorf("payments: award interrupted for charge %s: %w", chargeID, err)
		}
		h.settleFailure(ctx, chargeID, payload.UserID, payment.Currency, AwardReason(err.Error()))
		return fmt.Errorf("payments: award failed for charge %s: %w", chargeID, err)
	}

	h.journal.Complete(chargeID, plan)
	h.settled.Add(ctx, 1)
	h.logger.InfoContext(ctx, "payment settled",
		"chargeId", chargeID,
		"userId", payload.UserID,
		"caseId", payload.CaseID,
		"itemId", plan.ResultItemID,
		"amount", payment.TotalAmount)
	h.sendReceipt(ctx, msg, c, plan)
	return nil
}

// settleFailure compensates a charge that cannot be settled. Stars are
// refunded when a refunder is wired and the charge was paid in the
// configured currency; otherwise the charge parks as Failed for manual
// follow-up.
func (h *PaymentHandler) settleFailure(ctx context.Context, chargeID string, userID int64, currency, reason string) {
	h.failures.Add(ctx, 1)
	if h.refunder != nil && userID > 0 && currency == h.currency {
		if err := h.refunder.RefundStar(ctx, userID, chargeID, reason); err != nil {
			h.journal.MarkFailed(chargeID, reason)
			h.logger.ErrorContext(ctx, "refund after failed settlement did not go through",
				"chargeId", chargeID, "reason", reason, "error", err)
			return
		}
		h.journal.MarkRefunded(chargeID, reason)
		h.logger.WarnContext(ctx, "payment refunded",
			"chargeId", chargeID, "userId", userID, "reason", reason)
		return
	}
	h.journal.MarkFailed(chargeID, reason)
	h.logger.ErrorContext(ctx, "payment failed without refund",
		"chargeId", chargeID, "userId", userID, "reason", reason)
}

// sendReceipt posts the settlement summary to the chat the payment came
// from. Receipts are best effort: delivery failures are logged, never
// surfaced, and never undo a settled charge.
func (h *PaymentHandler) sendReceipt(ctx context.Context, msg telegram.Message, c catalog.Case, plan AwardPlan) {
	if h.receipts == nil {
		return
	}
	text := fmt.Sprintf("You opened %s and won item %s. Charge %s, day %s.",
		c.Title, plan.ResultItemID, plan.ChargeID, plan.Receipt.DayUTC)
	if _, err := h.receipts.SendMessage(ctx, telegram.SendMessageParams{
		ChatID:              msg.Chat.ID,
		Text:                text,
		DisableNotification: true,
	}); err != nil {
		h.logger.WarnContext(ctx, "receipt message not delivered",
			"chargeId", plan.ChargeID, "chatId", msg.Chat.ID, "error", err)
	}
}
