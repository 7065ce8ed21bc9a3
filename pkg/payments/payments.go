// Package payments drives the Stars payment flow end to end: invoice
// minting, pre-checkout validation, successful-payment processing,
// prize awarding, and refunds. Every step is idempotent per platform
// charge ID so redelivered updates never double-award or double-refund.
package payments

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/starpay/pkg/fairness"
)

// Validation reason codes. They appear in logs and journal entries;
// end users only ever see the opaque rejection message.
const (
	ReasonInvalidPayload  = "invalid_payload"
	ReasonUserMismatch    = "user_mismatch"
	ReasonSenderMismatch  = "sender_mismatch"
	ReasonNonceBlank      = "nonce_blank"
	ReasonCaseIDBlank     = "case_id_blank"
	ReasonCaseNotFound    = "case_not_found"
	ReasonInvalidCurrency = "invalid_currency"
	ReasonInvalidAmount   = "invalid_amount"
	ReasonChargeIDBlank   = "charge_id_blank"
	ReasonVelocity        = "velocity"
)

// AwardPlan captures everything needed to dispense a prize for one
// completed charge. Built once per charge ID.
type AwardPlan struct {
	ChargeID         string              `json:"chargeId"`
	ProviderChargeID string              `json:"providerChargeId,omitempty"`
	Amount           int64               `json:"amount"`
	Currency         string              `json:"currency"`
	UserID           int64               `json:"userId"`
	CaseID           string              `json:"caseId"`
	Nonce            string              `json:"nonce"`
	ResultItemID     string              `json:"resultItemId,omitempty"`
	Record           fairness.DrawRecord `json:"record"`
	Receipt          fairness.Receipt    `json:"receipt"`
}

// ValidationReason tags a journal reason as a pre-award validation
// failure.
func ValidationReason(detail string) string { return "validation: " + detail }

// DrawReason tags a journal reason as an RNG draw failure.
func DrawReason(detail string) string { return "draw: " + detail }

// AwardReason tags a journal reason as an award execution failure.
func AwardReason(detail string) string { return "award: " + detail }

// canceled reports whether err is a cooperative cancellation rather
// than a real failure.
func canceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
