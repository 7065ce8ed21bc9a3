package payments

import (
	"strings"

	"github.com/Mindburn-Labs/starpay/pkg/catalog"
)

// chargeFacts are the fields shared by pre-checkout queries and
// successful payments that validation inspects. mismatchReason names
// the reason used when the payload's user differs from the actor:
// user_mismatch for pre-checkout, sender_mismatch for payments.
type chargeFacts struct {
	actorID        int64
	currency       string
	totalAmount    int64
	payloadRaw     string
	mismatchReason string
}

// validateCharge runs the payment validation sequence and returns the
// decoded payload, the case, and "" on success, or the first failing
// reason code. The checks short-circuit in a fixed order so a given
// input always reports the same reason.
func validateCharge(cases catalog.Store, currency string, f chargeFacts) (PaymentPayload, catalog.Case, string) {
	payload, err := DecodePayload(f.payloadRaw)
	if err != nil {
		return PaymentPayload{}, catalog.Case{}, ReasonInvalidPayload
	}
	if payload.UserID != f.actorID {
		return payload, catalog.Case{}, f.mismatchReason
	}
	if strings.TrimSpace(payload.Nonce) == "" {
		return payload, catalog.Case{}, ReasonNonceBlank
	}
	if strings.TrimSpace(payload.CaseID) == "" {
		return payload, catalog.Case{}, ReasonCaseIDBlank
	}
	c, err := cases.Get(payload.CaseID)
	if err != nil {
		return payload, catalog.Case{}, ReasonCaseNotFound
	}
	if f.currency != currency {
		return payload, c, ReasonInvalidCurrency
	}
	if f.totalAmount != c.PriceStars {
		return payload, c, ReasonInvalidAmount
	}
	return payload, c, ""
}
