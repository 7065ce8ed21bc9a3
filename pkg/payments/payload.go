package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MaxPayloadBytes bounds the serialized payload. The platform caps
// invoice payloads at 128 bytes.
const MaxPayloadBytes = 128

var (
	// ErrPayloadTooLarge is returned when a payload does not fit the
	// platform limit.
	ErrPayloadTooLarge = errors.New("payments: payload exceeds 128 bytes")

	// ErrPayloadInvalid is returned for payloads that do not decode or
	// fail basic field checks at mint time.
	ErrPayloadInvalid = errors.New("payments: invalid payload")
)

// PaymentPayload ties an invoice to the case, buyer, and draw nonce.
// It rides inside the platform invoice and comes back verbatim on
// pre-checkout and successful payment.
type PaymentPayload struct {
	CaseID string `json:"caseId"`
	UserID int64  `json:"userId"`
	Nonce  string `json:"nonce"`
	TS     int64  `json:"ts"`
}

// Validate checks the mint-time invariants.
func (p PaymentPayload) Validate() error {
	if strings.TrimSpace(p.CaseID) == "" {
		return fmt.Errorf("%w: blank caseId", ErrPayloadInvalid)
	}
	if p.UserID <= 0 {
		return fmt.Errorf("%w: userId must be positive", ErrPayloadInvalid)
	}
	if strings.TrimSpace(p.Nonce) == "" {
		return fmt.Errorf("%w: blank nonce", ErrPayloadInvalid)
	}
	return nil
}

// Encode serializes the payload as compact JSON, enforcing the size
// limit and field invariants.
func (p PaymentPayload) Encode() (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("payments: encode payload: %w", err)
	}
	if len(data) > MaxPayloadBytes {
		return "", ErrPayloadTooLarge
	}
	return string(data), nil
}

// DecodePayload parses a payload received from the platform. Field
// content is not validated here; the charge validators report precise
// reasons for blank or mismatched fields.
func DecodePayload(raw string) (PaymentPayload, error) {
	if len(raw) > MaxPayloadBytes {
		return PaymentPayload{}, ErrPayloadTooLarge
	}
	var p PaymentPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return PaymentPayload{}, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	return p, nil
}
