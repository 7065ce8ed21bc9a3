package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/starpay/pkg/catalog"
	"github.com/Mindburn-Labs/starpay/pkg/crypto"
	"github.com/Mindburn-Labs/starpay/pkg/telegram"
)

// DefaultNonceLength keeps the payload comfortably under the 128-byte
// platform limit while leaving draw nonces unguessable.
const DefaultNonceLength = 16

// ErrInvalidUser is returned for non-positive buyer IDs.
var ErrInvalidUser = errors.New("payments: user id must be positive")

// InvoiceClient is the platform surface invoice creation needs.
type InvoiceClient interface {
	CreateInvoiceLink(ctx context.Context, p telegram.CreateInvoiceLinkParams) (string, error)
}

// Invoice is the mini-app response: a shareable payment link plus the
// payload the platform will echo back through the payment flow.
type Invoice struct {
	Link    string         `json:"invoiceLink"`
	Payload PaymentPayload `json:"payload"`
}

// InvoiceService mints invoices for case openings. Each invoice gets a
// fresh nonce, which later keys the RNG draw.
type InvoiceService struct {
	client               InvoiceClient
	cases                catalog.Store
	currency             string
	titlePrefix          string
	businessConnectionID string
	nonceLen             int
	clock                func() time.Time
	logger               *slog.Logger

	created metric.Int64Counter
}

// InvoiceOption adjusts InvoiceService construction.
type InvoiceOption func(*InvoiceService)

// WithTitlePrefix prepends a fixed prefix to invoice titles.
func WithTitlePrefix(prefix string) InvoiceOption {
	return func(s *InvoiceService) { s.titlePrefix = prefix }
}

// WithBusinessConnectionID routes invoices through a business account.
func WithBusinessConnectionID(id string) InvoiceOption {
	return func(s *InvoiceService) { s.businessConnectionID = id }
}

// WithInvoiceClock substitutes the payload timestamp source.
func WithInvoiceClock(now func() time.Time) InvoiceOption {
	return func(s *InvoiceService) { s.clock = now }
}

// WithInvoiceLogger sets the service logger.
func WithInvoiceLogger(l *slog.Logger) InvoiceOption {
	return func(s *InvoiceService) { s.logger = l }
}

// NewInvoiceService builds the invoice minting service.
func NewInvoiceService(client InvoiceClient, cases catalog.Store, currency string, opts ...InvoiceOption) *InvoiceService {
	s := &InvoiceService{
		client:   client,
		cases:    cases,
		currency: currency,
		nonceLen: DefaultNonceLength,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	meter := otel.Meter("starpay/payments")
	s.created, _ = meter.Int64Counter("invoices_created_total",
		metric.WithDescription("Invoice links minted"))
	return s
}

// Create mints an invoice for one opening of the case by the user.
func (s *InvoiceService) Create(ctx context.Context, caseID string, userID int64) (Invoice, error) {
	if userID <= 0 {
		return Invoice{}, ErrInvalidUser
	}
	c, err := s.cases.Get(caseID)
	if err != nil {
		return Invoice{}, fmt.Errorf("payments: case lookup: %w", err)
	}

	nonce, err := crypto.NewNonce(s.nonceLen)
	if err != nil {
		return Invoice{}, fmt.Errorf("payments: mint nonce: %w", err)
	}
	payload := PaymentPayload{
		CaseID: c.ID,
		UserID: userID,
		Nonce:  nonce,
		TS:     s.clock().UnixMilli(),
	}
	encoded, err := payload.Encode()
	if err != nil {
		return Invoice{}, err
	}

	title := c.Title
	if s.titlePrefix != "" {
		title = s.titlePrefix + c.Title
	}
	link, err := s.client.CreateInvoiceLink(ctx, telegram.CreateInvoiceLinkParams{
		Title:                title,
		Description:          c.Title,
		Payload:              encoded,
		Currency:             s.currency,
		Prices:               []telegram.LabeledPrice{{Label: title, Amount: c.PriceStars}},
		BusinessConnectionID: s.businessConnectionID,
	})
	if err != nil {
		return Invoice{}, fmt.Errorf("payments: create invoice link: %w", err)
	}

	s.created.Add(ctx, 1)
	s.logger.InfoContext(ctx, "invoice created", "caseId", c.ID, "userId", userID, "nonce", nonce)
	return Invoice{Link: link, Payload: payload}, nil
}
