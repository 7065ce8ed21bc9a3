// Package server assembles the HTTP surface: the public fairness and
// mini-app routes, the webhook front door, and the admin API.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/starpay/pkg/api"
	"github.com/Mindburn-Labs/starpay/pkg/antifraud"
	"github.com/Mindburn-Labs/starpay/pkg/fairness"
	"github.com/Mindburn-Labs/starpay/pkg/observability"
	"github.com/Mindburn-Labs/starpay/pkg/payments"
	"github.com/Mindburn-Labs/starpay/pkg/telegram"
)

// Config carries the route-level settings the handlers need.
type Config struct {
	// WebhookPath mounts the update receiver when Deps.Webhook is set.
	WebhookPath string
	// WebhookSecret is attached to every setWebhook call.
	WebhookSecret string
	// PublicBaseURL derives the webhook URL when a set request omits one.
	PublicBaseURL string
	// AdminToken gates the /internal surface. Empty disables it.
	AdminToken string
	// BanDefaultTTLSeconds applies to ban requests without a ttl.
	BanDefaultTTLSeconds int64
}

// PlatformAdmin is the slice of the platform client the admin surface
// drives.
type PlatformAdmin interface {
	SetWebhook(ctx context.Context, p telegram.SetWebhookParams) error
	DeleteWebhook(ctx context.Context, dropPending bool) error
	GetWebhookInfo(ctx context.Context) (telegram.WebhookInfo, error)
}

// Deps are the collaborators behind the routes. Webhook may be nil when
// updates arrive by long polling; Guard, Authn and Obs may be nil.
type Deps struct {
	Invoices   *payments.InvoiceService
	Engine     *fairness.Engine
	Suspicious *antifraud.SuspiciousIPStore
	Platform   PlatformAdmin
	Payments   *payments.PaymentJournal
	Awards     *payments.AwardJournal
	Refunds    *payments.RefundJournal

	// Webhook handles POST <WebhookPath>.
	Webhook http.Handler
	// Guard is the antifraud admission middleware for the mini-app route.
	Guard func(http.Handler) http.Handler
	// Authn verifies mini-app initData and attaches the identity.
	Authn func(http.Handler) http.Handler

	Obs    *observability.Provider
	Logger *slog.Logger
}

// Server owns the route table.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New builds the server. Handler assembles the routes.
func New(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, deps: deps, logger: logger}
}

// Handler returns the full route table wrapped in the request-ID and
// observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /fairness/today", s.handleFairnessToday)
	mux.HandleFunc("GET /fairness/reveal/{day}", s.handleFairnessReveal)
	mux.HandleFunc("POST /fairness/verify", s.handleFairnessVerify)

	// initData auth runs before the admission guard so the per-subject
	// bucket and velocity see who is asking.
	invoice := http.Handler(http.HandlerFunc(s.handleMiniappInvoice))
	if s.deps.Guard != nil {
		invoice = s.deps.Guard(invoice)
	}
	if s.deps.Authn != nil {
		invoice = s.deps.Authn(invoice)
	}
	mux.Handle("POST /api/miniapp/invoice", invoice)

	if s.deps.Webhook != nil && s.cfg.WebhookPath != "" {
		mux.Handle("POST "+s.cfg.WebhookPath, s.deps.Webhook)
	}

	if s.cfg.AdminToken != "" {
		admin := api.AdminTokenMiddleware(s.cfg.AdminToken)
		handle := func(pattern string, h http.HandlerFunc) {
			mux.Handle(pattern, admin(h))
		}
		handle("POST /internal/telegram/webhook/set", s.handleWebhookSet)
		handle("POST /internal/telegram/webhook/delete", s.handleWebhookDelete)
		handle("GET /internal/telegram/webhook/info", s.handleWebhookInfo)
		handle("POST /internal/antifraud/ip/mark-suspicious", s.handleIPMarkSuspicious)
		handle("POST /internal/antifraud/ip/ban", s.handleIPBan)
		handle("POST /internal/antifraud/ip/unban", s.handleIPUnban)
		handle("GET /internal/antifraud/ip/list", s.handleIPList)
		handle("POST /internal/rng/commit-today", s.handleRNGCommitToday)
		handle("POST /internal/rng/reveal", s.handleRNGReveal)
		handle("GET /internal/payments/stats", s.handlePaymentStats)
	} else {
		s.logger.Warn("server: no admin token configured, /internal surface disabled")
	}

	var h http.Handler = mux
	if s.deps.Obs != nil {
		h = s.deps.Obs.HTTPMiddleware(h)
	}
	return api.RequestIDMiddleware(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
