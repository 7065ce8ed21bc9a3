package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/starpay/pkg/antifraud"
	"github.com/Mindburn-Labs/starpay/pkg/api"
	"github.com/Mindburn-Labs/starpay/pkg/catalog"
	"github.com/Mindburn-Labs/starpay/pkg/fairness"
	"github.com/Mindburn-Labs/starpay/pkg/miniapp"
	"github.com/Mindburn-Labs/starpay/pkg/payments"
	"github.com/Mindburn-Labs/starpay/pkg/server"
	"github.com/Mindburn-Labs/starpay/pkg/telegram"
)

const (
	testAdminToken = "admin-token"
	testBotToken   = "123:test-token"
)

type fakePlatform struct {
	setCalls    []telegram.SetWebhookParams
	deleteCalls []bool
	info        telegram.WebhookInfo
	err         error
}

func (f *fakePlatform) SetWebhook(_ context.Context, p telegram.SetWebhookParams) error {
	f.setCalls = append(f.setCalls, p)
	return f.err
}

func (f *fakePlatform) DeleteWebhook(_ context.Context, dropPending bool) error {
	f.deleteCalls = append(f.deleteCalls, dropPending)
	return f.err
}

func (f *fakePlatform) GetWebhookInfo(context.Context) (telegram.WebhookInfo, error) {
	return f.info, f.err
}

type fakeInvoiceClient struct {
	link string
	err  error
}

func (f *fakeInvoiceClient) CreateInvoiceLink(context.Context, telegram.CreateInvoiceLinkParams) (string, error) {
	return f.link, f.err
}

// stubAuthn injects a fixed identity, standing in for verified initData.
func stubAuthn(userID int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := miniapp.WithIdentity(r.Context(), miniapp.Identity{
				UserID:   userID,
				AuthDate: time.Unix(1_700_000_000, 0).UTC(),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func storeCases(t *testing.T) *catalog.StaticStore {
	t.Helper()
	store, err := catalog.NewStaticStore(catalog.Case{
		ID:         "case-basic",
		Title:      "Basic Case",
		PriceStars: 700,
		Items: []catalog.PrizeItem{
			{ID: "itm-gift", Type: catalog.PrizeGift, StarCost: 50, ProbabilityPpm: 850_000},
			{ID: "itm-prem3", Type: catalog.PrizePremium3m, ProbabilityPpm: 100_000},
			{ID: "itm-dust", Type: catalog.PrizeInternal, ProbabilityPpm: 50_000},
		},
	})
	require.NoError(t, err)
	return store
}

type fixture struct {
	handler    http.Handler
	platform   *fakePlatform
	engine     *fairness.Engine
	suspicious *antifraud.SuspiciousIPStore
	payments   *payments.PaymentJournal
	awards     *payments.AwardJournal
	refunds    *payments.RefundJournal
	now        *time.Time
}

// commitDay publishes a commitment for day by winding the engine clock.
func (f *fixture) commitDay(t *testing.T, day string) fairness.Commit {
	t.Helper()
	saved := *f.now
	parsed, err := time.Parse(time.DateOnly, day)
	require.NoError(t, err)
	*f.now = parsed.Add(12 * time.Hour)
	commit, err := f.engine.EnsureTodayCommit(context.Background())
	require.NoError(t, err)
	*f.now = saved
	return commit
}

func newFixture(t *testing.T, mutate ...func(*server.Config, *server.Deps)) *fixture {
	t.Helper()

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	f := &fixture{
		platform:   &fakePlatform{},
		suspicious: antifraud.NewSuspiciousIPStore(),
		payments:   payments.NewPaymentJournal(),
		awards:     payments.NewAwardJournal(),
		refunds:    payments.NewRefundJournal(),
		now:        &now,
	}

	store := storeCases(t)
	engine, err := fairness.NewEngine(
		bytes.Repeat([]byte{0x42}, 32),
		store,
		fairness.NewMemoryJournal(),
		fairness.WithEngineClock(func() time.Time { return *f.now }),
	)
	require.NoError(t, err)
	f.engine = engine

	cfg := server.Config{
		WebhookPath:          "/telegram/webhook",
		WebhookSecret:        "hook-secret",
		PublicBaseURL:        "https://pay.example.com",
		AdminToken:           testAdminToken,
		BanDefaultTTLSeconds: 3600,
	}
	deps := server.Deps{
		Invoices:   payments.NewInvoiceService(&fakeInvoiceClient{link: "https://t.me/invoice/abc"}, store, "XTR"),
		Engine:     engine,
		Suspicious: f.suspicious,
		Platform:   f.platform,
		Payments:   f.payments,
		Awards:     f.awards,
		Refunds:    f.refunds,
		Authn:      stubAuthn(42),
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	f.handler = server.New(cfg, deps).Handler()
	return f
}

func do(t *testing.T, h http.Handler, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(v)
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func asAdmin(extra ...map[string]string) map[string]string {
	headers := map[string]string{api.AdminTokenHeader: testAdminToken}
	for _, m := range extra {
		for k, v := range m {
			headers[k] = v
		}
	}
	return headers
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	rec := do(t, f.handler, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAdminRoutesRequireToken(t *testing.T) {
	f := newFixture(t)

	rec := do(t, f.handler, http.MethodGet, "/internal/payments/stats", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var body api.ErrorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "unauthorized", body.Error)
	assert.NotEmpty(t, body.RequestID)

	rec = do(t, f.handler, http.MethodGet, "/internal/payments/stats", nil,
		map[string]string{api.AdminTokenHeader: "wrong"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	decodeBody(t, rec, &body)
	assert.Equal(t, "forbidden", body.Error)

	rec = do(t, f.handler, http.MethodGet, "/internal/payments/stats", nil, asAdmin())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminSurfaceDisabledWithoutToken(t *testing.T) {
	f := newFixture(t, func(cfg *server.Config, _ *server.Deps) {
		cfg.AdminToken = ""
	})

	rec := do(t, f.handler, http.MethodGet, "/internal/payments/stats", nil, asAdmin())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookMountedAtConfiguredPath(t *testing.T) {
	var hits int
	f := newFixture(t, func(_ *server.Config, deps *server.Deps) {
		deps.Webhook = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits++
			w.WriteHeader(http.StatusOK)
		})
	})

	rec := do(t, f.handler, http.MethodPost, "/telegram/webhook", `{"update_id":1}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, hits)

	rec = do(t, f.handler, http.MethodGet, "/telegram/webhook", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookNotMountedWithoutHandler(t *testing.T) {
	f := newFixture(t)

	rec := do(t, f.handler, http.MethodPost, "/telegram/webhook", `{"update_id":1}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	rec := do(t, f.handler, http.MethodGet, "/fairness/verify", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
