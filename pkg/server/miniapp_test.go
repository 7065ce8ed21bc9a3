package server_test

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/starpay/pkg/antifraud"
	"github.com/Mindburn-Labs/starpay/pkg/api"
	"github.com/Mindburn-Labs/starpay/pkg/crypto"
	"github.com/Mindburn-Labs/starpay/pkg/miniapp"
	"github.com/Mindburn-Labs/starpay/pkg/payments"
	"github.com/Mindburn-Labs/starpay/pkg/server"
)

func TestMiniappInvoice(t *testing.T) {
	f := newFixture(t)

	rec := do(t, f.handler, http.MethodPost, "/api/miniapp/invoice",
		map[string]any{"caseId": "case-basic"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var invoice payments.Invoice
	decodeBody(t, rec, &invoice)
	assert.Equal(t, "https://t.me/invoice/abc", invoice.Link)
	assert.Equal(t, "case-basic", invoice.Payload.CaseID)
	assert.Equal(t, int64(42), invoice.Payload.UserID)
	assert.NotEmpty(t, invoice.Payload.Nonce)
}

func TestMiniappInvoiceRejectsBadCase(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"garbage json", "{nope"},
		{"missing case id", map[string]any{}},
		{"blank case id", map[string]any{"caseId": "   "}},
		{"unknown case", map[string]any{"caseId": "case-ghost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := do(t, f.handler, http.MethodPost, "/api/miniapp/invoice", tt.body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var body api.ErrorBody
			decodeBody(t, rec, &body)
			assert.Equal(t, "invalid_case_id", body.Error)
		})
	}
}

func TestMiniappInvoiceWithoutIdentity(t *testing.T) {
	f := newFixture(t, func(_ *server.Config, deps *server.Deps) {
		deps.Authn = nil
	})

	rec := do(t, f.handler, http.MethodPost, "/api/miniapp/invoice",
		map[string]any{"caseId": "case-basic"}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	var body api.ErrorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "signature", body.Error)
}

// signedInitData builds a blob the real middleware accepts.
func signedInitData(t *testing.T, botToken string, params url.Values) string {
	t.Helper()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		for _, v := range values {
			lines = append(lines, k+"="+v)
		}
	}
	secret := crypto.HmacSHA256([]byte("WebAppData"), []byte(botToken))
	hash := crypto.HmacSHA256Hex(secret, []byte(strings.Join(lines, "\n")))

	signed := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			signed.Add(k, v)
		}
	}
	signed.Set("hash", hash)
	return signed.Encode()
}

func TestMiniappInvoiceThroughRealAuth(t *testing.T) {
	f := newFixture(t, func(_ *server.Config, deps *server.Deps) {
		deps.Authn = miniapp.Middleware(testBotToken, nil)
	})

	blob := signedInitData(t, testBotToken, url.Values{
		"auth_date": {"1700000000"},
		"user":      {`{"id":42,"first_name":"Ada"}`},
		"query_id":  {"AAltest"},
	})

	rec := do(t, f.handler, http.MethodPost, "/api/miniapp/invoice",
		map[string]any{"caseId": "case-basic"},
		map[string]string{"Authorization": "tma " + blob})
	require.Equal(t, http.StatusOK, rec.Code)

	var invoice payments.Invoice
	decodeBody(t, rec, &invoice)
	assert.Equal(t, int64(42), invoice.Payload.UserID)

	rec = do(t, f.handler, http.MethodPost, "/api/miniapp/invoice",
		map[string]any{"caseId": "case-basic"},
		map[string]string{"Authorization": "tma " + blob + "tampered"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	var body api.ErrorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "signature", body.Error)
}

func TestMiniappInvoiceRateLimited(t *testing.T) {
	guard := antifraud.NewGuard(antifraud.GuardConfig{
		IPEnabled: true,
		IPParams:  antifraud.Params{Capacity: 1, RefillPerSecond: 0.01, TTLSeconds: 60},
		EventType: antifraud.EventInvoice,
	}, antifraud.NewMemoryBucketStore(), nil, nil)

	f := newFixture(t, func(_ *server.Config, deps *server.Deps) {
		deps.Guard = guard.Middleware
	})

	rec := do(t, f.handler, http.MethodPost, "/api/miniapp/invoice",
		map[string]any{"caseId": "case-basic"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, "first request passes")

	rec = do(t, f.handler, http.MethodPost, "/api/miniapp/invoice",
		map[string]any{"caseId": "case-basic"}, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code, "bucket of one is drained")

	var body api.ErrorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "rate_limited", body.Error)
	assert.Equal(t, "ip", body.Type)
	assert.Positive(t, body.RetryAfterSeconds)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.NotEmpty(t, body.RequestID)
}

func TestMiniappInvoiceBannedIP(t *testing.T) {
	suspicious := antifraud.NewSuspiciousIPStore()
	guard := antifraud.NewGuard(antifraud.GuardConfig{
		EventType: antifraud.EventInvoice,
	}, nil, nil, suspicious)

	f := newFixture(t, func(_ *server.Config, deps *server.Deps) {
		deps.Guard = guard.Middleware
	})
	// httptest requests arrive from 192.0.2.1.
	suspicious.Ban("192.0.2.1", 0, "fraud ring")

	rec := do(t, f.handler, http.MethodPost, "/api/miniapp/invoice",
		map[string]any{"caseId": "case-basic"}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	var body api.ErrorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "ip_banned", body.Error)
}
