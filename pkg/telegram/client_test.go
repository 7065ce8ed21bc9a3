package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "123:test-token"

// recordedCall is one request captured by the fake Bot API server.
type recordedCall struct {
	Method string
	Body   map[string]any
}

// fakeAPI is an httptest-backed Bot API that scripts responses per call
// index and records every request it sees.
type fakeAPI struct {
	t       *testing.T
	mu      sync.Mutex
	calls   []recordedCall
	respond func(call int, method string, w http.ResponseWriter)
}

func newFakeAPI(t *testing.T, respond func(call int, method string, w http.ResponseWriter)) (*fakeAPI, *Client) {
	t.Helper()
	f := &fakeAPI{t: t, respond: respond}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	client, err := NewClient(testToken,
		WithBaseURL(srv.URL),
		WithSendRate(10000, 10000),
		WithRetryBackoff(time.Millisecond, 4*time.Millisecond),
	)
	require.NoError(t, err)
	return f, client
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.t.Errorf("decode request body: %v", err)
	}
	assert.Equal(f.t, "application/json", r.Header.Get("Content-Type"))

	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, recordedCall{Method: path.Base(r.URL.Path), Body: body})
	f.mu.Unlock()

	f.respond(call, path.Base(r.URL.Path), w)
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAPI) call(i int) recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func respondOK(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	if result == "" {
		result = "true"
	}
	_, _ = w.Write([]byte(`{"ok":true,"result":` + result + `}`))
}

func respondError(w http.ResponseWriter, status int, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, _ := json.Marshal(map[string]any{
		"ok":          false,
		"error_code":  status,
		"description": description,
	})
	_, _ = w.Write(body)
}

func TestClientRetriesServerErrors(t *testing.T) {
	f, client := newFakeAPI(t, func(call int, _ string, w http.ResponseWriter) {
		if call < 2 {
			respondError(w, http.StatusBadGateway, "Bad Gateway")
			return
		}
		respondOK(w, `{"url":"https://example.org/hook","pending_update_count":2}`)
	})

	info, err := client.GetWebhookInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/hook", info.URL)
	assert.Equal(t, int64(2), info.PendingUpdateCount)
	assert.Equal(t, 3, f.callCount())
}

func TestClientRetriesUndecodableServerError(t *testing.T) {
	f, client := newFakeAPI(t, func(call int, _ string, w http.ResponseWriter) {
		if call == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("<html>gateway error</html>"))
			return
		}
		respondOK(w, "true")
	})

	err := client.DeleteWebhook(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.callCount())
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	f, client := newFakeAPI(t, func(_ int, _ string, w http.ResponseWriter) {
		respondError(w, http.StatusInternalServerError, "Internal Server Error")
	})

	err := client.SendGift(context.Background(), 42, "gift-1", false)
	require.Error(t, err)
	assert.Equal(t, defaultMaxAttempts, f.callCount())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "giving up after 4 attempts")
}

func TestClientDoesNotRetryBadRequest(t *testing.T) {
	f, client := newFakeAPI(t, func(_ int, _ string, w http.ResponseWriter) {
		respondError(w, http.StatusBadRequest, "Bad Request: chat not found")
	})

	_, err := client.SendMessage(context.Background(), SendMessageParams{ChatID: 7, Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, 1, f.callCount())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Bad Request: chat not found", apiErr.Description)
}

func TestClientSurfacesBusinessRejection(t *testing.T) {
	f, client := newFakeAPI(t, func(_ int, _ string, w http.ResponseWriter) {
		// ok=false on HTTP 200 still carries the platform error code.
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"CHARGE_ALREADY_REFUNDED"}`))
	})

	err := client.RefundStarPayment(context.Background(), 42, "ch_1")
	require.Error(t, err)
	assert.Equal(t, 1, f.callCount())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "CHARGE_ALREADY_REFUNDED", apiErr.Description)
}

func TestClientSendsTokenPathAndBody(t *testing.T) {
	var gotPath string
	f := &fakeAPI{t: t}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		f.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	f.respond = func(_ int, _ string, w http.ResponseWriter) {
		respondOK(w, `{"message_id":5,"chat":{"id":7}}`)
	}

	client, err := NewClient(testToken, WithBaseURL(srv.URL))
	require.NoError(t, err)

	msg, err := client.SendMessage(context.Background(), SendMessageParams{
		ChatID:              7,
		Text:                "hi",
		DisableNotification: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), msg.MessageID)
	assert.Equal(t, "/bot"+testToken+"/sendMessage", gotPath)

	body := f.call(0).Body
	assert.Equal(t, float64(7), body["chat_id"])
	assert.Equal(t, "hi", body["text"])
	assert.Equal(t, true, body["disable_notification"])
	assert.NotContains(t, body, "reply_to_message_id")
}

func TestCreateInvoiceLink(t *testing.T) {
	f, client := newFakeAPI(t, func(_ int, method string, w http.ResponseWriter) {
		assert.Equal(t, "createInvoiceLink", method)
		respondOK(w, `"https://t.me/invoice/abc"`)
	})

	link, err := client.CreateInvoiceLink(context.Background(), CreateInvoiceLinkParams{
		Title:       "Starter Case",
		Description: "One opening of Starter Case",
		Payload:     `{"caseId":"c1"}`,
		Currency:    "XTR",
		Prices:      []LabeledPrice{{Label: "Starter Case", Amount: 700}},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/invoice/abc", link)

	body := f.call(0).Body
	assert.Equal(t, "XTR", body["currency"])
	prices, ok := body["prices"].([]any)
	require.True(t, ok)
	require.Len(t, prices, 1)
	assert.Equal(t, float64(700), prices[0].(map[string]any)["amount"])
}

func TestGetAvailableGifts(t *testing.T) {
	_, client := newFakeAPI(t, func(_ int, _ string, w http.ResponseWriter) {
		respondOK(w, `{"gifts":[{"id":"g1","star_count":100},{"id":"g2","star_count":250}]}`)
	})

	gifts, err := client.GetAvailableGifts(context.Background())
	require.NoError(t, err)
	require.Len(t, gifts, 2)
	assert.Equal(t, Gift{ID: "g1", StarCount: 100}, gifts[0])
	assert.Equal(t, Gift{ID: "g2", StarCount: 250}, gifts[1])
}

func TestAnswerPreCheckoutQuery(t *testing.T) {
	f, client := newFakeAPI(t, func(_ int, _ string, w http.ResponseWriter) {
		respondOK(w, "true")
	})

	require.NoError(t, client.AnswerPreCheckoutQuery(context.Background(), "q1", true, "ignored"))
	require.NoError(t, client.AnswerPreCheckoutQuery(context.Background(), "q2", false, "Payment rejected: invalid parameters."))

	approve := f.call(0).Body
	assert.Equal(t, "q1", approve["pre_checkout_query_id"])
	assert.Equal(t, true, approve["ok"])
	assert.NotContains(t, approve, "error_message")

	reject := f.call(1).Body
	assert.Equal(t, false, reject["ok"])
	assert.Equal(t, "Payment rejected: invalid parameters.", reject["error_message"])
}

func TestGetUpdatesSingleAttempt(t *testing.T) {
	f, client := newFakeAPI(t, func(_ int, _ string, w http.ResponseWriter) {
		respondError(w, http.StatusInternalServerError, "Internal Server Error")
	})

	_, err := client.GetUpdates(context.Background(), nil, 1, nil)
	require.Error(t, err)
	assert.Equal(t, 1, f.callCount())
}

func TestGetUpdatesClampsTimeout(t *testing.T) {
	f, client := newFakeAPI(t, func(_ int, _ string, w http.ResponseWriter) {
		respondOK(w, "[]")
	})

	_, err := client.GetUpdates(context.Background(), nil, 500, nil)
	require.NoError(t, err)
	_, err = client.GetUpdates(context.Background(), nil, 0, nil)
	require.NoError(t, err)

	assert.Equal(t, float64(50), f.call(0).Body["timeout"])
	assert.Equal(t, float64(1), f.call(1).Body["timeout"])
	assert.NotContains(t, f.call(0).Body, "offset")
}

func TestGetUpdatesSendsOffsetAndAllowed(t *testing.T) {
	f, client := newFakeAPI(t, func(_ int, _ string, w http.ResponseWriter) {
		respondOK(w, `[{"update_id":9,"message":{"message_id":1,"chat":{"id":2}}}]`)
	})

	offset := int64(8)
	updates, err := client.GetUpdates(context.Background(), &offset, 1, []string{"message"})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, int64(9), updates[0].UpdateID)
	require.NotNil(t, updates[0].Message)

	body := f.call(0).Body
	assert.Equal(t, float64(8), body["offset"])
	assert.Equal(t, []any{"message"}, body["allowed_updates"])
}

func TestClientTransportErrorsRetryAndOmitToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // every dial now fails

	client, err := NewClient(testToken,
		WithBaseURL(srv.URL),
		WithRetryBackoff(time.Millisecond, 2*time.Millisecond),
	)
	require.NoError(t, err)

	err = client.DeleteWebhook(context.Background(), true)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testToken)
}

func TestNewClientRejectsEmptyToken(t *testing.T) {
	_, err := NewClient("")
	assert.ErrorIs(t, err, ErrEmptyToken)
}

func TestBackoffDelayBounds(t *testing.T) {
	base := 200 * time.Millisecond
	ceiling := 1600 * time.Millisecond
	for retry := 0; retry < 6; retry++ {
		want := base << uint(retry)
		if want > ceiling {
			want = ceiling
		}
		for i := 0; i < 20; i++ {
			d := backoffDelay(retry, base, ceiling)
			assert.GreaterOrEqual(t, d, want-want/10, "retry %d", retry)
			assert.LessOrEqual(t, d, want+want/10, "retry %d", retry)
		}
	}
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, retryable(&APIError{Method: "m", StatusCode: 502}))
	assert.True(t, retryable(&transportError{method: "m", err: errors.New("connection refused")}))
	assert.False(t, retryable(&APIError{Method: "m", StatusCode: 400}))
	assert.False(t, retryable(errors.New("plain")))
}
