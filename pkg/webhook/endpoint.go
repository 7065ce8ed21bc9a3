package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/starpay/pkg/api"
	"github.com/Mindburn-Labs/starpay/pkg/crypto"
	"github.com/Mindburn-Labs/starpay/pkg/telegram"
)

// SecretTokenHeader carries the shared secret Telegram echoes back on
// every webhook delivery.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxUpdateBodyBytes = 1 << 20

// EnqueueFunc admits one update into the dispatch queue.
type EnqueueFunc func(ctx context.Context, u telegram.Update) error

// Endpoint is the webhook receiver. It authenticates the delivery,
// parses one update or a batch, and hands each update to the
// dispatcher. The response is 200 "ok" whenever the body parsed;
// per-update enqueue failures are logged and metered, never surfaced,
// so the platform does not redeliver what we chose to drop.
type Endpoint struct {
	secret  string
	enqueue EnqueueFunc
	logger  *slog.Logger

	enqueueFailures metric.Int64Counter
}

// NewEndpoint builds the webhook receiver.
func NewEndpoint(secret string, enqueue EnqueueFunc, logger *slog.Logger) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Endpoint{secret: secret, enqueue: enqueue, logger: logger}
	meter := otel.Meter("starpay/webhook")
	e.enqueueFailures, _ = meter.Int64Counter("webhook_enqueue_failures_total",
		metric.WithDescription("Parsed updates the dispatcher refused"))
	return e
}

func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != "application/json" {
			api.WriteError(w, r, http.StatusUnsupportedMediaType, "unsupported_media_type")
			return
		}
	}
	if !crypto.EqualConstantTime(r.Header.Get(SecretTokenHeader), e.secret) {
		api.WriteForbidden(w, r, "forbidden")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpdateBodyBytes))
	if err != nil {
		api.WriteBadRequest(w, r, "invalid_json")
		return
	}
	updates, err := parseUpdates(body)
	if err != nil {
		api.WriteBadRequest(w, r, "invalid_json")
		return
	}

	for _, u := range updates {
		if err := e.enqueue(r.Context(), u); err != nil {
			e.enqueueFailures.Add(r.Context(), 1)
			e.logger.WarnContext(r.Context(), "failed to enqueue update", "updateId", u.UpdateID, "error", err)
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// parseUpdates accepts a single update object or a JSON array of them.
func parseUpdates(body []byte) ([]telegram.Update, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	if body[0] == '[' {
		var updates []telegram.Update
		if err := json.Unmarshal(body, &updates); err != nil {
			return nil, err
		}
		return updates, nil
	}
	var u telegram.Update
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, err
	}
	return []telegram.Update{u}, nil
}
