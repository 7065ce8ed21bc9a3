// Package telegram is a minimal Bot API client covering the calls the
// payment flow needs: webhook management, Stars invoices and refunds,
// gifting, and long polling. Transient failures (network errors, HTTP
// 5xx) are retried with exponential backoff and jitter; 4xx responses
// and business-level rejections surface immediately.
package telegram

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public Bot API origin.
	DefaultBaseURL = "https://api.telegram.org"

	// DefaultSendRate caps outbound calls per second, below the
	// platform's global bot limit.
	DefaultSendRate = 25.0

	defaultRequestTimeout = 30 * time.Second
	connectTimeout        = 10 * time.Second

	defaultMaxAttempts = 4
	defaultRetryBase   = 200 * time.Millisecond
	defaultRetryCap    = 1600 * time.Millisecond

	minPollTimeoutSec = 1
	maxPollTimeoutSec = 50
)

// ErrEmptyToken is returned by NewClient when no bot token is given.
var ErrEmptyToken = errors.New("telegram: bot token must not be empty")

// APIError is a Bot API rejection: an HTTP error status or an ok=false
// envelope. 5xx rejections are treated as transient.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram: %s: api error %d: %s", e.Method, e.StatusCode, e.Description)
	}
	return fmt.Sprintf("telegram: %s: api error %d", e.Method, e.StatusCode)
}

// Temporary reports whether the call may succeed on retry.
func (e *APIError) Temporary() bool { return e.StatusCode >= http.StatusInternalServerError }

type transportError struct {
	method string
	err    error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("telegram: %s: %v", e.method, e.err)
}

func (e *transportError) Unwrap() error { return e.err }

func (e *transportError) Temporary() bool { return true }

func retryable(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
}

// Client calls the Bot API over HTTPS. A shared token bucket throttles
// outbound calls; GetUpdates bypasses both the throttle and the retry
// loop so long polling can manage its own pacing.
type Client struct {
	baseURL        string
	token          string
	http           *http.Client
	limiter        *rate.Limiter
	logger         *slog.Logger
	requestTimeout time.Duration
	maxAttempts    int
	retryBase      time.Duration
	retryCap       time.Duration

	requests metric.Int64Counter
	retries  metric.Int64Counter
	failures metric.Int64Counter
}

// ClientOption adjusts Client construction.
type ClientOption func(*Client)

// WithBaseURL overrides the API origin, e.g. for a local test server.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithClientLogger sets the logger used for retry warnings.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithSendRate reconfigures the outbound throttle.
func WithSendRate(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithRetryBackoff overrides the backoff schedule for transient
// failures. The delay starts at base, doubles per retry, and never
// exceeds ceiling before jitter.
func WithRetryBackoff(base, ceiling time.Duration) ClientOption {
	return func(c *Client) {
		c.retryBase = base
		c.retryCap = ceiling
	}
}

// WithRequestTimeout overrides the per-attempt deadline.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.requestTimeout = d }
}

// NewClient builds a Bot API client for the given bot token.
func NewClient(token string, opts ...ClientOption) (*Client, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}
	c := &Client{
		baseURL:        DefaultBaseURL,
		token:          token,
		http:           newHTTPClient(),
		limiter:        rate.NewLimiter(rate.Limit(DefaultSendRate), int(DefaultSendRate)),
		logger:         slog.Default(),
		requestTimeout: defaultRequestTimeout,
		maxAttempts:    defaultMaxAttempts,
		retryBase:      defaultRetryBase,
		retryCap:       defaultRetryCap,
	}
	for _, opt := range opts {
		opt(c)
	}
	meter := otel.Meter("starpay/telegram")
	c.requests, _ = meter.Int64Counter("telegram_api_requests_total",
		metric.WithDescription("Bot API request attempts by method"))
	c.retries, _ = meter.Int64Counter("telegram_api_retries_total",
		metric.WithDescription("Bot API retries after transient failures"))
	c.failures, _ = meter.Int64Counter("telegram_api_failures_total",
		metric.WithDescription("Bot API calls that returned an error to the caller"))
	return c, nil
}

func newHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: connectTimeout,
			MaxIdleConns:        16,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// SetWebhook registers the push delivery endpoint.
func (c *Client) SetWebhook(ctx context.Context, p SetWebhookParams) error {
	return c.call(ctx, "setWebhook", p, nil)
}

// DeleteWebhook removes the push delivery endpoint. Pending updates are
// kept unless dropPending is set.
func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	return c.call(ctx, "deleteWebhook", deleteWebhookRequest{DropPendingUpdates: dropPending}, nil)
}

// GetWebhookInfo reports the current webhook registration.
func (c *Client) GetWebhookInfo(ctx context.Context) (WebhookInfo, error) {
	var info WebhookInfo
	if err := c.call(ctx, "getWebhookInfo", struct{}{}, &info); err != nil {
		return WebhookInfo{}, err
	}
	return info, nil
}

// CreateInvoiceLink returns a shareable payment link for the invoice.
func (c *Client) CreateInvoiceLink(ctx context.Context, p CreateInvoiceLinkParams) (string, error) {
	var link string
	if err := c.call(ctx, "createInvoiceLink", p, &link); err != nil {
		return "", err
	}
	return link, nil
}

// AnswerPreCheckoutQuery approves or rejects a checkout. errorMessage
// is only sent on rejection.
func (c *Client) AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error {
	req := answerPreCheckoutRequest{PreCheckoutQueryID: queryID, OK: ok}
	if !ok {
		req.ErrorMessage = errorMessage
	}
	return c.call(ctx, "answerPreCheckoutQuery", req, nil)
}

// SendMessage delivers a text message.
func (c *Client) SendMessage(ctx context.Context, p SendMessageParams) (Message, error) {
	var msg Message
	if err := c.call(ctx, "sendMessage", p, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// SendGift sends a gift paid from the bot's Stars balance.
func (c *Client) SendGift(ctx context.Context, userID int64, giftID string, payForUpgrade bool) error {
	return c.call(ctx, "sendGift", sendGiftRequest{UserID: userID, GiftID: giftID, PayForUpgrade: payForUpgrade}, nil)
}

// GiftPremiumSubscription gifts a Premium subscription of the given
// tier.
func (c *Client) GiftPremiumSubscription(ctx context.Context, userID int64, monthCount int, starCount int64) error {
	return c.call(ctx, "giftPremiumSubscription", giftPremiumRequest{UserID: userID, MonthCount: monthCount, StarCount: starCount}, nil)
}

// RefundStarPayment returns a successful Stars charge to the payer.
func (c *Client) RefundStarPayment(ctx context.Context, userID int64, chargeID string) error {
	return c.call(ctx, "refundStarPayment", refundStarPaymentRequest{UserID: userID, TelegramPaymentChargeID: chargeID}, nil)
}

// GetAvailableGifts lists the gifts the bot can currently send.
func (c *Client) GetAvailableGifts(ctx context.Context) ([]Gift, error) {
	var res availableGifts
	if err := c.call(ctx, "getAvailableGifts", struct{}{}, &res); err != nil {
		return nil, err
	}
	return res.Gifts, nil
}

// GetUpdates performs one long-poll request. timeoutSec is clamped to
// [1,50]. The call is made exactly once; the poller owns retries.
func (c *Client) GetUpdates(ctx context.Context, offset *int64, timeoutSec int, allowedUpdates []string) ([]Update, error) {
	if timeoutSec < minPollTimeoutSec {
		timeoutSec = minPollTimeoutSec
	}
	if timeoutSec > maxPollTimeoutSec {
		timeoutSec = maxPollTimeoutSec
	}
	req := getUpdatesRequest{Offset: offset, Timeout: timeoutSec, AllowedUpdates: allowedUpdates}

	// The server holds the connection up to timeoutSec before
	// responding, so the deadline must outlast the poll window.
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second+c.requestTimeout)
	defer cancel()

	var updates []Update
	if err := c.do(ctx, "getUpdates", req, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (c *Client) call(ctx context.Context, method string, req, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram: %s: throttle: %w", method, err)
	}
	attrs := metric.WithAttributes(attribute.String("method", method))

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			c.retries.Add(ctx, 1, attrs)
			if err := sleepCtx(ctx, backoffDelay(attempt-1, c.retryBase, c.retryCap)); err != nil {
				c.failures.Add(ctx, 1, attrs)
				return err
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		err := c.do(attemptCtx, method, req, out)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			c.failures.Add(ctx, 1, attrs)
			return err
		}
		c.logger.WarnContext(ctx, "bot api call failed, will retry",
			"method", method, "attempt", attempt+1, "error", err)
	}
	c.failures.Add(ctx, 1, attrs)
	return fmt.Errorf("telegram: %s: giving up after %d attempts: %w", method, c.maxAttempts, lastErr)
}

// do performs a single attempt and decodes the response envelope.
func (c *Client) do(ctx context.Context, method string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: encode request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+c.token+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: %s: create request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
	resp, err := c.http.Do(httpReq)
	if err != nil {
		// url.Error embeds the full URL, which contains the bot
		// token. Keep only the inner cause.
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Err != nil {
			err = uerr.Err
		}
		return &transportError{method: method, err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transportError{method: method, err: err}
	}

	var envelope apiResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			return &APIError{Method: method, StatusCode: resp.StatusCode}
		}
		return fmt.Errorf("telegram: %s: decode response: %w", method, err)
	}
	if !envelope.OK {
		code := envelope.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, StatusCode: code, Description: envelope.Description}
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("telegram: %s: decode result: %w", method, err)
		}
	}
	return nil
}

// backoffDelay returns the pause before retry number retry (0-based):
// base doubled per retry, capped, with ±10% jitter.
func backoffDelay(retry int, base, ceiling time.Duration) time.Duration {
	if retry > 30 {
		retry = 30
	}
	d := base << uint(retry)
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	span := int64(d / 5)
	if span > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(span)); err == nil {
			d = d - time.Duration(span/2) + time.Duration(n.Int64())
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
