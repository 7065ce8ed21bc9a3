package antifraud

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/starpay/pkg/api"
)

// GuardConfig wires the admission checks applied in front of a route.
type GuardConfig struct {
	IPEnabled      bool
	IPParams       Params
	SubjectEnabled bool
	SubjectParams  Params

	// TrustProxy reads the client IP from X-Forwarded-For.
	TrustProxy bool
	// IncludePaths limits guarding to the listed paths when non-empty;
	// ExcludePaths always bypasses. Both match exactly.
	IncludePaths []string
	ExcludePaths []string

	// EventType classifies guarded traffic for the velocity checker.
	EventType EventType
	// RetryAfterSeconds is the hint attached to velocity denials.
	RetryAfterSeconds int64
}

// Guard chains the ban list, the token buckets, and the velocity checker in
// front of an HTTP handler. Denials produce the 429 envelope with a
// Retry-After header; bucket-store failures fail open.
type Guard struct {
	cfg        GuardConfig
	buckets    BucketStore
	velocity   *VelocityChecker
	suspicious *SuspiciousIPStore
	subjectFn  func(*http.Request) (int64, bool)
	logger     *slog.Logger

	rateLimited       metric.Int64Counter
	velocityDecisions metric.Int64Counter
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithSubjectSource teaches the guard how to read the authenticated subject
// from a request, enabling the per-subject bucket and subject velocity.
func WithSubjectSource(fn func(*http.Request) (int64, bool)) GuardOption {
	return func(g *Guard) { g.subjectFn = fn }
}

// WithGuardLogger overrides the default logger.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// NewGuard builds a guard. Any of buckets, velocity, suspicious may be nil to
// disable that check.
func NewGuard(cfg GuardConfig, buckets BucketStore, velocity *VelocityChecker, suspicious *SuspiciousIPStore, opts ...GuardOption) *Guard {
	if cfg.EventType == "" {
		cfg.EventType = EventOther
	}
	if cfg.RetryAfterSeconds <= 0 {
		cfg.RetryAfterSeconds = DefaultRetryAfterSeconds
	}
	g := &Guard{
		cfg:        cfg,
		buckets:    buckets,
		velocity:   velocity,
		suspicious: suspicious,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	meter := otel.Meter("starpay/antifraud")
	g.rateLimited, _ = meter.Int64Counter("rate_limited_total",
		metric.WithDescription("Requests denied by the antifraud guard"))
	g.velocityDecisions, _ = meter.Int64Counter("velocity_decisions_total",
		metric.WithDescription("Velocity checker decisions by action"))
	return g
}

// Middleware applies the guard to next.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.guardedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ip := ClientIP(r, g.cfg.TrustProxy)

		if g.suspicious != nil {
			if banned, _ := g.suspicious.IsBanned(ip); banned {
				g.logger.WarnContext(r.Context(), "antifraud: banned ip rejected", "ip", ip, "path", r.URL.Path)
				api.WriteForbidden(w, r, "ip_banned")
				return
			}
		}

		if g.buckets != nil && g.cfg.IPEnabled {
			dec, err := g.buckets.TryConsume(r.Context(), IPKey(ip), g.cfg.IPParams)
			if err != nil {
				g.logger.ErrorContext(r.Context(), "antifraud: ip bucket unavailable, failing open", "error", err)
			} else if !dec.Allowed {
				g.deny(w, r, "ip", dec.RetryAfterSeconds)
				return
			}
		}

		subject, hasSubject := int64(0), false
		if g.subjectFn != nil {
			subject, hasSubject = g.subjectFn(r)
		}
		if g.buckets != nil && g.cfg.SubjectEnabled && hasSubject {
			dec, err := g.buckets.TryConsume(r.Context(), SubjectKey(subject), g.cfg.SubjectParams)
			if err != nil {
				g.logger.ErrorContext(r.Context(), "antifraud: subject bucket unavailable, failing open", "error", err)
			} else if !dec.Allowed {
				g.deny(w, r, "subject", dec.RetryAfterSeconds)
				return
			}
		}

		if g.velocity != nil {
			dec := g.velocity.CheckAndRecord(Event{
				Type:      g.cfg.EventType,
				IP:        ip,
				SubjectID: subject,
				Path:      r.URL.Path,
				UserAgent: r.UserAgent(),
			})
			g.velocityDecisions.Add(r.Context(), 1,
				metric.WithAttributes(attribute.String("action", string(dec.Action))))
			switch dec.Action {
			case ActionHardBlockBeforePayment:
				g.logger.WarnContext(r.Context(), "antifraud: velocity hard block",
					"ip", ip, "subject", subject, "score", dec.Score, "flags", dec.Flags)
				if g.suspicious != nil {
					g.suspicious.MarkSuspicious(ip, "velocity_hard_block")
				}
				g.deny(w, r, "velocity", g.cfg.RetryAfterSeconds)
				return
			case ActionSoftCap:
				g.logger.WarnContext(r.Context(), "antifraud: velocity soft cap",
					"ip", ip, "subject", subject, "score", dec.Score, "flags", dec.Flags)
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Guard) deny(w http.ResponseWriter, r *http.Request, kind string, retryAfter int64) {
	if retryAfter <= 0 {
		retryAfter = g.cfg.RetryAfterSeconds
	}
	g.rateLimited.Add(r.Context(), 1, metric.WithAttributes(attribute.String("type", kind)))
	api.WriteTooManyRequests(w, r, kind, retryAfter)
}

func (g *Guard) guardedPath(path string) bool {
	for _, p := range g.cfg.ExcludePaths {
		if p == path {
			return false
		}
	}
	if len(g.cfg.IncludePaths) == 0 {
		return true
	}
	for _, p := range g.cfg.IncludePaths {
		if p == path {
			return true
		}
	}
	return false
}

// ClientIP extracts the peer address. With trustProxy set, the first
// X-Forwarded-For hop wins; otherwise the transport remote address is used.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return host
}
