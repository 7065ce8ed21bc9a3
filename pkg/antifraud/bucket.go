// Package antifraud guards the payment surface: token-bucket admission per
// source IP and per subject, a rolling-window velocity checker, and a
// suspicious-IP store behind the admin API.
package antifraud

import (
	"context"
	"fmt"
)

// DefaultRetryAfterSeconds is the deny hint used when a bucket cannot refill
// (refill rate zero) and no fallback is configured.
const DefaultRetryAfterSeconds = 60

type bucketKeyKind uint8

const (
	keyKindIP bucketKeyKind = iota + 1
	keyKindSubject
)

// BucketKey identifies one token bucket: either a source IP or a subject
// (authenticated user). Keys compare by kind and payload.
type BucketKey struct {
	kind    bucketKeyKind
	ip      string
	subject int64
}

// IPKey returns the bucket key for a source IP.
func IPKey(ip string) BucketKey {
	return BucketKey{kind: keyKindIP, ip: ip}
}

// SubjectKey returns the bucket key for a subject ID.
func SubjectKey(id int64) BucketKey {
	return BucketKey{kind: keyKindSubject, subject: id}
}

// IsZero reports whether the key was never initialized.
func (k BucketKey) IsZero() bool { return k.kind == 0 }

// String renders the key in a stable form usable as a map or Redis key.
func (k BucketKey) String() string {
	switch k.kind {
	case keyKindIP:
		return "ip:" + k.ip
	case keyKindSubject:
		return fmt.Sprintf("subject:%d", k.subject)
	default:
		return "unknown"
	}
}

// Params drives one admission decision.
type Params struct {
	// Capacity is the burst size; a fresh bucket starts full.
	Capacity float64
	// RefillPerSecond is the steady-state token refill rate.
	RefillPerSecond float64
	// TTLSeconds bounds how long an idle bucket is retained.
	TTLSeconds int64
	// FallbackRetryAfterSeconds is the deny hint when the refill rate is
	// zero. Zero means DefaultRetryAfterSeconds.
	FallbackRetryAfterSeconds int64
}

func (p Params) fallbackRetryAfter() int64 {
	if p.FallbackRetryAfterSeconds > 0 {
		return p.FallbackRetryAfterSeconds
	}
	return DefaultRetryAfterSeconds
}

// Decision is the outcome of a tryConsume call. RetryAfterSeconds and
// ResetAtMillis are meaningful only when Allowed is false.
type Decision struct {
	Allowed           bool  `json:"allowed"`
	RetryAfterSeconds int64 `json:"retryAfterSeconds,omitempty"`
	ResetAtMillis     int64 `json:"resetAtMillis,omitempty"`
}

// BucketStore admits or denies one event for a key. Implementations must
// serialize concurrent calls on the same key and evict idle state after the
// params TTL.
type BucketStore interface {
	TryConsume(ctx context.Context, key BucketKey, p Params) (Decision, error)
}
