package payments

import (
	"sync"
	"time"

	"github.com/Mindburn-Labs/starpay/pkg/catalog"
)

// PaymentStatus is the lifecycle of one processed charge.
type PaymentStatus string

const (
	PaymentInProgress PaymentStatus = "in_progress"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentFailed     PaymentStatus = "failed"
)

// PaymentRecord is the journal entry for one charge ID. Completed
// entries carry the award plan; refunded and failed entries carry the
// reason. All states except InProgress are terminal.
type PaymentRecord struct {
	ChargeID    string        `json:"chargeId"`
	Status      PaymentStatus `json:"status"`
	Plan        *AwardPlan    `json:"plan,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	CreatedAtMs int64         `json:"createdAtMs"`
	UpdatedAtMs int64         `json:"updatedAtMs"`
}

// PaymentJournal tracks processed charges. Begin is the idempotency
// gate: at most one caller wins per charge ID.
type PaymentJournal struct {
	mu      sync.Mutex
	entries map[string]PaymentRecord
	clock   func() time.Time
}

// PaymentJournalOption adjusts PaymentJournal construction.
type PaymentJournalOption func(*PaymentJournal)

// WithPaymentJournalClock substitutes the journal time source.
func WithPaymentJournalClock(now func() time.Time) PaymentJournalOption {
	return func(j *PaymentJournal) { j.clock = now }
}

// NewPaymentJournal builds an empty payment journal.
func NewPaymentJournal(opts ...PaymentJournalOption) *PaymentJournal {
	j := &PaymentJournal{entries: make(map[string]PaymentRecord), clock: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Begin claims the charge by writing an InProgress marker. It reports
// false when any entry already exists for the charge.
func (j *PaymentJournal) Begin(chargeID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.entries[chargeID]; ok {
		return false
	}
	now := j.clock().UnixMilli()
	j.entries[chargeID] = PaymentRecord{
		ChargeID:    chargeID,
		Status:      PaymentInProgress,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	return true
}

// Revert removes the InProgress marker so a later delivery can retry.
// Terminal entries are left untouched.
func (j *PaymentJournal) Revert(chargeID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.entries[chargeID]
	if !ok || rec.Status != PaymentInProgress {
		return false
	}
	delete(j.entries, chargeID)
	return true
}

// Complete transitions InProgress to Completed with the award plan.
func (j *PaymentJournal) Complete(chargeID string, plan AwardPlan) bool {
	return j.finish(chargeID, func(rec *PaymentRecord) {
		rec.Status = PaymentCompleted
		rec.Plan = &plan
	})
}

// MarkRefunded transitions InProgress to Refunded.
func (j *PaymentJournal) MarkRefunded(chargeID, reason string) bool {
	return j.finish(chargeID, func(rec *PaymentRecord) {
		rec.Status = PaymentRefunded
		rec.Reason = reason
	})
}

// MarkFailed transitions InProgress to Failed.
func (j *PaymentJournal) MarkFailed(chargeID, reason string) bool {
	return j.finish(chargeID, func(rec *PaymentRecord) {
		rec.Status = PaymentFailed
		rec.Reason = reason
	})
}

func (j *PaymentJournal) finish(chargeID string, apply func(*PaymentRecord)) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.entries[chargeID]
	if !ok || rec.Status != PaymentInProgress {
		return false
	}
	apply(&rec)
	rec.UpdatedAtMs = j.clock().UnixMilli()
	j.entries[chargeID] = rec
	return true
}

// Get returns the record for a charge.
func (j *PaymentJournal) Get(chargeID string) (PaymentRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.entries[chargeID]
	return rec, ok
}

// Stats counts entries by status.
func (j *PaymentJournal) Stats() PaymentStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	var s PaymentStats
	for _, rec := range j.entries {
		switch rec.Status {
		case PaymentInProgress:
			s.InProgress++
		case PaymentCompleted:
			s.Completed++
		case PaymentRefunded:
			s.Refunded++
		case PaymentFailed:
			s.Failed++
		}
	}
	s.Total = len(j.entries)
	return s
}

// AwardStatus is the lifecycle of one award.
type AwardStatus string

const (
	AwardInProgress AwardStatus = "in_progress"
	AwardCompleted  AwardStatus = "completed"
)

// AwardRecord is the award journal entry for one charge ID.
type AwardRecord struct {
	ChargeID    string            `json:"chargeId"`
	Status      AwardStatus       `json:"status"`
	Kind        catalog.PrizeType `json:"kind,omitempty"`
	PrizeID     string            `json:"prizeId,omitempty"`
	ExternalID  string            `json:"externalId,omitempty"`
	CreatedAtMs int64             `json:"createdAtMs"`
	UpdatedAtMs int64             `json:"updatedAtMs"`
}

// AwardJournal makes award execution at-most-once per charge ID.
type AwardJournal struct {
	mu      sync.Mutex
	entries map[string]AwardRecord
	clock   func() time.Time
}

// AwardJournalOption adjusts AwardJournal construction.
type AwardJournalOption func(*AwardJournal)

// WithAwardJournalClock substitutes the journal time source.
func WithAwardJournalClock(now func() time.Time) AwardJournalOption {
	return func(j *AwardJournal) { j.clock = now }
}

// NewAwardJournal builds an empty award journal.
func NewAwardJournal(opts ...AwardJournalOption) *AwardJournal {
	j := &AwardJournal{entries: make(map[string]AwardRecord), clock: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Begin claims the award for a charge; false when already claimed.
func (j *AwardJournal) Begin(chargeID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.entries[chargeID]; ok {
		return false
	}
	now := j.clock().UnixMilli()
	j.entries[chargeID] = AwardRecord{
		ChargeID:    chargeID,
		Status:      AwardInProgress,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	return true
}

// Revert removes an InProgress claim after a failed or canceled
// execution so a redelivery can retry.
func (j *AwardJournal) Revert(chargeID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.entries[chargeID]
	if !ok || rec.Status != AwardInProgress {
		return false
	}
	delete(j.entries, chargeID)
	return true
}

// Complete records the dispensed prize.
func (j *AwardJournal) Complete(chargeID string, kind catalog.PrizeType, prizeID, externalID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.entries[chargeID]
	if !ok || rec.Status != AwardInProgress {
		return false
	}
	rec.Status = AwardCompleted
	rec.Kind = kind
	rec.PrizeID = prizeID
	rec.ExternalID = externalID
	rec.UpdatedAtMs = j.clock().UnixMilli()
	j.entries[chargeID] = rec
	return true
}

// Get returns the record for a charge.
func (j *AwardJournal) Get(chargeID string) (AwardRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.entries[chargeID]
	return rec, ok
}

// Stats counts entries by status.
func (j *AwardJournal) Stats() AwardStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	var s AwardStats
	for _, rec := range j.entries {
		switch rec.Status {
		case AwardInProgress:
			s.InProgress++
		case AwardCompleted:
			s.Completed++
		}
	}
	s.Total = len(j.entries)
	return s
}

// RefundStatus is the lifecycle of one refund.
type RefundStatus string

const (
	RefundInProgress RefundStatus = "in_progress"
	RefundSucceeded  RefundStatus = "succeeded"
	RefundFailed     RefundStatus = "failed"
)

// RefundRecord is the refund journal entry for one charge ID.
type RefundRecord struct {
	ChargeID      string       `json:"chargeId"`
	Status        RefundStatus `json:"status"`
	Reason        string       `json:"reason"`
	Attempt       int          `json:"attempt"`
	StartedAtMs   int64        `json:"startedAtMs"`
	DurationMs    int64        `json:"durationMs,omitempty"`
	CompletedAtMs int64        `json:"completedAtMs,omitempty"`
	LastError     string       `json:"lastError,omitempty"`
}

// RefundJournal serializes refund attempts per charge ID. A new
// attempt is admitted only when no entry exists or the last one
// failed.
type RefundJournal struct {
	mu      sync.Mutex
	entries map[string]RefundRecord
	clock   func() time.Time
}

// RefundJournalOption adjusts RefundJournal construction.
type RefundJournalOption func(*RefundJournal)

// WithRefundJournalClock substitutes the journal time source.
func WithRefundJournalClock(now func() time.Time) RefundJournalOption {
	return func(j *RefundJournal) { j.clock = now }
}

// NewRefundJournal builds an empty refund journal.
func NewRefundJournal(opts ...RefundJournalOption) *RefundJournal {
	j := &RefundJournal{entries: make(map[string]RefundRecord), clock: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// TryBegin admits a refund attempt. The attempt number continues from
// the previous failure. In-progress and succeeded refunds are not
// re-admitted.
func (j *RefundJournal) TryBegin(chargeID, reason string) (RefundRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	attempt := 1
	if prev, ok := j.entries[chargeID]; ok {
		if prev.Status != RefundFailed {
			return prev, false
		}
		attempt = prev.Attempt + 1
	}
	rec := RefundRecord{
		ChargeID:    chargeID,
		Status:      RefundInProgress,
		Reason:      reason,
		Attempt:     attempt,
		StartedAtMs: j.clock().UnixMilli(),
	}
	j.entries[chargeID] = rec
	return rec, true
}

// Succeed finalizes the in-progress attempt.
func (j *RefundJournal) Succeed(chargeID string) (RefundRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.entries[chargeID]
	if !ok || rec.Status != RefundInProgress {
		return rec, false
	}
	now := j.clock().UnixMilli()
	rec.Status = RefundSucceeded
	rec.CompletedAtMs = now
	rec.DurationMs = now - rec.StartedAtMs
	rec.LastError = ""
	j.entries[chargeID] = rec
	return rec, true
}

// Fail records the attempt error, allowing a later retry.
func (j *RefundJournal) Fail(chargeID, lastError string) (RefundRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.entries[chargeID]
	if !ok || rec.Status != RefundInProgress {
		return rec, false
	}
	rec.Status = RefundFailed
	rec.LastError = lastError
	j.entries[chargeID] = rec
	return rec, true
}

// Get returns the record for a charge.
func (j *RefundJournal) Get(chargeID string) (RefundRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.entries[chargeID]
	return rec, ok
}

// Stats counts entries by status.
func (j *RefundJournal) Stats() RefundStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	var s RefundStats
	for _, rec := range j.entries {
		switch rec.Status {
		case RefundInProgress:
			s.InProgress++
		case RefundSucceeded:
			s.Succeeded++
		case RefundFailed:
			s.Failed++
		}
	}
	s.Total = len(j.entries)
	return s
}
