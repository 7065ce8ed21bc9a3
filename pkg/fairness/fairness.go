// Package fairness implements the commit-reveal draw protocol: the server
// publishes the SHA-256 hash of its daily seed in advance, draws prizes
// deterministically from HMAC rolls, and reveals the seed once the day has
// passed so anyone can recheck past draws.
package fairness

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/starpay/pkg/catalog"
	"github.com/Mindburn-Labs/starpay/pkg/crypto"
)

const (
	ppmScale      = 1_000_000
	seedByteLen   = 32
	clientSeedTag = "v1"
)

var (
	ErrEmptyKey       = errors.New("fairness: empty key")
	ErrInvalidDay     = errors.New("fairness: invalid day")
	ErrRevealTooEarly = errors.New("fairness: day is not over yet")
	ErrCommitNotFound = errors.New("fairness: commit not found")
	ErrCommitMismatch = errors.New("fairness: committed hash does not match configured key")
	ErrBlankNonce     = errors.New("fairness: blank nonce")
)

// Commit is one day's published seed commitment. ServerSeed stays empty until
// the day is revealed.
type Commit struct {
	DayUTC         string `json:"dayUtc"`
	ServerSeedHash string `json:"serverSeedHash"`
	CommittedAtMs  int64  `json:"committedAtMs"`
	RevealedAtMs   int64  `json:"revealedAtMs,omitempty"`
	ServerSeed     string `json:"serverSeed,omitempty"`
}

// Revealed reports whether the seed has been published.
func (c Commit) Revealed() bool { return c.ServerSeed != "" }

// DrawRecord is the journaled outcome of one draw. The (CaseID, UserID, Nonce)
// triple is the idempotency key; an empty ResultItemID is the overflow null
// prize.
type DrawRecord struct {
	CaseID         string `json:"caseId"`
	UserID         int64  `json:"userId"`
	Nonce          string `json:"nonce"`
	ServerSeedHash string `json:"serverSeedHash"`
	RollHex        string `json:"rollHex"`
	Ppm            int64  `json:"ppm"`
	ResultItemID   string `json:"resultItemId,omitempty"`
	CreatedAtMs    int64  `json:"createdAtMs"`
}

// Receipt is the verifiable proof handed to the user alongside a draw.
type Receipt struct {
	DayUTC         string `json:"dayUtc"`
	ServerSeedHash string `json:"serverSeedHash"`
	ClientSeed     string `json:"clientSeed"`
	RollHex        string `json:"rollHex"`
	Ppm            int64  `json:"ppm"`
}

// DrawResult bundles the stored record with its receipt. Idempotent is set
// when the journal already held the record from an earlier draw.
type DrawResult struct {
	Record     DrawRecord
	Receipt    Receipt
	Idempotent bool
}

// VerifyStatus classifies a verification attempt.
type VerifyStatus string

const (
	VerifyCommitMissing      VerifyStatus = "commit_missing"
	VerifyInvalidServerSeed  VerifyStatus = "invalid_server_seed"
	VerifyServerSeedMismatch VerifyStatus = "server_seed_mismatch"
	VerifySuccess            VerifyStatus = "success"
)

// VerifyResult is the outcome of re-deriving a roll from a candidate seed.
// Roll fields are populated only on success.
type VerifyResult struct {
	Status         VerifyStatus `json:"status"`
	Valid          bool         `json:"valid"`
	DayUTC         string       `json:"dayUtc"`
	ServerSeedHash string       `json:"serverSeedHash,omitempty"`
	ClientSeed     string       `json:"clientSeed,omitempty"`
	RollHex        string       `json:"rollHex,omitempty"`
	Ppm            int64        `json:"ppm"`
}

// Engine derives seeds and rolls from the configured key and records draws in
// a Journal.
type Engine struct {
	key     []byte
	catalog catalog.Store
	journal Journal
	clock   func() time.Time
	logger  *slog.Logger

	draws           metric.Int64Counter
	drawsIdempotent metric.Int64Counter
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock injects a clock for tests.
func WithEngineClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithEngineLogger overrides the default logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine builds an engine over the fairness key, the case catalog, and a
// journal backend.
func NewEngine(key []byte, cat catalog.Store, journal Journal, opts ...EngineOption) (*Engine, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	e := &Engine{
		key:     key,
		catalog: cat,
		journal: journal,
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	meter := otel.Meter("starpay/fairness")
	e.draws, _ = meter.Int64Counter("rng_draws_total",
		metric.WithDescription("Prize draws requested"))
	e.drawsIdempotent, _ = meter.Int64Counter("rng_draws_idempotent_total",
		metric.WithDescription("Prize draws answered from the journal"))
	return e, nil
}

// Today returns the current UTC day in ISO form.
func (e *Engine) Today() string {
	return e.clock().UTC().Format(time.DateOnly)
}

// ServerSeed derives the seed for a day from the configured key.
func (e *Engine) ServerSeed(dayUTC string) []byte {
	return crypto.HmacSHA256(e.key, []byte(dayUTC))
}

// ServerSeedHash is the hex SHA-256 of the day's seed, the published commit.
func (e *Engine) ServerSeedHash(dayUTC string) string {
	return crypto.SHA256Hex(e.ServerSeed(dayUTC))
}

// ClientSeed builds the caller-controlled half of the roll input.
func ClientSeed(userID int64, nonce, caseID string) string {
	return fmt.Sprintf("%d|%s|%s|%s", userID, nonce, caseID, clientSeedTag)
}

// rollFromSeed computes the HMAC roll and its ppm draw for a client seed.
func rollFromSeed(serverSeed []byte, clientSeed string) (rollHex string, ppm int64) {
	roll := crypto.HmacSHA256(serverSeed, []byte(clientSeed))
	return hex.EncodeToString(roll), ppmFromRoll(roll)
}

// ppmFromRoll maps the first 8 roll bytes onto [0, 999999]. The product of an
// unsigned 64-bit value and 1e6 needs 128 bits; dividing by 2^64 is taking
// the high word.
func ppmFromRoll(roll []byte) int64 {
	be := binary.BigEndian.Uint64(roll[:8])
	hi, _ := bits.Mul64(be, ppmScale)
	return int64(hi)
}

// resolvePrize walks the case items in declared order and picks the first one
// whose cumulative probability exceeds the draw. Returns false when the
// probabilities sum short of one million and the draw fell in the gap.
func resolvePrize(c catalog.Case, ppm int64) (string, bool) {
	var cumulative int64
	for _, item := range c.Items {
		cumulative += int64(item.ProbabilityPpm)
		if cumulative > ppm {
			return item.ID, true
		}
	}
	return "", false
}

// EnsureTodayCommit publishes today's commitment if it is not in the journal
// yet. A stored commit whose hash disagrees with the configured key fails.
func (e *Engine) EnsureTodayCommit(ctx context.Context) (Commit, error) {
	return e.ensureCommit(ctx, e.Today())
}

func (e *Engine) ensureCommit(ctx context.Context, dayUTC string) (Commit, error) {
	hash := e.ServerSeedHash(dayUTC)
	stored, err := e.journal.PutCommitIfAbsent(ctx, Commit{
		DayUTC:         dayUTC,
		ServerSeedHash: hash,
		CommittedAtMs:  e.clock().UnixMilli(),
	})
	if err != nil {
		return Commit{}, fmt.Errorf("fairness: failed to persist commit: %w", err)
	}
	if stored.ServerSeedHash != hash {
		return Commit{}, fmt.Errorf("fairness: stored commit for %s does not match derived hash: %w", dayUTC, ErrCommitMismatch)
	}
	return stored, nil
}

// Reveal publishes the seed for a finished day. Revealing an already revealed
// day returns the stored commit unchanged.
func (e *Engine) Reveal(ctx context.Context, dayUTC string) (Commit, error) {
	if _, err := time.Parse(time.DateOnly, dayUTC); err != nil {
		return Commit{}, fmt.Errorf("fairness: failed to parse day %q: %w", dayUTC, ErrInvalidDay)
	}
	// ISO dates order lexicographically.
	if dayUTC >= e.Today() {
		return Commit{}, ErrRevealTooEarly
	}
	stored, ok, err := e.journal.GetCommit(ctx, dayUTC)
	if err != nil {
		return Commit{}, fmt.Errorf("fairness: failed to load commit: %w", err)
	}
	if !ok {
		return Commit{}, ErrCommitNotFound
	}
	if stored.Revealed() {
		return stored, nil
	}
	if expected := e.ServerSeedHash(dayUTC); stored.ServerSeedHash != expected {
		return Commit{}, fmt.Errorf("fairness: stored commit for %s does not match derived hash: %w", dayUTC, ErrCommitMismatch)
	}
	seedHex := hex.EncodeToString(e.ServerSeed(dayUTC))
	revealed, err := e.journal.Reveal(ctx, dayUTC, seedHex, e.clock().UnixMilli())
	if err != nil {
		return Commit{}, fmt.Errorf("fairness: failed to persist reveal: %w", err)
	}
	e.logger.InfoContext(ctx, "fairness: seed revealed", "day", dayUTC, "hash", revealed.ServerSeedHash)
	return revealed, nil
}

// Draw resolves a prize for (caseID, userID, nonce) under today's seed. A
// repeated draw with the same triple returns the journaled record unchanged.
func (e *Engine) Draw(ctx context.Context, caseID string, userID int64, nonce string) (DrawResult, error) {
	if nonce == "" {
		return DrawResult{}, ErrBlankNonce
	}
	c, err := e.catalog.Get(caseID)
	if err != nil {
		return DrawResult{}, fmt.Errorf("fairness: failed to resolve case: %w", err)
	}

	day := e.Today()
	commit, err := e.ensureCommit(ctx, day)
	if err != nil {
		return DrawResult{}, err
	}

	clientSeed := ClientSeed(userID, nonce, caseID)
	rollHex, ppm := rollFromSeed(e.ServerSeed(day), clientSeed)
	itemID, hit := resolvePrize(c, ppm)
	if !hit {
		e.logger.WarnContext(ctx, "fairness: draw fell past the case probability mass",
			"case", caseID, "ppm", ppm)
	}

	beforeMs := e.clock().UnixMilli()
	stored, err := e.journal.PutDrawIfAbsent(ctx, DrawRecord{
		CaseID:         caseID,
		UserID:         userID,
		Nonce:          nonce,
		ServerSeedHash: commit.ServerSeedHash,
		RollHex:        rollHex,
		Ppm:            ppm,
		ResultItemID:   itemID,
		CreatedAtMs:    beforeMs,
	})
	if err != nil {
		return DrawResult{}, fmt.Errorf("fairness: failed to journal draw: %w", err)
	}

	idempotent := stored.CreatedAtMs < beforeMs
	e.draws.Add(ctx, 1)
	if idempotent {
		e.drawsIdempotent.Add(ctx, 1)
	}

	return DrawResult{
		Record: stored,
		Receipt: Receipt{
			DayUTC:         day,
			ServerSeedHash: stored.ServerSeedHash,
			ClientSeed:     clientSeed,
			RollHex:        stored.RollHex,
			Ppm:            stored.Ppm,
		},
		Idempotent: idempotent,
	}, nil
}

// Verify rechecks a draw against a candidate seed for a committed day.
func (e *Engine) Verify(ctx context.Context, dayUTC, candidateSeedHex string, userID int64, nonce, caseID string) (VerifyResult, error) {
	result := VerifyResult{DayUTC: dayUTC}

	stored, ok, err := e.journal.GetCommit(ctx, dayUTC)
	if err != nil {
		return result, fmt.Errorf("fairness: failed to load commit: %w", err)
	}
	if !ok {
		result.Status = VerifyCommitMissing
		return result, nil
	}

	seed, err := hex.DecodeString(candidateSeedHex)
	if err != nil || len(seed) != seedByteLen {
		result.Status = VerifyInvalidServerSeed
		return result, nil
	}
	if crypto.SHA256Hex(seed) != stored.ServerSeedHash {
		result.Status = VerifyServerSeedMismatch
		return result, nil
	}

	clientSeed := ClientSeed(userID, nonce, caseID)
	rollHex, ppm := rollFromSeed(seed, clientSeed)
	result.Status = VerifySuccess
	result.Valid = true
	result.ServerSeedHash = stored.ServerSeedHash
	result.ClientSeed = clientSeed
	result.RollHex = rollHex
	result.Ppm = ppm
	return result, nil
}
