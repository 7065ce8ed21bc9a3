package fairness

import (
	"context"
	"sync"
	"time"
)

// DefaultJournalTTL bounds how long commits and draws stay queryable.
const DefaultJournalTTL = 30 * 24 * time.Hour

// Journal is the durable interface for seed commits and draw records. Put
// methods are idempotent: the stored value wins and is returned.
type Journal interface {
	// PutCommitIfAbsent inserts the commit unless the day already has one
	// and returns whatever the journal holds afterwards.
	PutCommitIfAbsent(ctx context.Context, c Commit) (Commit, error)

	// GetCommit fetches a day's commit.
	GetCommit(ctx context.Context, dayUTC string) (Commit, bool, error)

	// Reveal stores the seed for a committed day. Days already revealed are
	// returned unchanged; unknown days fail with ErrCommitNotFound.
	Reveal(ctx context.Context, dayUTC, serverSeedHex string, revealedAtMs int64) (Commit, error)

	// PutDrawIfAbsent inserts the draw unless its key triple exists and
	// returns the stored record.
	PutDrawIfAbsent(ctx context.Context, rec DrawRecord) (DrawRecord, error)

	// GetDraw fetches a journaled draw by its key triple.
	GetDraw(ctx context.Context, caseID string, userID int64, nonce string) (DrawRecord, bool, error)

	Close() error
}

type drawKey struct {
	caseID string
	userID int64
	nonce  string
}

// MemoryJournal keeps commits and draws in maps. Expired entries are dropped
// lazily whenever the journal is touched; there is no background sweeper.
type MemoryJournal struct {
	mu      sync.Mutex
	commits map[string]Commit
	draws   map[drawKey]DrawRecord
	ttl     time.Duration
	clock   func() time.Time
}

// MemoryJournalOption configures a MemoryJournal.
type MemoryJournalOption func(*MemoryJournal)

// WithJournalTTL overrides the retention window.
func WithJournalTTL(ttl time.Duration) MemoryJournalOption {
	return func(j *MemoryJournal) { j.ttl = ttl }
}

// WithJournalClock injects a clock for tests.
func WithJournalClock(clock func() time.Time) MemoryJournalOption {
	return func(j *MemoryJournal) { j.clock = clock }
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal(opts ...MemoryJournalOption) *MemoryJournal {
	j := &MemoryJournal{
		commits: make(map[string]Commit),
		draws:   make(map[drawKey]DrawRecord),
		ttl:     DefaultJournalTTL,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *MemoryJournal) prune(nowMs int64) {
	cut := nowMs - j.ttl.Milliseconds()
	for day, c := range j.commits {
		if c.CommittedAtMs <= cut {
			delete(j.commits, day)
		}
	}
	for k, d := range j.draws {
		if d.CreatedAtMs <= cut {
			delete(j.draws, k)
		}
	}
}

func (j *MemoryJournal) PutCommitIfAbsent(_ context.Context, c Commit) (Commit, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.prune(j.clock().UnixMilli())

	if stored, ok := j.commits[c.DayUTC]; ok {
		return stored, nil
	}
	j.commits[c.DayUTC] = c
	return c, nil
}

func (j *MemoryJournal) GetCommit(_ context.Context, dayUTC string) (Commit, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.prune(j.clock().UnixMilli())

	stored, ok := j.commits[dayUTC]
	return stored, ok, nil
}

func (j *MemoryJournal) Reveal(_ context.Context, dayUTC, serverSeedHex string, revealedAtMs int64) (Commit, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.prune(j.clock().UnixMilli())

	stored, ok := j.commits[dayUTC]
	if !ok {
		return Commit{}, ErrCommitNotFound
	}
	if stored.Revealed() {
		return stored, nil
	}
	stored.ServerSeed = serverSeedHex
	stored.RevealedAtMs = revealedAtMs
	j.commits[dayUTC] = stored
	return stored, nil
}

func (j *MemoryJournal) PutDrawIfAbsent(_ context.Context, rec DrawRecord) (DrawRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.prune(j.clock().UnixMilli())

	key := drawKey{caseID: rec.CaseID, userID: rec.UserID, nonce: rec.Nonce}
	if stored, ok := j.draws[key]; ok {
		return stored, nil
	}
	j.draws[key] = rec
	return rec, nil
}

func (j *MemoryJournal) GetDraw(_ context.Context, caseID string, userID int64, nonce string) (DrawRecord, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.prune(j.clock().UnixMilli())

	stored, ok := j.draws[drawKey{caseID: caseID, userID: userID, nonce: nonce}]
	return stored, ok, nil
}

func (j *MemoryJournal) Close() error { return nil }

// commitList snapshots all live commits; used by the file backend.
func (j *MemoryJournal) commitList() []Commit {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Commit, 0, len(j.commits))
	for _, c := range j.commits {
		out = append(out, c)
	}
	return out
}

// seed loads entries without pruning or persistence side effects.
func (j *MemoryJournal) seed(commits []Commit, draws []DrawRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range commits {
		j.commits[c.DayUTC] = c
	}
	for _, d := range draws {
		j.draws[drawKey{caseID: d.CaseID, userID: d.UserID, nonce: d.Nonce}] = d
	}
}
