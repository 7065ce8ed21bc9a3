package fairness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLJournal implements Journal using database/sql. It supports both Postgres
// and SQLite via standard drivers; the same $n placeholders and
// ON CONFLICT clauses work on both.
type SQLJournal struct {
	db *sql.DB
}

// NewSQLJournal wraps an open database handle. The caller owns the handle.
func NewSQLJournal(db *sql.DB) *SQLJournal {
	return &SQLJournal{db: db}
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS rng_seed_commits (
	day_utc TEXT PRIMARY KEY,
	server_seed_hash TEXT NOT NULL,
	committed_at BIGINT NOT NULL,
	revealed_at BIGINT,
	server_seed TEXT
);
CREATE TABLE IF NOT EXISTS rng_draws (
	case_id TEXT NOT NULL,
	user_id BIGINT NOT NULL,
	nonce TEXT NOT NULL,
	server_seed_hash TEXT NOT NULL,
	roll_hex TEXT NOT NULL,
	ppm BIGINT NOT NULL,
	result_item_id TEXT,
	created_at BIGINT NOT NULL,
	PRIMARY KEY (case_id, user_id, nonce)
);
`

// Init creates the journal tables.
func (s *SQLJournal) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, journalSchema); err != nil {
		return fmt.Errorf("fairness: failed to init journal schema: %w", err)
	}
	return nil
}

func (s *SQLJournal) PutCommitIfAbsent(ctx context.Context, c Commit) (Commit, error) {
	query := `
		INSERT INTO rng_seed_commits (day_utc, server_seed_hash, committed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (day_utc) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, c.DayUTC, c.ServerSeedHash, c.CommittedAtMs); err != nil {
		return Commit{}, fmt.Errorf("fairness: failed to insert commit: %w", err)
	}
	stored, ok, err := s.GetCommit(ctx, c.DayUTC)
	if err != nil {
		return Commit{}, err
	}
	if !ok {
		return Commit{}, ErrCommitNotFound
	}
	return stored, nil
}

func (s *SQLJournal) GetCommit(ctx context.Context, dayUTC string) (Commit, bool, error) {
	query := `
		SELECT day_utc, server_seed_hash, committed_at, revealed_at, server_seed
		FROM rng_seed_commits
		WHERE day_utc = $1
	`
	row := s.db.QueryRowContext(ctx, query, dayUTC)

	var (
		c          Commit
		revealedAt sql.NullInt64
		serverSeed sql.NullString
	)
	err := row.Scan(&c.DayUTC, &c.ServerSeedHash, &c.CommittedAtMs, &revealedAt, &serverSeed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Commit{}, false, nil
		}
		return Commit{}, false, fmt.Errorf("fairness: failed to load commit: %w", err)
	}
	c.RevealedAtMs = revealedAt.Int64
	c.ServerSeed = serverSeed.String
	return c, true, nil
}

func (s *SQLJournal) Reveal(ctx context.Context, dayUTC, serverSeedHex string, revealedAtMs int64) (Commit, error) {
	query := `
		UPDATE rng_seed_commits
		SET server_seed = $1, revealed_at = $2
		WHERE day_utc = $3 AND server_seed IS NULL
	`
	if _, err := s.db.ExecContext(ctx, query, serverSeedHex, revealedAtMs, dayUTC); err != nil {
		return Commit{}, fmt.Errorf("fairness: failed to reveal commit: %w", err)
	}
	stored, ok, err := s.GetCommit(ctx, dayUTC)
	if err != nil {
		return Commit{}, err
	}
	if !ok {
		return Commit{}, ErrCommitNotFound
	}
	return stored, nil
}

func (s *SQLJournal) PutDrawIfAbsent(ctx context.Context, rec DrawRecord) (DrawRecord, error) {
	query := `
		INSERT INTO rng_draws (case_id, user_id, nonce, server_seed_hash, roll_hex, ppm, result_item_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (case_id, user_id, nonce) DO NOTHING
	`
	resultItem := sql.NullString{String: rec.ResultItemID, Valid: rec.ResultItemID != ""}
	if _, err := s.db.ExecContext(ctx, query,
		rec.CaseID, rec.UserID, rec.Nonce,
		rec.ServerSeedHash, rec.RollHex, rec.Ppm, resultItem, rec.CreatedAtMs,
	); err != nil {
		return DrawRecord{}, fmt.Errorf("fairness: failed to insert draw: %w", err)
	}
	stored, ok, err := s.GetDraw(ctx, rec.CaseID, rec.UserID, rec.Nonce)
	if err != nil {
		return DrawRecord{}, err
	}
	if !ok {
		return DrawRecord{}, errors.New("fairness: draw missing after insert")
	}
	return stored, nil
}

func (s *SQLJournal) GetDraw(ctx context.Context, caseID string, userID int64, nonce string) (DrawRecord, bool, error) {
	query := `
		SELECT case_id, user_id, nonce, server_seed_hash, roll_hex, ppm, result_item_id, created_at
		FROM rng_draws
		WHERE case_id = $1 AND user_id = $2 AND nonce = $3
	`
	row := s.db.QueryRowContext(ctx, query, caseID, userID, nonce)

	var (
		rec        DrawRecord
		resultItem sql.NullString
	)
	err := row.Scan(&rec.CaseID, &rec.UserID, &rec.Nonce,
		&rec.ServerSeedHash, &rec.RollHex, &rec.Ppm, &resultItem, &rec.CreatedAtMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DrawRecord{}, false, nil
		}
		return DrawRecord{}, false, fmt.Errorf("fairness: failed to load draw: %w", err)
	}
	rec.ResultItemID = resultItem.String
	return rec, true, nil
}

func (s *SQLJournal) Close() error { return nil }
