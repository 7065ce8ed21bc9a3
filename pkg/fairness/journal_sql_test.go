package fairness_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/starpay/pkg/fairness"
)

func newMockJournal(t *testing.T) (*fairness.SQLJournal, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return fairness.NewSQLJournal(db), mock
}

func commitColumns() []string {
	return []string{"day_utc", "server_seed_hash", "committed_at", "revealed_at", "server_seed"}
}

func drawColumns() []string {
	return []string{"case_id", "user_id", "nonce", "server_seed_hash", "roll_hex", "ppm", "result_item_id", "created_at"}
}

func TestSQLJournalInit(t *testing.T) {
	j, mock := newMockJournal(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS rng_seed_commits").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, j.Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLJournalPutCommitIfAbsent(t *testing.T) {
	j, mock := newMockJournal(t)
	hash := strings.Repeat("ab", 32)

	mock.ExpectExec("INSERT INTO rng_seed_commits").
		WithArgs("2026-03-10", hash, int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT day_utc, server_seed_hash, committed_at, revealed_at, server_seed").
		WithArgs("2026-03-10").
		WillReturnRows(sqlmock.NewRows(commitColumns()).
			AddRow("2026-03-10", hash, int64(1000), nil, nil))

	got, err := j.PutCommitIfAbsent(context.Background(), fairness.Commit{
		DayUTC:         "2026-03-10",
		ServerSeedHash: hash,
		CommittedAtMs:  1000,
	})
	require.NoError(t, err)
	assert.Equal(t, "2026-03-10", got.DayUTC)
	assert.Equal(t, hash, got.ServerSeedHash)
	assert.False(t, got.Revealed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLJournalPutCommitKeepsExisting(t *testing.T) {
	j, mock := newMockJournal(t)
	hash := strings.Repeat("ab", 32)

	// The conflicting insert is a no-op; the stored row wins.
	mock.ExpectExec("INSERT INTO rng_seed_commits").
		WithArgs("2026-03-10", hash, int64(2000)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT day_utc, server_seed_hash, committed_at, revealed_at, server_seed").
		WithArgs("2026-03-10").
		WillReturnRows(sqlmock.NewRows(commitColumns()).
			AddRow("2026-03-10", hash, int64(1000), nil, nil))

	got, err := j.PutCommitIfAbsent(context.Background(), fairness.Commit{
		DayUTC:         "2026-03-10",
		ServerSeedHash: hash,
		CommittedAtMs:  2000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.CommittedAtMs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLJournalReveal(t *testing.T) {
	j, mock := newMockJournal(t)
	hash := strings.Repeat("ab", 32)
	seed := strings.Repeat("ef", 32)

	mock.ExpectExec("UPDATE rng_seed_commits").
		WithArgs(seed, int64(5000), "2026-03-10").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT day_utc, server_seed_hash, committed_at, revealed_at, server_seed").
		WithArgs("2026-03-10").
		WillReturnRows(sqlmock.NewRows(commitColumns()).
			AddRow("2026-03-10", hash, int64(1000), int64(5000), seed))

	got, err := j.Reveal(context.Background(), "2026-03-10", seed, 5000)
	require.NoError(t, err)
	assert.True(t, got.Revealed())
	assert.Equal(t, seed, got.ServerSeed)
	assert.Equal(t, int64(5000), got.RevealedAtMs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLJournalRevealUnknownDay(t *testing.T) {
	j, mock := newMockJournal(t)
	seed := strings.Repeat("ef", 32)

	mock.ExpectExec("UPDATE rng_seed_commits").
		WithArgs(seed, int64(5000), "2026-03-10").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT day_utc, server_seed_hash, committed_at, revealed_at, server_seed").
		WithArgs("2026-03-10").
		WillReturnError(sql.ErrNoRows)

	_, err := j.Reveal(context.Background(), "2026-03-10", seed, 5000)
	assert.ErrorIs(t, err, fairness.ErrCommitNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLJournalPutDrawIfAbsent(t *testing.T) {
	j, mock := newMockJournal(t)
	hash := strings.Repeat("ab", 32)
	roll := strings.Repeat("cd", 32)

	mock.ExpectExec("INSERT INTO rng_draws").
		WithArgs("c1", int64(42), "n-1", hash, roll, int64(123456), "p1", int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT case_id, user_id, nonce, server_seed_hash, roll_hex, ppm, result_item_id, created_at").
		WithArgs("c1", int64(42), "n-1").
		WillReturnRows(sqlmock.NewRows(drawColumns()).
			AddRow("c1", int64(42), "n-1", hash, roll, int64(123456), "p1", int64(1000)))

	got, err := j.PutDrawIfAbsent(context.Background(), fairness.DrawRecord{
		CaseID:         "c1",
		UserID:         42,
		Nonce:          "n-1",
		ServerSeedHash: hash,
		RollHex:        roll,
		Ppm:            123456,
		ResultItemID:   "p1",
		CreatedAtMs:    1000,
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ResultItemID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLJournalNullPrizeRow(t *testing.T) {
	j, mock := newMockJournal(t)
	hash := strings.Repeat("ab", 32)
	roll := strings.Repeat("cd", 32)

	mock.ExpectExec("INSERT INTO rng_draws").
		WithArgs("c1", int64(42), "n-2", hash, roll, int64(999999), nil, int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT case_id, user_id, nonce, server_seed_hash, roll_hex, ppm, result_item_id, created_at").
		WithArgs("c1", int64(42), "n-2").
		WillReturnRows(sqlmock.NewRows(drawColumns()).
			AddRow("c1", int64(42), "n-2", hash, roll, int64(999999), nil, int64(1000)))

	got, err := j.PutDrawIfAbsent(context.Background(), fairness.DrawRecord{
		CaseID:         "c1",
		UserID:         42,
		Nonce:          "n-2",
		ServerSeedHash: hash,
		RollHex:        roll,
		Ppm:            999999,
		CreatedAtMs:    1000,
	})
	require.NoError(t, err)
	assert.Empty(t, got.ResultItemID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
