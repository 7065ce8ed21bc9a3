package antifraud_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/starpay/pkg/antifraud"
)

func TestTempBanExpires(t *testing.T) {
	now, clock := newClock(time.Unix(1_700_000_000, 0))
	store := antifraud.NewSuspiciousIPStore(antifraud.WithSuspiciousClock(clock))

	entry := store.Ban("198.51.100.1", 3600, "manual")
	assert.Equal(t, antifraud.StatusTempBanned, entry.Status)

	banned, remaining := store.IsBanned("198.51.100.1")
	require.True(t, banned)
	assert.Equal(t, time.Hour, remaining)

	*now = now.Add(time.Hour + time.Second)
	banned, _ = store.IsBanned("198.51.100.1")
	assert.False(t, banned)
	assert.Empty(t, store.ListBanned(0))
}

func TestPermanentBanNeverExpires(t *testing.T) {
	now, clock := newClock(time.Unix(1_700_000_000, 0))
	store := antifraud.NewSuspiciousIPStore(antifraud.WithSuspiciousClock(clock))

	store.Ban("198.51.100.2", 0, "abuse")
	*now = now.Add(365 * 24 * time.Hour)

	banned, remaining := store.IsBanned("198.51.100.2")
	require.True(t, banned)
	assert.Equal(t, time.Duration(0), remaining, "zero remaining marks a permanent ban")
}

func TestUnban(t *testing.T) {
	store := antifraud.NewSuspiciousIPStore()

	store.Ban("198.51.100.3", 0, "abuse")
	assert.True(t, store.Unban("198.51.100.3"))
	banned, _ := store.IsBanned("198.51.100.3")
	assert.False(t, banned)

	assert.False(t, store.Unban("198.51.100.3"), "second unban finds nothing")
	assert.False(t, store.Unban("198.51.100.99"), "unknown ip")

	store.MarkSuspicious("198.51.100.4", "velocity_hard_block")
	assert.False(t, store.Unban("198.51.100.4"), "suspicious mark is not a ban")
}

func TestMarkSuspiciousKeepsActiveBan(t *testing.T) {
	now, clock := newClock(time.Unix(1_700_000_000, 0))
	store := antifraud.NewSuspiciousIPStore(antifraud.WithSuspiciousClock(clock))

	store.Ban("198.51.100.5", 3600, "manual")
	*now = now.Add(time.Minute)

	entry := store.MarkSuspicious("198.51.100.5", "velocity_hard_block")
	assert.Equal(t, antifraud.StatusTempBanned, entry.Status, "mark must not downgrade a ban")
	assert.Equal(t, "manual", entry.Reason)
	assert.Equal(t, now.UnixMilli(), entry.LastSeenMs)
}

func TestMarkSuspiciousAfterBanExpiry(t *testing.T) {
	now, clock := newClock(time.Unix(1_700_000_000, 0))
	store := antifraud.NewSuspiciousIPStore(antifraud.WithSuspiciousClock(clock))

	store.Ban("198.51.100.6", 60, "manual")
	*now = now.Add(2 * time.Minute)

	entry := store.MarkSuspicious("198.51.100.6", "velocity_hard_block")
	assert.Equal(t, antifraud.StatusSuspicious, entry.Status)
	assert.Equal(t, "velocity_hard_block", entry.Reason)
}

func TestListRecent(t *testing.T) {
	now, clock := newClock(time.Unix(1_700_000_000, 0))
	store := antifraud.NewSuspiciousIPStore(antifraud.WithSuspiciousClock(clock))

	store.MarkSuspicious("198.51.100.10", "a")
	*now = now.Add(time.Second)
	cutoff := now.UnixMilli()
	store.MarkSuspicious("198.51.100.11", "b")
	*now = now.Add(time.Second)
	store.Ban("198.51.100.12", 0, "c")

	all := store.ListRecent(0, 0)
	require.Len(t, all, 3)
	assert.Equal(t, "198.51.100.12", all[0].IP, "newest first")
	assert.Equal(t, "198.51.100.11", all[1].IP)
	assert.Equal(t, "198.51.100.10", all[2].IP)

	since := store.ListRecent(0, cutoff)
	require.Len(t, since, 2)
	assert.Equal(t, "198.51.100.12", since[0].IP)

	limited := store.ListRecent(1, 0)
	require.Len(t, limited, 1)
	assert.Equal(t, "198.51.100.12", limited[0].IP)
}

func TestListBannedOrdering(t *testing.T) {
	now, clock := newClock(time.Unix(1_700_000_000, 0))
	store := antifraud.NewSuspiciousIPStore(antifraud.WithSuspiciousClock(clock))

	store.Ban("198.51.100.20", 100, "x")
	store.Ban("198.51.100.21", 50, "y")
	store.Ban("198.51.100.22", 0, "z")
	*now = now.Add(time.Second)
	store.Ban("198.51.100.23", 0, "w")
	store.MarkSuspicious("198.51.100.24", "not a ban")

	got := store.ListBanned(0)
	require.Len(t, got, 4)
	assert.Equal(t, "198.51.100.21", got[0].IP, "temp bans first, soonest expiry first")
	assert.Equal(t, "198.51.100.20", got[1].IP)
	assert.Equal(t, "198.51.100.22", got[2].IP, "permanent bans after, oldest first")
	assert.Equal(t, "198.51.100.23", got[3].IP)
}
