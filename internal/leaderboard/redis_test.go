package leaderboard

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardminer/backend/internal/clock"
	"shardminer/backend/internal/mining"
)

var thursday = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func newBoard(t *testing.T) (*Board, *miniredis.Miniredis, *clock.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(thursday)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	clk := clock.Fake(thursday)
	return New(rdb, Config{Clock: clk}), mr, clk
}

func payout(user string, score float64, at time.Time) mining.Payout {
	return mining.Payout{UserID: user, FinalScore: score, CreatedAt: at.UnixMilli()}
}

func TestKey(t *testing.T) {
	b := New(nil, Config{})
	assert.Equal(t, "leaderboard:daily:20261015", b.Key(mining.PeriodDaily, thursday))
	assert.Equal(t, "leaderboard:weekly:2026-W42", b.Key(mining.PeriodWeekly, thursday))
	// ISO week of Jan 1 2027 (a Friday) belongs to 2026.
	assert.Equal(t, "leaderboard:weekly:2026-W53", b.Key(mining.PeriodWeekly, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestRefreshAndTop(t *testing.T) {
	b, mr, _ := newBoard(t)
	ctx := context.Background()

	require.NoError(t, b.Refresh(ctx, payout("alice", 4.5, thursday)))
	require.NoError(t, b.Refresh(ctx, payout("bob", 7, thursday)))
	require.NoError(t, b.Refresh(ctx, payout("alice", 3, thursday.Add(time.Hour))))
	// Monday of the same week: weekly only for today's reader.
	require.NoError(t, b.Refresh(ctx, payout("carol", 100, time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC))))

	daily, err := b.Top(ctx, mining.PeriodDaily, 10)
	require.NoError(t, err)
	assert.Equal(t, []mining.LeaderboardEntry{
		{Rank: 1, UserID: "alice", Score: 7.5},
		{Rank: 2, UserID: "bob", Score: 7},
	}, daily)

	weekly, err := b.Top(ctx, mining.PeriodWeekly, 2)
	require.NoError(t, err)
	require.Len(t, weekly, 2)
	assert.Equal(t, "carol", weekly[0].UserID)
	assert.Equal(t, "alice", weekly[1].UserID)

	ttl := mr.TTL("leaderboard:daily:20261015")
	assert.Greater(t, ttl, time.Duration(0))
}

func TestTopEmptyPeriod(t *testing.T) {
	b, _, clk := newBoard(t)
	ctx := context.Background()
	require.NoError(t, b.Refresh(ctx, payout("alice", 1, thursday)))

	clk.Advance(24 * time.Hour)
	entries, err := b.Top(ctx, mining.PeriodDaily, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = b.Top(ctx, mining.PeriodWeekly, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRefreshReportsRedisFailure(t *testing.T) {
	b, mr, _ := newBoard(t)
	mr.Close()
	err := b.Refresh(context.Background(), payout("alice", 1, thursday))
	assert.Error(t, err)
}
