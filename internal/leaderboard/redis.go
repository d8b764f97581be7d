// Package leaderboard keeps per-period shard rankings in Redis sorted
// sets. Each credited payout increments the owner's score in the daily
// and weekly set covering the payout time.
package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"shardminer/backend/internal/clock"
	"shardminer/backend/internal/mining"
)

const (
	defaultPrefix = "leaderboard"
	maxLimit      = 100
)

type Config struct {
	Prefix string
	Clock  clock.Clock
}

type Board struct {
	rdb    redis.UniversalClient
	prefix string
	clock  clock.Clock
}

func New(rdb redis.UniversalClient, cfg Config) *Board {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Board{rdb: rdb, prefix: cfg.Prefix, clock: cfg.Clock}
}

// Key names the sorted set for the period containing t:
// leaderboard:daily:20261015, leaderboard:weekly:2026-W42.
func (b *Board) Key(period mining.Period, t time.Time) string {
	t = t.UTC()
	if period == mining.PeriodWeekly {
		year, week := t.ISOWeek()
		return fmt.Sprintf("%s:weekly:%04d-W%02d", b.prefix, year, week)
	}
	return fmt.Sprintf("%s:daily:%s", b.prefix, t.Format("20060102"))
}

// Refresh adds the payout to both period sets. Keys outlive their
// period by one period so late readers still see the final ranking.
func (b *Board) Refresh(ctx context.Context, payout mining.Payout) error {
	at := time.UnixMilli(payout.CreatedAt)
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, period := range []mining.Period{mining.PeriodDaily, mining.PeriodWeekly} {
			key := b.Key(period, at)
			pipe.ZIncrBy(ctx, key, payout.FinalScore, payout.UserID)
			pipe.ExpireAt(ctx, key, period.Start(at).Add(2*period.Length()))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("leaderboard: incrementing %s: %w", payout.UserID, err)
	}
	return nil
}

func (b *Board) Top(ctx context.Context, period mining.Period, limit int) ([]mining.LeaderboardEntry, error) {
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	key := b.Key(period, b.clock.Now())
	members, err := b.rdb.ZRevRangeWithScores(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard: reading %s: %w", key, err)
	}

	entries := make([]mining.LeaderboardEntry, 0, len(members))
	for i, m := range members {
		entries = append(entries, mining.LeaderboardEntry{
			Rank:   i + 1,
			UserID: m.Member,
			Score:  m.Score,
		})
	}
	return entries, nil
}

func (b *Board) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
