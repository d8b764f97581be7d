package storage

import (
	"context"
	"fmt"

	"shardminer/backend/internal/mining"
)

var leaderboardViews = map[mining.Period]string{
	mining.PeriodDaily:  "daily_leaderboard",
	mining.PeriodWeekly: "weekly_leaderboard",
}

// ViewRefresher refreshes the Postgres leaderboard materialized views
// after each payout.
type ViewRefresher struct {
	store *Store
}

var _ mining.AggregateRefresher = (*ViewRefresher)(nil)

// NewViewRefresher returns nil when the store has no materialized views.
func NewViewRefresher(store *Store) *ViewRefresher {
	if store.dialect != Postgres {
		return nil
	}
	return &ViewRefresher{store: store}
}

func (r *ViewRefresher) Refresh(ctx context.Context, _ mining.Payout) error {
	for _, period := range []mining.Period{mining.PeriodDaily, mining.PeriodWeekly} {
		view := leaderboardViews[period]
		if _, err := r.store.db.ExecContext(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY `+view); err != nil {
			return fmt.Errorf("refreshing %s: %w", view, err)
		}
	}
	return nil
}

// Top ranks users by shards earned in the current period. Postgres reads
// the materialized views; SQLite aggregates the payouts directly.
func (s *Store) Top(ctx context.Context, period mining.Period, limit int) ([]mining.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	var query string
	var args []any
	if s.dialect == Postgres {
		query = `SELECT user_id, score FROM ` + leaderboardViews[period] + ` ORDER BY score DESC, user_id LIMIT $1`
		args = []any{limit}
	} else {
		since := period.Start(s.clock.Now()).UnixMilli()
		query = `
			SELECT user_id, SUM(final_score) AS score FROM mining_payouts
			WHERE created_at >= $1
			GROUP BY user_id ORDER BY score DESC, user_id LIMIT $2`
		args = []any{since, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading %s leaderboard: %w", period, err)
	}
	defer rows.Close()

	entries := make([]mining.LeaderboardEntry, 0, limit)
	for rows.Next() {
		entry := mining.LeaderboardEntry{Rank: len(entries) + 1}
		if err := rows.Scan(&entry.UserID, &entry.Score); err != nil {
			return nil, fmt.Errorf("scanning leaderboard row: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
