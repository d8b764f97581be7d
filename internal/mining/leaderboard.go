package mining

import (
	"context"
	"fmt"
	"time"
)

type Period string

const (
	PeriodDaily  Period = "daily"
	PeriodWeekly Period = "weekly"
)

func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case "", PeriodDaily:
		return PeriodDaily, nil
	case PeriodWeekly:
		return PeriodWeekly, nil
	}
	return "", fmt.Errorf("%w: unknown leaderboard period %q", ErrInvalidRequest, s)
}

// Start returns the UTC instant the period containing t began. Weeks
// start on Monday.
func (p Period) Start(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if p == PeriodWeekly {
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	}
	return day
}

func (p Period) Length() time.Duration {
	if p == PeriodWeekly {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

type LeaderboardEntry struct {
	Rank   int     `json:"rank"`
	UserID string  `json:"userId"`
	Score  float64 `json:"score"`
}

type LeaderboardReader interface {
	Top(ctx context.Context, period Period, limit int) ([]LeaderboardEntry, error)
}
