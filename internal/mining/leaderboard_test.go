package mining

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodStart(t *testing.T) {
	// Thursday
	at := time.Date(2026, 10, 15, 17, 45, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC), PeriodDaily.Start(at))
	assert.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), PeriodWeekly.Start(at))

	sunday := time.Date(2026, 10, 18, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), PeriodWeekly.Start(sunday))

	monday := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, monday, PeriodWeekly.Start(monday))
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("")
	require.NoError(t, err)
	assert.Equal(t, PeriodDaily, p)

	p, err = ParsePeriod("weekly")
	require.NoError(t, err)
	assert.Equal(t, PeriodWeekly, p)

	_, err = ParsePeriod("monthly")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
