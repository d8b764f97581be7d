package mining

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeScoreScenarios(t *testing.T) {
	tests := []struct {
		name      string
		bytes     int64
		loss      float64
		jitter    float64
		wantFinal float64
		wantQual  float64
	}{
		{"ten MiB moderate quality", 10_485_760, 0.1, 20, 8.1, 0.81},
		{"floor case", 1_048_576, 0.9, 300, 0.5, 0.5},
		{"perfect link", 2 * bytesPerMiB, 0, 0, 2, 1},
		{"zero bytes", 0, 0.01, 5, 0, 0.99 * (1 - 5.0/200)},
		{"jitter floor only", bytesPerMiB, 0, 150, 0.5, 0.5},
		{"rounded to six places", 1_000_000, 0, 0, 0.953674, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeScore(tt.bytes, tt.loss, tt.jitter)
			assert.Equal(t, tt.wantFinal, got.FinalScore)
			assert.InDelta(t, tt.wantQual, got.QualityScore, 1e-12)
		})
	}
}

func TestComputeScoreMonotonicInBytes(t *testing.T) {
	prev := -1.0
	for bytes := int64(0); bytes <= 50*bytesPerMiB; bytes += 777_777 {
		got := ComputeScore(bytes, 0.03, 17).FinalScore
		if got < prev {
			t.Fatalf("score decreased at %d bytes: %v < %v", bytes, got, prev)
		}
		prev = got
	}
}

func TestComputeScoreNonIncreasingInLossAndJitter(t *testing.T) {
	const bytes = 7 * bytesPerMiB
	mib := float64(bytes) / bytesPerMiB

	prev := math.Inf(1)
	for loss := 0.0; loss <= 1.0; loss += 0.01 {
		got := ComputeScore(bytes, loss, 10).FinalScore
		if got > prev {
			t.Fatalf("score increased with loss %v: %v > %v", loss, got, prev)
		}
		if got < 0.25*mib {
			t.Fatalf("score %v below floor at loss %v", got, loss)
		}
		prev = got
	}

	prev = math.Inf(1)
	for jitter := 0.0; jitter <= 500; jitter += 2.5 {
		got := ComputeScore(bytes, 0.02, jitter).FinalScore
		if got > prev {
			t.Fatalf("score increased with jitter %v: %v > %v", jitter, got, prev)
		}
		if got < 0.5*mib {
			t.Fatalf("score %v below 0.5 floor at jitter %v", got, jitter)
		}
		prev = got
	}
}

func TestValidMetrics(t *testing.T) {
	assert.True(t, validMetrics(0, 0, 0, 0))
	assert.True(t, validMetrics(10, 10, 1, 1000))
	assert.False(t, validMetrics(-1, 0, 0, 0))
	assert.False(t, validMetrics(0, -1, 0, 0))
	assert.False(t, validMetrics(0, 0, -0.01, 0))
	assert.False(t, validMetrics(0, 0, 1.01, 0))
	assert.False(t, validMetrics(0, 0, 0, -1))
	assert.False(t, validMetrics(0, 0, math.NaN(), 0))
	assert.False(t, validMetrics(0, 0, 0, math.NaN()))
}
