package mining

import (
	"math"

	"github.com/shopspring/decimal"
)

const (
	bytesPerMiB = 1024 * 1024

	// deviceMultiplier scales every score. Device-specific multipliers
	// are not implemented.
	deviceMultiplier = 1.0
)

type Score struct {
	QualityScore float64 `json:"qualityScore"`
	FinalScore   float64 `json:"finalScore"`
}

// ComputeScore maps a transfer to shards:
//
//	MiB          = bytes / 2^20
//	qualityScore = max(0.5, (1-loss) * max(0.5, 1-jitter/200))
//	finalScore   = round6(MiB * qualityScore * deviceMultiplier)
//
// The outer max is the binding floor: qualityScore never drops below
// 0.5, so finalScore >= 0.5*MiB (and therefore >= 0.25*MiB) whenever
// bytes > 0. Inputs are not clamped here; callers validate them.
func ComputeScore(bytes int64, loss, jitter float64) Score {
	mib := float64(bytes) / bytesPerMiB
	quality := qualityFactor(loss, jitter)
	return Score{
		QualityScore: quality,
		FinalScore:   round6(mib * quality * deviceMultiplier),
	}
}

func qualityFactor(loss, jitter float64) float64 {
	return math.Max(0.5, (1-loss)*math.Max(0.5, 1-jitter/200))
}

// round6 rounds half away from zero at the sixth decimal place.
func round6(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(6).InexactFloat64()
}

func validMetrics(bytesRx, bytesTx int64, loss, jitter float64) bool {
	if bytesRx < 0 || bytesTx < 0 {
		return false
	}
	if !(loss >= 0 && loss <= 1) {
		return false
	}
	return jitter >= 0 && !math.IsInf(jitter, 1)
}
