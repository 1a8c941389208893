// Package retention implements the time-decay model: an exponential half-life
// scaled by the record's strength. Pure math, no state.
package retention

import (
	"math"
	"time"
)

const (
	// BaseHalfLifeDays anchors the decay curve: a strength-0.35 record
	// halves every 14 days.
	BaseHalfLifeDays = 14.0

	minStrengthFactor = 0.3
	strengthSpan      = 2.0
)

// HalfLifeDays returns the half-life for a given strength:
// 14 × (0.3 + 2×clamp(strength,0,1)) days, so strength 0 decays with a
// ~4.2-day half-life and strength 1 with ~32.2 days.
func HalfLifeDays(strength float64) float64 {
	return BaseHalfLifeDays * (minStrengthFactor + strengthSpan*Clamp01(strength))
}

// Compute returns the retention multiplier in [0,1] for a record. Age is
// measured from lastAccessedAt when set, else createdAt.
func Compute(now, createdAt time.Time, lastAccessedAt *time.Time, strength float64) float64 {
	anchor := createdAt
	if lastAccessedAt != nil {
		anchor = *lastAccessedAt
	}
	ageDays := float64(now.Sub(anchor).Milliseconds()) / 86_400_000
	if ageDays <= 0 {
		return 1
	}
	return math.Pow(0.5, ageDays/HalfLifeDays(strength))
}

// Clamp01 clamps v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
