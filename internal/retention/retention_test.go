package retention

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHalfLifeDays(t *testing.T) {
	// strength 0 → 14×0.3 = 4.2 days; strength 1 → 14×2.3 = 32.2 days.
	assert.InDelta(t, 4.2, HalfLifeDays(0), 1e-9)
	assert.InDelta(t, 32.2, HalfLifeDays(1), 1e-9)
	assert.InDelta(t, 18.2, HalfLifeDays(0.5), 1e-9)
	// Out-of-range strength is clamped.
	assert.InDelta(t, 4.2, HalfLifeDays(-3), 1e-9)
	assert.InDelta(t, 32.2, HalfLifeDays(7), 1e-9)
}

func TestCompute(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Fresh record: no decay.
	assert.Equal(t, 1.0, Compute(now, now, nil, 0.5))

	// Exactly one half-life old.
	created := now.Add(-time.Duration(18.2 * 24 * float64(time.Hour)))
	assert.InDelta(t, 0.5, Compute(now, created, nil, 0.5), 1e-6)

	// lastAccessedAt resets the age base.
	old := now.AddDate(0, -6, 0)
	touched := now.Add(-time.Hour)
	withTouch := Compute(now, old, &touched, 0.5)
	withoutTouch := Compute(now, old, nil, 0.5)
	assert.Greater(t, withTouch, withoutTouch)
	assert.Greater(t, withTouch, 0.99)

	// 90 idle days at strength 0.5 decay below the 0.05 archive threshold.
	idle := now.AddDate(0, 0, -90)
	got := Compute(now, idle, nil, 0.5)
	assert.InDelta(t, math.Pow(0.5, 90/18.2), got, 1e-6)
	assert.Less(t, got, 0.05)

	// A future timestamp clamps to no decay.
	future := now.Add(time.Hour)
	assert.Equal(t, 1.0, Compute(now, future, nil, 0.5))
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.1))
	assert.Equal(t, 1.0, Clamp01(1.5))
	assert.Equal(t, 0.3, Clamp01(0.3))
}
