package provider

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 0, 3.75}
	out, err := DecodeVector(EncodeVector(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestNormalizeVector(t *testing.T) {
	v := NormalizeVector([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.InDelta(t, 1.0, DotProduct(v, v), 1e-6)

	zero := NormalizeVector([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestDotProduct(t *testing.T) {
	assert.InDelta(t, 11, DotProduct([]float32{1, 2}, []float32{3, 4}), 1e-6)
	assert.Zero(t, DotProduct([]float32{1}, []float32{1, 2}))
}

func TestLocalEmbedderDeterministic(t *testing.T) {
	e := &LocalEmbedder{}
	ctx := context.Background()

	a, err := e.EmbedTexts(ctx, []string{"用户喜欢猫", "用户喜欢猫", "user loves dogs"})
	require.NoError(t, err)
	require.Len(t, a, 3)
	assert.Equal(t, a[0], a[1])
	assert.NotEqual(t, a[0], a[2])

	// Unit norm, so dot products are cosine similarities.
	var norm float64
	for _, f := range a[0] {
		norm += float64(f) * float64(f)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)

	// Related texts score higher than unrelated ones.
	b, err := e.EmbedTexts(ctx, []string{"用户喜欢猫和狗", "window cleaning schedule"})
	require.NoError(t, err)
	assert.Greater(t, DotProduct(a[0], b[0]), DotProduct(a[0], b[1]))
}
