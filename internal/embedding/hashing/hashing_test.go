package hashing

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func norm(v []float32) float64 {
	s := 0.0
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestNewEmbedder_Defaults(t *testing.T) {
	e := NewEmbedder(0)
	assert.Equal(t, DefaultDimension, e.Dimension())
	assert.Equal(t, "hashing", e.Name())
	assert.Equal(t, 64, NewEmbedder(64).Dimension())
}

func TestEmbed_NormalisedAndDeterministic(t *testing.T) {
	e := NewEmbedder(128)
	ctx := context.Background()

	a, err := e.Embed(ctx, "The sky is blue and the sky is wide.")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "The sky is blue and the sky is wide.")
	require.NoError(t, err)

	require.Len(t, a, 128)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, norm(a), 1e-6)
}

func TestEmbed_StopwordsOnlyIsZeroVector(t *testing.T) {
	e := NewEmbedder(32)
	v, err := e.Embed(context.Background(), "the and of it is")
	require.NoError(t, err)
	require.Len(t, v, 32)
	assert.Zero(t, norm(v))
}

func TestEmbed_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEmbedder(8).Embed(ctx, "anything")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmbed_CollidingBucketsAreBitIdentical(t *testing.T) {
	// three buckets force many terms to share one
	e := NewEmbedder(3)
	text := "alpha beta gamma delta epsilon zeta eta theta iota kappa lambda mu nu xi omicron pi rho sigma tau upsilon " +
		"alpha alpha beta gamma gamma gamma delta delta epsilon zeta zeta zeta zeta"
	want, err := e.Embed(context.Background(), text)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		got, err := e.Embed(context.Background(), text)
		require.NoError(t, err)
		for j := range want {
			require.Equal(t, math.Float32bits(want[j]), math.Float32bits(got[j]), "run %d component %d", i, j)
		}
	}
}
