package feature

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRate   = 250
	testWindow = 256
)

// sine generates a windowSize-sample sine at freq Hz sampled at rate Hz.
func sine(freq float64, amplitude float64) []float64 {
	out := make([]float64, testWindow)
	for i := range out {
		out[i] = amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(testRate))
	}
	return out
}

func prepared(t *testing.T) *BandPower {
	t.Helper()
	b := NewBandPower(testRate, testWindow)
	require.NoError(t, b.Prepare())
	return b
}

func TestScoreBetaBandHigh(t *testing.T) {
	b := prepared(t)

	// 20 Hz sits inside the beta band, 4 Hz does not
	beta, err := b.Score([][]float64{sine(20, 1)})
	require.NoError(t, err)
	theta, err := b.Score([][]float64{sine(4, 1)})
	require.NoError(t, err)

	assert.Greater(t, beta, theta, "beta-band tone must outscore out-of-band tone")
	assert.GreaterOrEqual(t, beta, 0.9, "pure beta tone should score near 1")
	assert.LessOrEqual(t, theta, 0.2, "pure theta tone should score near 0")
}

func TestScoreBounded(t *testing.T) {
	b := prepared(t)
	for _, freq := range []float64{2, 10, 20, 40} {
		s, err := b.Score([][]float64{sine(freq, 2)})
		require.NoError(t, err, "Score(%v Hz)", freq)
		assert.GreaterOrEqual(t, s, 0.0, "score for %v Hz", freq)
		assert.LessOrEqual(t, s, 1.0, "score for %v Hz", freq)
	}
}

func TestScoreAveragesChannels(t *testing.T) {
	b := prepared(t)
	mixed, err := b.Score([][]float64{sine(20, 1), sine(4, 1)})
	require.NoError(t, err)
	pure, err := b.Score([][]float64{sine(20, 1), sine(20, 1)})
	require.NoError(t, err)
	assert.Less(t, mixed, pure, "mixed channels must score below all-beta")
}

func TestScoreErrors(t *testing.T) {
	b := NewBandPower(testRate, testWindow)
	_, err := b.Score([][]float64{sine(20, 1)})
	assert.Error(t, err, "Score before Prepare")

	b = prepared(t)
	_, err = b.Score(nil)
	assert.Error(t, err, "Score of empty window")
	_, err = b.Score([][]float64{{1, 2, 3}})
	assert.Error(t, err, "Score of short channel")
}

func TestPrepareValidation(t *testing.T) {
	assert.Error(t, NewBandPower(0, testWindow).Prepare(), "zero sampling rate")
	assert.Error(t, NewBandPower(testRate, 0).Prepare(), "zero window size")
}

func TestReleaseIdempotent(t *testing.T) {
	b := prepared(t)
	require.NoError(t, b.Release())
	require.NoError(t, b.Release())
	_, err := b.Score([][]float64{sine(20, 1)})
	assert.Error(t, err, "Score after Release")
}
