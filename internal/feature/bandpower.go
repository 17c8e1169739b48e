// Package feature derives a scalar decision score from a raw multi-channel
// sample window. The extractor estimates beta-band (13-30 Hz) power relative
// to broadband power, the band ratio conventionally used as a concentration
// proxy, and squashes it into [0,1].
package feature

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// Band edges in Hz.
const (
	betaLowHz  = 13.0
	betaHighHz = 30.0
	totalLowHz = 1.0
	totalHiHz  = 45.0
)

// Logistic squash parameters mapping the band ratio onto a usable [0,1]
// score. A ratio around the midpoint scores 0.5.
const (
	squashMidpoint = 0.3
	squashSlope    = 8.0
)

// BandPower computes per-window decision scores. Prepare must be called once
// before Score; Release is an idempotent no-op beyond invalidating the plan.
type BandPower struct {
	samplingRateHz int
	windowSize     int

	fft      *fourier.FFT
	hann     []float64
	prepared bool
}

// NewBandPower builds an extractor for windows of windowSize samples per
// channel taken at samplingRateHz.
func NewBandPower(samplingRateHz, windowSize int) *BandPower {
	return &BandPower{samplingRateHz: samplingRateHz, windowSize: windowSize}
}

// Prepare precomputes the FFT plan and the Hann window.
func (b *BandPower) Prepare() error {
	if b.samplingRateHz <= 0 {
		return fmt.Errorf("feature: invalid sampling rate %d", b.samplingRateHz)
	}
	if b.windowSize <= 0 {
		return fmt.Errorf("feature: invalid window size %d", b.windowSize)
	}
	b.fft = fourier.NewFFT(b.windowSize)
	b.hann = hannWindow(b.windowSize)
	b.prepared = true
	return nil
}

// Score averages the beta-band power ratio across channels and squashes it
// into [0,1]. Every channel must carry exactly the configured window size.
func (b *BandPower) Score(window [][]float64) (float64, error) {
	if !b.prepared {
		return 0, errors.New("feature: extractor not prepared")
	}
	if len(window) == 0 {
		return 0, errors.New("feature: empty window")
	}
	var sum float64
	for ch, samples := range window {
		if len(samples) != b.windowSize {
			return 0, fmt.Errorf("feature: channel %d has %d samples, want %d", ch, len(samples), b.windowSize)
		}
		sum += b.bandRatio(samples)
	}
	ratio := sum / float64(len(window))
	return logistic(ratio), nil
}

// Release invalidates the plan. Calling it more than once is a no-op.
func (b *BandPower) Release() error {
	b.prepared = false
	b.fft = nil
	b.hann = nil
	return nil
}

// bandRatio returns beta-band power over broadband power for one channel.
func (b *BandPower) bandRatio(samples []float64) float64 {
	buf := make([]float64, len(samples))
	copy(buf, samples)

	// remove DC, then taper with the Hann window to limit spectral leakage
	mean := floats.Sum(buf) / float64(len(buf))
	for i := range buf {
		buf[i] = (buf[i] - mean) * b.hann[i]
	}

	coeffs := b.fft.Coefficients(nil, buf)
	binHz := float64(b.samplingRateHz) / float64(b.windowSize)

	var beta, total float64
	for i, c := range coeffs {
		f := float64(i) * binHz
		p := cmplx.Abs(c)
		p *= p
		if f >= totalLowHz && f <= totalHiHz {
			total += p
		}
		if f >= betaLowHz && f <= betaHighHz {
			beta += p
		}
	}
	if total == 0 {
		return 0
	}
	return beta / total
}

func logistic(ratio float64) float64 {
	return 1 / (1 + math.Exp(-squashSlope*(ratio-squashMidpoint)))
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}
