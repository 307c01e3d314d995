package spectral

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/mjibson/go-dsp/fft"
	dspwindow "github.com/mjibson/go-dsp/window"
	"github.com/norasector/phasemeter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tone returns n samples of amp*cos(2*pi*bin*i/n + phase).
func tone(n, bin int, amp, phase float64) []float64 {
	ret := make([]float64, n)
	for i := range ret {
		ret[i] = amp * math.Cos(2*math.Pi*float64(bin)*float64(i)/float64(n)+phase)
	}
	return ret
}

func wrap(ph float64) float64 {
	for ph <= -math.Pi {
		ph += 2 * math.Pi
	}
	for ph > math.Pi {
		ph -= 2 * math.Pi
	}
	return ph
}

func hannGain(n int) float64 {
	return float64(n-1) / (2 * float64(n))
}

func TestBinAlignedRecovery(t *testing.T) {
	const (
		n        = 1024
		interval = 1e-6
	)
	e, err := NewExtractor(n)
	require.NoError(t, err)

	for _, bin := range []int{4, 17, 102, 255, 400, 508} {
		for _, phase := range []float64{0, 0.5, -1.2, 3.0, -3.0} {
			amp := 1000.0
			block := &types.CaptureBlock{
				SampleInterval: interval,
				Data:           map[types.ChannelID][]float64{1: tone(n, bin, amp, phase)},
			}
			freq := float64(bin) / (n * interval)
			got, err := e.Extract(block, map[types.ChannelID]float64{1: freq})
			require.NoError(t, err)

			m := got[1]
			assert.Equal(t, bin, m.Bin)
			assert.InDelta(t, freq, m.Frequency, 1e-6)
			assert.InEpsilon(t, amp*hannGain(n), m.Amplitude, 1e-3, "bin %d phase %v", bin, phase)
			assert.InDelta(t, 0, wrap(m.Phase-phase), 1e-3, "bin %d phase %v", bin, phase)
		}
	}
}

func TestSineIsQuarterTurnBehindCosine(t *testing.T) {
	const n = 2048
	sine := make([]float64, n)
	phi := 0.7
	for i := range sine {
		sine[i] = math.Sin(2*math.Pi*64*float64(i)/n + phi)
	}
	e, err := NewExtractor(n)
	require.NoError(t, err)

	got, err := e.Extract(&types.CaptureBlock{SampleInterval: 1.0 / n, Data: map[types.ChannelID][]float64{3: sine}},
		map[types.ChannelID]float64{3: 64})
	require.NoError(t, err)
	assert.InDelta(t, 0, wrap(got[3].Phase-(phi-math.Pi/2)), 1e-3)
	assert.InEpsilon(t, hannGain(n), got[3].Amplitude, 1e-3)
}

func TestMatchesReferenceTransform(t *testing.T) {
	const n = 1000
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = 37*math.Cos(2*math.Pi*0.1234*float64(i)+0.3) + 5*math.Sin(float64(i)*0.01) + 3
	}

	e, err := NewExtractor(n)
	require.NoError(t, err)
	got, err := e.Extract(&types.CaptureBlock{SampleInterval: 1, Data: map[types.ChannelID][]float64{1: samples}},
		map[types.ChannelID]float64{1: 0.1234})
	require.NoError(t, err)

	win := dspwindow.Hann(n)
	windowed := make([]float64, n)
	for i := range windowed {
		windowed[i] = samples[i] * win[i]
	}
	ref := fft.FFTReal(windowed)
	bin := got[1].Bin
	assert.Equal(t, 123, bin)
	assert.InDelta(t, 2*cmplx.Abs(ref[bin])/n, got[1].Amplitude, 1e-9)
	assert.InDelta(t, cmplx.Phase(ref[bin]), got[1].Phase, 1e-9)
}

func TestNearestBinTieBreak(t *testing.T) {
	freqs := BinFrequencies(8, 0.125)
	require.Equal(t, []float64{0, 1, 2, 3, 4}, freqs)

	assert.Equal(t, 2, NearestBin(freqs, 2.5))
	assert.Equal(t, 0, NearestBin(freqs, 0.5))
	assert.Equal(t, 3, NearestBin(freqs, 2.51))
	assert.Equal(t, 4, NearestBin(freqs, 100))

	e, err := NewExtractor(8)
	require.NoError(t, err)
	block := &types.CaptureBlock{SampleInterval: 0.125, Data: map[types.ChannelID][]float64{1: tone(8, 2, 1, 0)}}
	for i := 0; i < 3; i++ {
		got, err := e.Extract(block, map[types.ChannelID]float64{1: 2.5})
		require.NoError(t, err)
		assert.Equal(t, 2, got[1].Bin)
	}
}

func TestNominal100kHzAt1MHz(t *testing.T) {
	const (
		n        = 1024
		interval = 1e-6
	)
	freqs := BinFrequencies(n, interval)
	bin := NearestBin(freqs, 100e3)
	// bin spacing is 976.5625 Hz, 100 kHz is 102.4 bins
	assert.Equal(t, 102, bin)
	assert.InDelta(t, 99609.375, freqs[bin], 1e-6)

	e, err := NewExtractor(n)
	require.NoError(t, err)
	got, err := e.Extract(&types.CaptureBlock{SampleInterval: interval, Data: map[types.ChannelID][]float64{1: tone(n, 102, 1, 0)}},
		map[types.ChannelID]float64{1: 100e3})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got[1].Amplitude/hannGain(n), 1e-3)
	assert.InDelta(t, 0, got[1].Phase, 1e-3)
}

func TestPhaseRange(t *testing.T) {
	const n = 256
	e, err := NewExtractor(n)
	require.NoError(t, err)
	for _, phase := range []float64{math.Pi, -math.Pi, math.Pi - 1e-9} {
		got, err := e.Extract(&types.CaptureBlock{SampleInterval: 1, Data: map[types.ChannelID][]float64{1: tone(n, 10, 1, phase)}},
			map[types.ChannelID]float64{1: 10.0 / n})
		require.NoError(t, err)
		assert.Greater(t, got[1].Phase, -math.Pi)
		assert.LessOrEqual(t, got[1].Phase, math.Pi)
	}
}

func TestMultipleChannelsIndependent(t *testing.T) {
	const n = 4096
	block := &types.CaptureBlock{SampleInterval: 1.0 / n, Data: map[types.ChannelID][]float64{
		1: tone(n, 100, 10, 0.1),
		2: tone(n, 300, 20, -0.2),
		4: tone(n, 1000, 30, 2.5),
	}}
	nominal := map[types.ChannelID]float64{1: 100, 2: 300, 4: 1000}

	e, err := NewExtractor(n)
	require.NoError(t, err)
	first, err := e.Extract(block, nominal)
	require.NoError(t, err)
	second, err := e.Extract(block, nominal)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.InEpsilon(t, 10*hannGain(n), first[1].Amplitude, 1e-3)
	assert.InEpsilon(t, 20*hannGain(n), first[2].Amplitude, 1e-3)
	assert.InEpsilon(t, 30*hannGain(n), first[4].Amplitude, 1e-3)
	assert.InDelta(t, -0.2, first[2].Phase, 1e-3)
	assert.InDelta(t, 2.5, first[4].Phase, 1e-3)
}

func TestExtractRejectsMalformedBlocks(t *testing.T) {
	e, err := NewExtractor(16)
	require.NoError(t, err)
	nominal := map[types.ChannelID]float64{1: 1}

	_, err = e.Extract(&types.CaptureBlock{SampleInterval: 1, Data: map[types.ChannelID][]float64{1: make([]float64, 8)}}, nominal)
	assert.ErrorIs(t, err, types.ErrMalformedBlock)

	_, err = e.Extract(&types.CaptureBlock{SampleInterval: 0, Data: map[types.ChannelID][]float64{1: make([]float64, 16)}}, nominal)
	assert.ErrorIs(t, err, types.ErrMalformedBlock)

	_, err = e.Extract(&types.CaptureBlock{SampleInterval: 1, Data: map[types.ChannelID][]float64{
		1: make([]float64, 16), 2: make([]float64, 15),
	}}, nominal)
	assert.ErrorIs(t, err, types.ErrMalformedBlock)

	_, err = e.Extract(&types.CaptureBlock{SampleInterval: 1, Data: map[types.ChannelID][]float64{2: make([]float64, 16)}}, nominal)
	assert.ErrorIs(t, err, ErrNoChannel)

	_, err = NewExtractor(1)
	assert.Error(t, err)
}

func TestCheckFrequencies(t *testing.T) {
	// 1 MHz sampling, 1024 points
	assert.NoError(t, CheckFrequencies(map[types.ChannelID]float64{1: 100e3, 2: 200e3, 3: 400e3}, 1024, 1e-6))
	assert.ErrorIs(t, CheckFrequencies(map[types.ChannelID]float64{1: 500001}, 1024, 1e-6), ErrAboveNyquist)
	assert.ErrorIs(t, CheckFrequencies(map[types.ChannelID]float64{1: 100e3, 2: 99.8e3}, 1024, 1e-6), ErrSharedBin)
}
