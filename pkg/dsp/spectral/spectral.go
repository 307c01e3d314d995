package spectral

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	dspwindow "github.com/mjibson/go-dsp/window"
	"github.com/norasector/phasemeter/pkg/types"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

var (
	ErrAboveNyquist = errors.New("nominal frequency above nyquist")
	ErrSharedBin    = errors.New("channels share an analysis bin")
	ErrNoChannel    = errors.New("block has no data for channel")
)

// BinFrequencies returns the frequency of each non-negative bin of an n-point
// real transform sampled every interval seconds.
func BinFrequencies(n int, interval float64) []float64 {
	val := 1.0 / (float64(n) * interval)
	ret := make([]float64, n/2+1)
	for k := range ret {
		ret[k] = float64(k) * val
	}
	return ret
}

// NearestBin returns the index of the frequency closest to target. Ties go to
// the lowest index.
func NearestBin(freqs []float64, target float64) int {
	best := 0
	bestDiff := math.Abs(freqs[0] - target)
	for k := 1; k < len(freqs); k++ {
		if d := math.Abs(freqs[k] - target); d < bestDiff {
			best = k
			bestDiff = d
		}
	}
	return best
}

// CheckFrequencies rejects nominal frequencies that alias above nyquist or that
// resolve to the same bin as another channel.
func CheckFrequencies(nominal map[types.ChannelID]float64, n int, interval float64) error {
	nyquist := 1 / (2 * interval)
	freqs := BinFrequencies(n, interval)
	owners := make(map[int]types.ChannelID, len(nominal))

	ids := make([]types.ChannelID, 0, len(nominal))
	for id := range nominal {
		ids = append(ids, id)
	}
	for _, id := range types.SortChannels(ids) {
		f := nominal[id]
		if f > nyquist {
			return fmt.Errorf("%w: %s at %g Hz, nyquist %g Hz", ErrAboveNyquist, id, f, nyquist)
		}
		bin := NearestBin(freqs, f)
		if other, ok := owners[bin]; ok {
			return fmt.Errorf("%w: %s and %s both resolve to bin %d (%g Hz)", ErrSharedBin, other, id, bin, freqs[bin])
		}
		owners[bin] = id
	}
	return nil
}

type channelState struct {
	fft    *fourier.FFT
	work   []float64
	coeffs []complex128
}

func (s *channelState) measure(samples, win []float64, bin int) types.Measurement {
	floats.MulTo(s.work, samples, win)
	s.coeffs = s.fft.Coefficients(s.coeffs, s.work)
	c := s.coeffs[bin]

	phase := cmplx.Phase(c)
	if phase == -math.Pi {
		phase = math.Pi
	}

	return types.Measurement{
		Amplitude: 2 * cmplx.Abs(c) / float64(len(samples)),
		Phase:     phase,
		Bin:       bin,
	}
}

// Extractor measures amplitude and phase at a single bin per channel of a
// Hann-windowed real FFT. Channels are transformed concurrently; concurrent
// calls to Extract are serialized.
type Extractor struct {
	size   int
	window []float64

	mu       sync.Mutex
	states   map[types.ChannelID]*channelState
	interval float64
	freqs    []float64
}

func NewExtractor(size int) (*Extractor, error) {
	if size < 2 {
		return nil, fmt.Errorf("block size must be at least 2, got %d", size)
	}
	return &Extractor{
		size:   size,
		window: dspwindow.Hann(size),
		states: make(map[types.ChannelID]*channelState),
	}, nil
}

func (e *Extractor) state(id types.ChannelID) *channelState {
	s, ok := e.states[id]
	if !ok {
		s = &channelState{
			fft:    fourier.NewFFT(e.size),
			work:   make([]float64, e.size),
			coeffs: make([]complex128, e.size/2+1),
		}
		e.states[id] = s
	}
	return s
}

func (e *Extractor) binFrequencies(interval float64) []float64 {
	if e.freqs == nil || e.interval != interval {
		e.freqs = BinFrequencies(e.size, interval)
		e.interval = interval
	}
	return e.freqs
}

// Extract returns the measurement at the bin nearest each channel's nominal
// frequency.
func (e *Extractor) Extract(block *types.CaptureBlock, nominal map[types.ChannelID]float64) (map[types.ChannelID]types.Measurement, error) {
	if err := block.Validate(); err != nil {
		return nil, err
	}
	if n := block.Len(); n != e.size {
		return nil, fmt.Errorf("%w: %d samples, extractor size %d", types.ErrMalformedBlock, n, e.size)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	freqs := e.binFrequencies(block.SampleInterval)

	type job struct {
		id    types.ChannelID
		state *channelState
		bin   int
	}
	jobs := make([]job, 0, len(nominal))
	for id, f := range nominal {
		if _, ok := block.Data[id]; !ok {
			return nil, fmt.Errorf("%w %s", ErrNoChannel, id)
		}
		jobs = append(jobs, job{id: id, state: e.state(id), bin: NearestBin(freqs, f)})
	}

	results := make([]types.Measurement, len(jobs))
	var eg errgroup.Group
	for i := range jobs {
		i := i
		eg.Go(func() error {
			j := jobs[i]
			results[i] = j.state.measure(block.Data[j.id], e.window, j.bin)
			results[i].Frequency = freqs[j.bin]
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	ret := make(map[types.ChannelID]types.Measurement, len(jobs))
	for i, j := range jobs {
		ret[j.id] = results[i]
	}
	return ret, nil
}
