package viz

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"github.com/norasector/phasemeter/pkg/dsp/window"
	"github.com/norasector/phasemeter/pkg/types"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
)

// SpectrumAverage is the weight of the newest spectrum in the running average.
const SpectrumAverage = 0.10

// SpectrumPlotter draws the averaged magnitude spectrum of the latest
// waveform snapshot for each channel, relative to the channel's full scale.
type SpectrumPlotter struct {
	name      string
	source    WaveformSource
	fullScale float64

	mu           sync.Mutex
	windowType   window.Type
	averagePower map[types.ChannelID][]float64
	lastSegment  int
	plotOptions  []PlotOptions
}

// NewSpectrumPlotter plots in dB relative to fullScale ADC counts.
func NewSpectrumPlotter(name string, source WaveformSource, fullScale float64) *SpectrumPlotter {
	return &SpectrumPlotter{
		name:         name,
		source:       source,
		fullScale:    fullScale,
		windowType:   window.Hann,
		averagePower: make(map[types.ChannelID][]float64),
	}
}

func (sp *SpectrumPlotter) Name() string {
	return sp.name
}

// SetWindow changes the analysis window and restarts averaging.
func (sp *SpectrumPlotter) SetWindow(t window.Type) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.windowType = t
	sp.averagePower = make(map[types.ChannelID][]float64)
	sp.lastSegment = 0
}

func (sp *SpectrumPlotter) AddPlotOption(opt PlotOptions) {
	sp.mu.Lock()
	sp.plotOptions = append(sp.plotOptions, opt)
	sp.mu.Unlock()
}

// magnitudes returns the single-sided amplitude spectrum of samples under win,
// corrected for the window's coherent gain.
func magnitudes(samples, win []float64) []float64 {
	n := len(samples)
	gain := window.CoherentGain(win)
	data := make([]float64, n)
	for i := range samples {
		data[i] = samples[i] * win[i]
	}
	coeffs := fourier.NewFFT(n).Coefficients(nil, data)
	ret := make([]float64, len(coeffs))
	for i, c := range coeffs {
		ret[i] = 2 * cmplx.Abs(c) / (float64(n) * gain)
	}
	return ret
}

// update folds the snapshot into the running average once per segment.
func (sp *SpectrumPlotter) update(snap *types.WaveformSnapshot) error {
	if snap.SegmentNumber == sp.lastSegment {
		return nil
	}
	win, err := window.New(sp.windowType, snap.Len())
	if err != nil {
		return err
	}
	sp.lastSegment = snap.SegmentNumber
	for id, samples := range snap.Data {
		mags := magnitudes(samples, win)
		avg, ok := sp.averagePower[id]
		if !ok || len(avg) != len(mags) {
			sp.averagePower[id] = mags
			continue
		}
		for i, m := range mags {
			avg[i] = (1.0-SpectrumAverage)*avg[i] + SpectrumAverage*m
		}
	}
	return nil
}

// GetImage returns nil until the source has a snapshot of at least two samples.
func (sp *SpectrumPlotter) GetImage() *ImageContainer {
	snap := sp.source.LastWaveform()
	if snap == nil || snap.Len() < 2 {
		return nil
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if err := sp.update(snap); err != nil {
		return nil
	}

	p := plotWithDefaults()
	p.Title.Text = fmt.Sprintf("%s (%s, segment %d)", sp.name, sp.windowType, snap.SegmentNumber)
	p.Y.Label.Text = "Magnitude (dBFS)"
	p.X.Label.Text = "Frequency (Hz)"
	p.Y.Max = 0
	p.Y.Min = -120

	for _, opt := range sp.plotOptions {
		opt(p)
	}

	p.Add(plotter.NewGrid())

	binWidth := 1 / (float64(snap.Len()) * snap.SampleInterval)
	var series []interface{}
	for _, id := range sortedChannels(snap.Data) {
		avg := sp.averagePower[id]
		xys := make(plotter.XYs, 0, len(avg))
		for k, m := range avg {
			db := -120.0
			if m > 0 {
				db = math.Max(db, 20*math.Log10(m/sp.fullScale))
			}
			xys = append(xys, plotter.XY{X: float64(k) * binWidth, Y: db})
		}
		series = append(series, id.String(), xys)
	}
	if err := plotutil.AddLines(p, series...); err != nil {
		return nil
	}

	return render(p, sp.name)
}
