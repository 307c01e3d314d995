package viz

import (
	"fmt"
	"sync"

	"github.com/norasector/phasemeter/pkg/types"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
)

type PlotType int

const (
	PlotTypeDefault PlotType = iota
	PlotTypeScatter
	PlotTypeLines
)

// WaveformSource is anything that keeps the latest waveform snapshot.
type WaveformSource interface {
	LastWaveform() *types.WaveformSnapshot
}

// WaveformPlotter draws the samples around the trigger point of the latest
// snapshot, one trace per channel, against time relative to the trigger.
type WaveformPlotter struct {
	name   string
	source WaveformSource

	mu          sync.Mutex
	plotFunc    func(*plot.Plot, ...interface{}) error
	plotOptions []PlotOptions
}

func NewWaveformPlotter(name string, source WaveformSource) *WaveformPlotter {
	return &WaveformPlotter{
		name:     name,
		source:   source,
		plotFunc: plotutil.AddLines,
	}
}

func (wp *WaveformPlotter) Name() string {
	return wp.name
}

func (wp *WaveformPlotter) SetPlotType(tp PlotType) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	switch tp {
	case PlotTypeScatter:
		wp.plotFunc = plotutil.AddScatters
	default:
		wp.plotFunc = plotutil.AddLines
	}
}

func (wp *WaveformPlotter) AddPlotOption(opt PlotOptions) {
	wp.mu.Lock()
	wp.plotOptions = append(wp.plotOptions, opt)
	wp.mu.Unlock()
}

// GetImage returns nil until the source has a snapshot.
func (wp *WaveformPlotter) GetImage() *ImageContainer {
	snap := wp.source.LastWaveform()
	if snap == nil || snap.Len() == 0 {
		return nil
	}

	wp.mu.Lock()
	defer wp.mu.Unlock()

	p := plotWithDefaults()
	p.Title.Text = fmt.Sprintf("%s (segment %d)", wp.name, snap.SegmentNumber)
	p.Y.Label.Text = "ADC counts"
	p.X.Label.Text = "t from trigger (us)"

	for _, opt := range wp.plotOptions {
		opt(p)
	}

	p.Add(plotter.NewGrid())

	var series []interface{}
	for _, id := range sortedChannels(snap.Data) {
		samples := snap.Data[id]
		xys := make(plotter.XYs, len(samples))
		for i, v := range samples {
			offset := float64(snap.Start + i - snap.Pretrigger)
			xys[i] = plotter.XY{X: offset * snap.SampleInterval * 1e6, Y: v}
		}
		series = append(series, id.String(), xys)
	}
	if err := wp.plotFunc(p, series...); err != nil {
		return nil
	}

	return render(p, wp.name)
}
