package viz

import (
	"math"
	"sync"

	"github.com/norasector/phasemeter/pkg/types"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
)

type Quantity int

const (
	QuantityPhase Quantity = iota
	QuantityAmplitude
)

// HistoryPlotter keeps the last size result records and draws one quantity
// per channel against segment number.
type HistoryPlotter struct {
	name     string
	size     int
	quantity Quantity

	mu          sync.Mutex
	records     []*types.ResultRecord
	plotOptions []PlotOptions
}

func NewHistoryPlotter(name string, size int, quantity Quantity) *HistoryPlotter {
	return &HistoryPlotter{
		name:     name,
		size:     size,
		quantity: quantity,
	}
}

func (h *HistoryPlotter) Name() string {
	return h.name
}

func (h *HistoryPlotter) AddPlotOption(opt PlotOptions) {
	h.mu.Lock()
	h.plotOptions = append(h.plotOptions, opt)
	h.mu.Unlock()
}

// AppendRecord may be used directly as a result callback.
func (h *HistoryPlotter) AppendRecord(rec *types.ResultRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	if len(h.records) > h.size {
		h.records = h.records[len(h.records)-h.size:]
	}
}

// Len returns the number of records held.
func (h *HistoryPlotter) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func (h *HistoryPlotter) value(m types.Measurement) float64 {
	if h.quantity == QuantityAmplitude {
		return m.Amplitude
	}
	return m.Phase
}

// GetImage returns nil until a record has been appended.
func (h *HistoryPlotter) GetImage() *ImageContainer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) == 0 {
		return nil
	}

	p := plotWithDefaults()
	p.Title.Text = h.name
	p.X.Label.Text = "Segment"
	switch h.quantity {
	case QuantityAmplitude:
		p.Y.Label.Text = "Amplitude (ADC counts)"
	default:
		p.Y.Label.Text = "Phase (rad)"
		p.Y.Min = -math.Pi
		p.Y.Max = math.Pi
	}

	for _, opt := range h.plotOptions {
		opt(p)
	}

	p.Add(plotter.NewGrid())

	channels := make(map[types.ChannelID]plotter.XYs)
	for _, rec := range h.records {
		for id, m := range rec.Channels {
			channels[id] = append(channels[id], plotter.XY{X: float64(rec.SegmentNumber), Y: h.value(m)})
		}
	}
	ids := make([]types.ChannelID, 0, len(channels))
	for id := range channels {
		ids = append(ids, id)
	}

	var series []interface{}
	for _, id := range types.SortChannels(ids) {
		series = append(series, id.String(), channels[id])
	}
	if err := plotutil.AddLinePoints(p, series...); err != nil {
		return nil
	}

	return render(p, h.name)
}
