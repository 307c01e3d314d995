package viz

import (
	"bytes"
	"image/color"

	"github.com/norasector/phasemeter/pkg/types"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/vg"
)

type PlotOptions func(p *plot.Plot)

func plotWithDefaults() *plot.Plot {

	p := plot.New()
	p.BackgroundColor = color.Black
	p.Title.TextStyle.Color = color.White
	p.Y.Label.TextStyle.Color = color.White
	p.Y.Color = color.White
	p.X.Label.TextStyle.Color = color.White
	p.X.Color = color.White
	p.Legend.TextStyle.Color = color.White
	p.X.Tick.Color = color.White
	p.Y.Tick.Color = color.White
	p.X.Tick.Label.Color = color.White
	p.Y.Tick.Label.Color = color.White

	return p
}

// render encodes p as an 8x6 inch png. Errors are logged and yield nil.
func render(p *plot.Plot, name string) *ImageContainer {
	w, err := p.WriterTo(8*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		log.Error().Err(err).Str("plot", name).Msg("error rendering plot")
		return nil
	}
	var imageData bytes.Buffer
	if _, err := w.WriteTo(&imageData); err != nil {
		log.Error().Err(err).Str("plot", name).Msg("error encoding plot")
		return nil
	}
	return &ImageContainer{name: name, data: imageData.Bytes()}
}

func sortedChannels(data map[types.ChannelID][]float64) []types.ChannelID {
	ids := make([]types.ChannelID, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	return types.SortChannels(ids)
}
