package window

import (
	"fmt"

	dspwindow "github.com/mjibson/go-dsp/window"
)

// Func returns a symmetric window of the given length.
type Func func(int) []float64

type Type int

const (
	Hamming Type = iota
	Hann
	Blackman
	Rectangular
)

var windowFuncs = map[Type]Func{
	Hamming:     dspwindow.Hamming,
	Hann:        dspwindow.Hann,
	Blackman:    dspwindow.Blackman,
	Rectangular: dspwindow.Rectangular,
}

func (t Type) String() string {
	switch t {
	case Hamming:
		return "hamming"
	case Hann:
		return "hann"
	case Blackman:
		return "blackman"
	case Rectangular:
		return "rectangular"
	}
	return fmt.Sprintf("window(%d)", int(t))
}

// New returns a length-n window of the given type.
func New(t Type, n int) ([]float64, error) {
	f, ok := windowFuncs[t]
	if !ok {
		return nil, fmt.Errorf("unknown window type %d", t)
	}
	if n < 1 {
		return nil, fmt.Errorf("invalid window length %d", n)
	}
	return f(n), nil
}

// CoherentGain is the mean of the window, i.e. the factor a bin-centred tone's
// amplitude is scaled by.
func CoherentGain(w []float64) float64 {
	if len(w) == 0 {
		return 0
	}
	var sum float64
	for _, v := range w {
		sum += v
	}
	return sum / float64(len(w))
}
