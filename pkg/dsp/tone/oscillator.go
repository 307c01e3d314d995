package tone

import (
	"math"
)

const (
	tau float64 = math.Pi * 2
)

// Oscillator generates a real cosine at a fixed frequency, one sample per call.
type Oscillator struct {
	sampleRate     float64
	frequency      float64
	amplitude      float64
	offset         float64
	phase          float64
	phaseIncrement float64
}

func (o *Oscillator) incrementPhase() {
	o.phase += o.phaseIncrement
	if o.phase > tau {
		o.phase -= tau
	} else if o.phase < -tau {
		o.phase += tau
	}
}

func NewOscillator(sampleRate, frequency, amplitude float64) *Oscillator {
	return &Oscillator{
		sampleRate:     sampleRate,
		frequency:      frequency,
		amplitude:      amplitude,
		phaseIncrement: frequency * tau / sampleRate,
	}
}

// SetOffset adds a constant DC level to every sample.
func (o *Oscillator) SetOffset(offset float64) {
	o.offset = offset
}

// Seek sets the oscillator phase to that of a cosine with initial phase phi
// evaluated at time t seconds.
func (o *Oscillator) Seek(t, phi float64) {
	o.phase = math.Mod(tau*o.frequency*t+phi, tau)
}

func (o *Oscillator) Phase() float64 {
	return o.phase
}

func (o *Oscillator) Next() float64 {
	v := o.offset + o.amplitude*math.Cos(o.phase)
	o.incrementPhase()
	return v
}

// WorkBuffer fills output with consecutive samples and returns the count written.
func (o *Oscillator) WorkBuffer(output []float64) int {
	for i := range output {
		output[i] = o.Next()
	}
	return len(output)
}

// WorkInt16 fills output with samples rounded and clamped to the int16 range.
func (o *Oscillator) WorkInt16(output []int16) int {
	for i := range output {
		v := math.Round(o.Next())
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		output[i] = int16(v)
	}
	return len(output)
}
