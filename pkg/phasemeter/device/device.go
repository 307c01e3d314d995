package device

import (
	"fmt"
	"math"
	"strings"

	"github.com/norasector/phasemeter/pkg/types"
)

// Device is a block-mode digitizer. Implementations are driven by a single
// goroutine at a time; Close may be called from a different goroutine once the
// acquisition loop has returned.
type Device interface {
	Open() error
	// MaxChannels is the number of analog inputs; channel ids run 1..MaxChannels.
	MaxChannels() int
	ConfigureChannel(id types.ChannelID, vertical Range, coupling Coupling) error
	DisableChannel(id types.ChannelID) error
	ADCLimits() (min, max int16, err error)
	// ArmTrigger sets a simple edge trigger. autoTriggerMicros of 0 waits
	// indefinitely for the edge.
	ArmTrigger(source types.ChannelID, levelCounts int16, direction Direction, autoTriggerMicros uint32) error
	// DetermineTimebase returns the fastest timebase usable with the enabled
	// channels and its sample interval in seconds.
	DetermineTimebase(enabled []types.ChannelID) (timebase uint32, sampleInterval float64, err error)
	RegisterBuffer(id types.ChannelID, capacity int) error
	StartBlock(pretrigger, postTrigger int, timebase uint32) error
	PollReady() (bool, error)
	// FetchValues copies count samples per registered channel out of the device.
	FetchValues(count int) (map[types.ChannelID][]int16, error)
	Close() error
}

// Range is the enumerated full-scale vertical range of an input.
type Range int

const (
	Range10mV Range = iota
	Range20mV
	Range50mV
	Range100mV
	Range200mV
	Range500mV
	Range1V
	Range2V
	Range5V
	Range10V
	Range20V
)

var rangeVolts = []float64{0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 20}

func (r Range) Valid() bool {
	return r >= 0 && int(r) < len(rangeVolts)
}

// Volts is the full-scale input voltage for the range.
func (r Range) Volts() float64 {
	if !r.Valid() {
		return math.NaN()
	}
	return rangeVolts[r]
}

func (r Range) String() string {
	if !r.Valid() {
		return fmt.Sprintf("range(%d)", int(r))
	}
	v := r.Volts()
	if v < 1 {
		return fmt.Sprintf("+-%gmV", v*1e3)
	}
	return fmt.Sprintf("+-%gV", v)
}

// VoltsToADC converts a voltage on an input with the given range to ADC counts,
// clamped to the int16 range.
func VoltsToADC(volts float64, r Range, maxADC int16) int16 {
	counts := math.Round(volts / r.Volts() * float64(maxADC))
	switch {
	case counts > math.MaxInt16:
		return math.MaxInt16
	case counts < math.MinInt16:
		return math.MinInt16
	}
	return int16(counts)
}

// ADCToVolts converts raw counts on an input with the given range to volts.
func ADCToVolts(counts float64, r Range, maxADC int16) float64 {
	return counts * r.Volts() / float64(maxADC)
}

type Coupling int

const (
	CouplingDC50 Coupling = iota
	CouplingDC1M
	CouplingAC1M
)

func (c Coupling) String() string {
	switch c {
	case CouplingDC50:
		return "DC50"
	case CouplingDC1M:
		return "DC1M"
	case CouplingAC1M:
		return "AC1M"
	}
	return fmt.Sprintf("coupling(%d)", int(c))
}

func ParseCoupling(s string) (Coupling, error) {
	switch strings.ToUpper(s) {
	case "DC50", "":
		return CouplingDC50, nil
	case "DC1M", "DC":
		return CouplingDC1M, nil
	case "AC1M", "AC":
		return CouplingAC1M, nil
	}
	return 0, fmt.Errorf("unknown input coupling %q", s)
}

type Direction int

const (
	Rising Direction = iota
	Falling
)

func (d Direction) String() string {
	switch d {
	case Rising:
		return "rising"
	case Falling:
		return "falling"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "rising", "":
		return Rising, nil
	case "falling":
		return Falling, nil
	}
	return 0, fmt.Errorf("unknown trigger direction %q", s)
}
