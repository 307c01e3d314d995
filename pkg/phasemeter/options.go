package phasemeter

import (
	"fmt"
	"math"
	"time"

	"github.com/norasector/phasemeter/pkg/phasemeter/device"
	"github.com/norasector/phasemeter/pkg/types"
)

const (
	DefaultSampleRate             = 100e6
	DefaultSamples                = 8 * 1024 * 1024
	DefaultPretrigger             = 4096
	DefaultWaveformWidth          = 8192
	DefaultAutoTrigger            = time.Second
	DefaultMaxConsecutiveFailures = 3
)

type TriggerMode int

const (
	// TriggerModeNormal fires on the configured edge, or after AutoTrigger
	// elapses without one.
	TriggerModeNormal TriggerMode = iota
	// TriggerModeEdgeOnly waits indefinitely for the edge.
	TriggerModeEdgeOnly
)

func (m TriggerMode) String() string {
	switch m {
	case TriggerModeNormal:
		return "normal"
	case TriggerModeEdgeOnly:
		return "edge_only"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// FailurePolicy decides what the loop does when an iteration fails.
type FailurePolicy int

const (
	// FailureAbort stops the loop and releases the device on the first failure.
	FailureAbort FailurePolicy = iota
	// FailureRetry skips the failed block and tries again, giving up after
	// MaxConsecutiveFailures failures in a row.
	FailureRetry
)

func (p FailurePolicy) String() string {
	switch p {
	case FailureAbort:
		return "abort"
	case FailureRetry:
		return "retry"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

type ChannelConfig struct {
	ID               types.ChannelID
	Signal           string
	NominalFrequency float64 // Hz
	Range            device.Range
	Coupling         device.Coupling
}

type TriggerConfig struct {
	Source      types.ChannelID
	Level       float64 // volts
	Direction   device.Direction
	Mode        TriggerMode
	AutoTrigger time.Duration
}

// autoTriggerMicros is the value passed to the device when arming.
func (t TriggerConfig) autoTriggerMicros() uint32 {
	if t.Mode == TriggerModeEdgeOnly {
		return 0
	}
	return uint32(t.AutoTrigger.Microseconds())
}

type Options struct {
	Channels []ChannelConfig
	Trigger  TriggerConfig

	// SampleRate is the requested rate. The device decides the actual rate
	// when the timebase is determined.
	SampleRate    float64
	Samples       int
	Pretrigger    int
	WaveformWidth int

	// PollInterval is the sleep between readiness polls; zero yields instead.
	PollInterval time.Duration

	FailurePolicy          FailurePolicy
	MaxConsecutiveFailures int
}

func (o Options) withDefaults() Options {
	if o.SampleRate == 0 {
		o.SampleRate = DefaultSampleRate
	}
	if o.Samples == 0 {
		o.Samples = DefaultSamples
	}
	if o.WaveformWidth == 0 {
		o.WaveformWidth = DefaultWaveformWidth
		if o.WaveformWidth > o.Samples {
			o.WaveformWidth = o.Samples
		}
	}
	if o.Trigger.Mode == TriggerModeNormal && o.Trigger.AutoTrigger == 0 {
		o.Trigger.AutoTrigger = DefaultAutoTrigger
	}
	if o.FailurePolicy == FailureRetry && o.MaxConsecutiveFailures == 0 {
		o.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	return o
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidOptions, fmt.Sprintf(format, args...))
}

func (o Options) validate() error {
	if len(o.Channels) == 0 {
		return invalid("no channels configured")
	}
	seen := make(map[types.ChannelID]struct{}, len(o.Channels))
	for _, ch := range o.Channels {
		if ch.ID < 1 {
			return invalid("channel id %d must be >= 1", ch.ID)
		}
		if _, ok := seen[ch.ID]; ok {
			return invalid("%s configured twice", ch.ID)
		}
		seen[ch.ID] = struct{}{}
		if !(ch.NominalFrequency > 0) || math.IsInf(ch.NominalFrequency, 0) {
			return invalid("%s nominal frequency %g must be positive", ch.ID, ch.NominalFrequency)
		}
		if !ch.Range.Valid() {
			return invalid("%s has unknown vertical range %d", ch.ID, ch.Range)
		}
	}
	if _, ok := seen[o.Trigger.Source]; !ok {
		return invalid("trigger source %s is not a configured channel", o.Trigger.Source)
	}
	if math.IsNaN(o.Trigger.Level) || math.IsInf(o.Trigger.Level, 0) {
		return invalid("trigger level %g", o.Trigger.Level)
	}
	if o.Trigger.AutoTrigger < 0 {
		return invalid("negative auto trigger %s", o.Trigger.AutoTrigger)
	}
	if o.Trigger.AutoTrigger.Microseconds() > math.MaxUint32 {
		return invalid("auto trigger %s exceeds %dus", o.Trigger.AutoTrigger, uint32(math.MaxUint32))
	}
	if o.Trigger.Mode != TriggerModeNormal && o.Trigger.Mode != TriggerModeEdgeOnly {
		return invalid("unknown trigger mode %d", o.Trigger.Mode)
	}
	if !(o.SampleRate > 0) {
		return invalid("sample rate %g must be positive", o.SampleRate)
	}
	if o.Samples < 2 {
		return invalid("block size %d must be at least 2", o.Samples)
	}
	if o.Pretrigger < 0 || o.Pretrigger >= o.Samples {
		return invalid("pretrigger %d must be in [0, %d)", o.Pretrigger, o.Samples)
	}
	if o.WaveformWidth <= 0 || o.WaveformWidth > o.Samples {
		return invalid("waveform width %d must be in (0, %d]", o.WaveformWidth, o.Samples)
	}
	if o.PollInterval < 0 {
		return invalid("negative poll interval %s", o.PollInterval)
	}
	if o.FailurePolicy != FailureAbort && o.FailurePolicy != FailureRetry {
		return invalid("unknown failure policy %d", o.FailurePolicy)
	}
	if o.MaxConsecutiveFailures < 0 {
		return invalid("negative max consecutive failures %d", o.MaxConsecutiveFailures)
	}
	return nil
}

func (o Options) channelIDs() []types.ChannelID {
	ret := make([]types.ChannelID, 0, len(o.Channels))
	for _, ch := range o.Channels {
		ret = append(ret, ch.ID)
	}
	return types.SortChannels(ret)
}

func (o Options) channel(id types.ChannelID) ChannelConfig {
	for _, ch := range o.Channels {
		if ch.ID == id {
			return ch
		}
	}
	return ChannelConfig{}
}

func (o Options) nominalFrequencies() map[types.ChannelID]float64 {
	ret := make(map[types.ChannelID]float64, len(o.Channels))
	for _, ch := range o.Channels {
		ret[ch.ID] = ch.NominalFrequency
	}
	return ret
}
