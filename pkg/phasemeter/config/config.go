package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/norasector/phasemeter/pkg/phasemeter"
	"github.com/norasector/phasemeter/pkg/phasemeter/device"
	"github.com/norasector/phasemeter/pkg/phasemeter/device/sim"
	"github.com/norasector/phasemeter/pkg/types"
)

type Config struct {
	Device           string        `yaml:"device"`
	PlaybackLocation string        `yaml:"playback_location"`
	PlaybackDelay    time.Duration `yaml:"playback_delay"`
	PlaybackLoop     bool          `yaml:"playback_loop"`
	RecordLocation   string        `yaml:"record_location"`

	SampleRate             float64       `yaml:"sample_rate"`
	Samples                int           `yaml:"samples"`
	Pretrigger             *int          `yaml:"pretrigger"`
	WaveformWidth          int           `yaml:"waveform_width"`
	PollInterval           time.Duration `yaml:"poll_interval"`
	FailurePolicy          string        `yaml:"failure_policy"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	RunDuration            time.Duration `yaml:"run_duration"`

	Channels []Channel `yaml:"channels"`
	Trigger  Trigger   `yaml:"trigger"`
	Sim      Sim       `yaml:"sim"`

	VizServer struct {
		Port           int           `yaml:"port"`
		UpdateInterval time.Duration `yaml:"update_interval"`
		History        int           `yaml:"history"`
	} `yaml:"viz_server"`
	InfluxDB struct {
		Host         string `yaml:"host"`
		Token        string `yaml:"token"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	} `yaml:"influxdb"`
}

// Channel describes one analog input. Name is "CH1".."CH8".
type Channel struct {
	Name             string  `yaml:"name"`
	Signal           string  `yaml:"signal"`
	NominalFrequency float64 `yaml:"nom_freq"`
	Vertical         string  `yaml:"vertical"`
	Input            string  `yaml:"input"`
}

type Trigger struct {
	Source      string        `yaml:"source"`
	Level       float64       `yaml:"level"`
	Direction   string        `yaml:"direction"`
	Mode        string        `yaml:"mode"`
	AutoTrigger time.Duration `yaml:"auto_trigger"`
}

type Sim struct {
	Channels   int           `yaml:"channels"`
	SampleRate float64       `yaml:"sample_rate"`
	Noise      float64       `yaml:"noise"`
	Seed       int64         `yaml:"seed"`
	ReadyDelay time.Duration `yaml:"ready_delay"`
	Tones      []SimTone     `yaml:"tones"`
}

type SimTone struct {
	Channel   string  `yaml:"channel"`
	Frequency float64 `yaml:"freq"`
	Amplitude float64 `yaml:"amplitude"`
	Phase     float64 `yaml:"phase"`
	Offset    float64 `yaml:"offset"`
}

func Load(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(contents)
}

func Parse(contents []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(contents, &c); err != nil {
		return nil, err
	}
	switch {
	case c.Device != "":
	case c.PlaybackLocation != "":
		c.Device = "file"
	default:
		c.Device = "sim"
	}
	return &c, nil
}

// ParseChannel accepts "CH3" or "3".
func ParseChannel(name string) (types.ChannelID, error) {
	n := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "CH")
	id, err := strconv.Atoi(n)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid channel %q", name)
	}
	return types.ChannelID(id), nil
}

// ParseRange accepts a range name such as "+-500mV", "5V" or "200 mV", or the
// bare range index.
func ParseRange(s string) (device.Range, error) {
	if idx, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		r := device.Range(idx)
		if !r.Valid() {
			return 0, fmt.Errorf("invalid range index %d", idx)
		}
		return r, nil
	}

	norm := strings.ToLower(strings.ReplaceAll(s, " ", ""))
	norm = strings.TrimPrefix(norm, "+-")
	norm = strings.TrimPrefix(norm, "±")
	for r := device.Range10mV; r.Valid(); r++ {
		if strings.TrimPrefix(strings.ToLower(r.String()), "+-") == norm {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown vertical range %q", s)
}

func parseMode(s string) (phasemeter.TriggerMode, error) {
	switch strings.ToLower(s) {
	case "normal", "":
		return phasemeter.TriggerModeNormal, nil
	case "edge_only", "edge":
		return phasemeter.TriggerModeEdgeOnly, nil
	}
	return 0, fmt.Errorf("unknown trigger mode %q", s)
}

func parsePolicy(s string) (phasemeter.FailurePolicy, error) {
	switch strings.ToLower(s) {
	case "abort", "":
		return phasemeter.FailureAbort, nil
	case "retry":
		return phasemeter.FailureRetry, nil
	}
	return 0, fmt.Errorf("unknown failure policy %q", s)
}

// Options converts the config into phasemeter options. Anything the phasemeter
// validates itself is left to NewPhasemeter.
func (c *Config) Options() (phasemeter.Options, error) {
	opts := phasemeter.Options{
		SampleRate:             c.SampleRate,
		Samples:                c.Samples,
		Pretrigger:             phasemeter.DefaultPretrigger,
		WaveformWidth:          c.WaveformWidth,
		PollInterval:           c.PollInterval,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
	}
	if c.Pretrigger != nil {
		opts.Pretrigger = *c.Pretrigger
	}

	var err error
	if opts.FailurePolicy, err = parsePolicy(c.FailurePolicy); err != nil {
		return opts, err
	}

	for _, ch := range c.Channels {
		id, err := ParseChannel(ch.Name)
		if err != nil {
			return opts, err
		}
		vertical, err := ParseRange(ch.Vertical)
		if err != nil {
			return opts, fmt.Errorf("%s: %w", id, err)
		}
		coupling, err := device.ParseCoupling(ch.Input)
		if err != nil {
			return opts, fmt.Errorf("%s: %w", id, err)
		}
		opts.Channels = append(opts.Channels, phasemeter.ChannelConfig{
			ID:               id,
			Signal:           ch.Signal,
			NominalFrequency: ch.NominalFrequency,
			Range:            vertical,
			Coupling:         coupling,
		})
	}

	if opts.Trigger.Source, err = ParseChannel(c.Trigger.Source); err != nil {
		return opts, fmt.Errorf("trigger: %w", err)
	}
	if opts.Trigger.Direction, err = device.ParseDirection(c.Trigger.Direction); err != nil {
		return opts, fmt.Errorf("trigger: %w", err)
	}
	if opts.Trigger.Mode, err = parseMode(c.Trigger.Mode); err != nil {
		return opts, fmt.Errorf("trigger: %w", err)
	}
	opts.Trigger.Level = c.Trigger.Level
	opts.Trigger.AutoTrigger = c.Trigger.AutoTrigger

	return opts, nil
}

// SimOptions builds the simulated device. When no sample rate is given for
// the simulator the requested acquisition rate is used.
func (c *Config) SimOptions() (sim.Options, error) {
	opts := sim.Options{
		Channels:   c.Sim.Channels,
		SampleRate: c.Sim.SampleRate,
		Noise:      c.Sim.Noise,
		Seed:       c.Sim.Seed,
		ReadyDelay: c.Sim.ReadyDelay,
		Tones:      make(map[types.ChannelID]sim.Tone, len(c.Sim.Tones)),
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = c.SampleRate
	}
	for _, t := range c.Sim.Tones {
		id, err := ParseChannel(t.Channel)
		if err != nil {
			return opts, fmt.Errorf("sim tone: %w", err)
		}
		if _, ok := opts.Tones[id]; ok {
			return opts, fmt.Errorf("sim tone: %s given twice", id)
		}
		opts.Tones[id] = sim.Tone{
			Frequency: t.Frequency,
			Amplitude: t.Amplitude,
			Phase:     t.Phase,
			Offset:    t.Offset,
		}
	}
	return opts, nil
}

// Validate checks the parts of the config the phasemeter does not.
func (c *Config) Validate() error {
	switch c.Device {
	case "sim", "file":
	default:
		return fmt.Errorf("unknown device %q", c.Device)
	}
	if c.Device == "file" && c.PlaybackLocation == "" {
		return fmt.Errorf("file device requires playback_location")
	}
	if c.Device != "file" && c.PlaybackLocation != "" {
		return fmt.Errorf("playback_location requires the file device, got %q", c.Device)
	}
	if c.PlaybackLocation != "" && c.RecordLocation != "" {
		return fmt.Errorf("cannot record while playing back")
	}
	if c.RunDuration < 0 {
		return fmt.Errorf("negative run_duration %s", c.RunDuration)
	}
	if c.VizServer.Port < 0 || c.VizServer.Port > 65535 {
		return fmt.Errorf("invalid viz_server port %d", c.VizServer.Port)
	}
	if c.InfluxDB.Host != "" && (c.InfluxDB.Organization == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb requires organization and bucket")
	}
	if _, err := c.Options(); err != nil {
		return err
	}
	if c.Device == "sim" {
		if _, err := c.SimOptions(); err != nil {
			return err
		}
	}
	return nil
}
