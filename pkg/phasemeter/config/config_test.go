package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/norasector/phasemeter/pkg/phasemeter"
	"github.com/norasector/phasemeter/pkg/phasemeter/device"
	"github.com/norasector/phasemeter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadExample(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "..", "phasemeter.example.yaml"))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "sim", c.Device)
	assert.Equal(t, 500*time.Millisecond, c.VizServer.UpdateInterval)

	opts, err := c.Options()
	require.NoError(t, err)
	assert.Equal(t, []phasemeter.ChannelConfig{
		{ID: 1, Signal: "CS_Clock_5MHz", NominalFrequency: 5e6, Range: device.Range5V, Coupling: device.CouplingDC50},
		{ID: 2, Signal: "GPS_PPS", NominalFrequency: 1, Range: device.Range5V, Coupling: device.CouplingDC50},
		{ID: 4, Signal: "GPS_10MHz", NominalFrequency: 10e6, Range: device.Range500mV, Coupling: device.CouplingDC50},
	}, opts.Channels)
	assert.Equal(t, phasemeter.TriggerConfig{
		Source:      2,
		Level:       1.0,
		Direction:   device.Rising,
		Mode:        phasemeter.TriggerModeNormal,
		AutoTrigger: time.Second,
	}, opts.Trigger)
	assert.Equal(t, 100e6, opts.SampleRate)
	assert.Equal(t, 8388608, opts.Samples)
	assert.Equal(t, 4096, opts.Pretrigger)
	assert.Equal(t, phasemeter.FailureAbort, opts.FailurePolicy)

	simOpts, err := c.SimOptions()
	require.NoError(t, err)
	assert.Equal(t, 100e6, simOpts.SampleRate, "falls back to the acquisition rate")
	assert.Equal(t, 0.7, simOpts.Tones[4].Phase)
	assert.Len(t, simOpts.Tones, 3)
	assert.Equal(t, 80*time.Millisecond, simOpts.ReadyDelay)
}

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte(`
samples: 8192
channels:
  - name: "1"
    nom_freq: 1000
    vertical: "2"
trigger:
  source: ch1
`))
	require.NoError(t, err)
	assert.Equal(t, "sim", c.Device)

	opts, err := c.Options()
	require.NoError(t, err)
	assert.Equal(t, phasemeter.DefaultPretrigger, opts.Pretrigger)
	assert.Equal(t, device.Range50mV, opts.Channels[0].Range)
	assert.Equal(t, types.ChannelID(1), opts.Trigger.Source)

	_, err = phasemeter.NewPhasemeter(nopDevice{}, opts)
	assert.NoError(t, err, "defaults produce valid options")
}

func TestExplicitZeroPretrigger(t *testing.T) {
	c, err := Parse([]byte("pretrigger: 0\ntrigger: {source: CH1}\n"))
	require.NoError(t, err)
	opts, err := c.Options()
	require.NoError(t, err)
	assert.Equal(t, 0, opts.Pretrigger)
}

func TestPlaybackSelectsFileDevice(t *testing.T) {
	c, err := Parse([]byte("playback_location: /tmp/x.pmb\ntrigger: {source: CH1}\n"))
	require.NoError(t, err)
	assert.Equal(t, "file", c.Device)
	require.NoError(t, c.Validate())

	explicit, err := Parse([]byte("device: sim\nplayback_location: /tmp/x.pmb\ntrigger: {source: CH1}\n"))
	require.NoError(t, err)
	assert.Equal(t, "sim", explicit.Device, "an explicit device is not overridden")
	assert.Error(t, explicit.Validate())

	c.RecordLocation = "/tmp/y.pmb"
	assert.Error(t, c.Validate())
}

func TestParseChannel(t *testing.T) {
	for in, want := range map[string]types.ChannelID{"CH1": 1, "ch4": 4, "8": 8, " CH2 ": 2} {
		got, err := ParseChannel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "CH", "CH0", "A", "-1"} {
		_, err := ParseChannel(in)
		assert.Error(t, err, in)
	}
}

func TestParseRange(t *testing.T) {
	tests := map[string]device.Range{
		"+-5V":    device.Range5V,
		"5V":      device.Range5V,
		"+-500mV": device.Range500mV,
		"200 mV":  device.Range200mV,
		"±10mV":   device.Range10mV,
		"8":       device.Range5V,
		"5":       device.Range500mV,
		"+-20v":   device.Range20V,
		"0":       device.Range10mV,
	}
	for in, want := range tests {
		got, err := ParseRange(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"11", "-1", "3V", "volts"} {
		_, err := ParseRange(in)
		assert.Error(t, err, in)
	}
}

func TestConfigErrors(t *testing.T) {
	tests := map[string]string{
		"unknown field":     "bogus: 1\n",
		"bad direction":     "trigger: {source: CH1, direction: sideways}\n",
		"bad mode":          "trigger: {source: CH1, mode: single}\n",
		"bad policy":        "failure_policy: ignore\ntrigger: {source: CH1}\n",
		"bad coupling":      "channels: [{name: CH1, vertical: 5V, input: AC50}]\ntrigger: {source: CH1}\n",
		"bad range":         "channels: [{name: CH1, vertical: 7V}]\ntrigger: {source: CH1}\n",
		"bad channel":       "channels: [{name: CHX, vertical: 5V}]\ntrigger: {source: CH1}\n",
		"missing trigger":   "channels: [{name: CH1, vertical: 5V}]\n",
		"unknown device":    "device: picoscope\ntrigger: {source: CH1}\n",
		"file without path": "device: file\ntrigger: {source: CH1}\n",
		"bad port":          "viz_server: {port: 70000}\ntrigger: {source: CH1}\n",
		"influx no bucket":  "influxdb: {host: 'http://localhost:8086', organization: lab}\ntrigger: {source: CH1}\n",
		"duplicate tone":    "trigger: {source: CH1}\nsim: {tones: [{channel: CH1}, {channel: CH1}]}\n",
		"negative duration": "run_duration: -1s\ntrigger: {source: CH1}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			c, err := Parse([]byte(doc))
			if err != nil {
				return
			}
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

type nopDevice struct{ device.Device }
