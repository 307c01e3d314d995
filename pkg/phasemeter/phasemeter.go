package phasemeter

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/phasemeter/pkg/dsp/spectral"
	"github.com/norasector/phasemeter/pkg/dsp/waveform"
	"github.com/norasector/phasemeter/pkg/phasemeter/device"
	"github.com/norasector/phasemeter/pkg/types"
	"github.com/norasector/phasemeter/pkg/util"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
	// StateDraining is entered by Stop while the current block finishes.
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Callback receives one record per completed block, in acquisition order, on
// the acquisition goroutine. A slow callback delays the next block. A panic in
// the callback is logged and the loop continues. Calling Stop from inside the
// callback deadlocks.
type Callback func(rec *types.ResultRecord)

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// run is the lifetime of one Start/Stop cycle.
type run struct {
	done        chan struct{}
	err         error
	errReported bool
	release     sync.Once
	releaseErr  error
}

type Phasemeter struct {
	device   device.Device
	opts     Options
	callback Callback
	logger   zerolog.Logger
	writeAPI api.WriteAPI
	clock    func() time.Time

	channelIDs []types.ChannelID
	nominal    map[types.ChannelID]float64
	extractor  *spectral.Extractor

	// populated by Start, read-only while running
	acquirer       *blockAcquirer
	sampleInterval float64
	maxADC         int16

	// owned by the acquisition goroutine
	segNum int

	running      atomic.Bool
	lastWaveform atomic.Pointer[types.WaveformSnapshot]

	mu    sync.Mutex
	state State
	run   *run
}

type Option func(p *Phasemeter) error

func WithCallback(cb Callback) Option {
	return func(p *Phasemeter) error {
		p.callback = cb
		return nil
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Phasemeter) error {
		p.logger = logger
		return nil
	}
}

func WithInfluxDB(writeAPI api.WriteAPI) Option {
	return func(p *Phasemeter) error {
		if writeAPI == nil {
			return fmt.Errorf("nil influx write api")
		}
		p.writeAPI = writeAPI
		return nil
	}
}

// WithClock replaces the wall clock used to timestamp results.
func WithClock(clock func() time.Time) Option {
	return func(p *Phasemeter) error {
		if clock == nil {
			return fmt.Errorf("nil clock")
		}
		p.clock = clock
		return nil
	}
}

func NewPhasemeter(dev device.Device, options Options, opts ...Option) (*Phasemeter, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidOptions)
	}
	options = options.withDefaults()
	options.Channels = append([]ChannelConfig(nil), options.Channels...)
	if err := options.validate(); err != nil {
		return nil, err
	}

	extractor, err := spectral.NewExtractor(options.Samples)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	p := &Phasemeter{
		device:     dev,
		opts:       options,
		logger:     log.Logger,
		writeAPI:   &util.MockWriteAPI{}, // overwritten with option
		clock:      time.Now,
		channelIDs: options.channelIDs(),
		nominal:    options.nominalFrequencies(),
		extractor:  extractor,
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// Options returns a copy of the effective options, defaults applied.
func (p *Phasemeter) Options() Options {
	ret := p.opts
	ret.Channels = append([]ChannelConfig(nil), p.opts.Channels...)
	return ret
}

func (p *Phasemeter) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SampleInterval is the device-determined sample interval in seconds, known
// once Start has succeeded.
func (p *Phasemeter) SampleInterval() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sampleInterval
}

// MaxADC is the device's full-scale positive ADC count, known once Start has
// succeeded.
func (p *Phasemeter) MaxADC() int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxADC
}

// Done is closed when the acquisition goroutine of the current run exits.
func (p *Phasemeter) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run == nil {
		return closedChan
	}
	return p.run.done
}

// Err returns the error that terminated the current run's loop, if any.
func (p *Phasemeter) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run == nil {
		return nil
	}
	return p.run.err
}

// LastWaveform returns the snapshot from the most recent block, or nil if no
// block has completed since Start. It is safe to call while running.
func (p *Phasemeter) LastWaveform() *types.WaveformSnapshot {
	return p.lastWaveform.Load()
}

// Start programs the device and launches the acquisition goroutine. On error
// the device has been released and the phasemeter remains stopped.
func (p *Phasemeter) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStopped {
		return ErrAlreadyRunning
	}

	if err := p.device.Open(); err != nil {
		return setupError("open device", 0, err)
	}
	if err := p.setup(); err != nil {
		if closeErr := p.device.Close(); closeErr != nil {
			p.logger.Warn().Err(closeErr).Msg("error closing device after failed setup")
		}
		return err
	}

	r := &run{done: make(chan struct{})}
	p.run = r
	p.segNum = 0
	p.lastWaveform.Store(nil)
	p.running.Store(true)
	p.state = StateRunning

	p.logger.Info().
		Int("channels", len(p.channelIDs)).
		Int("samples", p.opts.Samples).
		Int("pretrigger", p.opts.Pretrigger).
		Str("sample_rate", util.HzToString(1/p.sampleInterval)).
		Float64("block_duration", util.BlockDuration(p.opts.Samples, p.sampleInterval)).
		Msg("starting")

	go p.loop(r)

	return nil
}

func (p *Phasemeter) setup() error {
	configured := make(map[types.ChannelID]struct{}, len(p.channelIDs))
	for _, id := range p.channelIDs {
		ch := p.opts.channel(id)
		if err := p.device.ConfigureChannel(id, ch.Range, ch.Coupling); err != nil {
			return setupError("configure channel", id, err)
		}
		configured[id] = struct{}{}
	}

	for i := 1; i <= p.device.MaxChannels(); i++ {
		id := types.ChannelID(i)
		if _, ok := configured[id]; ok {
			continue
		}
		if err := p.device.DisableChannel(id); err != nil {
			return setupError("disable channel", id, err)
		}
	}

	_, maxADC, err := p.device.ADCLimits()
	if err != nil {
		return setupError("adc limits", 0, err)
	}
	if maxADC <= 0 {
		return setupError("adc limits", 0, fmt.Errorf("invalid max adc %d", maxADC))
	}
	p.maxADC = maxADC

	trig := p.opts.Trigger
	level := device.VoltsToADC(trig.Level, p.opts.channel(trig.Source).Range, maxADC)
	if err := p.device.ArmTrigger(trig.Source, level, trig.Direction, trig.autoTriggerMicros()); err != nil {
		return setupError("arm trigger", trig.Source, err)
	}

	timebase, interval, err := p.device.DetermineTimebase(p.channelIDs)
	if err != nil {
		return setupError("determine timebase", 0, err)
	}
	if !(interval > 0) {
		return setupError("determine timebase", 0, fmt.Errorf("invalid sample interval %g", interval))
	}
	p.sampleInterval = interval

	if err := spectral.CheckFrequencies(p.nominal, p.opts.Samples, interval); err != nil {
		return setupError("check frequencies", 0, err)
	}

	for _, id := range p.channelIDs {
		if err := p.device.RegisterBuffer(id, p.opts.Samples); err != nil {
			return setupError("register buffer", id, err)
		}
	}

	p.acquirer = newBlockAcquirer(p.device, p.channelIDs, p.opts.Samples, p.opts.Pretrigger, timebase, interval, p.opts.PollInterval)

	freqs := spectral.BinFrequencies(p.opts.Samples, interval)
	for _, id := range p.channelIDs {
		ch := p.opts.channel(id)
		bin := spectral.NearestBin(freqs, ch.NominalFrequency)
		lvl := zerolog.InfoLevel
		edge := bin == 0 || bin == p.opts.Samples/2
		if edge {
			// 2|X|/N is not the amplitude of a DC or nyquist component
			lvl = zerolog.WarnLevel
		}
		p.logger.WithLevel(lvl).
			Str("channel", id.String()).
			Bool("dc_or_nyquist_bin", edge).
			Str("signal", ch.Signal).
			Str("range", ch.Range.String()).
			Str("coupling", ch.Coupling.String()).
			Str("nominal_freq", util.HzToString(ch.NominalFrequency)).
			Str("bin_freq", util.HzToString(freqs[bin])).
			Int("bin", bin).
			Msg("channel configured")
	}

	p.logger.Debug().
		Uint32("timebase", timebase).
		Float64("sample_interval", interval).
		Int16("trigger_level_counts", level).
		Str("trigger_source", trig.Source.String()).
		Str("trigger_direction", trig.Direction.String()).
		Str("trigger_mode", trig.Mode.String()).
		Msg("device programmed")

	return nil
}

// Stop ends acquisition after the current block, waits for the acquisition
// goroutine to exit, and releases the device. If the loop had already died,
// Stop returns the loop's error the first time and ErrNotRunning after that.
// Stop blocks for as long as the device takes to report the current block
// ready.
func (p *Phasemeter) Stop() error {
	p.mu.Lock()
	r := p.run
	switch p.state {
	case StateStopped:
		defer p.mu.Unlock()
		if r != nil && r.err != nil && !r.errReported {
			r.errReported = true
			return r.err
		}
		return ErrNotRunning
	case StateDraining:
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.state = StateDraining
	p.running.Store(false)
	p.mu.Unlock()

	<-r.done
	releaseErr := p.releaseDevice(r)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateStopped
	p.logger.Info().Int("blocks", p.segNum).Msg("stopped")

	var loopErr error
	if r.err != nil {
		r.errReported = true
		loopErr = r.err
	}
	if releaseErr != nil {
		return errors.Join(loopErr, releaseErr)
	}
	return loopErr
}

func (p *Phasemeter) releaseDevice(r *run) error {
	r.release.Do(func() {
		if err := p.device.Close(); err != nil {
			r.releaseErr = &Error{Stage: StageShutdown, Op: "close device", Err: err}
		}
	})
	return r.releaseErr
}

func (p *Phasemeter) loop(r *run) {
	defer close(r.done)

	failures := 0
	for p.running.Load() {
		rec, err := p.iterate()
		if err != nil {
			failures++
			if p.opts.FailurePolicy == FailureRetry && failures <= p.opts.MaxConsecutiveFailures {
				p.logger.Warn().Err(err).Int("consecutive_failures", failures).Msg("block failed, retrying")
				continue
			}

			p.logger.Error().Err(err).Int("consecutive_failures", failures).Msg("acquisition loop terminated")
			p.running.Store(false)
			if releaseErr := p.releaseDevice(r); releaseErr != nil {
				p.logger.Warn().Err(releaseErr).Msg("error releasing device")
			}

			p.mu.Lock()
			r.err = err
			if p.state == StateRunning {
				p.state = StateStopped
			}
			p.mu.Unlock()
			return
		}

		failures = 0
		p.deliver(rec)
	}
}

func (p *Phasemeter) iterate() (*types.ResultRecord, error) {
	start := time.Now()
	metrics := map[string]interface{}{
		"samples":  p.opts.Samples,
		"channels": len(p.channelIDs),
	}

	var block *types.CaptureBlock
	var err error
	metrics["acquire_duration"] = util.TimeOperationMicroseconds(func() {
		block, err = p.acquirer.Acquire()
	})
	if err != nil {
		return nil, err
	}

	p.segNum++
	block.SegmentNumber = p.segNum
	ts := p.clock().UTC().Truncate(time.Second)

	var measurements map[types.ChannelID]types.Measurement
	metrics["extract_duration"] = util.TimeOperationMicroseconds(func() {
		measurements, err = p.extractor.Extract(block, p.nominal)
	})
	if err != nil {
		return nil, &Error{Stage: StageExtraction, Op: "extract", Err: err}
	}

	metrics["snapshot_duration"] = util.TimeOperationMicroseconds(func() {
		p.lastWaveform.Store(waveform.Snapshot(block, p.opts.Pretrigger, p.opts.WaveformWidth))
	})
	metrics["duration"] = time.Since(start).Microseconds()

	go p.writeAPI.WritePoint(influxdb2.NewPoint("phasemeter.block",
		map[string]string{
			"sample_rate": util.HzToString(1 / block.SampleInterval),
		},
		metrics, start))

	rec := &types.ResultRecord{
		Timestamp:     ts,
		SegmentNumber: block.SegmentNumber,
		Channels:      measurements,
	}

	ev := p.logger.Debug().Time("timestamp", rec.Timestamp).Int("segment", rec.SegmentNumber)
	for _, id := range p.channelIDs {
		m := rec.Channels[id]
		ev = ev.Float64(id.String()+"_amp", m.Amplitude).Float64(id.String()+"_phase", m.Phase)
	}
	ev.Msg("block processed")

	return rec, nil
}

func (p *Phasemeter) deliver(rec *types.ResultRecord) {
	if p.callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Int("segment", rec.SegmentNumber).
				Msg("result callback panicked")
		}
	}()
	p.callback(rec)
}
