package sim

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/norasector/phasemeter/pkg/dsp/tone"
	"github.com/norasector/phasemeter/pkg/phasemeter/device"
	"github.com/norasector/phasemeter/pkg/types"
)

const (
	DefaultChannels   = 4
	DefaultSampleRate = 1e6
	DefaultMaxADC     = 32512
)

var (
	ErrNotOpen     = errors.New("device not open")
	ErrAlreadyOpen = errors.New("device already open")
	ErrNoBlock     = errors.New("no block started")
	ErrNotReady    = errors.New("block not ready")
)

// Tone is a cosine present on one input.
type Tone struct {
	Frequency float64 // Hz
	Amplitude float64 // volts peak
	Phase     float64 // radians at simulated time zero
	Offset    float64 // volts, removed by AC coupling
}

type Options struct {
	Channels   int
	SampleRate float64
	MaxADC     int16
	Tones      map[types.ChannelID]Tone
	// Noise is the rms of gaussian noise added to every input, in volts.
	Noise float64
	Seed  int64
	// ReadyDelay is the wall time between StartBlock and the block becoming ready.
	ReadyDelay time.Duration
}

type channel struct {
	vertical device.Range
	coupling device.Coupling
	enabled  bool
	capacity int
}

type trigger struct {
	armed     bool
	source    types.ChannelID
	level     int16
	direction device.Direction
	autoSec   float64
}

type pendingBlock struct {
	pre, post int
	// trigTime is the simulated time of sample index pre.
	trigTime float64
	readyAt  time.Time
	never    bool
}

// Device simulates a block-mode digitizer whose inputs carry fixed tones.
// Simulated time starts at zero on Open and runs continuously across blocks;
// each block triggers on the first qualifying edge of the source tone after
// its pretrigger samples are captured, or after the auto-trigger timeout.
type Device struct {
	opts Options

	mu       sync.Mutex
	open     bool
	channels map[types.ChannelID]*channel
	trigger  trigger
	now      float64
	block    *pendingBlock
	rng      *rand.Rand
}

func NewDevice(opts Options) (*Device, error) {
	if opts.Channels == 0 {
		opts.Channels = DefaultChannels
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.MaxADC == 0 {
		opts.MaxADC = DefaultMaxADC
	}
	if opts.Channels < 1 {
		return nil, fmt.Errorf("invalid channel count %d", opts.Channels)
	}
	if !(opts.SampleRate > 0) {
		return nil, fmt.Errorf("invalid sample rate %g", opts.SampleRate)
	}
	if opts.MaxADC < 0 {
		return nil, fmt.Errorf("invalid max adc %d", opts.MaxADC)
	}
	for id, t := range opts.Tones {
		if id < 1 || int(id) > opts.Channels {
			return nil, fmt.Errorf("tone on nonexistent channel %s", id)
		}
		if t.Frequency < 0 || t.Amplitude < 0 {
			return nil, fmt.Errorf("%s tone must have non-negative frequency and amplitude", id)
		}
	}
	return &Device{opts: opts}, nil
}

func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return ErrAlreadyOpen
	}
	d.open = true
	d.now = 0
	d.block = nil
	d.trigger = trigger{}
	d.rng = rand.New(rand.NewSource(d.opts.Seed))
	d.channels = make(map[types.ChannelID]*channel, d.opts.Channels)
	for i := 1; i <= d.opts.Channels; i++ {
		d.channels[types.ChannelID(i)] = &channel{}
	}
	return nil
}

func (d *Device) MaxChannels() int {
	return d.opts.Channels
}

func (d *Device) lookup(id types.ChannelID) (*channel, error) {
	if !d.open {
		return nil, ErrNotOpen
	}
	ch, ok := d.channels[id]
	if !ok {
		return nil, fmt.Errorf("no such channel %s", id)
	}
	return ch, nil
}

func (d *Device) ConfigureChannel(id types.ChannelID, vertical device.Range, coupling device.Coupling) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, err := d.lookup(id)
	if err != nil {
		return err
	}
	if !vertical.Valid() {
		return fmt.Errorf("%s: invalid range %d", id, vertical)
	}
	ch.vertical = vertical
	ch.coupling = coupling
	ch.enabled = true
	return nil
}

func (d *Device) DisableChannel(id types.ChannelID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, err := d.lookup(id)
	if err != nil {
		return err
	}
	ch.enabled = false
	ch.capacity = 0
	return nil
}

func (d *Device) ADCLimits() (int16, int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return 0, 0, ErrNotOpen
	}
	return -d.opts.MaxADC, d.opts.MaxADC, nil
}

func (d *Device) ArmTrigger(source types.ChannelID, levelCounts int16, direction device.Direction, autoTriggerMicros uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, err := d.lookup(source)
	if err != nil {
		return err
	}
	if !ch.enabled {
		return fmt.Errorf("trigger source %s is disabled", source)
	}
	d.trigger = trigger{
		armed:     true,
		source:    source,
		level:     levelCounts,
		direction: direction,
		autoSec:   float64(autoTriggerMicros) / 1e6,
	}
	return nil
}

// DetermineTimebase always returns timebase 0 at the configured sample rate.
func (d *Device) DetermineTimebase(enabled []types.ChannelID) (uint32, float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return 0, 0, ErrNotOpen
	}
	if len(enabled) == 0 {
		return 0, 0, fmt.Errorf("no channels enabled")
	}
	for _, id := range enabled {
		ch, err := d.lookup(id)
		if err != nil {
			return 0, 0, err
		}
		if !ch.enabled {
			return 0, 0, fmt.Errorf("%s is not enabled", id)
		}
	}
	return 0, d.interval(), nil
}

func (d *Device) interval() float64 {
	return 1 / d.opts.SampleRate
}

func (d *Device) RegisterBuffer(id types.ChannelID, capacity int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, err := d.lookup(id)
	if err != nil {
		return err
	}
	if !ch.enabled {
		return fmt.Errorf("%s is not enabled", id)
	}
	if capacity <= 0 {
		return fmt.Errorf("%s: invalid buffer capacity %d", id, capacity)
	}
	ch.capacity = capacity
	return nil
}

func (d *Device) StartBlock(pretrigger, postTrigger int, timebase uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrNotOpen
	}
	if !d.trigger.armed {
		return fmt.Errorf("trigger not armed")
	}
	if timebase != 0 {
		return fmt.Errorf("unsupported timebase %d", timebase)
	}
	if pretrigger < 0 || postTrigger < 1 {
		return fmt.Errorf("invalid block %d+%d", pretrigger, postTrigger)
	}
	for id, ch := range d.channels {
		if ch.enabled && ch.capacity < pretrigger+postTrigger {
			return fmt.Errorf("%s buffer holds %d samples, block needs %d", id, ch.capacity, pretrigger+postTrigger)
		}
	}

	dt := d.interval()
	earliest := d.now + float64(pretrigger)*dt
	trigTime, ok := d.nextEdge(earliest)
	if d.trigger.autoSec > 0 && (!ok || trigTime > earliest+d.trigger.autoSec) {
		trigTime, ok = earliest+d.trigger.autoSec, true
	}

	b := &pendingBlock{
		pre:      pretrigger,
		post:     postTrigger,
		trigTime: trigTime,
		readyAt:  time.Now().Add(d.opts.ReadyDelay),
		never:    !ok,
	}
	d.block = b
	if ok {
		d.now = trigTime + float64(postTrigger)*dt
	}
	return nil
}

// nextEdge returns the first time at or after t where the source tone crosses
// the trigger level in the armed direction.
func (d *Device) nextEdge(t float64) (float64, bool) {
	tr := d.trigger
	t1, ok := d.opts.Tones[tr.source]
	ch := d.channels[tr.source]
	if !ok || t1.Frequency == 0 || t1.Amplitude == 0 {
		return 0, false
	}

	level := device.ADCToVolts(float64(tr.level), ch.vertical, d.opts.MaxADC)
	if ch.coupling != device.CouplingAC1M {
		level -= t1.Offset
	}
	ratio := level / t1.Amplitude
	if ratio <= -1 || ratio >= 1 {
		return 0, false
	}

	// a cosine rises through the level at -acos and falls at +acos
	theta := math.Acos(ratio)
	if tr.direction == device.Rising {
		theta = -theta
	}
	period := 1 / t1.Frequency
	base := (theta - t1.Phase) / (2 * math.Pi * t1.Frequency)
	k := math.Ceil((t - base) / period)
	return base + k*period, true
}

func (d *Device) PollReady() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return false, ErrNotOpen
	}
	if d.block == nil {
		return false, ErrNoBlock
	}
	return d.ready(), nil
}

func (d *Device) ready() bool {
	return !d.block.never && !time.Now().Before(d.block.readyAt)
}

func (d *Device) FetchValues(count int) (map[types.ChannelID][]int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, ErrNotOpen
	}
	if d.block == nil {
		return nil, ErrNoBlock
	}
	if !d.ready() {
		return nil, ErrNotReady
	}
	b := d.block
	if count < 1 || count > b.pre+b.post {
		return nil, fmt.Errorf("cannot fetch %d samples from a %d sample block", count, b.pre+b.post)
	}

	dt := d.interval()
	start := b.trigTime - float64(b.pre)*dt
	ret := make(map[types.ChannelID][]int16)
	for id, ch := range d.channels {
		if !ch.enabled || ch.capacity == 0 {
			continue
		}
		ret[id] = d.render(id, ch, start, count)
	}
	return ret, nil
}

// render produces count samples of one input starting at simulated time start.
func (d *Device) render(id types.ChannelID, ch *channel, start float64, count int) []int16 {
	scale := float64(d.opts.MaxADC) / ch.vertical.Volts()
	t := d.opts.Tones[id]

	osc := tone.NewOscillator(d.opts.SampleRate, t.Frequency, t.Amplitude*scale)
	osc.Seek(start, t.Phase)
	if ch.coupling != device.CouplingAC1M {
		osc.SetOffset(t.Offset * scale)
	}

	out := make([]int16, count)
	if d.opts.Noise == 0 {
		osc.WorkInt16(out)
		return clip(out, d.opts.MaxADC)
	}

	buf := make([]float64, count)
	osc.WorkBuffer(buf)
	sigma := d.opts.Noise * scale
	limit := float64(d.opts.MaxADC)
	for i, v := range buf {
		v = math.Round(v + d.rng.NormFloat64()*sigma)
		out[i] = int16(math.Max(-limit, math.Min(limit, v)))
	}
	return out
}

func clip(samples []int16, maxADC int16) []int16 {
	for i, s := range samples {
		switch {
		case s > maxADC:
			samples[i] = maxADC
		case s < -maxADC:
			samples[i] = -maxADC
		}
	}
	return samples
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrNotOpen
	}
	d.open = false
	d.block = nil
	return nil
}

// Now returns the simulated time in seconds at the end of the last started block.
func (d *Device) Now() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// TriggerTime returns the simulated time of the trigger point of the last
// started block.
func (d *Device) TriggerTime() (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.block == nil || d.block.never {
		return 0, false
	}
	return d.block.trigTime, true
}

var _ device.Device = (*Device)(nil)
