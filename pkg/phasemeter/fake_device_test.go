package phasemeter

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/norasector/phasemeter/pkg/phasemeter/device"
	"github.com/norasector/phasemeter/pkg/types"
)

var errInjected = errors.New("injected failure")

type fakeTone struct {
	bin   int
	amp   float64
	phase float64
}

type armCall struct {
	source    types.ChannelID
	level     int16
	direction device.Direction
	autoMicro uint32
}

// fakeDevice is a scriptable device.Device that produces bin-centred tones.
type fakeDevice struct {
	mu sync.Mutex

	maxChannels int
	maxADC      int16
	interval    float64
	tones       map[types.ChannelID]fakeTone

	openErr      error
	configureErr error
	armErr       error
	timebaseErr  error
	registerErr  error
	closeErr     error
	// failFetch returns an error for the given 1-based block numbers.
	failFetch func(block int) error
	// readyAfter is how many polls return false before a block is ready.
	readyAfter int
	// gate, when set, is consulted before each block after the first becomes
	// ready; PollReady reports false until gate is closed.
	gate chan struct{}
	// dropChannel omits a channel from fetched data.
	dropChannel types.ChannelID
	shortFetch  bool

	calls      []string
	arm        armCall
	registered map[types.ChannelID]int
	ranges     map[types.ChannelID]device.Range
	disabled   []types.ChannelID
	starts     int
	fetches    int
	polls      int
	closes     int
	pre, post  int
	timebase   uint32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		maxChannels: 4,
		maxADC:      32512,
		interval:    1.0 / 256,
		tones:       make(map[types.ChannelID]fakeTone),
		registered:  make(map[types.ChannelID]int),
		ranges:      make(map[types.ChannelID]device.Range),
	}
}

func (f *fakeDevice) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeDevice) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("open")
	return f.openErr
}

func (f *fakeDevice) MaxChannels() int {
	return f.maxChannels
}

func (f *fakeDevice) ConfigureChannel(id types.ChannelID, vertical device.Range, coupling device.Coupling) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("configure %s", id))
	f.ranges[id] = vertical
	return f.configureErr
}

func (f *fakeDevice) DisableChannel(id types.ChannelID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("disable %s", id))
	f.disabled = append(f.disabled, id)
	return nil
}

func (f *fakeDevice) ADCLimits() (int16, int16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("adc limits")
	return -f.maxADC, f.maxADC, nil
}

func (f *fakeDevice) ArmTrigger(source types.ChannelID, levelCounts int16, direction device.Direction, autoTriggerMicros uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("arm")
	f.arm = armCall{source, levelCounts, direction, autoTriggerMicros}
	return f.armErr
}

func (f *fakeDevice) DetermineTimebase(enabled []types.ChannelID) (uint32, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("timebase")
	return 3, f.interval, f.timebaseErr
}

func (f *fakeDevice) RegisterBuffer(id types.ChannelID, capacity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("register %s", id))
	f.registered[id] = capacity
	return f.registerErr
}

func (f *fakeDevice) StartBlock(pretrigger, postTrigger int, timebase uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.polls = 0
	f.pre, f.post, f.timebase = pretrigger, postTrigger, timebase
	return nil
}

func (f *fakeDevice) PollReady() (bool, error) {
	f.mu.Lock()
	gate := f.gate
	starts := f.starts
	f.polls++
	polls := f.polls
	f.mu.Unlock()

	if gate != nil && starts > 1 {
		select {
		case <-gate:
		default:
			return false, nil
		}
	}
	return polls > f.readyAfter, nil
}

func (f *fakeDevice) FetchValues(count int) (map[types.ChannelID][]int16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.failFetch != nil {
		if err := f.failFetch(f.starts); err != nil {
			return nil, err
		}
	}

	ret := make(map[types.ChannelID][]int16, len(f.registered))
	for id := range f.registered {
		if id == f.dropChannel {
			continue
		}
		n := count
		if f.shortFetch {
			n--
		}
		samples := make([]int16, n)
		tone := f.tones[id]
		for i := range samples {
			samples[i] = int16(math.Round(tone.amp * math.Cos(2*math.Pi*float64(tone.bin)*float64(i)/float64(count)+tone.phase)))
		}
		ret[id] = samples
	}
	return ret, nil
}

func (f *fakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("close")
	f.closes++
	return f.closeErr
}

func (f *fakeDevice) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeDevice) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeDevice) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
