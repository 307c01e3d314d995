package file

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/norasector/phasemeter/pkg/phasemeter/device"
	"github.com/norasector/phasemeter/pkg/types"
)

// FileDevice plays back a block recording. Blocks are released no faster than
// one per timeBetween. The trigger settings are ignored since recorded blocks
// were already triggered.
type FileDevice struct {
	path        string
	timeBetween time.Duration
	loop        bool

	mu        sync.Mutex
	readFile  *os.File
	reader    *bufio.Reader
	rec       *recording
	enabled   map[types.ChannelID]bool
	pending   bool
	readyAt   time.Time
	lastBlock time.Time
}

func NewFileDevice(path string, timeBetween time.Duration, loop bool) (*FileDevice, error) {
	// fail early on a missing or malformed file
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := readHeader(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &FileDevice{
		path:        path,
		timeBetween: timeBetween,
		loop:        loop,
	}, nil
}

func (f *FileDevice) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readFile != nil {
		return fmt.Errorf("%s already open", f.path)
	}
	file, err := os.Open(f.path)
	if err != nil {
		return err
	}
	reader := bufio.NewReader(file)
	rec, err := readHeader(reader)
	if err != nil {
		file.Close()
		return fmt.Errorf("%s: %w", f.path, err)
	}
	f.readFile = file
	f.reader = reader
	f.rec = rec
	f.enabled = make(map[types.ChannelID]bool)
	f.pending = false
	f.lastBlock = time.Time{}
	return nil
}

// MaxChannels is the highest channel id present in the recording.
func (f *FileDevice) MaxChannels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return 0
	}
	max := 0
	for _, id := range f.rec.ids {
		if int(id) > max {
			max = int(id)
		}
	}
	return max
}

func (f *FileDevice) recorded(id types.ChannelID) bool {
	for _, r := range f.rec.ids {
		if r == id {
			return true
		}
	}
	return false
}

func (f *FileDevice) ConfigureChannel(id types.ChannelID, vertical device.Range, coupling device.Coupling) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return os.ErrClosed
	}
	if !f.recorded(id) {
		return fmt.Errorf("%s not present in %s", id, f.path)
	}
	f.enabled[id] = true
	return nil
}

func (f *FileDevice) DisableChannel(id types.ChannelID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return os.ErrClosed
	}
	delete(f.enabled, id)
	return nil
}

func (f *FileDevice) ADCLimits() (int16, int16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return 0, 0, os.ErrClosed
	}
	return -f.rec.MaxADC, f.rec.MaxADC, nil
}

func (f *FileDevice) ArmTrigger(source types.ChannelID, levelCounts int16, direction device.Direction, autoTriggerMicros uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return os.ErrClosed
	}
	if !f.enabled[source] {
		return fmt.Errorf("trigger source %s is not enabled", source)
	}
	return nil
}

func (f *FileDevice) DetermineTimebase(enabled []types.ChannelID) (uint32, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return 0, 0, os.ErrClosed
	}
	for _, id := range enabled {
		if !f.enabled[id] {
			return 0, 0, fmt.Errorf("%s is not enabled", id)
		}
	}
	return 0, f.rec.SampleInterval, nil
}

func (f *FileDevice) RegisterBuffer(id types.ChannelID, capacity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return os.ErrClosed
	}
	if !f.enabled[id] {
		return fmt.Errorf("%s is not enabled", id)
	}
	if capacity < int(f.rec.BlockSize) {
		return fmt.Errorf("%s: capacity %d smaller than recorded block size %d", id, capacity, f.rec.BlockSize)
	}
	return nil
}

func (f *FileDevice) StartBlock(pretrigger, postTrigger int, timebase uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return os.ErrClosed
	}
	if pretrigger != int(f.rec.Pretrigger) || pretrigger+postTrigger != int(f.rec.BlockSize) {
		return fmt.Errorf("block %d+%d does not match recording %d+%d",
			pretrigger, postTrigger, f.rec.Pretrigger, int(f.rec.BlockSize)-int(f.rec.Pretrigger))
	}
	f.pending = true
	f.readyAt = f.lastBlock.Add(f.timeBetween)
	return nil
}

func (f *FileDevice) PollReady() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return false, os.ErrClosed
	}
	if !f.pending {
		return false, fmt.Errorf("no block started")
	}
	return !time.Now().Before(f.readyAt), nil
}

func (f *FileDevice) FetchValues(count int) (map[types.ChannelID][]int16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return nil, os.ErrClosed
	}
	if !f.pending {
		return nil, fmt.Errorf("no block started")
	}
	if count > int(f.rec.BlockSize) {
		return nil, fmt.Errorf("cannot fetch %d samples from a %d sample block", count, f.rec.BlockSize)
	}

	data, err := readBlock(f.reader, f.rec.ids, int(f.rec.BlockSize))
	if errors.Is(err, io.EOF) && f.loop {
		if _, err := f.readFile.Seek(f.rec.dataOffset(), io.SeekStart); err != nil {
			return nil, err
		}
		f.reader.Reset(f.readFile)
		data, err = readBlock(f.reader, f.rec.ids, int(f.rec.BlockSize))
	}
	if err != nil {
		return nil, err
	}
	f.pending = false
	f.lastBlock = time.Now()

	ret := make(map[types.ChannelID][]int16, len(f.enabled))
	for id := range f.enabled {
		ret[id] = data[id][:count]
	}
	return ret, nil
}

func (f *FileDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readFile == nil {
		return os.ErrClosed
	}
	err := f.readFile.Close()
	f.readFile = nil
	f.reader = nil
	f.rec = nil
	return err
}

var _ device.Device = (*FileDevice)(nil)
