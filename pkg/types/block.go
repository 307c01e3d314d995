package types

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrMalformedBlock = errors.New("malformed capture block")

// ChannelID is the 1-based digitizer channel number (CH1 is channel A).
type ChannelID int

func (c ChannelID) String() string {
	return fmt.Sprintf("CH%d", int(c))
}

// SortChannels sorts ids in ascending order in place and returns them.
func SortChannels(ids []ChannelID) []ChannelID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CaptureBlock is one triggered, fixed-length multi-channel acquisition.
// Samples are in the device's native ADC units.
type CaptureBlock struct {
	SegmentNumber  int
	SampleInterval float64 // seconds
	Data           map[ChannelID][]float64
}

// Len returns the per-channel sample count. It is only meaningful for a valid block.
func (b *CaptureBlock) Len() int {
	for _, d := range b.Data {
		return len(d)
	}
	return 0
}

// Channels returns the block's channel ids in ascending order.
func (b *CaptureBlock) Channels() []ChannelID {
	ret := make([]ChannelID, 0, len(b.Data))
	for id := range b.Data {
		ret = append(ret, id)
	}
	return SortChannels(ret)
}

// Validate checks that every channel has the same non-zero length and the
// sample interval is positive.
func (b *CaptureBlock) Validate() error {
	if b == nil || len(b.Data) == 0 {
		return fmt.Errorf("%w: no channel data", ErrMalformedBlock)
	}
	if !(b.SampleInterval > 0) {
		return fmt.Errorf("%w: sample interval %g", ErrMalformedBlock, b.SampleInterval)
	}
	n := -1
	for _, id := range b.Channels() {
		l := len(b.Data[id])
		if l == 0 {
			return fmt.Errorf("%w: %s is empty", ErrMalformedBlock, id)
		}
		if n >= 0 && l != n {
			return fmt.Errorf("%w: %s has %d samples, expected %d", ErrMalformedBlock, id, l, n)
		}
		n = l
	}
	return nil
}

// Measurement is the amplitude and phase of one channel at its analysis bin.
type Measurement struct {
	Amplitude float64
	Phase     float64 // radians, (-pi, pi]
	Bin       int
	Frequency float64 // frequency of Bin in Hz
}

// ResultRecord is emitted once per completed block.
type ResultRecord struct {
	Timestamp     time.Time
	SegmentNumber int
	Channels      map[ChannelID]Measurement
}

// WaveformSnapshot holds raw samples around the trigger point of the most
// recent block. Consumers must treat it as read-only.
type WaveformSnapshot struct {
	SegmentNumber  int
	Start          int // index of Data[...][0] within the block
	Pretrigger     int
	SampleInterval float64
	Data           map[ChannelID][]float64
}

// Len returns the number of samples held per channel.
func (w *WaveformSnapshot) Len() int {
	for _, d := range w.Data {
		return len(d)
	}
	return 0
}
