package phasemeter

import (
	"fmt"
	"runtime"
	"time"

	"github.com/norasector/phasemeter/pkg/phasemeter/device"
	"github.com/norasector/phasemeter/pkg/types"
)

// blockAcquirer runs one triggered capture against an armed device with
// buffers registered for every channel.
type blockAcquirer struct {
	dev            device.Device
	channels       []types.ChannelID
	size           int
	pretrigger     int
	timebase       uint32
	sampleInterval float64
	pollInterval   time.Duration

	buffers map[types.ChannelID][]float64
}

func newBlockAcquirer(dev device.Device, channels []types.ChannelID, size, pretrigger int, timebase uint32, sampleInterval float64, pollInterval time.Duration) *blockAcquirer {
	a := &blockAcquirer{
		dev:            dev,
		channels:       channels,
		size:           size,
		pretrigger:     pretrigger,
		timebase:       timebase,
		sampleInterval: sampleInterval,
		pollInterval:   pollInterval,
		buffers:        make(map[types.ChannelID][]float64, len(channels)),
	}
	for _, id := range channels {
		a.buffers[id] = make([]float64, size)
	}
	return a
}

// waitReady polls until the device reports the block complete. There is no
// timeout: a device that never becomes ready blocks here forever.
func (a *blockAcquirer) waitReady() error {
	for {
		ready, err := a.dev.PollReady()
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if a.pollInterval > 0 {
			time.Sleep(a.pollInterval)
		} else {
			runtime.Gosched()
		}
	}
}

// Acquire captures one block. The returned block's sample slices are reused by
// the next call.
func (a *blockAcquirer) Acquire() (*types.CaptureBlock, error) {
	if err := a.dev.StartBlock(a.pretrigger, a.size-a.pretrigger, a.timebase); err != nil {
		return nil, acquisitionError("start block", 0, err)
	}

	if err := a.waitReady(); err != nil {
		return nil, acquisitionError("poll ready", 0, err)
	}

	raw, err := a.dev.FetchValues(a.size)
	if err != nil {
		return nil, acquisitionError("fetch values", 0, err)
	}

	block := &types.CaptureBlock{
		SampleInterval: a.sampleInterval,
		Data:           make(map[types.ChannelID][]float64, len(a.channels)),
	}
	for _, id := range a.channels {
		samples, ok := raw[id]
		if !ok {
			return nil, acquisitionError("fetch values", id, fmt.Errorf("no samples returned"))
		}
		if len(samples) != a.size {
			return nil, acquisitionError("fetch values", id, fmt.Errorf("got %d samples, expected %d", len(samples), a.size))
		}
		buf := a.buffers[id]
		for i, s := range samples {
			buf[i] = float64(s)
		}
		block.Data[id] = buf
	}

	return block, nil
}
