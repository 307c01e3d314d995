package file

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/norasector/phasemeter/pkg/phasemeter/device"
	"github.com/norasector/phasemeter/pkg/types"
)

// RecordingDevice passes every call through to an underlying device and writes
// each fetched block to a recording that FileDevice can play back.
type RecordingDevice struct {
	device.Device

	recordLocation string
	outputFile     *os.File
	writer         *bufio.Writer

	maxADC     int16
	interval   float64
	pretrigger int
	rec        *recording
}

func NewRecordingDevice(dev device.Device, recordLocation string) *RecordingDevice {
	return &RecordingDevice{
		Device:         dev,
		recordLocation: recordLocation,
	}
}

// Open truncates the recording file and opens the underlying device.
func (r *RecordingDevice) Open() error {
	outFile, err := os.Create(r.recordLocation)
	if err != nil {
		return err
	}
	if err := r.Device.Open(); err != nil {
		outFile.Close()
		return err
	}
	r.outputFile = outFile
	r.writer = bufio.NewWriter(outFile)
	r.rec = nil
	return nil
}

func (r *RecordingDevice) ADCLimits() (int16, int16, error) {
	min, max, err := r.Device.ADCLimits()
	r.maxADC = max
	return min, max, err
}

func (r *RecordingDevice) DetermineTimebase(enabled []types.ChannelID) (uint32, float64, error) {
	tb, interval, err := r.Device.DetermineTimebase(enabled)
	r.interval = interval
	return tb, interval, err
}

func (r *RecordingDevice) StartBlock(pretrigger, postTrigger int, timebase uint32) error {
	r.pretrigger = pretrigger
	return r.Device.StartBlock(pretrigger, postTrigger, timebase)
}

func (r *RecordingDevice) FetchValues(count int) (map[types.ChannelID][]int16, error) {
	data, err := r.Device.FetchValues(count)
	if err != nil {
		return nil, err
	}
	if r.writer == nil {
		return data, nil
	}

	if r.rec == nil {
		ids := make([]types.ChannelID, 0, len(data))
		for id := range data {
			ids = append(ids, id)
		}
		r.rec = &recording{
			header: header{
				BlockSize:      uint32(count),
				Pretrigger:     uint32(r.pretrigger),
				MaxADC:         r.maxADC,
				SampleInterval: r.interval,
			},
			ids: types.SortChannels(ids),
		}
		if err := writeHeader(r.writer, r.rec); err != nil {
			return nil, fmt.Errorf("writing recording header: %w", err)
		}
	}
	if int(r.rec.BlockSize) != count {
		return nil, fmt.Errorf("block size changed from %d to %d during recording", r.rec.BlockSize, count)
	}
	if err := writeBlock(r.writer, r.rec.ids, data, count); err != nil {
		return nil, fmt.Errorf("writing recording block: %w", err)
	}
	return data, nil
}

func (r *RecordingDevice) Close() error {
	err := r.Device.Close()
	if r.outputFile != nil {
		err = errors.Join(err, r.writer.Flush(), r.outputFile.Close())
		r.outputFile = nil
		r.writer = nil
	}
	return err
}

var _ device.Device = (*RecordingDevice)(nil)
