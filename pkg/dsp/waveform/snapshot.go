package waveform

import "github.com/norasector/phasemeter/pkg/types"

// Bounds returns the [start, end) sample range of a width-wide window centred
// on pretrigger within a block of n samples. The window is clamped at the start
// and truncated at the end, never padded.
func Bounds(n, pretrigger, width int) (start, end int) {
	start = pretrigger - width/2
	if start < 0 {
		start = 0
	}
	end = start + width
	if end > n {
		end = n
	}
	if start > end {
		start = end
	}
	return start, end
}

// Snapshot copies the samples around the trigger point out of block.
func Snapshot(block *types.CaptureBlock, pretrigger, width int) *types.WaveformSnapshot {
	start, end := Bounds(block.Len(), pretrigger, width)

	ret := &types.WaveformSnapshot{
		SegmentNumber:  block.SegmentNumber,
		Start:          start,
		Pretrigger:     pretrigger,
		SampleInterval: block.SampleInterval,
		Data:           make(map[types.ChannelID][]float64, len(block.Data)),
	}
	for id, samples := range block.Data {
		buf := make([]float64, end-start)
		copy(buf, samples[start:end])
		ret.Data[id] = buf
	}
	return ret
}
