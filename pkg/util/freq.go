package util

import "fmt"

// HzToString formats a frequency with an SI prefix.
func HzToString(hz float64) string {
	abs := hz
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 1e9:
		return fmt.Sprintf("%0.4f GHz", hz/1e9)
	case abs >= 1e6:
		return fmt.Sprintf("%0.4f MHz", hz/1e6)
	case abs >= 1e3:
		return fmt.Sprintf("%0.4f kHz", hz/1e3)
	}
	return fmt.Sprintf("%0.4f Hz", hz)
}

// BlockDuration returns how long a block of n samples spans.
func BlockDuration(n int, sampleInterval float64) float64 {
	return float64(n) * sampleInterval
}
