package util

import (
	"sync"

	"github.com/influxdata/influxdb-client-go/api/write"
)

// MockWriteAPI discards everything written to it except a count of points,
// which tests use to check that metrics are emitted.
type MockWriteAPI struct {
	mu     sync.Mutex
	points int
}

func (m *MockWriteAPI) WriteRecord(line string) {}

func (m *MockWriteAPI) WritePoint(point *write.Point) {
	m.mu.Lock()
	m.points++
	m.mu.Unlock()
}

// Points returns how many points have been written.
func (m *MockWriteAPI) Points() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.points
}

func (m *MockWriteAPI) Flush() {}

func (m *MockWriteAPI) Close() {}

// Errors returns nil; a nil channel never delivers.
func (m *MockWriteAPI) Errors() <-chan error { return nil }
