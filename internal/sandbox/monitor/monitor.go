// Package monitor implements per-instance resource accounting: memory
// reservations, open file handles, produced output, and CPU time.
package monitor

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// runawayFactor flags allocation demand at or beyond this multiple of the
// memory limit as runaway.
const runawayFactor = 2

// Limits are the enforced ceilings, taken from the bound policy. A zero
// ceiling disables enforcement for that resource.
type Limits struct {
	MaxMemoryBytes int64
	MaxFileHandles int
	MaxOutputBytes int64
}

// Usage is a point-in-time snapshot of an instance's consumption.
// PeakMemory and CPUTimeMS are monotonic over the instance lifetime.
type Usage struct {
	MemoryUsed  int64 `json:"memory_used"`
	PeakMemory  int64 `json:"peak_memory"`
	CPUTimeMS   int64 `json:"cpu_time_ms"`
	FileHandles int   `json:"file_handles"`
	OutputBytes int64 `json:"output_bytes"`
}

// LimitError reports a rejected acquisition.
type LimitError struct {
	Resource  string
	Requested int64
	Used      int64
	Limit     int64
	Runaway   bool
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded: requested %d with %d used of %d",
		e.Resource, e.Requested, e.Used, e.Limit)
}

// AsLimit unwraps err into a LimitError if one is present.
func AsLimit(err error) (*LimitError, bool) {
	var le *LimitError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// Monitor tracks one instance's resource consumption against its limits.
type Monitor struct {
	mu     sync.Mutex
	limits Limits

	memoryUsed  int64
	peakMemory  int64
	fileHandles int
	outputBytes int64

	cpuTotal time.Duration
	runStart time.Time
	running  bool
}

func New(limits Limits) *Monitor {
	return &Monitor{limits: limits}
}

// Allocate reserves n bytes. It fails with a LimitError when the new
// total would exceed the memory limit; Runaway is set when the demanded
// total reaches runawayFactor times the limit.
func (m *Monitor) Allocate(n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.memoryUsed + n
	if m.limits.MaxMemoryBytes > 0 && total > m.limits.MaxMemoryBytes {
		return &LimitError{
			Resource:  "memory",
			Requested: n,
			Used:      m.memoryUsed,
			Limit:     m.limits.MaxMemoryBytes,
			Runaway:   total >= runawayFactor*m.limits.MaxMemoryBytes,
		}
	}
	m.memoryUsed = total
	if total > m.peakMemory {
		m.peakMemory = total
	}
	return nil
}

// Release returns n bytes to the budget.
func (m *Monitor) Release(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memoryUsed -= n
	if m.memoryUsed < 0 {
		m.memoryUsed = 0
	}
}

// ResetMemory pins accounted memory to n, used when a restored image
// replaces live memory wholesale. Peak never decreases.
func (m *Monitor) ResetMemory(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memoryUsed = n
	if n > m.peakMemory {
		m.peakMemory = n
	}
}

// AcquireHandle claims one file handle slot.
func (m *Monitor) AcquireHandle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limits.MaxFileHandles > 0 && m.fileHandles >= m.limits.MaxFileHandles {
		return &LimitError{
			Resource:  "file handle",
			Requested: 1,
			Used:      int64(m.fileHandles),
			Limit:     int64(m.limits.MaxFileHandles),
		}
	}
	m.fileHandles++
	return nil
}

func (m *Monitor) ReleaseHandle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fileHandles > 0 {
		m.fileHandles--
	}
}

// AddOutput accounts n bytes of produced output.
func (m *Monitor) AddOutput(n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.outputBytes + n
	if m.limits.MaxOutputBytes > 0 && total > m.limits.MaxOutputBytes {
		return &LimitError{
			Resource:  "output",
			Requested: n,
			Used:      m.outputBytes,
			Limit:     m.limits.MaxOutputBytes,
		}
	}
	m.outputBytes = total
	return nil
}

// BeginRun starts the CPU clock for one execution.
func (m *Monitor) BeginRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.runStart = time.Now()
}

// EndRun stops the CPU clock and folds the elapsed time into the
// lifetime total.
func (m *Monitor) EndRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.cpuTotal += time.Since(m.runStart)
	m.running = false
}

// Usage reports current consumption. CPU time includes the in-flight run.
func (m *Monitor) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpu := m.cpuTotal
	if m.running {
		cpu += time.Since(m.runStart)
	}
	return Usage{
		MemoryUsed:  m.memoryUsed,
		PeakMemory:  m.peakMemory,
		CPUTimeMS:   cpu.Milliseconds(),
		FileHandles: m.fileHandles,
		OutputBytes: m.outputBytes,
	}
}
