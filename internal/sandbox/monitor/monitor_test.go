package monitor

import (
	"strings"
	"testing"
	"time"
)

func TestAllocateTracksPeak(t *testing.T) {
	m := New(Limits{MaxMemoryBytes: 1000})
	if err := m.Allocate(600); err != nil {
		t.Fatalf("Allocate(600) = %v", err)
	}
	m.Release(500)
	if err := m.Allocate(200); err != nil {
		t.Fatalf("Allocate(200) = %v", err)
	}
	u := m.Usage()
	if u.MemoryUsed != 300 {
		t.Errorf("MemoryUsed = %d, want 300", u.MemoryUsed)
	}
	if u.PeakMemory != 600 {
		t.Errorf("PeakMemory = %d, want 600", u.PeakMemory)
	}
}

func TestAllocateRejectsOverLimit(t *testing.T) {
	m := New(Limits{MaxMemoryBytes: 1000})
	if err := m.Allocate(900); err != nil {
		t.Fatalf("Allocate(900) = %v", err)
	}
	err := m.Allocate(200)
	if err == nil {
		t.Fatal("expected limit error")
	}
	le, ok := AsLimit(err)
	if !ok {
		t.Fatalf("error %T is not a LimitError", err)
	}
	if le.Resource != "memory" || le.Runaway {
		t.Errorf("got %+v, want memory limit without runaway flag", le)
	}
	if !strings.Contains(err.Error(), "memory") {
		t.Errorf("error text %q must mention memory", err.Error())
	}
	if u := m.Usage(); u.MemoryUsed != 900 {
		t.Errorf("failed allocation changed usage to %d", u.MemoryUsed)
	}
}

func TestAllocateFlagsRunawayDemand(t *testing.T) {
	m := New(Limits{MaxMemoryBytes: 1000})
	err := m.Allocate(2000)
	le, ok := AsLimit(err)
	if !ok || !le.Runaway {
		t.Fatalf("Allocate(2000) = %v, want runaway LimitError", err)
	}
}

func TestResetMemoryKeepsPeak(t *testing.T) {
	m := New(Limits{MaxMemoryBytes: 1000})
	_ = m.Allocate(800)
	m.ResetMemory(100)
	u := m.Usage()
	if u.MemoryUsed != 100 || u.PeakMemory != 800 {
		t.Errorf("after reset: used=%d peak=%d, want 100/800", u.MemoryUsed, u.PeakMemory)
	}
}

func TestHandleLimit(t *testing.T) {
	m := New(Limits{MaxFileHandles: 2})
	if err := m.AcquireHandle(); err != nil {
		t.Fatal(err)
	}
	if err := m.AcquireHandle(); err != nil {
		t.Fatal(err)
	}
	err := m.AcquireHandle()
	le, ok := AsLimit(err)
	if !ok || le.Resource != "file handle" {
		t.Fatalf("third acquire = %v, want file handle LimitError", err)
	}
	m.ReleaseHandle()
	if err := m.AcquireHandle(); err != nil {
		t.Fatalf("acquire after release = %v", err)
	}
}

func TestOutputLimit(t *testing.T) {
	m := New(Limits{MaxOutputBytes: 10})
	if err := m.AddOutput(8); err != nil {
		t.Fatal(err)
	}
	err := m.AddOutput(5)
	le, ok := AsLimit(err)
	if !ok || le.Resource != "output" {
		t.Fatalf("AddOutput over limit = %v, want output LimitError", err)
	}
	if u := m.Usage(); u.OutputBytes != 8 {
		t.Errorf("OutputBytes = %d, want 8", u.OutputBytes)
	}
}

func TestCPUTimeAccumulatesAcrossRuns(t *testing.T) {
	m := New(Limits{})
	m.BeginRun()
	time.Sleep(15 * time.Millisecond)
	m.EndRun()
	first := m.Usage().CPUTimeMS
	if first < 10 {
		t.Fatalf("first run CPU = %dms, want >= 10", first)
	}
	m.BeginRun()
	time.Sleep(15 * time.Millisecond)
	m.EndRun()
	second := m.Usage().CPUTimeMS
	if second < first+10 {
		t.Errorf("CPU time did not accumulate: first=%d second=%d", first, second)
	}
}

func TestUsageIncludesInFlightRun(t *testing.T) {
	m := New(Limits{})
	m.BeginRun()
	time.Sleep(15 * time.Millisecond)
	if got := m.Usage().CPUTimeMS; got < 10 {
		t.Errorf("in-flight CPU = %dms, want >= 10", got)
	}
	m.EndRun()
}

func TestZeroLimitsDisableEnforcement(t *testing.T) {
	m := New(Limits{})
	if err := m.Allocate(1 << 40); err != nil {
		t.Fatalf("unlimited Allocate = %v", err)
	}
	if err := m.AddOutput(1 << 40); err != nil {
		t.Fatalf("unlimited AddOutput = %v", err)
	}
	if err := m.AcquireHandle(); err != nil {
		t.Fatalf("unlimited AcquireHandle = %v", err)
	}
}
