package snapshot

import (
	"bytes"
	"testing"

	"blastpit/internal/sandbox/event"
	appErr "blastpit/pkg/errors"
)

func TestCaptureRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("cell-content "), 200)
	events := []event.Event{
		{Type: event.TypeSyscallBlocked, Severity: event.SeverityMedium, Details: "blocked network syscall", Timestamp: 100},
	}
	s := Capture("inst-1", payload, events)
	if s.InstanceID != "inst-1" || s.Timestamp <= 0 {
		t.Fatalf("snapshot header = %+v", s)
	}
	got, err := s.MemoryPayload()
	if err != nil {
		t.Fatalf("MemoryPayload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload did not survive the round trip")
	}
	if len(s.SecurityEvents) != 1 || s.SecurityEvents[0].Details != "blocked network syscall" {
		t.Errorf("events = %+v", s.SecurityEvents)
	}
}

func TestCaptureCompresses(t *testing.T) {
	payload := bytes.Repeat([]byte("aaaaaaaaaaaaaaaa"), 1024)
	s := Capture("inst-1", payload, nil)
	if len(s.MemorySnapshot) >= len(payload) {
		t.Errorf("compressed %d bytes into %d", len(payload), len(s.MemorySnapshot))
	}
}

func TestCaptureCopiesEvents(t *testing.T) {
	events := []event.Event{{Type: event.TypeTimeout, Severity: event.SeverityLow, Details: "original"}}
	s := Capture("inst-1", nil, events)
	events[0].Details = "mutated"
	if s.SecurityEvents[0].Details != "original" {
		t.Error("snapshot shares the caller's event slice")
	}
}

func TestMemoryPayloadRejectsGarbage(t *testing.T) {
	s := Snapshot{InstanceID: "inst-1", MemorySnapshot: []byte("not a zstd frame")}
	if _, err := s.MemoryPayload(); !appErr.Is(err, appErr.SnapshotCorrupted) {
		t.Fatalf("MemoryPayload = %v, want SnapshotCorrupted", err)
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	s := Capture("inst-9", []byte("image"), []event.Event{
		{Type: event.TypeResourceLimit, Severity: event.SeverityHigh, Details: "memory limit exceeded", Timestamp: 7},
	})
	data, err := Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.InstanceID != "inst-9" || len(back.SecurityEvents) != 1 {
		t.Errorf("round trip = %+v", back)
	}
	payload, err := back.MemoryPayload()
	if err != nil || string(payload) != "image" {
		t.Errorf("payload = %q, %v", payload, err)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte("{broken")); !appErr.Is(err, appErr.SnapshotCorrupted) {
		t.Fatalf("Unmarshal garbage = %v, want SnapshotCorrupted", err)
	}
}
