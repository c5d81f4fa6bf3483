package event

import (
	"fmt"
	"testing"
)

func TestSeverityEscalate(t *testing.T) {
	cases := map[Severity]Severity{
		SeverityLow:      SeverityMedium,
		SeverityMedium:   SeverityHigh,
		SeverityHigh:     SeverityCritical,
		SeverityCritical: SeverityCritical,
	}
	for in, want := range cases {
		if got := in.Escalate(); got != want {
			t.Errorf("%s.Escalate() = %s, want %s", in, got, want)
		}
	}
}

func TestLogTimestampsStrictlyIncrease(t *testing.T) {
	l := NewLog()
	for i := 0; i < 50; i++ {
		l.Append(Event{Type: TypeSyscallBlocked, Severity: SeverityLow, Details: "probe"})
	}
	evs := l.Events()
	if len(evs) != 50 {
		t.Fatalf("len = %d, want 50", len(evs))
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Timestamp <= evs[i-1].Timestamp {
			t.Fatalf("timestamp %d (%d) not greater than %d (%d)",
				i, evs[i].Timestamp, i-1, evs[i-1].Timestamp)
		}
	}
	if evs[0].Timestamp <= 0 {
		t.Fatal("timestamps must be positive")
	}
}

func TestLogDrainsOldestWhenFull(t *testing.T) {
	l := NewLog()
	for i := 0; i < maxEvents+1; i++ {
		l.Append(Event{Type: TypeResourceLimit, Severity: SeverityLow, Details: fmt.Sprintf("ev-%d", i)})
	}
	evs := l.Events()
	want := maxEvents - drainCount + 1
	if len(evs) != want {
		t.Fatalf("len = %d, want %d", len(evs), want)
	}
	if evs[0].Details != fmt.Sprintf("ev-%d", drainCount) {
		t.Errorf("oldest surviving event = %q, want ev-%d", evs[0].Details, drainCount)
	}
	if evs[len(evs)-1].Details != fmt.Sprintf("ev-%d", maxEvents) {
		t.Errorf("newest event = %q, want ev-%d", evs[len(evs)-1].Details, maxEvents)
	}
}

func TestLogReplaceAdvancesCursor(t *testing.T) {
	l := NewLog()
	future := []Event{{Type: TypeTimeout, Severity: SeverityLow, Details: "restored", Timestamp: 1<<62 - 1}}
	l.Replace(future)
	ev := l.Append(Event{Type: TypeTimeout, Severity: SeverityLow, Details: "after restore"})
	if ev.Timestamp <= future[0].Timestamp {
		t.Fatalf("append after replace produced timestamp %d, not past %d", ev.Timestamp, future[0].Timestamp)
	}
}

func TestRecorderEscalatesRepeatedBlocks(t *testing.T) {
	r := NewRecorder("inst-1", NewLog(), nil)
	for i := 0; i < 5; i++ {
		r.RecordBlocked("network", SeverityMedium, "blocked network syscall 'connect'")
	}
	evs := r.Events()
	if len(evs) != 5 {
		t.Fatalf("len = %d, want 5", len(evs))
	}
	for i := 0; i < escalateAfter; i++ {
		if evs[i].Severity != SeverityMedium {
			t.Errorf("event %d severity = %s, want medium", i, evs[i].Severity)
		}
	}
	for i := escalateAfter; i < 5; i++ {
		if evs[i].Severity != SeverityHigh {
			t.Errorf("event %d severity = %s, want high after escalation", i, evs[i].Severity)
		}
	}
}

func TestRecorderEscalationIsPerClass(t *testing.T) {
	r := NewRecorder("inst-1", NewLog(), nil)
	for i := 0; i < escalateAfter; i++ {
		r.RecordBlocked("network", SeverityMedium, "net probe")
	}
	ev := r.RecordBlocked("filesystem", SeverityHigh, "fs probe")
	if ev.Severity != SeverityHigh {
		t.Errorf("first filesystem block severity = %s, want high (no cross-class escalation)", ev.Severity)
	}
}

func TestRecorderForwardsToSink(t *testing.T) {
	var gotID string
	var count int
	sink := SinkFunc(func(id string, ev Event) {
		gotID = id
		count++
	})
	r := NewRecorder("inst-7", NewLog(), sink)
	r.Record(TypeTimeout, SeverityLow, "cpu time limit exceeded")
	if count != 1 || gotID != "inst-7" {
		t.Fatalf("sink saw count=%d id=%q", count, gotID)
	}
}

func TestRecorderSharesInstanceLog(t *testing.T) {
	l := NewLog()
	r1 := NewRecorder("inst-1", l, nil)
	r2 := NewRecorder("inst-1", l, nil)
	r1.Record(TypeResourceLimit, SeverityHigh, "memory limit exceeded")
	r2.Record(TypeTimeout, SeverityLow, "cpu time limit exceeded")
	if l.Len() != 2 {
		t.Fatalf("instance log len = %d, want 2", l.Len())
	}
	if len(r1.Events()) != 1 || len(r2.Events()) != 1 {
		t.Error("per-run views must only hold their own events")
	}
}
