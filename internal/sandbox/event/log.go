package event

import (
	"sync"
	"time"
)

const (
	// Log keeps at most maxEvents entries; when full, the oldest
	// drainCount are dropped in one batch so appends stay cheap.
	maxEvents  = 1000
	drainCount = 100
)

// Log is the instance-lifetime event history. Appends stamp a timestamp
// that is strictly greater than the previous entry's, so ordering is
// unambiguous even for events recorded within the same millisecond.
type Log struct {
	mu     sync.Mutex
	events []Event
	lastTS int64
}

func NewLog() *Log {
	return &Log{}
}

// Append stamps ev and stores it, returning the stamped copy.
func (l *Log) Append(ev Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev.Timestamp = l.stampLocked()
	if len(l.events) >= maxEvents {
		l.events = append(l.events[:0], l.events[drainCount:]...)
	}
	l.events = append(l.events, ev)
	return ev
}

// Events returns a copy of the log in recording order.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Replace swaps the log content, used when restoring a snapshot. The
// timestamp cursor advances past the restored entries so later appends
// remain strictly increasing.
func (l *Log) Replace(events []Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = make([]Event, len(events))
	copy(l.events, events)
	for _, ev := range events {
		if ev.Timestamp > l.lastTS {
			l.lastTS = ev.Timestamp
		}
	}
}

func (l *Log) stampLocked() int64 {
	now := time.Now().UnixMilli()
	if now <= l.lastTS {
		now = l.lastTS + 1
	}
	l.lastTS = now
	return now
}
