package event

import "sync"

// escalateAfter is how many blocked attempts in one class a single
// execution reports at the class's default severity; further attempts in
// the same class are reported one severity step higher.
const escalateAfter = 3

// Recorder collects the events of one execution, appending each to the
// instance log and forwarding it to the sink.
type Recorder struct {
	instanceID string
	log        *Log
	sink       Sink

	mu      sync.Mutex
	run     []Event
	blocked map[string]int
}

func NewRecorder(instanceID string, log *Log, sink Sink) *Recorder {
	return &Recorder{
		instanceID: instanceID,
		log:        log,
		sink:       sink,
		blocked:    make(map[string]int),
	}
}

// Record logs one event and returns the stamped copy.
func (r *Recorder) Record(t Type, sev Severity, details string) Event {
	ev := r.log.Append(Event{Type: t, Severity: sev, Details: details})
	r.mu.Lock()
	r.run = append(r.run, ev)
	r.mu.Unlock()
	if r.sink != nil {
		r.sink.OnEvent(r.instanceID, ev)
	}
	return ev
}

// RecordBlocked logs a syscall_blocked event for the named class,
// escalating past escalateAfter blocked attempts in this execution.
func (r *Recorder) RecordBlocked(class string, sev Severity, details string) Event {
	r.mu.Lock()
	r.blocked[class]++
	if r.blocked[class] > escalateAfter {
		sev = sev.Escalate()
	}
	r.mu.Unlock()
	return r.Record(TypeSyscallBlocked, sev, details)
}

// Events returns this execution's events in recording order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.run))
	copy(out, r.run)
	return out
}
