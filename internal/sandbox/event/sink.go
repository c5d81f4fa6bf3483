package event

// Sink receives every event as it is recorded, tagged with the owning
// instance. Implementations must not block; slow deliveries belong on a
// goroutine inside the sink.
type Sink interface {
	OnEvent(instanceID string, ev Event)
}

// MultiSink fans one event out to several sinks.
type MultiSink []Sink

func (m MultiSink) OnEvent(instanceID string, ev Event) {
	for _, s := range m {
		if s != nil {
			s.OnEvent(instanceID, ev)
		}
	}
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(instanceID string, ev Event)

func (f SinkFunc) OnEvent(instanceID string, ev Event) {
	f(instanceID, ev)
}
