// Package sandbox manages isolated execution instances: their lifecycle,
// their bound policies, and the manager that owns the registry.
package sandbox

// State is an instance lifecycle state. Terminated is terminal.
type State string

const (
	StateReady      State = "ready"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateTerminated State = "terminated"
)
