package sandbox

import (
	"blastpit/internal/sandbox/event"
	"blastpit/internal/sandbox/monitor"
)

// Result reports one execution. Success is true exactly when ExitCode is
// zero and Error is empty. Output holds the bytes the guest produced up
// to the point it stopped, even for failed runs. SecurityEvents are the
// events of this execution only, in recording order; the instance log
// additionally keeps them across executions.
type Result struct {
	Success         bool          `json:"success"`
	ExitCode        int           `json:"exit_code"`
	Output          []byte        `json:"output"`
	Error           string        `json:"error,omitempty"`
	ExecutionTimeMS int64         `json:"execution_time_ms"`
	ResourceUsage   monitor.Usage `json:"resource_usage"`
	SecurityEvents  []event.Event `json:"security_events"`
}
