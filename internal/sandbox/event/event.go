// Package event defines security events, the per-instance event log, and
// the per-execution recorder that feeds it.
package event

// Type is the category of a security event.
type Type string

const (
	TypeSyscallBlocked Type = "syscall_blocked"
	TypeResourceLimit  Type = "resource_limit"
	TypeTimeout        Type = "timeout"
)

// Severity ranks how alarming an event is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Escalate returns the next severity up. Critical stays critical.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	case SeverityHigh:
		return SeverityCritical
	default:
		return SeverityCritical
	}
}

// rank orders severities for comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Max returns the more severe of s and other.
func (s Severity) Max(other Severity) Severity {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// Event is one recorded security observation. Timestamp is Unix
// milliseconds and is strictly increasing within an instance's log.
type Event struct {
	Type      Type     `json:"event_type"`
	Severity  Severity `json:"severity"`
	Details   string   `json:"details"`
	Timestamp int64    `json:"timestamp"`
}
