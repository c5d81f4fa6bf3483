// Package security decides whether a privileged guest operation is
// permitted under the bound policy, and how a refusal is reported.
package security

import "blastpit/internal/sandbox/event"

// Class groups syscalls by the capability they exercise.
type Class string

const (
	ClassFilesystem Class = "filesystem"
	ClassNetwork    Class = "network"
	ClassProcess    Class = "process"
	ClassControl    Class = "control"
	ClassInfo       Class = "info"
)

var classByName = map[string]Class{
	"open":    ClassFilesystem,
	"read":    ClassFilesystem,
	"write":   ClassFilesystem,
	"close":   ClassFilesystem,
	"stat":    ClassFilesystem,
	"unlink":  ClassFilesystem,
	"mkdir":   ClassFilesystem,
	"readdir": ClassFilesystem,
	"rename":  ClassFilesystem,

	"socket":   ClassNetwork,
	"connect":  ClassNetwork,
	"bind":     ClassNetwork,
	"listen":   ClassNetwork,
	"accept":   ClassNetwork,
	"send":     ClassNetwork,
	"recv":     ClassNetwork,
	"sendto":   ClassNetwork,
	"recvfrom": ClassNetwork,
	"resolve":  ClassNetwork,

	"fork":   ClassProcess,
	"exec":   ClassProcess,
	"execve": ClassProcess,
	"spawn":  ClassProcess,
	"clone":  ClassProcess,
	"kill":   ClassProcess,
	"ptrace": ClassProcess,

	"exit":       ClassControl,
	"exit_group": ClassControl,
	"abort":      ClassControl,

	"getpid":        ClassInfo,
	"getppid":       ClassInfo,
	"getuid":        ClassInfo,
	"geteuid":       ClassInfo,
	"uname":         ClassInfo,
	"time":          ClassInfo,
	"clock_gettime": ClassInfo,
	"getrandom":     ClassInfo,
}

// Classify maps a syscall name to its class. Unknown names classify as
// process, the most restricted class.
func Classify(name string) Class {
	if c, ok := classByName[name]; ok {
		return c
	}
	return ClassProcess
}

// DefaultSeverity is how alarming a blocked call of this class is before
// any escalation.
func (c Class) DefaultSeverity() event.Severity {
	switch c {
	case ClassFilesystem, ClassProcess, ClassControl:
		return event.SeverityHigh
	case ClassNetwork:
		return event.SeverityMedium
	default:
		return event.SeverityLow
	}
}

// Fatal reports whether a blocked call of this class aborts the
// execution. Blocked control and info calls are suppressed and the run
// continues.
func (c Class) Fatal() bool {
	switch c {
	case ClassFilesystem, ClassNetwork, ClassProcess:
		return true
	default:
		return false
	}
}
