// Package policy defines the execution policy bound to a sandbox instance.
package policy

import (
	"time"

	appErr "blastpit/pkg/errors"
)

// SyscallPolicy is the coarse mode governing privileged operations.
type SyscallPolicy string

const (
	SyscallAllowAll SyscallPolicy = "allow_all"
	SyscallDenyAll  SyscallPolicy = "deny_all"
	SyscallCustom   SyscallPolicy = "custom"
)

// Documented defaults, applied by Normalize for zero-valued limits.
const (
	DefaultMaxMemoryBytes = 100 << 20
	DefaultMaxCPUTimeMS   = 30_000
	DefaultMaxFileHandles = 10
	DefaultMaxOutputBytes = 10 << 20
)

// Policy bounds what an instance's code may do and consume. A policy is
// immutable once bound to an instance; changing behavior requires creating
// a new instance.
//
// The class gates (AllowNetwork, AllowFileSystem) and the syscall policy
// compose with AND semantics: an operation is permitted only when its class
// gate allows it and the syscall policy allows it.
type Policy struct {
	MaxMemoryBytes  int64         `json:"max_memory_bytes" yaml:"maxMemoryBytes"`
	MaxCPUTimeMS    int64         `json:"max_cpu_time_ms" yaml:"maxCPUTimeMS"`
	MaxFileHandles  int           `json:"max_file_handles" yaml:"maxFileHandles"`
	MaxOutputBytes  int64         `json:"max_output_bytes" yaml:"maxOutputBytes"`
	AllowNetwork    bool          `json:"allow_network" yaml:"allowNetwork"`
	AllowFileSystem bool          `json:"allow_file_system" yaml:"allowFileSystem"`
	SyscallPolicy   SyscallPolicy `json:"syscall_policy" yaml:"syscallPolicy"`
	AllowedSyscalls []string      `json:"allowed_syscalls,omitempty" yaml:"allowedSyscalls"`
}

// Default returns the documented default policy: generous but finite
// limits, both class gates closed, every syscall denied.
func Default() Policy {
	return Policy{
		MaxMemoryBytes: DefaultMaxMemoryBytes,
		MaxCPUTimeMS:   DefaultMaxCPUTimeMS,
		MaxFileHandles: DefaultMaxFileHandles,
		MaxOutputBytes: DefaultMaxOutputBytes,
		SyscallPolicy:  SyscallDenyAll,
	}
}

// Validate checks field ranges. It does not fill defaults; see Normalize.
func (p Policy) Validate() error {
	if p.MaxMemoryBytes < 0 {
		return appErr.Newf(appErr.InvalidPolicy, "maxMemoryBytes must not be negative, got %d", p.MaxMemoryBytes)
	}
	if p.MaxCPUTimeMS < 0 {
		return appErr.Newf(appErr.InvalidPolicy, "maxCPUTimeMS must not be negative, got %d", p.MaxCPUTimeMS)
	}
	if p.MaxFileHandles < 0 {
		return appErr.Newf(appErr.InvalidPolicy, "maxFileHandles must not be negative, got %d", p.MaxFileHandles)
	}
	if p.MaxOutputBytes < 0 {
		return appErr.Newf(appErr.InvalidPolicy, "maxOutputBytes must not be negative, got %d", p.MaxOutputBytes)
	}
	switch p.SyscallPolicy {
	case SyscallAllowAll, SyscallDenyAll, "":
	case SyscallCustom:
		if len(p.AllowedSyscalls) == 0 {
			return appErr.New(appErr.InvalidPolicy).WithMessage("custom syscall policy requires a non-empty allowedSyscalls set")
		}
	default:
		return appErr.Newf(appErr.InvalidPolicy, "unknown syscall policy %q", p.SyscallPolicy)
	}
	return nil
}

// Normalize returns the effective policy: zero limits take the documented
// defaults, an empty syscall policy means deny_all, and the allow-set is
// copied so the caller cannot mutate the bound policy afterwards.
func (p Policy) Normalize() Policy {
	out := p
	if out.MaxMemoryBytes == 0 {
		out.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	if out.MaxCPUTimeMS == 0 {
		out.MaxCPUTimeMS = DefaultMaxCPUTimeMS
	}
	if out.MaxFileHandles == 0 {
		out.MaxFileHandles = DefaultMaxFileHandles
	}
	if out.MaxOutputBytes == 0 {
		out.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if out.SyscallPolicy == "" {
		out.SyscallPolicy = SyscallDenyAll
	}
	if len(p.AllowedSyscalls) > 0 {
		out.AllowedSyscalls = append([]string(nil), p.AllowedSyscalls...)
	}
	return out
}

// MaxCPUTime returns the per-execute budget as a duration.
func (p Policy) MaxCPUTime() time.Duration {
	return time.Duration(p.MaxCPUTimeMS) * time.Millisecond
}
