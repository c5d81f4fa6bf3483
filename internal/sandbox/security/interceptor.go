package security

import (
	"blastpit/internal/sandbox/event"
	"blastpit/internal/sandbox/policy"
)

// Decision is the interceptor's verdict on one syscall attempt.
type Decision struct {
	Allowed  bool
	Syscall  string
	Class    Class
	Severity event.Severity
	Fatal    bool
}

// Interceptor checks syscall attempts against a normalized policy. The
// class gates and the syscall policy compose with AND semantics.
type Interceptor struct {
	pol     policy.Policy
	allowed map[string]struct{}
}

// NewInterceptor builds an interceptor for pol, which must already be
// normalized.
func NewInterceptor(pol policy.Policy) *Interceptor {
	in := &Interceptor{pol: pol}
	if pol.SyscallPolicy == policy.SyscallCustom {
		in.allowed = make(map[string]struct{}, len(pol.AllowedSyscalls))
		for _, name := range pol.AllowedSyscalls {
			in.allowed[name] = struct{}{}
		}
	}
	return in
}

// Check classifies name and decides whether the call may proceed.
func (in *Interceptor) Check(name string) Decision {
	class := Classify(name)
	dec := Decision{
		Syscall:  name,
		Class:    class,
		Severity: class.DefaultSeverity(),
		Fatal:    class.Fatal(),
	}
	dec.Allowed = in.policyAllows(name) && in.gateAllows(class)
	return dec
}

func (in *Interceptor) policyAllows(name string) bool {
	switch in.pol.SyscallPolicy {
	case policy.SyscallAllowAll:
		return true
	case policy.SyscallCustom:
		_, ok := in.allowed[name]
		return ok
	default:
		return false
	}
}

func (in *Interceptor) gateAllows(class Class) bool {
	switch class {
	case ClassNetwork:
		return in.pol.AllowNetwork
	case ClassFilesystem:
		return in.pol.AllowFileSystem
	default:
		return true
	}
}
