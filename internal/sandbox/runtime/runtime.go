// Package runtime executes guest code against an instance's memory
// image, virtual filesystem and policy. The engine is an embedded Lua
// interpreter with a restricted library surface; every privileged
// operation the guest attempts goes through the security interceptor.
package runtime

import (
	"context"

	"blastpit/internal/sandbox/event"
	"blastpit/internal/sandbox/memory"
	"blastpit/internal/sandbox/monitor"
	"blastpit/internal/sandbox/policy"
	"blastpit/internal/sandbox/security"
)

// Request carries everything one execution needs. All fields are
// required.
type Request struct {
	Code        []byte
	Policy      policy.Policy
	Image       *memory.Image
	Monitor     *monitor.Monitor
	Interceptor *security.Interceptor
	Recorder    *event.Recorder
	FS          *VFS
}

// Outcome is what happened to the guest. ExitCode is zero exactly when
// ErrMsg is empty; Output holds the bytes the guest produced up to the
// point it stopped.
type Outcome struct {
	ExitCode int
	Output   []byte
	ErrMsg   string
}

// Runtime runs guest code to completion or abort. The returned error is
// reserved for engine malfunction; guest failures of any kind are
// reported in the Outcome.
type Runtime interface {
	Run(ctx context.Context, req Request) (Outcome, error)
}
