package sandbox

import (
	"context"
	"sync"
	"time"

	"blastpit/internal/sandbox/event"
	"blastpit/internal/sandbox/memory"
	"blastpit/internal/sandbox/monitor"
	"blastpit/internal/sandbox/policy"
	"blastpit/internal/sandbox/runtime"
	"blastpit/internal/sandbox/security"
	"blastpit/internal/sandbox/snapshot"
	appErr "blastpit/pkg/errors"
)

// Instance is one isolated execution context. The policy is fixed at
// creation; the memory image, virtual filesystem and event log persist
// across executions until Terminate.
//
// Executions are serialized per instance. A call while Paused fails
// immediately with a dedicated error; Pause during a running execution
// takes effect when that execution completes.
type Instance struct {
	id        string
	createdAt time.Time
	pol       policy.Policy

	rt          runtime.Runtime
	maxCode     int64
	mon         *monitor.Monitor
	image       *memory.Image
	vfs         *runtime.VFS
	interceptor *security.Interceptor
	log         *event.Log
	sink        event.Sink
	release     func(id string)

	// runMu serializes Execute and RestoreSnapshot.
	runMu sync.Mutex

	mu        sync.Mutex
	state     State
	pausePend bool
	cancelRun context.CancelFunc
}

func (inst *Instance) ID() string {
	return inst.id
}

func (inst *Instance) CreatedAt() time.Time {
	return inst.createdAt
}

// Policy returns the bound policy. The returned value is a copy.
func (inst *Instance) Policy() policy.Policy {
	return inst.pol
}

func (inst *Instance) State() State {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

// Usage reports the instance's resource consumption so far.
func (inst *Instance) Usage() monitor.Usage {
	return inst.mon.Usage()
}

// Events returns the instance-lifetime event log.
func (inst *Instance) Events() ([]event.Event, error) {
	if err := inst.guardTerminated(); err != nil {
		return nil, err
	}
	return inst.log.Events(), nil
}

// Execute runs code under the bound policy. Runtime violations never
// surface as returned errors; they fail the Result and append security
// events. The returned error is reserved for caller mistakes and engine
// malfunction.
func (inst *Instance) Execute(ctx context.Context, code []byte) (Result, error) {
	if err := inst.guardUsable(); err != nil {
		return Result{}, err
	}
	if err := inst.checkCode(code); err != nil {
		return Result{}, err
	}

	inst.runMu.Lock()
	defer inst.runMu.Unlock()

	inst.mu.Lock()
	switch inst.state {
	case StateTerminated:
		inst.mu.Unlock()
		return Result{}, appErr.Newf(appErr.InstanceTerminated, "instance %s is terminated", inst.id)
	case StatePaused:
		inst.mu.Unlock()
		return Result{}, appErr.Newf(appErr.InstancePaused, "instance %s is paused", inst.id)
	}
	runCtx, cancel := context.WithTimeout(ctx, inst.pol.MaxCPUTime())
	inst.state = StateRunning
	inst.cancelRun = cancel
	inst.mu.Unlock()
	defer cancel()

	rec := event.NewRecorder(inst.id, inst.log, inst.sink)
	inst.mon.BeginRun()
	start := time.Now()
	outcome, err := inst.rt.Run(runCtx, runtime.Request{
		Code:        code,
		Policy:      inst.pol,
		Image:       inst.image,
		Monitor:     inst.mon,
		Interceptor: inst.interceptor,
		Recorder:    rec,
		FS:          inst.vfs,
	})
	elapsed := time.Since(start)
	inst.mon.EndRun()

	inst.mu.Lock()
	inst.cancelRun = nil
	if inst.state == StateRunning {
		if inst.pausePend {
			inst.state = StatePaused
			inst.pausePend = false
		} else {
			inst.state = StateReady
		}
	}
	inst.mu.Unlock()

	if err != nil {
		return Result{}, appErr.Wrap(err, appErr.RuntimeFailure)
	}
	return Result{
		Success:         outcome.ExitCode == 0 && outcome.ErrMsg == "",
		ExitCode:        outcome.ExitCode,
		Output:          outcome.Output,
		Error:           outcome.ErrMsg,
		ExecutionTimeMS: elapsed.Milliseconds(),
		ResourceUsage:   inst.mon.Usage(),
		SecurityEvents:  rec.Events(),
	}, nil
}

// Pause moves Ready to Paused. During a running execution the pause is
// deferred until the run completes.
func (inst *Instance) Pause() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	switch inst.state {
	case StateTerminated:
		return appErr.Newf(appErr.InstanceTerminated, "instance %s is terminated", inst.id)
	case StatePaused:
		return nil
	case StateRunning:
		inst.pausePend = true
		return nil
	default:
		inst.state = StatePaused
		return nil
	}
}

// Resume moves Paused back to Ready and clears any deferred pause.
func (inst *Instance) Resume() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	switch inst.state {
	case StateTerminated:
		return appErr.Newf(appErr.InstanceTerminated, "instance %s is terminated", inst.id)
	case StatePaused:
		inst.state = StateReady
		return nil
	default:
		inst.pausePend = false
		return nil
	}
}

// Terminate destroys the instance: an in-flight execution is canceled,
// the memory image is released, and the id leaves the manager registry.
func (inst *Instance) Terminate() error {
	inst.mu.Lock()
	if inst.state == StateTerminated {
		inst.mu.Unlock()
		return appErr.Newf(appErr.InstanceTerminated, "instance %s is already terminated", inst.id)
	}
	inst.state = StateTerminated
	cancel := inst.cancelRun
	inst.cancelRun = nil
	inst.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	inst.vfs.CloseAll()
	inst.image.Reset()
	if inst.release != nil {
		inst.release(inst.id)
	}
	return nil
}

// CreateSnapshot captures the memory image and event log. The instance
// is not disturbed; a concurrent execution keeps running.
func (inst *Instance) CreateSnapshot() (snapshot.Snapshot, error) {
	if err := inst.guardTerminated(); err != nil {
		return snapshot.Snapshot{}, err
	}
	payload, err := inst.image.Serialize()
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	return snapshot.Capture(inst.id, payload, inst.log.Events()), nil
}

// RestoreSnapshot replaces the memory image and event log with a capture
// taken from this same instance. The swap is all-or-nothing: a mismatched
// or corrupted snapshot changes nothing. Restore waits for an in-flight
// execution to complete.
func (inst *Instance) RestoreSnapshot(snap snapshot.Snapshot) error {
	if err := inst.guardTerminated(); err != nil {
		return err
	}
	if snap.InstanceID != inst.id {
		return appErr.Newf(appErr.SnapshotMismatch,
			"snapshot belongs to instance %s, not %s", snap.InstanceID, inst.id)
	}
	payload, err := snap.MemoryPayload()
	if err != nil {
		return err
	}

	inst.runMu.Lock()
	defer inst.runMu.Unlock()
	if err := inst.guardTerminated(); err != nil {
		return err
	}
	if err := inst.image.Load(payload); err != nil {
		return err
	}
	inst.log.Replace(snap.SecurityEvents)
	return nil
}

func (inst *Instance) guardTerminated() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state == StateTerminated {
		return appErr.Newf(appErr.InstanceTerminated, "instance %s is terminated", inst.id)
	}
	return nil
}

func (inst *Instance) guardUsable() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	switch inst.state {
	case StateTerminated:
		return appErr.Newf(appErr.InstanceTerminated, "instance %s is terminated", inst.id)
	case StatePaused:
		return appErr.Newf(appErr.InstancePaused, "instance %s is paused", inst.id)
	default:
		return nil
	}
}

func (inst *Instance) checkCode(code []byte) error {
	if len(code) == 0 {
		return appErr.New(appErr.CodeEmpty).WithMessage("code must not be empty")
	}
	if int64(len(code)) > inst.maxCode {
		return appErr.Newf(appErr.CodeTooLarge, "code size %d exceeds the %d byte limit", len(code), inst.maxCode)
	}
	return nil
}
