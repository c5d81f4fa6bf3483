package sandbox

import (
	"context"
	"testing"
	"time"

	"blastpit/internal/sandbox/policy"
	appErr "blastpit/pkg/errors"
)

func TestZeroValueManagerNotInitialized(t *testing.T) {
	var m Manager
	if _, err := m.CreateInstance(context.Background(), nil); !appErr.Is(err, appErr.ManagerNotInitialized) {
		t.Errorf("CreateInstance = %v, want ManagerNotInitialized", err)
	}
	if _, err := m.ListInstances(); !appErr.Is(err, appErr.ManagerNotInitialized) {
		t.Errorf("ListInstances = %v, want ManagerNotInitialized", err)
	}
	if _, err := m.AllInstancesStatus(); !appErr.Is(err, appErr.ManagerNotInitialized) {
		t.Errorf("AllInstancesStatus = %v, want ManagerNotInitialized", err)
	}
	if err := m.TerminateAll(context.Background()); !appErr.Is(err, appErr.ManagerNotInitialized) {
		t.Errorf("TerminateAll = %v, want ManagerNotInitialized", err)
	}
	if _, err := m.Instance("any"); !appErr.Is(err, appErr.ManagerNotInitialized) {
		t.Errorf("Instance = %v, want ManagerNotInitialized", err)
	}
}

func TestNewRejectsNegativeConfig(t *testing.T) {
	if _, err := New(Config{MaxInstances: -1}); !appErr.Is(err, appErr.InvalidParams) {
		t.Errorf("negative MaxInstances = %v, want InvalidParams", err)
	}
	if _, err := New(Config{MaxCodeBytes: -1}); !appErr.Is(err, appErr.InvalidParams) {
		t.Errorf("negative MaxCodeBytes = %v, want InvalidParams", err)
	}
}

func TestCreateInstanceDefaultsAndSpeed(t *testing.T) {
	m := newTestManager(t, Config{})

	start := time.Now()
	inst := mustCreate(t, m, nil)
	elapsed := time.Since(start)

	if elapsed > 100*time.Millisecond {
		t.Errorf("CreateInstance took %v, want < 100ms", elapsed)
	}
	if inst.ID() == "" {
		t.Error("instance id must be set")
	}
	if inst.State() != StateReady {
		t.Errorf("new instance state = %s, want ready", inst.State())
	}
	pol := inst.Policy()
	if pol.MaxMemoryBytes != policy.DefaultMaxMemoryBytes || pol.SyscallPolicy != policy.SyscallDenyAll {
		t.Errorf("nil policy did not bind defaults: %+v", pol)
	}
}

func TestCreateInstanceRejectsInvalidPolicy(t *testing.T) {
	m := newTestManager(t, Config{})
	bad := policy.Policy{MaxMemoryBytes: -5}
	if _, err := m.CreateInstance(context.Background(), &bad); !appErr.Is(err, appErr.InvalidPolicy) {
		t.Fatalf("invalid policy = %v, want InvalidPolicy", err)
	}
	ids, _ := m.ListInstances()
	if len(ids) != 0 {
		t.Error("failed create must not register an instance")
	}
}

func TestBoundPolicyIsImmutable(t *testing.T) {
	m := newTestManager(t, Config{})
	pol := policy.Default()
	inst := mustCreate(t, m, &pol)
	pol.MaxMemoryBytes = 1
	if inst.Policy().MaxMemoryBytes != policy.DefaultMaxMemoryBytes {
		t.Error("mutating the caller's policy changed the bound policy")
	}
}

func TestInstanceLimit(t *testing.T) {
	m := newTestManager(t, Config{MaxInstances: 2})
	a := mustCreate(t, m, nil)
	mustCreate(t, m, nil)

	if _, err := m.CreateInstance(context.Background(), nil); !appErr.Is(err, appErr.InstanceLimitReached) {
		t.Fatalf("third create = %v, want InstanceLimitReached", err)
	}
	if err := a.Terminate(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateInstance(context.Background(), nil); err != nil {
		t.Fatalf("create after terminate = %v, want slot freed", err)
	}
}

func TestListAndStatus(t *testing.T) {
	m := newTestManager(t, Config{})
	a := mustCreate(t, m, nil)
	b := mustCreate(t, m, nil)
	_ = b.Pause()

	ids, err := m.ListInstances()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("ListInstances = %v", ids)
	}
	statuses, err := m.AllInstancesStatus()
	if err != nil {
		t.Fatal(err)
	}
	if statuses[a.ID()] != StateReady || statuses[b.ID()] != StatePaused {
		t.Errorf("statuses = %v", statuses)
	}

	got, err := m.Instance(a.ID())
	if err != nil || got.ID() != a.ID() {
		t.Errorf("Instance lookup = %v, %v", got, err)
	}
	if _, err := m.Instance("missing-id"); !appErr.Is(err, appErr.InstanceNotFound) {
		t.Errorf("missing lookup = %v, want InstanceNotFound", err)
	}
}

func TestTerminateAllEmptiesRegistry(t *testing.T) {
	m := newTestManager(t, Config{})
	mustCreate(t, m, nil)
	mustCreate(t, m, nil)
	mustCreate(t, m, nil)

	if err := m.TerminateAll(context.Background()); err != nil {
		t.Fatalf("TerminateAll: %v", err)
	}
	ids, err := m.ListInstances()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("registry still holds %v", ids)
	}
	// Idempotent on an empty registry.
	if err := m.TerminateAll(context.Background()); err != nil {
		t.Errorf("second TerminateAll: %v", err)
	}
}

func TestCleanupTearsDown(t *testing.T) {
	m, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	inst, err := m.CreateInstance(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if inst.State() != StateTerminated {
		t.Error("cleanup must terminate instances")
	}
	if _, err := m.CreateInstance(context.Background(), nil); !appErr.Is(err, appErr.ManagerNotInitialized) {
		t.Errorf("create after cleanup = %v, want ManagerNotInitialized", err)
	}
	if err := m.Cleanup(context.Background()); err != nil {
		t.Errorf("second Cleanup = %v, want nil", err)
	}
}
