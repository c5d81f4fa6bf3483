package sandbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"blastpit/internal/sandbox/event"
	"blastpit/internal/sandbox/memory"
	"blastpit/internal/sandbox/monitor"
	"blastpit/internal/sandbox/policy"
	"blastpit/internal/sandbox/runtime"
	"blastpit/internal/sandbox/security"
	appErr "blastpit/pkg/errors"
	"blastpit/pkg/utils/logger"
)

const (
	DefaultMaxInstances = 64
	DefaultMaxCodeBytes = 1 << 20
)

// Config configures a Manager. Zero values take the documented defaults.
type Config struct {
	Runtime      runtime.Runtime
	MaxInstances int
	MaxCodeBytes int64
	EventSink    event.Sink
}

// Manager owns the instance registry. Build it with New; a zero-value or
// torn-down Manager fails every operation with the "not initialized"
// error. The registry is the only cross-instance shared state.
type Manager struct {
	mu          sync.RWMutex
	initialized bool
	cfg         Config
	instances   map[string]*Instance
}

func New(cfg Config) (*Manager, error) {
	if cfg.MaxInstances < 0 {
		return nil, appErr.Newf(appErr.InvalidParams, "maxInstances must not be negative, got %d", cfg.MaxInstances)
	}
	if cfg.MaxCodeBytes < 0 {
		return nil, appErr.Newf(appErr.InvalidParams, "maxCodeBytes must not be negative, got %d", cfg.MaxCodeBytes)
	}
	if cfg.Runtime == nil {
		cfg.Runtime = runtime.NewLua()
	}
	if cfg.MaxInstances == 0 {
		cfg.MaxInstances = DefaultMaxInstances
	}
	if cfg.MaxCodeBytes == 0 {
		cfg.MaxCodeBytes = DefaultMaxCodeBytes
	}
	return &Manager{
		initialized: true,
		cfg:         cfg,
		instances:   make(map[string]*Instance),
	}, nil
}

// CreateInstance builds and registers an instance bound to pol. A nil
// pol means the default policy. The policy is validated, normalized and
// immutable afterwards.
func (m *Manager) CreateInstance(ctx context.Context, pol *policy.Policy) (*Instance, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	p := policy.Default()
	if pol != nil {
		p = *pol
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p = p.Normalize()

	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return nil, appErr.New(appErr.ManagerNotInitialized)
	}
	if len(m.instances) >= m.cfg.MaxInstances {
		limit := m.cfg.MaxInstances
		m.mu.Unlock()
		return nil, appErr.Newf(appErr.InstanceLimitReached, "instance limit %d reached", limit)
	}
	mon := monitor.New(monitor.Limits{
		MaxMemoryBytes: p.MaxMemoryBytes,
		MaxFileHandles: p.MaxFileHandles,
		MaxOutputBytes: p.MaxOutputBytes,
	})
	inst := &Instance{
		id:          uuid.NewString(),
		createdAt:   time.Now(),
		pol:         p,
		rt:          m.cfg.Runtime,
		maxCode:     m.cfg.MaxCodeBytes,
		mon:         mon,
		image:       memory.NewImage(mon),
		vfs:         runtime.NewVFS(mon),
		interceptor: security.NewInterceptor(p),
		log:         event.NewLog(),
		sink:        m.cfg.EventSink,
		release:     m.deregister,
		state:       StateReady,
	}
	m.instances[inst.id] = inst
	m.mu.Unlock()

	logger.Info(ctx, "sandbox instance created",
		zap.String("instance_id", inst.id),
		zap.String("syscall_policy", string(p.SyscallPolicy)),
		zap.Int64("max_memory_bytes", p.MaxMemoryBytes),
		zap.Int64("max_cpu_time_ms", p.MaxCPUTimeMS))
	return inst, nil
}

// Instance looks up a registered instance by id.
func (m *Manager) Instance(id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, appErr.New(appErr.ManagerNotInitialized)
	}
	inst, ok := m.instances[id]
	if !ok {
		return nil, appErr.Newf(appErr.InstanceNotFound, "instance %s not found", id)
	}
	return inst, nil
}

// ListInstances returns the registered instance ids in sorted order.
// Terminated instances have left the registry.
func (m *Manager) ListInstances() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, appErr.New(appErr.ManagerNotInitialized)
	}
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// AllInstancesStatus reports the state of every registered instance.
func (m *Manager) AllInstancesStatus() (map[string]State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, appErr.New(appErr.ManagerNotInitialized)
	}
	out := make(map[string]State, len(m.instances))
	for id, inst := range m.instances {
		out[id] = inst.State()
	}
	return out, nil
}

// TerminateAll destroys every registered instance. Idempotent: an empty
// registry is a no-op.
func (m *Manager) TerminateAll(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	m.mu.RLock()
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.RUnlock()

	for _, inst := range insts {
		if err := inst.Terminate(); err != nil && !appErr.Is(err, appErr.InstanceTerminated) {
			return err
		}
	}
	if len(insts) > 0 {
		logger.Info(ctx, "terminated all sandbox instances", zap.Int("count", len(insts)))
	}
	return nil
}

// Cleanup tears the manager down: every instance is terminated and all
// further operations fail with the "not initialized" error. Calling
// Cleanup on a torn-down manager is a no-op.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = false
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.instances = make(map[string]*Instance)
	m.mu.Unlock()

	for _, inst := range insts {
		if err := inst.Terminate(); err != nil && !appErr.Is(err, appErr.InstanceTerminated) {
			logger.Warn(ctx, "terminate during cleanup failed",
				zap.String("instance_id", inst.ID()), zap.Error(err))
		}
	}
	logger.Info(ctx, "sandbox manager cleaned up", zap.Int("instances", len(insts)))
	return nil
}

func (m *Manager) guard() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return appErr.New(appErr.ManagerNotInitialized)
	}
	return nil
}

func (m *Manager) deregister(id string) {
	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()
}
