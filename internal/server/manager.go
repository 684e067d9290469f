package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/enclavekit/enclave/internal/infrastructure/config"
	"github.com/enclavekit/enclave/internal/infrastructure/monitoring"
	"github.com/enclavekit/enclave/internal/loader"
	"github.com/enclavekit/enclave/internal/membrane"
	"github.com/enclavekit/enclave/internal/sandbox"
	"github.com/enclavekit/enclave/internal/shared/id"
)

// ErrSandboxNotFound is returned for unknown sandbox IDs.
var ErrSandboxNotFound = errors.New("sandbox not found")

type sandboxRecord struct {
	sb      *sandbox.Sandbox
	inst    *loader.Instance
	created time.Time
}

// Manager owns the live sandboxes of one server instance.
type Manager struct {
	cfg     *config.Config
	ldr     *loader.Loader
	metrics *monitoring.Metrics
	log     *zap.Logger

	mu    sync.RWMutex
	boxes map[id.SandboxID]*sandboxRecord
}

// NewManager creates a sandbox manager.
func NewManager(cfg *config.Config, ldr *loader.Loader, metrics *monitoring.Metrics, log *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		ldr:     ldr,
		metrics: metrics,
		log:     log,
		boxes:   make(map[id.SandboxID]*sandboxRecord),
	}
}

// SandboxInfo is the API view of one sandbox.
type SandboxInfo struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Terminated bool      `json:"terminated"`
}

// Create builds a sandbox with the loader installed and registers it.
func (m *Manager) Create() (*SandboxInfo, error) {
	scfg := sandbox.Config{
		Timeout:          time.Duration(m.cfg.Sandbox.TimeoutMS) * time.Millisecond,
		EnableConsole:    true,
		MaxCallStackSize: m.cfg.Sandbox.MaxCallStackSize,
		ConsoleBuffer:    m.cfg.Sandbox.ConsoleBuffer,
	}
	var opts []sandbox.Option
	if m.log != nil {
		opts = append(opts, sandbox.WithLogger(m.log))
	}
	if m.metrics != nil {
		opts = append(opts, sandbox.WithRecorder(m.metrics))
	}

	sb, err := sandbox.New(scfg, opts...)
	if err != nil {
		return nil, err
	}
	inst, err := m.ldr.Install(sb)
	if err != nil {
		sb.Terminate()
		return nil, err
	}

	rec := &sandboxRecord{sb: sb, inst: inst, created: time.Now()}
	m.mu.Lock()
	m.boxes[sb.ID()] = rec
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.IncSandboxesTotal()
		m.metrics.SetSandboxesActive(m.active())
	}
	if m.log != nil {
		m.log.Info("sandbox created", zap.String("sandbox_id", sb.ID().String()))
	}
	return &SandboxInfo{ID: sb.ID().String(), CreatedAt: rec.created}, nil
}

func (m *Manager) get(sandboxID string) (*sandboxRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.boxes[id.SandboxID(sandboxID)]
	return rec, ok
}

// Execute runs a script on the named sandbox.
func (m *Manager) Execute(ctx context.Context, sandboxID, script string) (*sandbox.Result, error) {
	rec, ok := m.get(sandboxID)
	if !ok {
		return nil, ErrSandboxNotFound
	}
	start := time.Now()
	res, err := rec.sb.Execute(ctx, script)
	if m.metrics != nil {
		m.metrics.RecordExecution(executionStatus(err), time.Since(start))
	}
	return res, err
}

func executionStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case membrane.IsAccessDenied(err):
		return "denied"
	case errors.Is(err, sandbox.ErrSandboxTerminated):
		return "terminated"
	default:
		return "error"
	}
}

// Terminate tears a sandbox down; the record stays listed as terminated.
func (m *Manager) Terminate(sandboxID string) error {
	rec, ok := m.get(sandboxID)
	if !ok {
		return ErrSandboxNotFound
	}
	rec.sb.Terminate()
	if m.metrics != nil {
		m.metrics.SetSandboxesActive(m.active())
	}
	return nil
}

// Subscribe streams console entries of the named sandbox.
func (m *Manager) Subscribe(sandboxID string) (<-chan sandbox.LogEntry, func(), error) {
	rec, ok := m.get(sandboxID)
	if !ok {
		return nil, nil, ErrSandboxNotFound
	}
	ch, cancel := rec.sb.Subscribe()
	return ch, cancel, nil
}

// List returns every known sandbox in creation order.
func (m *Manager) List() []SandboxInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]SandboxInfo, 0, len(m.boxes))
	for sid, rec := range m.boxes {
		infos = append(infos, SandboxInfo{
			ID:         sid.String(),
			CreatedAt:  rec.created,
			Terminated: rec.sb.Terminated(),
		})
	}
	// ULIDs sort in creation order.
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Shutdown terminates every sandbox.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.boxes {
		rec.sb.Terminate()
	}
	if m.metrics != nil {
		m.metrics.SetSandboxesActive(0)
	}
}

func (m *Manager) active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.boxes {
		if !rec.sb.Terminated() {
			n++
		}
	}
	return n
}
