package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/enclavekit/enclave/internal/membrane"
	"github.com/enclavekit/enclave/internal/shared/id"
)

// Sandbox owns one guest scripting context: a goja runtime, the membrane
// separating it from host objects, console capture and the timer shim.
// Execution turns are serialized; a sandbox never runs guest code on two
// goroutines at once.
type Sandbox struct {
	id  id.SandboxID
	cfg Config
	log *zap.Logger

	vm  *goja.Runtime
	mem *membrane.Membrane

	execMu sync.Mutex

	consoleMu  sync.Mutex
	console    []LogEntry
	subs       map[int64]chan LogEntry
	subSeq     int64
	subsClosed bool

	timers *timerSet

	errs chan error

	termOnce sync.Once
}

// Option configures a sandbox at creation.
type Option func(*Sandbox)

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Sandbox) { s.log = log }
}

// WithRecorder attaches a metrics recorder to the membrane.
func WithRecorder(rec membrane.Recorder) Option {
	return func(s *Sandbox) { s.mem.WithRecorder(rec) }
}

// New creates a sandboxed runtime with a fresh membrane.
func New(cfg Config, opts ...Option) (*Sandbox, error) {
	vm := goja.New()
	if cfg.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(cfg.MaxCallStackSize)
	}

	mem, err := membrane.New(vm)
	if err != nil {
		return nil, err
	}

	s := &Sandbox{
		id:     id.NewSandboxID(),
		cfg:    cfg,
		vm:     vm,
		mem:    mem,
		subs:   make(map[int64]chan LogEntry),
		timers: newTimerSet(),
		errs:   make(chan error, 16),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log != nil {
		s.mem.WithLogger(s.log)
	}

	s.mem.OnError(func(err error) {
		select {
		case s.errs <- err:
		default:
		}
		if s.log != nil {
			s.log.Warn("uncaught guest error",
				zap.String("sandbox_id", s.id.String()),
				zap.Error(err))
		}
	})

	if err := s.setupGlobals(); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the sandbox identifier.
func (s *Sandbox) ID() id.SandboxID { return s.id }

// Membrane returns the membrane guarding this sandbox.
func (s *Sandbox) Membrane() *membrane.Membrane { return s.mem }

// Runtime returns the underlying goja runtime. Host-side use only.
func (s *Sandbox) Runtime() *goja.Runtime { return s.vm }

// Errors is the uncaught-error channel: guest faults from host-initiated
// callbacks and timer callbacks end up here instead of host call stacks.
func (s *Sandbox) Errors() <-chan error { return s.errs }

// Expose registers a host object through the membrane with strong
// retention and binds the resulting proxy as a guest global.
func (s *Sandbox) Expose(name string, target goja.Value, opts *membrane.Options) (*goja.Object, error) {
	p, err := s.mem.Add(target, opts)
	if err != nil {
		return nil, err
	}
	if err := s.vm.Set(name, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Execute runs one execution turn: the script body, then any timer
// callbacks it scheduled, all under the configured timeout and the
// caller's context.
func (s *Sandbox) Execute(ctx context.Context, script string) (*Result, error) {
	if s.mem.Terminated() {
		return nil, ErrSandboxTerminated
	}
	if !s.execMu.TryLock() {
		return nil, ErrExecutionBusy
	}
	defer s.execMu.Unlock()

	start := time.Now()
	s.resetConsole()

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	val, err := s.vm.RunString(script)
	var fired int
	if err == nil {
		fired, err = s.drainTimers(ctx)
	}
	close(done)
	s.vm.ClearInterrupt()

	res := &Result{
		Duration: time.Since(start),
		Console:  s.snapshotConsole(),
		Timers:   fired,
	}
	if err != nil {
		if s.mem.Terminated() {
			return res, ErrSandboxTerminated
		}
		return res, err
	}
	res.Value = exportValue(val)
	return res, nil
}

// Terminate tears the sandbox down: outstanding timers are bulk-stopped,
// any running execution turn is interrupted, and the membrane terminates
// exactly once. Absorbing; later calls are no-ops.
func (s *Sandbox) Terminate() {
	s.termOnce.Do(func() {
		s.timers.stopAll()
		s.vm.Interrupt(ErrSandboxTerminated)
		s.mem.Terminate()
		s.closeSubscribers()
		if s.log != nil {
			s.log.Info("sandbox terminated", zap.String("sandbox_id", s.id.String()))
		}
	})
}

// Terminated reports whether Terminate has run.
func (s *Sandbox) Terminated() bool { return s.mem.Terminated() }

// Subscribe registers a console listener. Entries captured during any
// later execution are fanned out to the returned channel; slow listeners
// drop entries rather than stall execution. The cancel function
// unsubscribes and closes the channel. Termination closes every
// subscription; subscribing to a terminated sandbox yields an
// already-closed channel.
func (s *Sandbox) Subscribe() (<-chan LogEntry, func()) {
	ch := make(chan LogEntry, 64)
	s.consoleMu.Lock()
	if s.subsClosed {
		s.consoleMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subSeq++
	key := s.subSeq
	s.subs[key] = ch
	s.consoleMu.Unlock()

	cancel := func() {
		s.consoleMu.Lock()
		if _, ok := s.subs[key]; ok {
			delete(s.subs, key)
			close(ch)
		}
		s.consoleMu.Unlock()
	}
	return ch, cancel
}

func (s *Sandbox) closeSubscribers() {
	s.consoleMu.Lock()
	s.subsClosed = true
	for key, ch := range s.subs {
		delete(s.subs, key)
		close(ch)
	}
	s.consoleMu.Unlock()
}

func (s *Sandbox) setupGlobals() error {
	// Node-flavored globals are absent until the loader installs its own.
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := s.vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	if s.cfg.EnableConsole {
		console := s.vm.NewObject()
		for _, level := range []string{"log", "info", "warn", "error"} {
			if err := console.Set(level, s.makeConsoleFunc(level)); err != nil {
				return err
			}
		}
		if err := s.vm.Set("console", console); err != nil {
			return err
		}
	}

	return s.timers.install(s)
}

func (s *Sandbox) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var msg string
		for i, arg := range call.Arguments {
			if i > 0 {
				msg += " "
			}
			msg += arg.String()
		}
		entry := LogEntry{Level: level, Message: msg, Time: time.Now()}

		s.consoleMu.Lock()
		if s.cfg.ConsoleBuffer <= 0 || len(s.console) < s.cfg.ConsoleBuffer {
			s.console = append(s.console, entry)
		}
		for _, ch := range s.subs {
			select {
			case ch <- entry:
			default:
			}
		}
		s.consoleMu.Unlock()

		return goja.Undefined()
	}
}

func (s *Sandbox) resetConsole() {
	s.consoleMu.Lock()
	s.console = s.console[:0]
	s.consoleMu.Unlock()
}

func (s *Sandbox) snapshotConsole() []LogEntry {
	s.consoleMu.Lock()
	defer s.consoleMu.Unlock()
	return append([]LogEntry{}, s.console...)
}

func exportValue(val goja.Value) any {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	return val.Export()
}
