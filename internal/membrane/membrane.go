package membrane

import (
	"sync"
	"sync/atomic"
	"weak"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// Recorder receives membrane lifecycle events. Implemented by the
// monitoring package; the membrane itself has no metrics dependency.
type Recorder interface {
	ProxyCreated(retention string)
	AccessDenied(member string)
	MembraneTerminated()
}

// Membrane is the proxy registry separating a host-built object graph from
// guest script running in the same goja runtime. Guest code only ever sees
// proxies materialized by the membrane; every value crossing the boundary
// passes through Wrap/Unwrap.
//
// A membrane is owned by a single logical guest execution thread. Distinct
// membranes are fully independent; the internal locking only protects
// against observer registration and termination racing an execution turn.
type Membrane struct {
	vm *goja.Runtime
	in *intrinsics

	log *zap.Logger
	rec Recorder

	mu     sync.RWMutex
	strong *strongTable
	weak   *weakTable
	ctors  map[weak.Pointer[goja.Object]]*ctorRecord
	tramps map[*goja.Object]goja.Value

	terminated atomic.Bool

	obsMu         sync.Mutex
	termObservers []func()
	errObservers  []func(error)
}

// New creates a membrane over the given runtime. The canonical Object.*
// introspection intrinsics are captured here, before any guest code has a
// chance to tamper with them.
func New(vm *goja.Runtime) (*Membrane, error) {
	in, err := captureIntrinsics(vm)
	if err != nil {
		return nil, err
	}
	return &Membrane{
		vm:     vm,
		in:     in,
		strong: newStrongTable(),
		weak:   newWeakTable(),
		ctors:  make(map[weak.Pointer[goja.Object]]*ctorRecord),
		tramps: make(map[*goja.Object]goja.Value),
	}, nil
}

// WithLogger attaches a logger for lifecycle events.
func (m *Membrane) WithLogger(log *zap.Logger) *Membrane {
	m.log = log
	return m
}

// WithRecorder attaches a metrics recorder.
func (m *Membrane) WithRecorder(rec Recorder) *Membrane {
	m.rec = rec
	return m
}

// Runtime returns the underlying goja runtime.
func (m *Membrane) Runtime() *goja.Runtime { return m.vm }

// Add registers target with strong retention: the proxy and its target
// live at least as long as the membrane. Used for globals, builtins and
// other shared objects. Idempotent by target identity.
func (m *Membrane) Add(target goja.Value, opts *Options) (*goja.Object, error) {
	return m.create(target, opts, retentionStrong, retentionStrong)
}

// Proxy registers target with weak retention: the entry disappears once
// the host object is otherwise unreachable. Transitively discovered
// constructor and prototype chains are still retained strongly.
func (m *Membrane) Proxy(target goja.Value, opts *Options) (*goja.Object, error) {
	return m.create(target, opts, retentionWeak, retentionStrong)
}

// WeakProxy registers target weakly and additionally forces any
// transitively discovered prototype/constructor chain to be weakly
// retained, for use when even the type metadata must not outlive garbage
// collection.
func (m *Membrane) WeakProxy(target goja.Value, opts *Options) (*goja.Object, error) {
	return m.create(target, opts, retentionWeak, retentionWeak)
}

// GetProxy is a pure lookup: it never creates a proxy. The strong table is
// consulted before the weak one. After termination it reports absence.
func (m *Membrane) GetProxy(target goja.Value) (*goja.Object, bool) {
	obj, ok := target.(*goja.Object)
	if !ok || m.terminated.Load() {
		return nil, false
	}
	return m.lookupProxy(obj)
}

// IsWeaklyProxied reports whether target is present in the weak table
// only.
func (m *Membrane) IsWeaklyProxied(target goja.Value) bool {
	obj, ok := target.(*goja.Object)
	if !ok || m.terminated.Load() {
		return false
	}
	m.mu.RLock()
	strong, weakTab := m.strong, m.weak
	m.mu.RUnlock()
	if _, ok := strong.lookup(obj); ok {
		return false
	}
	_, ok = weakTab.lookup(obj)
	return ok
}

// Terminate invalidates every wrapper and releases all strong references
// in one step. The transition is idempotent and absorbing: a second call
// is a no-op, and every subsequent membrane operation observes the
// terminated state before touching policy, translation or interceptor
// code. Proxies the guest still holds become inert; accessing them throws.
func (m *Membrane) Terminate() {
	if !m.terminated.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	m.strong.clear()
	m.weak = newWeakTable()
	m.ctors = make(map[weak.Pointer[goja.Object]]*ctorRecord)
	m.tramps = make(map[*goja.Object]goja.Value)
	m.mu.Unlock()

	if m.rec != nil {
		m.rec.MembraneTerminated()
	}
	if m.log != nil {
		m.log.Info("membrane terminated")
	}
	m.obsMu.Lock()
	observers := make([]func(), len(m.termObservers))
	copy(observers, m.termObservers)
	m.obsMu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

// Terminated reports whether Terminate has been called.
func (m *Membrane) Terminated() bool { return m.terminated.Load() }

// OnTerminate registers an observer notified once, after the membrane
// transitions to the terminated state.
func (m *Membrane) OnTerminate(fn func()) {
	m.obsMu.Lock()
	m.termObservers = append(m.termObservers, fn)
	m.obsMu.Unlock()
}

// OnError registers an observer for unhandled failures propagating out of
// guest code during host-initiated callbacks. Such failures are routed
// here instead of being rethrown into host call stacks.
func (m *Membrane) OnError(fn func(error)) {
	m.obsMu.Lock()
	m.errObservers = append(m.errObservers, fn)
	m.obsMu.Unlock()
}

// ReportError delivers an unhandled guest failure to the error observers.
func (m *Membrane) ReportError(err error) {
	m.obsMu.Lock()
	observers := make([]func(error), len(m.errObservers))
	copy(observers, m.errObservers)
	m.obsMu.Unlock()
	if len(observers) == 0 {
		if m.log != nil {
			m.log.Warn("unobserved guest error", zap.Error(err))
		}
		return
	}
	for _, fn := range observers {
		fn(err)
	}
}

// create is the common entry of Add/Proxy/WeakProxy. Retention class is
// decided once, at first creation: a second registration of the same host
// object returns the existing proxy with its original class unchanged.
func (m *Membrane) create(target goja.Value, opts *Options, objRet, chainRet retention) (*goja.Object, error) {
	if m.terminated.Load() {
		return nil, ErrTerminated
	}
	obj, ok := target.(*goja.Object)
	if !ok {
		return nil, &UnproxyableTypeError{Kind: kindOf(target)}
	}
	if p, ok := m.lookupProxy(obj); ok {
		return p, nil
	}
	reg := &registration{
		opts:     opts,
		pol:      newPolicy(opts),
		objRet:   objRet,
		chainRet: chainRet,
	}
	if fn, callable := isCallable(obj); callable {
		return m.registerFunction(fn, reg)
	}
	if cls := obj.ClassName(); cls != "Object" {
		return nil, &UnproxyableTypeError{Kind: cls}
	}
	return m.materializeObject(obj, "", reg, objRet)
}

// registerFunction routes a bare function registration according to its
// declared (or inferred) translation direction.
func (m *Membrane) registerFunction(fn *goja.Object, reg *registration) (*goja.Object, error) {
	name := reg.opts.name()
	if name == "" {
		name = funcName(fn)
	}
	ft := reg.opts.functionType()
	if ft == FuncAuto && isCapitalized(name) {
		ft = FuncCtor
	}
	switch ft {
	case FuncCtor:
		return m.materializeConstructor(fn, name, name, reg, reg.objRet)
	case FuncIn:
		t := m.trampolineFor(fn)
		tObj := t.ToObject(m.vm)
		m.register(fn, tObj, reg.objRet)
		return tObj, nil
	default:
		if name == "" {
			name = "anonymous"
		}
		w := m.callWrapper(nil, name, name, fn, reg)
		wObj := w.ToObject(m.vm)
		m.register(fn, wObj, reg.objRet)
		return wObj, nil
	}
}

// registration carries the per-call configuration through recursive
// materialization.
type registration struct {
	opts *Options
	pol  *policy

	objRet   retention
	chainRet retention
}

func (m *Membrane) register(target, proxy *goja.Object, ret retention) {
	m.mu.RLock()
	strong, weakTab := m.strong, m.weak
	m.mu.RUnlock()
	if ret == retentionStrong {
		strong.put(target, proxy)
	} else {
		weakTab.put(target, proxy)
	}
	if m.rec != nil {
		m.rec.ProxyCreated(ret.String())
	}
}

func (m *Membrane) lookupProxy(target *goja.Object) (*goja.Object, bool) {
	m.mu.RLock()
	strong, weakTab := m.strong, m.weak
	m.mu.RUnlock()
	if p, ok := strong.lookup(target); ok {
		return p, true
	}
	return weakTab.lookup(target)
}

func (m *Membrane) lookupTarget(proxy *goja.Object) (*goja.Object, bool) {
	m.mu.RLock()
	strong, weakTab := m.strong, m.weak
	m.mu.RUnlock()
	if t, ok := strong.reverse(proxy); ok {
		return t, true
	}
	return weakTab.reverse(proxy)
}

// mustActive aborts the current guest operation when the membrane has been
// terminated. It runs before any policy, interceptor or translation logic
// on every materialized code path.
func (m *Membrane) mustActive() {
	if m.terminated.Load() {
		panic(m.vm.NewGoError(ErrTerminated))
	}
}

// checkPolicy enforces a policy decision at access time, throwing into the
// guest on denial.
func (m *Membrane) checkPolicy(pol *policy, names ...string) {
	if !pol.denied(names...) {
		return
	}
	m.denyAccess(names[0])
}

func (m *Membrane) denyAccess(member string) {
	if m.rec != nil {
		m.rec.AccessDenied(member)
	}
	panic(m.vm.NewGoError(&AccessDeniedError{Member: member}))
}

// throw rethrows an error produced by a host call back into the guest.
func (m *Membrane) throw(err error) {
	if ex, ok := err.(*goja.Exception); ok {
		panic(ex)
	}
	panic(m.vm.NewGoError(err))
}

func kindOf(v goja.Value) string {
	switch {
	case v == nil:
		return "nil"
	case goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	default:
		return v.ExportType().String()
	}
}
