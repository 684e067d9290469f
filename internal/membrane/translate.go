package membrane

import (
	"weak"

	"github.com/dop251/goja"
)

// Wrap translates a host value for guest consumption. Primitives pass
// through unchanged. Objects resolve through the identity tables so that
// wrapping is referentially stable; host objects whose constructor has a
// registered constructor-proxy are lazily materialized into the weak
// table. Everything else crosses the boundary unprotected: instances of
// denylisted container/buffer types are a deliberate, documented escape
// hatch.
func (m *Membrane) Wrap(v goja.Value) goja.Value {
	if v == nil {
		return goja.Undefined()
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v
	}
	if p, ok := m.lookupProxy(obj); ok {
		return p
	}
	if m.terminated.Load() {
		return goja.Undefined()
	}
	// Host-side object created outside the constructor wrapper, but of a
	// known proxied type: bind it lazily.
	if ctorObj, ok := obj.Get("constructor").(*goja.Object); ok {
		if rec := m.ctorRecordFor(ctorObj); rec != nil {
			if p, err := m.bindInstance(rec, obj); err == nil {
				return p
			}
		}
	}
	if fn, callable := isCallable(obj); callable {
		name := funcName(fn)
		if name == "" {
			name = "anonymous"
		}
		reg := &registration{pol: newPolicy(nil), objRet: retentionWeak, chainRet: retentionWeak}
		w := m.callWrapper(nil, name, name, fn, reg)
		wObj := w.ToObject(m.vm)
		m.register(fn, wObj, retentionWeak)
		return wObj
	}
	return v
}

// Unwrap translates a guest value back to its host representation. A proxy
// resolves to its target through the reverse identity tables — the only
// reader of the proxy→target back-link, and unreachable from guest code by
// construction. A guest function becomes a host-side trampoline so that
// host-invoked callbacks still enforce the membrane symmetrically.
// Everything else passes through unchanged.
func (m *Membrane) Unwrap(v goja.Value) goja.Value {
	if v == nil {
		return goja.Undefined()
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v
	}
	if t, ok := m.lookupTarget(obj); ok {
		return t
	}
	if _, callable := isCallable(obj); callable {
		return m.trampolineFor(obj)
	}
	return v
}

func (m *Membrane) unwrapAll(vals []goja.Value) []goja.Value {
	out := make([]goja.Value, len(vals))
	for i, v := range vals {
		out[i] = m.Unwrap(v)
	}
	return out
}

// trampolineFor returns the host-side stand-in for a guest function. The
// trampoline wraps incoming host values, invokes the guest function, and
// unwraps its result. It checks the terminated flag before firing and
// silently drops the invocation after termination (deferred callbacks must
// never run guest code once the sandbox is torn down), and it routes guest
// faults to the error observer channel instead of rethrowing them into the
// host call stack.
func (m *Membrane) trampolineFor(fn *goja.Object) goja.Value {
	m.mu.RLock()
	t, ok := m.tramps[fn]
	m.mu.RUnlock()
	if ok {
		return t
	}

	guest, _ := goja.AssertFunction(fn)
	t = m.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if m.terminated.Load() {
			return goja.Undefined()
		}
		this := m.Wrap(call.This)
		args := make([]goja.Value, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = m.Wrap(a)
		}
		res, err := guest(this, args...)
		if err != nil {
			m.ReportError(err)
			return goja.Undefined()
		}
		return m.Unwrap(res)
	})

	m.mu.Lock()
	m.tramps[fn] = t
	m.mu.Unlock()
	return t
}

// callWrapper builds the guarded call path for a host function. container
// is the host object the function was found on (nil for free-standing
// functions); the wrapper unwraps the receiver and arguments, consults the
// call interceptor after the policy check, invokes the host function, and
// wraps the result.
func (m *Membrane) callWrapper(container *goja.Object, name, qualified string, fn *goja.Object, reg *registration) goja.Value {
	host, _ := goja.AssertFunction(fn)
	return m.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		m.mustActive()
		m.checkPolicy(reg.pol, qualified, name)
		if reg.opts != nil && reg.opts.OnCall != nil {
			if v, handled := reg.opts.OnCall(name, fn, call.Arguments, container); handled {
				return m.Wrap(v)
			}
		}
		this := m.Unwrap(call.This)
		res, err := host(this, m.unwrapAll(call.Arguments)...)
		if err != nil {
			m.throw(err)
		}
		return m.Wrap(res)
	})
}

// ctorRecordFor resolves the constructor record for a host constructor, if
// one was materialized.
func (m *Membrane) ctorRecordFor(ctor *goja.Object) *ctorRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.ctors[weak.Make(ctor)]
	if !ok {
		return nil
	}
	return rec
}
