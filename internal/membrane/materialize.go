package membrane

import (
	"github.com/dop251/goja"
)

// materializeObject builds the member-wise proxy for a host object. The
// target is registered in the identity table before any member is visited,
// so a cyclic host graph (a.b === a) resolves to the same proxy instead of
// recursing forever. prefix qualifies member names for policy matching
// ("" for plain objects, "Name#" for instance surfaces).
func (m *Membrane) materializeObject(host *goja.Object, prefix string, reg *registration, ret retention) (*goja.Object, error) {
	if p, ok := m.lookupProxy(host); ok {
		return p, nil
	}
	proxy := m.vm.NewObject()
	m.register(host, proxy, ret)
	if err := m.fillMembers(host, proxy, prefix, reg); err != nil {
		return nil, err
	}
	if err := m.mirrorPrototype(host, proxy, reg); err != nil {
		return nil, err
	}
	if reg.opts != nil && reg.opts.Freeze {
		if _, err := m.in.freeze(goja.Undefined(), proxy); err != nil {
			return nil, err
		}
	}
	return proxy, nil
}

// fillMembers synthesizes one guarded member on proxy per own property of
// host, skipping prototype-link aliases and, on functions, the function
// bookkeeping slots.
func (m *Membrane) fillMembers(host, proxy *goja.Object, prefix string, reg *registration) error {
	names, err := m.in.names(host)
	if err != nil {
		return err
	}
	_, hostIsFunc := goja.AssertFunction(host)
	for _, name := range names {
		if _, skip := objKeywords[name]; skip {
			continue
		}
		if hostIsFunc {
			if _, skip := funcKeywords[name]; skip {
				continue
			}
		}
		desc, err := m.in.describe(host, name)
		if err != nil {
			return err
		}
		if desc == nil {
			continue
		}
		if err := m.installMember(host, proxy, name, prefix, desc, reg); err != nil {
			return err
		}
	}
	return nil
}

// installMember classifies a single member by its canonical descriptor and
// installs the matching wrapper shape.
func (m *Membrane) installMember(host, proxy *goja.Object, name, prefix string, desc *propDesc, reg *registration) error {
	qualified := prefix + name

	if desc.accessor {
		return m.installAccessor(host, proxy, name, qualified, desc, reg)
	}
	if fnObj, callable := isCallable(desc.value); callable && isCapitalized(name) {
		// Nested constructor: installed as a plain value, not an
		// accessor, so instanceof works without call overhead.
		cp, err := m.materializeConstructor(fnObj, name, qualified, reg, reg.chainRet)
		if err != nil {
			return err
		}
		return proxy.DefineDataProperty(name, cp, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	}
	if desc.writable {
		return m.installDynamic(host, proxy, name, qualified, reg)
	}
	if fnObj, callable := isCallable(desc.value); callable {
		return m.installMethod(host, proxy, name, qualified, fnObj, reg)
	}
	return m.installGetter(host, proxy, name, qualified, reg)
}

// installAccessor mirrors a host accessor pair; each side independently
// applies termination, policy, interceptor and translation.
func (m *Membrane) installAccessor(host, proxy *goja.Object, name, qualified string, desc *propDesc, reg *registration) error {
	var getter, setter goja.Value

	if isDefined(desc.getter) {
		hostGet, _ := goja.AssertFunction(desc.getter)
		getter = m.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			m.mustActive()
			m.checkPolicy(reg.pol, qualified, name)
			if reg.opts != nil && reg.opts.OnGet != nil {
				if v, handled := reg.opts.OnGet(name, goja.Undefined(), host); handled {
					return m.Wrap(v)
				}
			}
			cur, err := hostGet(host)
			if err != nil {
				m.throw(err)
			}
			return m.Wrap(cur)
		})
	}
	if isDefined(desc.setter) {
		hostSet, _ := goja.AssertFunction(desc.setter)
		setter = m.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			m.mustActive()
			m.checkPolicy(reg.pol, qualified, name)
			if reg.pol.writeDenied(qualified, name) {
				m.denyAccess(qualified)
			}
			nv := call.Argument(0)
			if reg.opts != nil && reg.opts.OnSet != nil {
				if _, handled := reg.opts.OnSet(name, nv, host); handled {
					return goja.Undefined()
				}
			}
			if _, err := hostSet(host, m.Unwrap(nv)); err != nil {
				m.throw(err)
			}
			return goja.Undefined()
		})
	}
	return proxy.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

// installDynamic handles writable data properties. The effective shape is
// re-derived on every get because guest or host code may assign a function
// into a slot that previously held data; only the call wrapper is cached,
// keyed by the identity of the function it wraps, never the decision
// itself.
func (m *Membrane) installDynamic(host, proxy *goja.Object, name, qualified string, reg *registration) error {
	cache := make(map[*goja.Object]goja.Value)

	getter := m.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		m.mustActive()
		m.checkPolicy(reg.pol, qualified, name)
		cur := host.Get(name)
		if reg.opts != nil && reg.opts.OnGet != nil {
			if v, handled := reg.opts.OnGet(name, cur, host); handled {
				return m.Wrap(v)
			}
		}
		if fnObj, callable := isCallable(cur); callable {
			if w, ok := cache[fnObj]; ok {
				return w
			}
			w := m.callWrapper(host, name, qualified, fnObj, reg)
			cache[fnObj] = w
			return w
		}
		return m.Wrap(cur)
	})

	setter := m.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		m.mustActive()
		m.checkPolicy(reg.pol, qualified, name)
		if reg.pol.writeDenied(qualified, name) {
			m.denyAccess(qualified)
		}
		if _, callable := isCallable(host.Get(name)); callable {
			// Replacing a method via assignment would bypass membrane
			// re-wrapping.
			m.denyAccess(qualified)
		}
		nv := call.Argument(0)
		if reg.opts != nil && reg.opts.OnSet != nil {
			if _, handled := reg.opts.OnSet(name, nv, host); handled {
				return goja.Undefined()
			}
		}
		if recv, ok := call.This.(*goja.Object); ok && recv != proxy {
			// Assignment reached this setter through prototype
			// delegation: shadow with an own property on the receiver
			// instead of mutating the shared slot.
			if err := recv.DefineDataProperty(name, nv, goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
				m.throw(err)
			}
			return goja.Undefined()
		}
		if err := host.Set(name, m.Unwrap(nv)); err != nil {
			m.throw(err)
		}
		return goja.Undefined()
	})

	return proxy.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

// installMethod handles non-writable function-valued members: the call
// wrapper is fixed at materialization time, behind a getter that still
// applies termination and policy per access.
func (m *Membrane) installMethod(host, proxy *goja.Object, name, qualified string, fn *goja.Object, reg *registration) error {
	w := m.callWrapper(host, name, qualified, fn, reg)
	getter := m.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		m.mustActive()
		m.checkPolicy(reg.pol, qualified, name)
		return w
	})
	return proxy.DefineAccessorProperty(name, getter, nil, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

// installGetter handles immutable data members: guarded read, no setter.
func (m *Membrane) installGetter(host, proxy *goja.Object, name, qualified string, reg *registration) error {
	getter := m.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		m.mustActive()
		m.checkPolicy(reg.pol, qualified, name)
		cur := host.Get(name)
		if reg.opts != nil && reg.opts.OnGet != nil {
			if v, handled := reg.opts.OnGet(name, cur, host); handled {
				return m.Wrap(v)
			}
		}
		return m.Wrap(cur)
	})
	return proxy.DefineAccessorProperty(name, getter, nil, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

// mirrorPrototype continues the parallel prototype chain above a proxy.
// The decision is driven by the host prototype's constructor slot:
//
//  1. the constructor is a do-not-proxy root: the chain stops and the
//     proxy keeps its plain base prototype with no further delegation;
//  2. the host prototype is the constructor's canonical .prototype slot:
//     the constructor-proxy's prototype is reused (materializeConstructor
//     filled it member-wise, continuing upward when the prototype is
//     itself a live instance with a chain of its own);
//  3. the prototype link was mutated independently of its constructor: a
//     free-standing named proxy is built and the constructor link is
//     re-attached to the constructor-proxy.
func (m *Membrane) mirrorPrototype(host, proxy *goja.Object, reg *registration) error {
	hostProto := host.Prototype()
	if hostProto == nil {
		return nil
	}
	ctorObj, ok := hostProto.Get("constructor").(*goja.Object)
	if !ok {
		return nil
	}
	if _, callable := goja.AssertFunction(ctorObj); !callable {
		return nil
	}
	cname := funcName(ctorObj)
	if _, stop := dontProxy[cname]; stop {
		return nil
	}

	cp, err := m.materializeConstructor(ctorObj, cname, cname, reg, reg.chainRet)
	if err != nil {
		return err
	}
	canonical, _ := ctorObj.Get("prototype").(*goja.Object)
	if canonical != nil && hostProto == canonical {
		if p, ok := cp.Get("prototype").(*goja.Object); ok {
			return proxy.SetPrototype(p)
		}
		return nil
	}

	pp, err := m.materializeObject(hostProto, cname+"#", reg, reg.chainRet)
	if err != nil {
		return err
	}
	if err := pp.DefineDataProperty("constructor", cp, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
		return err
	}
	return proxy.SetPrototype(pp)
}
