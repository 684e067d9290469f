package membrane

import (
	"errors"
	"runtime"
	"weak"

	"github.com/dop251/goja"
)

var errStaleConstructor = errors.New("constructor proxy collected")

// ctorRecord remembers a materialized constructor so that host objects of
// its type can be bound lazily when they first cross the boundary. The
// record holds only weak pointers; when the constructor chain was retained
// strongly the identity table keeps it alive, and when it was retained
// weakly the record must not resurrect it.
type ctorRecord struct {
	name string
	host weak.Pointer[goja.Object] // host constructor function
	fn   weak.Pointer[goja.Object] // constructor proxy
	reg  *registration
}

// materializeConstructor builds the constructor proxy for a host
// constructor function: a native constructor whose auto-created prototype
// object carries the guarded instance surface ("Name#" members) and whose
// function object carries the guarded statics ("Name." members). The
// prototype chain above the instance surface is mirrored recursively,
// stopping at do-not-proxy roots.
func (m *Membrane) materializeConstructor(hostCtor *goja.Object, name, qualified string, reg *registration, ret retention) (*goja.Object, error) {
	if p, ok := m.lookupProxy(hostCtor); ok {
		return p, nil
	}
	if name == "" {
		name = funcName(hostCtor)
	}
	if name == "" {
		name = reg.opts.name()
	}
	if qualified == "" {
		qualified = name
	}
	if _, deny := dontProxy[name]; deny {
		return nil, &UnproxyableTypeError{Kind: name}
	}

	ctorV := m.vm.ToValue(func(call goja.ConstructorCall) *goja.Object {
		m.mustActive()
		m.checkPolicy(reg.pol, qualified, name)
		if reg.opts != nil && reg.opts.OnNew != nil {
			if v, handled := reg.opts.OnNew(name, hostCtor, call.Arguments); handled {
				if o, ok := m.Wrap(v).(*goja.Object); ok {
					return o
				}
				return call.This
			}
		}
		inst, err := m.vm.New(hostCtor, m.unwrapAll(call.Arguments)...)
		if err != nil {
			m.throw(err)
		}
		// Guest-created instances are always ephemeral: the pair lives
		// exactly as long as the guest keeps the receiver reachable.
		if err := m.bindInto(inst, call.This, name, reg); err != nil {
			m.throw(err)
		}
		return call.This
	})
	ctorObj := ctorV.ToObject(m.vm)
	m.register(hostCtor, ctorObj, ret)
	m.putCtorRecord(hostCtor, ctorObj, &ctorRecord{name: name, reg: reg})

	if err := m.fillMembers(hostCtor, ctorObj, name+".", reg); err != nil {
		return nil, err
	}

	hostProto, _ := hostCtor.Get("prototype").(*goja.Object)
	proxyProto, _ := ctorObj.Get("prototype").(*goja.Object)
	if hostProto != nil && proxyProto != nil {
		if _, seen := m.lookupProxy(hostProto); !seen {
			m.register(hostProto, proxyProto, ret)
			if err := m.fillMembers(hostProto, proxyProto, name+"#", reg); err != nil {
				return nil, err
			}
			if err := m.mirrorPrototype(hostProto, proxyProto, reg); err != nil {
				return nil, err
			}
		}
	}
	return ctorObj, nil
}

// bindInto pairs a freshly constructed host instance with its guest-side
// receiver. Registration precedes member fill so self-referential instances
// resolve to the receiver during materialization.
func (m *Membrane) bindInto(inst, recv *goja.Object, name string, reg *registration) error {
	m.register(inst, recv, retentionWeak)
	return m.fillMembers(inst, recv, name+"#", reg)
}

// bindInstance materializes a host object of a known constructor type that
// was created host-side and is now crossing the boundary for the first
// time. The receiver is created on the constructor proxy's prototype so
// instanceof and inherited methods behave exactly as for guest-constructed
// instances.
func (m *Membrane) bindInstance(rec *ctorRecord, inst *goja.Object) (*goja.Object, error) {
	ctorObj := rec.fn.Value()
	if ctorObj == nil {
		return nil, errStaleConstructor
	}
	proxyProto, _ := ctorObj.Get("prototype").(*goja.Object)
	recv := m.vm.CreateObject(proxyProto)
	if err := m.bindInto(inst, recv, rec.name, rec.reg); err != nil {
		return nil, err
	}
	return recv, nil
}

func (m *Membrane) putCtorRecord(hostCtor, ctorObj *goja.Object, rec *ctorRecord) {
	rec.host = weak.Make(hostCtor)
	rec.fn = weak.Make(ctorObj)
	key := rec.host
	m.mu.Lock()
	m.ctors[key] = rec
	m.mu.Unlock()
	runtime.AddCleanup(hostCtor, func(k weak.Pointer[goja.Object]) {
		m.mu.Lock()
		delete(m.ctors, k)
		m.mu.Unlock()
	}, key)
}
