package membrane

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/dop251/goja"
)

// dontProxy is the process-wide set of base types excluded from proxying.
// Instances of these types cross the boundary unprotected; prototype-chain
// mirroring terminates when it reaches one of them. Loaded once, never
// mutated at runtime.
var dontProxy = map[string]struct{}{
	"Object":            {},
	"Array":             {},
	"Function":          {},
	"String":            {},
	"Number":            {},
	"Boolean":           {},
	"Date":              {},
	"RegExp":            {},
	"Error":             {},
	"TypeError":         {},
	"RangeError":        {},
	"SyntaxError":       {},
	"Map":               {},
	"Set":               {},
	"WeakMap":           {},
	"WeakSet":           {},
	"Promise":           {},
	"Symbol":            {},
	"Proxy":             {},
	"ArrayBuffer":       {},
	"SharedArrayBuffer": {},
	"DataView":          {},
	"Int8Array":         {},
	"Uint8Array":        {},
	"Uint8ClampedArray": {},
	"Int16Array":        {},
	"Uint16Array":       {},
	"Int32Array":        {},
	"Uint32Array":       {},
	"Float32Array":      {},
	"Float64Array":      {},
	"BigInt64Array":     {},
	"BigUint64Array":    {},
}

// funcKeywords are function bookkeeping members never materialized on
// constructor proxies or call wrappers.
var funcKeywords = map[string]struct{}{
	"prototype": {},
	"length":    {},
	"name":      {},
	"caller":    {},
	"callee":    {},
	"arguments": {},
}

// objKeywords are prototype-link aliases and internal slots never
// materialized on object proxies.
var objKeywords = map[string]struct{}{
	"constructor": {},
	"__proto__":   {},
}

// intrinsics holds the canonical Object.* introspection primitives,
// resolved once at membrane construction. Member classification always
// goes through these statically captured callables, never through a
// dynamically dispatched method on the object under inspection, so a guest
// overriding hasOwnProperty or getOwnPropertyDescriptor cannot influence
// materialization.
type intrinsics struct {
	vm *goja.Runtime

	ownNames      goja.Callable // Object.getOwnPropertyNames
	ownDescriptor goja.Callable // Object.getOwnPropertyDescriptor
	freeze        goja.Callable // Object.freeze
	objectProto   *goja.Object  // Object.prototype
}

func captureIntrinsics(vm *goja.Runtime) (*intrinsics, error) {
	objV := vm.Get("Object")
	if objV == nil || goja.IsUndefined(objV) {
		return nil, fmt.Errorf("runtime has no Object intrinsic")
	}
	obj := objV.ToObject(vm)

	in := &intrinsics{vm: vm}
	var ok bool
	if in.ownNames, ok = goja.AssertFunction(obj.Get("getOwnPropertyNames")); !ok {
		return nil, fmt.Errorf("Object.getOwnPropertyNames is not callable")
	}
	if in.ownDescriptor, ok = goja.AssertFunction(obj.Get("getOwnPropertyDescriptor")); !ok {
		return nil, fmt.Errorf("Object.getOwnPropertyDescriptor is not callable")
	}
	if in.freeze, ok = goja.AssertFunction(obj.Get("freeze")); !ok {
		return nil, fmt.Errorf("Object.freeze is not callable")
	}
	protoV := obj.Get("prototype")
	if protoV == nil {
		return nil, fmt.Errorf("Object has no prototype slot")
	}
	in.objectProto = protoV.ToObject(vm)
	return in, nil
}

// names returns the own property names of target, including
// non-enumerable ones.
func (in *intrinsics) names(target *goja.Object) ([]string, error) {
	v, err := in.ownNames(goja.Undefined(), target)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := in.vm.ExportTo(v, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// propDesc is the parsed canonical property descriptor of a single member.
type propDesc struct {
	value  goja.Value
	getter goja.Value
	setter goja.Value

	writable bool
	accessor bool
}

// describe returns the own property descriptor of name on target, or nil
// when target has no such own property.
func (in *intrinsics) describe(target *goja.Object, name string) (*propDesc, error) {
	v, err := in.ownDescriptor(goja.Undefined(), target, in.vm.ToValue(name))
	if err != nil {
		return nil, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	d := v.ToObject(in.vm)
	desc := &propDesc{
		value:  d.Get("value"),
		getter: d.Get("get"),
		setter: d.Get("set"),
	}
	if w := d.Get("writable"); w != nil {
		desc.writable = w.ToBoolean()
	}
	desc.accessor = isDefined(desc.getter) || isDefined(desc.setter)
	return desc, nil
}

func isDefined(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}

// funcName reads the name slot of a function object.
func funcName(fn *goja.Object) string {
	n := fn.Get("name")
	if !isDefined(n) {
		return ""
	}
	return n.String()
}

// isCapitalized reports whether a member name designates a constructor by
// convention.
func isCapitalized(name string) bool {
	r, _ := utf8.DecodeRuneInString(name)
	return r != utf8.RuneError && unicode.IsUpper(r)
}

// isCallable reports whether v is a function object and returns it.
func isCallable(v goja.Value) (*goja.Object, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	if _, ok := goja.AssertFunction(obj); !ok {
		return nil, false
	}
	return obj, true
}
