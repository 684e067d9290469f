package membrane

import "github.com/dop251/goja"

// FunctionType controls how a bare function handed to the registry is
// translated across the boundary.
type FunctionType int

const (
	// FuncAuto treats capitalized names as constructors and everything
	// else as host functions exposed to the guest.
	FuncAuto FunctionType = iota
	// FuncIn marks a guest-side function invoked by host code.
	FuncIn
	// FuncOut marks a host function exposed to guest code.
	FuncOut
	// FuncCtor forces constructor treatment regardless of name.
	FuncCtor
)

// Interceptor hooks are consulted after the access-policy check and before
// the default host operation. A hook returns (value, true) to override the
// default behavior with its (translated) result, or (anything, false) to
// signal no opinion and let the default proceed. Returning
// (goja.Undefined(), true) makes undefined the authoritative answer; the
// two cases are distinguished by the boolean, not by a sentinel value.
type (
	// GetHook observes a property read. current is the live underlying
	// host value.
	GetHook func(name string, current goja.Value, target *goja.Object) (goja.Value, bool)

	// SetHook observes a property write. value is the guest-supplied
	// value before unwrapping.
	SetHook func(name string, value goja.Value, target *goja.Object) (goja.Value, bool)

	// CallHook observes a method invocation. args are the guest-side
	// arguments before unwrapping.
	CallHook func(name string, fn goja.Value, args []goja.Value, target *goja.Object) (goja.Value, bool)

	// NewHook observes a constructor invocation and may short-circuit
	// instance creation entirely.
	NewHook func(name string, ctor *goja.Object, args []goja.Value) (goja.Value, bool)
)

// Options configures a single registration. All fields are optional.
type Options struct {
	// Name identifies anonymous callables in policy qualification and
	// error messages.
	Name string

	// FunctionType selects the translation direction when the registered
	// target is itself a function.
	FunctionType FunctionType

	// Allow, when non-nil, is an exhaustive list of permitted member
	// names. Deny always wins over Allow.
	Allow []string
	Deny  []string

	OnGet  GetHook
	OnSet  SetHook
	OnCall CallHook
	OnNew  NewHook

	// Freeze makes the whole materialized surface immutable.
	// FreezeMembers denies writes to the listed members only.
	Freeze        bool
	FreezeMembers []string
}

func (o *Options) name() string {
	if o == nil {
		return ""
	}
	return o.Name
}

func (o *Options) functionType() FunctionType {
	if o == nil {
		return FuncAuto
	}
	return o.FunctionType
}
