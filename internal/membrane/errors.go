package membrane

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// ErrTerminated is returned (or thrown into the guest) by any membrane
// operation invoked after Terminate.
var ErrTerminated = errors.New("membrane terminated")

// AccessDeniedError signals that a denied member was read, written, or
// called. It carries the fully qualified member name ("Ctor.static",
// "Ctor#instance", or a bare name for plain objects).
type AccessDeniedError struct {
	Member string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s", e.Member)
}

// UnproxyableTypeError signals an attempt to proxy a primitive or a
// denylisted base type. This is a host-side setup error, not a guest fault.
type UnproxyableTypeError struct {
	Kind string
}

func (e *UnproxyableTypeError) Error() string {
	return fmt.Sprintf("unproxyable type: %s", e.Kind)
}

// IsAccessDenied reports whether err (possibly wrapped, possibly a goja
// exception carrying a Go error) represents a policy denial.
func IsAccessDenied(err error) bool {
	var ad *AccessDeniedError
	if errors.As(err, &ad) {
		return true
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return strings.Contains(ex.Error(), "access denied")
	}
	return false
}
