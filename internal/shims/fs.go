// Package shims provides the host-side builtins served to guests through
// the loader: confined read-only file access and rate-limited HTTP. Each
// shim builds a host object that is only ever exposed through the
// membrane.
package shims

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dop251/goja"

	"github.com/enclavekit/enclave/internal/membrane"
)

// PathError signals an access outside the confined root.
type PathError struct {
	Path string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path denied: %s", e.Path)
}

// FS is a read-only view of a directory tree. Every path, relative or
// absolute, must resolve inside the root.
type FS struct {
	root string
}

// NewFS creates a read-only filesystem shim rooted at root.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute confinement root.
func (f *FS) Root() string { return f.root }

func (f *FS) resolve(path string) (string, error) {
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Clean(filepath.Join(f.root, path))
	}
	if abs != f.root && !strings.HasPrefix(abs, f.root+string(filepath.Separator)) {
		return "", &PathError{Path: path}
	}
	return abs, nil
}

// ReadFile returns the contents of a confined file.
func (f *FS) ReadFile(path string) (string, error) {
	abs, err := f.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Exists reports whether a confined path names a file or directory.
func (f *FS) Exists(path string) (bool, error) {
	abs, err := f.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns the sorted entry names of a confined directory.
func (f *FS) List(dir string) ([]string, error) {
	abs, err := f.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Object builds the host object served for the fs builtin.
func (f *FS) Object(vm *goja.Runtime) (*goja.Object, error) {
	obj := vm.NewObject()

	readFile := func(call goja.FunctionCall) goja.Value {
		data, err := f.ReadFile(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(data)
	}
	exists := func(call goja.FunctionCall) goja.Value {
		ok, err := f.Exists(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(ok)
	}
	list := func(call goja.FunctionCall) goja.Value {
		names, err := f.List(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(names)
	}

	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"readFile": readFile,
		"exists":   exists,
		"list":     list,
	} {
		if err := obj.Set(name, fn); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// Options returns the membrane options the fs builtin is registered with.
func (f *FS) Options() *membrane.Options {
	return &membrane.Options{Name: "fs", Freeze: true}
}
