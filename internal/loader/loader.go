// Package loader resolves and evaluates guest modules. Specifiers map to
// builtins registered through the membrane or to files confined to a
// scope root; module bodies run inside the requiring sandbox with a
// CommonJS-shaped wrapper and are cached per sandbox, never shared.
package loader

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/enclavekit/enclave/internal/membrane"
)

// Config confines module resolution.
type Config struct {
	// Root is the scope root; file modules resolve under it.
	Root string

	// Allow lists doublestar patterns (slash-separated, matched against
	// the cleaned absolute path) permitting specific locations outside
	// the root.
	Allow []string
}

// Host is the sandbox surface the loader needs.
type Host interface {
	Runtime() *goja.Runtime
	Membrane() *membrane.Membrane
	Terminated() bool
}

// Builtin serves a host object for a bare specifier. Build constructs the
// host object inside a given runtime (host objects are bound to one
// runtime, so the loader builds one per sandbox); the result always
// crosses through the membrane, never as the raw object.
type Builtin struct {
	Build   func(vm *goja.Runtime) (goja.Value, error)
	Options *membrane.Options
}

// Loader holds the resolution configuration and the builtin registry
// shared by every sandbox it is installed into.
type Loader struct {
	cfg      Config
	log      *zap.Logger
	builtins map[string]Builtin
}

// New creates a loader rooted at cfg.Root.
func New(cfg Config, log *zap.Logger) (*Loader, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	cfg.Root = root
	return &Loader{
		cfg:      cfg,
		log:      log,
		builtins: make(map[string]Builtin),
	}, nil
}

// Register adds a builtin under a bare specifier.
func (l *Loader) Register(name string, b Builtin) {
	l.builtins[name] = b
}

// Root returns the absolute scope root.
func (l *Loader) Root() string { return l.cfg.Root }

// Install binds a per-sandbox require into the host's runtime. The module
// cache lives in the returned instance and dies with the sandbox.
func (l *Loader) Install(h Host) (*Instance, error) {
	inst := &Instance{
		ldr:      l,
		host:     h,
		cache:    make(map[string]goja.Value),
		builtins: make(map[string]goja.Value),
		dirs:     []string{l.cfg.Root},
	}
	if err := h.Runtime().Set("require", inst.require); err != nil {
		return nil, err
	}
	return inst, nil
}

// Instance is the loader state of one sandbox.
type Instance struct {
	ldr  *Loader
	host Host

	cache    map[string]goja.Value
	builtins map[string]goja.Value
	dirs     []string // directory stack of the modules being evaluated
}

// Require resolves and loads a specifier host-side, returning the guest
// value for it.
func (i *Instance) Require(specifier string) (goja.Value, error) {
	if i.host.Terminated() {
		return nil, membrane.ErrTerminated
	}
	if b, ok := i.ldr.builtins[specifier]; ok {
		return i.loadBuiltin(specifier, b)
	}
	path, err := i.resolve(specifier)
	if err != nil {
		return nil, err
	}
	if v, ok := i.cache[path]; ok {
		return v, nil
	}
	v, err := i.load(path)
	if err != nil {
		return nil, err
	}
	i.cache[path] = v
	return v, nil
}

func (i *Instance) require(call goja.FunctionCall) goja.Value {
	vm := i.host.Runtime()
	v, err := i.Require(call.Argument(0).String())
	if err != nil {
		if ex, ok := err.(*goja.Exception); ok {
			panic(ex)
		}
		panic(vm.NewGoError(err))
	}
	return v
}

func (i *Instance) loadBuiltin(name string, b Builtin) (goja.Value, error) {
	if p, ok := i.builtins[name]; ok {
		return p, nil
	}
	target, err := b.Build(i.host.Runtime())
	if err != nil {
		return nil, err
	}
	mem := i.host.Membrane()
	p, ok := mem.GetProxy(target)
	if !ok {
		if p, err = mem.Add(target, b.Options); err != nil {
			return nil, err
		}
	}
	i.builtins[name] = p
	return p, nil
}

// resolve maps a specifier to a cleaned absolute file path, trying the
// .js and .json extensions when none is given, and enforces the scope
// confinement.
func (i *Instance) resolve(specifier string) (string, error) {
	if specifier == "" {
		return "", &ResolutionError{Specifier: specifier, Reason: "empty specifier"}
	}

	var base string
	switch {
	case filepath.IsAbs(specifier):
		base = filepath.Clean(specifier)
	case strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../"):
		base = filepath.Clean(filepath.Join(i.currentDir(), specifier))
	default:
		// Bare specifiers that are not builtins resolve under the root.
		base = filepath.Clean(filepath.Join(i.ldr.cfg.Root, specifier))
	}

	for _, candidate := range expandCandidates(base) {
		st, err := os.Stat(candidate)
		if err != nil || st.IsDir() {
			continue
		}
		if err := i.ldr.checkConfinement(candidate); err != nil {
			return "", err
		}
		return candidate, nil
	}
	// Nothing on disk; report denial first so probing cannot distinguish
	// a missing file from a forbidden one.
	if err := i.ldr.checkConfinement(base); err != nil {
		return "", err
	}
	return "", &ResolutionError{Specifier: specifier, Reason: "no such module"}
}

func expandCandidates(base string) []string {
	switch filepath.Ext(base) {
	case ".js", ".json":
		return []string{base}
	default:
		return []string{base + ".js", base + ".json", base}
	}
}

func (l *Loader) checkConfinement(path string) error {
	if strings.HasPrefix(path, l.cfg.Root+string(filepath.Separator)) || path == l.cfg.Root {
		return nil
	}
	slashed := filepath.ToSlash(path)
	for _, pattern := range l.cfg.Allow {
		if ok, err := doublestar.Match(pattern, slashed); err == nil && ok {
			return nil
		}
	}
	return &PathDeniedError{Path: path}
}

func (i *Instance) currentDir() string {
	return i.dirs[len(i.dirs)-1]
}

func (i *Instance) load(path string) (goja.Value, error) {
	if i.host.Terminated() {
		return nil, membrane.ErrTerminated
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &ResolutionError{Specifier: path, Reason: err.Error()}
	}
	if filepath.Ext(path) == ".json" {
		return i.loadJSON(path, src)
	}
	return i.loadScript(path, string(src))
}

func (i *Instance) loadJSON(path string, src []byte) (goja.Value, error) {
	var data any
	if err := sonic.Unmarshal(src, &data); err != nil {
		return nil, &ResolutionError{Specifier: path, Reason: "invalid JSON: " + err.Error()}
	}
	return i.host.Runtime().ToValue(data), nil
}

// loadScript evaluates a .js module with a CommonJS-shaped wrapper. The
// module sees its own module/exports plus the sandbox require; everything
// else resolves against the sandboxed global.
func (i *Instance) loadScript(path, src string) (goja.Value, error) {
	vm := i.host.Runtime()

	wrapped := "(function(module, exports, require) {\n" + src + "\n})"
	prog, err := goja.Compile(path, wrapped, false)
	if err != nil {
		return nil, err
	}
	fnVal, err := vm.RunProgram(prog)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, &ResolutionError{Specifier: path, Reason: "module wrapper is not callable"}
	}

	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}

	i.dirs = append(i.dirs, filepath.Dir(path))
	_, err = fn(goja.Undefined(), module, exports, vm.ToValue(i.require))
	i.dirs = i.dirs[:len(i.dirs)-1]
	if err != nil {
		return nil, err
	}
	return module.Get("exports"), nil
}
