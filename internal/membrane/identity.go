package membrane

import (
	"runtime"
	"sync"
	"weak"

	"github.com/dop251/goja"
)

// retention classifies how long a proxy entry is kept alive.
type retention int

const (
	retentionStrong retention = iota
	retentionWeak
)

func (r retention) String() string {
	if r == retentionWeak {
		return "weak"
	}
	return "strong"
}

// strongTable maps host objects to their proxies (and back) with strong
// retention: entries live until the table is cleared at termination, and
// the table is the sole owner keeping permanently registered host objects
// alive for the membrane's lifetime.
type strongTable struct {
	mu  sync.RWMutex
	fwd map[*goja.Object]*goja.Object
	rev map[*goja.Object]*goja.Object
}

func newStrongTable() *strongTable {
	return &strongTable{
		fwd: make(map[*goja.Object]*goja.Object),
		rev: make(map[*goja.Object]*goja.Object),
	}
}

func (t *strongTable) lookup(target *goja.Object) (*goja.Object, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.fwd[target]
	return p, ok
}

func (t *strongTable) reverse(proxy *goja.Object) (*goja.Object, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	target, ok := t.rev[proxy]
	return target, ok
}

func (t *strongTable) put(target, proxy *goja.Object) {
	t.mu.Lock()
	t.fwd[target] = proxy
	t.rev[proxy] = target
	t.mu.Unlock()
}

// clear drops every entry, releasing the table's strong references in one
// step.
func (t *strongTable) clear() {
	t.mu.Lock()
	t.fwd = make(map[*goja.Object]*goja.Object)
	t.rev = make(map[*goja.Object]*goja.Object)
	t.mu.Unlock()
}

func (t *strongTable) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fwd)
}

// weakTable maps host objects to their proxies without keeping either side
// alive. Entries are keyed by canonical weak pointers and removed by a GC
// cleanup when the host object (or the proxy) becomes unreachable, so
// presence in the table never prevents collection.
type weakTable struct {
	mu  sync.Mutex
	fwd map[weak.Pointer[goja.Object]]weak.Pointer[goja.Object]
	rev map[weak.Pointer[goja.Object]]weak.Pointer[goja.Object]
}

func newWeakTable() *weakTable {
	return &weakTable{
		fwd: make(map[weak.Pointer[goja.Object]]weak.Pointer[goja.Object]),
		rev: make(map[weak.Pointer[goja.Object]]weak.Pointer[goja.Object]),
	}
}

func (t *weakTable) lookup(target *goja.Object) (*goja.Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wp, ok := t.fwd[weak.Make(target)]
	if !ok {
		return nil, false
	}
	p := wp.Value()
	return p, p != nil
}

func (t *weakTable) reverse(proxy *goja.Object) (*goja.Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wt, ok := t.rev[weak.Make(proxy)]
	if !ok {
		return nil, false
	}
	target := wt.Value()
	return target, target != nil
}

func (t *weakTable) put(target, proxy *goja.Object) {
	kt := weak.Make(target)
	kp := weak.Make(proxy)
	t.mu.Lock()
	t.fwd[kt] = kp
	t.rev[kp] = kt
	t.mu.Unlock()

	// Proxies reference their targets through accessor closures, so the
	// target outlives the proxy; one cleanup per side keeps both maps
	// tidy regardless of collection order.
	runtime.AddCleanup(target, func(k weak.Pointer[goja.Object]) {
		t.mu.Lock()
		delete(t.fwd, k)
		t.mu.Unlock()
	}, kt)
	runtime.AddCleanup(proxy, func(k weak.Pointer[goja.Object]) {
		t.mu.Lock()
		delete(t.rev, k)
		t.mu.Unlock()
	}, kp)
}

func (t *weakTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fwd)
}
