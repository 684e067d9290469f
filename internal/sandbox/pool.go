package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrPoolClosed     = errors.New("sandbox pool is closed")
	ErrAcquireTimeout = errors.New("sandbox acquisition timeout")
)

// Pool manages reusable sandboxes for stateless one-shot executions.
// Termination is absorbing per sandbox, so a terminated sandbox is never
// recycled; Release replaces it with a fresh one.
type Pool struct {
	cfg  Config
	opts []Option

	boxes chan *Sandbox
	size  int

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool with size pre-created sandboxes.
func NewPool(cfg Config, size int, opts ...Option) (*Pool, error) {
	if size <= 0 {
		size = 4
	}
	p := &Pool{
		cfg:   cfg,
		opts:  opts,
		boxes: make(chan *Sandbox, size),
		size:  size,
	}
	for i := 0; i < size; i++ {
		sb, err := New(cfg, opts...)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.boxes <- sb
	}
	return p, nil
}

// Acquire gets a sandbox from the pool.
func (p *Pool) Acquire(ctx context.Context) (*Sandbox, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	select {
	case sb := <-p.boxes:
		return sb, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, ErrAcquireTimeout
	}
}

// Release returns a sandbox to the pool, replacing it if it was
// terminated while checked out.
func (p *Pool) Release(sb *Sandbox) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		sb.Terminate()
		return nil
	}
	if sb.Terminated() {
		fresh, err := New(p.cfg, p.opts...)
		if err != nil {
			return err
		}
		sb = fresh
	}
	select {
	case p.boxes <- sb:
		return nil
	default:
		sb.Terminate()
		return nil
	}
}

// Execute runs a one-shot script on a pooled sandbox.
func (p *Pool) Execute(ctx context.Context, script string) (*Result, error) {
	sb, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(sb)
	return sb.Execute(ctx, script)
}

// Close terminates every pooled sandbox.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.boxes)
	for sb := range p.boxes {
		sb.Terminate()
	}
	return nil
}

// Stats reports pool occupancy.
func (p *Pool) Stats() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return map[string]any{
		"size":      p.size,
		"available": len(p.boxes),
		"in_use":    p.size - len(p.boxes),
		"closed":    p.closed,
	}
}
