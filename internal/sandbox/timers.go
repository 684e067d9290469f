package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// timerJob is one scheduled setTimeout callback.
type timerJob struct {
	id   int64
	due  time.Time
	fn   goja.Callable
	args []goja.Value
}

// timerSet tracks the outstanding timer handles of one sandbox. Callbacks
// never run concurrently with script code: Execute drains the set on the
// same goroutine after the script body returns.
type timerSet struct {
	mu      sync.Mutex
	seq     int64
	pending map[int64]*timerJob
	stopped bool
}

func newTimerSet() *timerSet {
	return &timerSet{pending: make(map[int64]*timerJob)}
}

// install binds setTimeout/clearTimeout into the sandbox runtime.
func (t *timerSet) install(s *Sandbox) error {
	vm := s.Runtime()

	setTimeout := func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("setTimeout requires a function"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		if t.stopped {
			return vm.ToValue(0)
		}
		t.seq++
		t.pending[t.seq] = &timerJob{
			id:   t.seq,
			due:  time.Now().Add(delay),
			fn:   fn,
			args: args,
		}
		return vm.ToValue(t.seq)
	}

	clearTimeout := func(call goja.FunctionCall) goja.Value {
		t.mu.Lock()
		delete(t.pending, call.Argument(0).ToInteger())
		t.mu.Unlock()
		return goja.Undefined()
	}

	if err := vm.Set("setTimeout", setTimeout); err != nil {
		return err
	}
	return vm.Set("clearTimeout", clearTimeout)
}

// next pops the earliest pending job, or nil when none remain.
func (t *timerSet) next() *timerJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || len(t.pending) == 0 {
		return nil
	}
	var job *timerJob
	for _, j := range t.pending {
		if job == nil || j.due.Before(job.due) || (j.due.Equal(job.due) && j.id < job.id) {
			job = j
		}
	}
	delete(t.pending, job.id)
	return job
}

// stopAll cancels every outstanding handle and rejects new ones.
func (t *timerSet) stopAll() {
	t.mu.Lock()
	t.stopped = true
	t.pending = make(map[int64]*timerJob)
	t.mu.Unlock()
}

func (t *timerSet) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// drainTimers fires queued callbacks in due order on the execution
// goroutine. Each firing re-checks termination; callbacks scheduled
// before termination are dropped silently after it. Callback faults go to
// the uncaught-error channel and do not abort the drain.
func (s *Sandbox) drainTimers(ctx context.Context) (int, error) {
	fired := 0
	for {
		job := s.timers.next()
		if job == nil {
			return fired, nil
		}
		if wait := time.Until(job.due); wait > 0 {
			select {
			case <-ctx.Done():
				return fired, ctx.Err()
			case <-time.After(wait):
			}
		}
		if s.timers.isStopped() || s.mem.Terminated() {
			return fired, nil
		}
		if _, err := job.fn(goja.Undefined(), job.args...); err != nil {
			s.mem.ReportError(err)
		}
		fired++
	}
}
