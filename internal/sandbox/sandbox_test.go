package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dop251/goja"

	"github.com/enclavekit/enclave/internal/membrane"
)

func newTestSandbox(t *testing.T, cfg Config) *Sandbox {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Terminate)
	return s
}

func TestExecuteReturnsValue(t *testing.T) {
	s := newTestSandbox(t, DefaultConfig())

	res, err := s.Execute(context.Background(), `1 + 2`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != int64(3) {
		t.Fatalf("value = %v, want 3", res.Value)
	}
	if res.Duration <= 0 {
		t.Fatal("duration not recorded")
	}
}

func TestConsoleCapture(t *testing.T) {
	s := newTestSandbox(t, DefaultConfig())

	res, err := s.Execute(context.Background(), `
		console.log("hello", 1);
		console.error("bad");
	`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Console) != 2 {
		t.Fatalf("console entries = %d, want 2", len(res.Console))
	}
	if res.Console[0].Level != "log" || res.Console[0].Message != "hello 1" {
		t.Errorf("entry 0 = %+v", res.Console[0])
	}
	if res.Console[1].Level != "error" || res.Console[1].Message != "bad" {
		t.Errorf("entry 1 = %+v", res.Console[1])
	}
}

func TestConsoleSubscription(t *testing.T) {
	s := newTestSandbox(t, DefaultConfig())

	ch, cancel := s.Subscribe()
	defer cancel()

	if _, err := s.Execute(context.Background(), `console.log("streamed")`); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	select {
	case entry := <-ch:
		if entry.Message != "streamed" {
			t.Fatalf("entry = %+v", entry)
		}
	case <-time.After(time.Second):
		t.Fatal("no console entry fanned out")
	}
}

func TestTerminateClosesSubscriptions(t *testing.T) {
	s := newTestSandbox(t, DefaultConfig())

	ch, cancel := s.Subscribe()
	defer cancel()

	s.Terminate()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("subscription delivered an entry after termination")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed by termination")
	}

	late, lateCancel := s.Subscribe()
	defer lateCancel()
	if _, open := <-late; open {
		t.Fatal("subscription on a terminated sandbox should be closed")
	}
}

func TestExecutionTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 100 * time.Millisecond
	s := newTestSandbox(t, cfg)

	start := time.Now()
	_, err := s.Execute(context.Background(), `while (true) {}`)
	if err == nil {
		t.Fatal("infinite loop was not interrupted")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("interrupt took %v", elapsed)
	}
}

func TestTimersRunInOwningTurn(t *testing.T) {
	s := newTestSandbox(t, DefaultConfig())

	res, err := s.Execute(context.Background(), `
		var hit = 0;
		setTimeout(function() { hit = 42; }, 1);
		hit
	`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// The script body completes before any callback fires.
	if res.Value != int64(0) {
		t.Fatalf("body value = %v, want 0", res.Value)
	}
	if res.Timers != 1 {
		t.Fatalf("timers fired = %d, want 1", res.Timers)
	}

	res, err = s.Execute(context.Background(), `hit`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != int64(42) {
		t.Fatalf("hit = %v after drain, want 42", res.Value)
	}
}

func TestClearTimeoutCancels(t *testing.T) {
	s := newTestSandbox(t, DefaultConfig())

	res, err := s.Execute(context.Background(), `
		var hit = false;
		var h = setTimeout(function() { hit = true; }, 1);
		clearTimeout(h);
		undefined
	`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Timers != 0 {
		t.Fatalf("timers fired = %d, want 0", res.Timers)
	}
}

func TestTimerOrdering(t *testing.T) {
	s := newTestSandbox(t, DefaultConfig())

	if _, err := s.Execute(context.Background(), `
		var order = [];
		setTimeout(function() { order.push("late"); }, 20);
		setTimeout(function() { order.push("early"); }, 1);
	`); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res, err := s.Execute(context.Background(), `order.join(",")`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "early,late" {
		t.Fatalf("order = %v, want early,late", res.Value)
	}
}

func TestTimerFaultGoesToErrorChannel(t *testing.T) {
	s := newTestSandbox(t, DefaultConfig())

	res, err := s.Execute(context.Background(), `
		setTimeout(function() { throw new Error("timer boom"); }, 1);
	`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Timers != 1 {
		t.Fatalf("timers fired = %d, want 1", res.Timers)
	}
	select {
	case err := <-s.Errors():
		if !strings.Contains(err.Error(), "timer boom") {
			t.Fatalf("channel error = %v", err)
		}
	default:
		t.Fatal("timer fault not delivered to the error channel")
	}
}

func TestTerminationStopsPendingTimers(t *testing.T) {
	s := newTestSandbox(t, DefaultConfig())

	// The first callback tears the sandbox down through an exposed host
	// function; the second must be dropped silently.
	killer := s.Runtime().ToValue(func(call goja.FunctionCall) goja.Value {
		s.Terminate()
		return goja.Undefined()
	})
	if _, err := s.Expose("kill", killer, &membrane.Options{Name: "kill"}); err != nil {
		t.Fatalf("Expose: %v", err)
	}

	res, err := s.Execute(context.Background(), `
		setTimeout(function() { kill(); }, 1);
		setTimeout(function() { while (true) {} }, 30);
	`)
	if err != nil && !errors.Is(err, ErrSandboxTerminated) {
		t.Fatalf("Execute: %v", err)
	}
	if res != nil && res.Timers > 1 {
		t.Fatalf("timers fired = %d, want at most 1", res.Timers)
	}
	if !s.Terminated() {
		t.Fatal("sandbox not terminated")
	}
}

func TestExecuteAfterTerminate(t *testing.T) {
	s := newTestSandbox(t, DefaultConfig())
	s.Terminate()

	if _, err := s.Execute(context.Background(), `1`); !errors.Is(err, ErrSandboxTerminated) {
		t.Fatalf("err = %v, want ErrSandboxTerminated", err)
	}
}

func TestTerminateIdempotent(t *testing.T) {
	s := newTestSandbox(t, DefaultConfig())
	s.Terminate()
	s.Terminate()
	if !s.Terminated() {
		t.Fatal("Terminated() = false")
	}
}

func TestExposeEnforcesPolicy(t *testing.T) {
	s := newTestSandbox(t, DefaultConfig())

	host, err := s.Runtime().RunString(`({ open: 1, secret: 2 })`)
	if err != nil {
		t.Fatalf("host setup: %v", err)
	}
	if _, err := s.Expose("api", host, &membrane.Options{Deny: []string{"secret"}}); err != nil {
		t.Fatalf("Expose: %v", err)
	}

	res, err := s.Execute(context.Background(), `api.open`)
	if err != nil {
		t.Fatalf("allowed read: %v", err)
	}
	if res.Value != int64(1) {
		t.Fatalf("api.open = %v, want 1", res.Value)
	}
	if _, err := s.Execute(context.Background(), `api.secret`); !membrane.IsAccessDenied(err) {
		t.Fatalf("denied read err = %v, want access denial", err)
	}
}

func TestStrippedGlobals(t *testing.T) {
	s := newTestSandbox(t, DefaultConfig())

	res, err := s.Execute(context.Background(), `
		[typeof require, typeof process, typeof module] + ""
	`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "undefined,undefined,undefined" {
		t.Fatalf("globals = %v", res.Value)
	}
}

func TestPoolExecuteAndReplace(t *testing.T) {
	p, err := NewPool(DefaultConfig(), 2)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	res, err := p.Execute(context.Background(), `40 + 2`)
	if err != nil {
		t.Fatalf("pool execute: %v", err)
	}
	if res.Value != int64(42) {
		t.Fatalf("value = %v, want 42", res.Value)
	}

	sb, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	sb.Terminate()
	if err := p.Release(sb); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// The terminated sandbox was replaced; the pool still serves.
	if _, err := p.Execute(context.Background(), `1`); err != nil {
		t.Fatalf("execute after replace: %v", err)
	}
}

func TestPoolClosed(t *testing.T) {
	p, err := NewPool(DefaultConfig(), 1)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	p.Close()
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("err = %v, want ErrPoolClosed", err)
	}
}
