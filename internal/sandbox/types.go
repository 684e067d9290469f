package sandbox

import (
	"errors"
	"time"
)

// Config defines per-sandbox execution limits and features.
type Config struct {
	// Name labels the sandbox in logs.
	Name string

	// Timeout bounds a single execution turn, including queued timer
	// callbacks. Zero means no deadline beyond the caller's context.
	Timeout time.Duration

	// EnableConsole installs the console capture.
	EnableConsole bool

	// MaxCallStackSize bounds guest recursion depth. Zero keeps the
	// engine default.
	MaxCallStackSize int

	// ConsoleBuffer caps retained console entries per execution.
	ConsoleBuffer int
}

// DefaultConfig returns conservative execution limits.
func DefaultConfig() Config {
	return Config{
		Timeout:          5 * time.Second,
		EnableConsole:    true,
		MaxCallStackSize: 1024,
		ConsoleBuffer:    1000,
	}
}

// LogEntry is a single captured console line.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Result is the outcome of one execution turn.
type Result struct {
	Value    any           `json:"value,omitempty"`
	Console  []LogEntry    `json:"console,omitempty"`
	Duration time.Duration `json:"duration"`
	Timers   int           `json:"timers_fired"`
}

var (
	// ErrSandboxTerminated is returned by operations on a terminated
	// sandbox.
	ErrSandboxTerminated = errors.New("sandbox terminated")

	// ErrExecutionBusy is returned when an execution turn is requested
	// while another is still running.
	ErrExecutionBusy = errors.New("sandbox execution in progress")
)
