// Package id provides prefixed ULID generation.
//
// ULIDs are lexicographically sortable, so sandbox and request listings
// come out in creation order without extra timestamps, and the prefix
// makes the ID type recognizable in logs (sbx_*, exec_*, req_*).
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SandboxID identifies a sandbox instance.
type SandboxID string

// ExecutionID identifies a single script execution.
type ExecutionID string

// RequestID identifies an API request.
type RequestID string

const (
	SandboxPrefix   = "sbx"
	ExecutionPrefix = "exec"
	RequestPrefix   = "req"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy
// source, useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewSandboxID generates a new sandbox ID.
func NewSandboxID() SandboxID {
	return SandboxID(Default().GenerateWithPrefix(SandboxPrefix))
}

// NewExecutionID generates a new execution ID.
func NewExecutionID() ExecutionID {
	return ExecutionID(Default().GenerateWithPrefix(ExecutionPrefix))
}

// NewRequestID generates a new request ID.
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

func (id SandboxID) String() string   { return string(id) }
func (id ExecutionID) String() string { return string(id) }
func (id RequestID) String() string   { return string(id) }

// IsValid checks whether the part after the prefix is a valid ULID.
func IsValid(id string) bool {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '_' {
			id = id[i+1:]
			break
		}
	}
	_, err := ulid.Parse(id)
	return err == nil
}
