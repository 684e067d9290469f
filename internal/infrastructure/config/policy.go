package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Policy is a per-sandbox capability manifest, loaded from YAML. It
// drives loader confinement, builtin selection and membrane allow/deny
// lists.
type Policy struct {
	Name string `yaml:"name"`

	// Root is the module scope root.
	Root string `yaml:"root"`

	// AllowPaths lists doublestar patterns permitting module locations
	// outside the root.
	AllowPaths []string `yaml:"allow_paths"`

	// Builtins names the builtin modules served to this sandbox.
	Builtins []string `yaml:"builtins"`

	// Allow and Deny are qualified member names fed to the membrane
	// policy of exposed host objects.
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`

	// Freeze lists members denied writes.
	Freeze []string `yaml:"freeze"`

	Limits PolicyLimits `yaml:"limits"`

	HTTP PolicyHTTP `yaml:"http"`
}

// PolicyLimits bounds execution.
type PolicyLimits struct {
	TimeoutMS        int `yaml:"timeout_ms"`
	MaxCallStackSize int `yaml:"max_call_stack"`
}

// PolicyHTTP bounds the http builtin for this sandbox.
type PolicyHTTP struct {
	AllowHosts []string `yaml:"allow_hosts"`
}

// Timeout returns the execution deadline, zero when unset.
func (p *Policy) Timeout() time.Duration {
	return time.Duration(p.Limits.TimeoutMS) * time.Millisecond
}

// Apply overlays the manifest onto process configuration. Unset manifest
// fields leave the configuration untouched.
func (p *Policy) Apply(cfg *Config) {
	cfg.Loader.Root = p.Root
	if p.Limits.TimeoutMS > 0 {
		cfg.Sandbox.TimeoutMS = p.Limits.TimeoutMS
	}
	if p.Limits.MaxCallStackSize > 0 {
		cfg.Sandbox.MaxCallStackSize = p.Limits.MaxCallStackSize
	}
	if len(p.HTTP.AllowHosts) > 0 {
		cfg.HTTPShim.AllowHosts = p.HTTP.AllowHosts
	}
}

// ServesBuiltin reports whether the manifest permits a builtin module.
// An absent builtins list permits all of them.
func (p *Policy) ServesBuiltin(name string) bool {
	if len(p.Builtins) == 0 {
		return true
	}
	for _, b := range p.Builtins {
		if b == name {
			return true
		}
	}
	return false
}

// ParsePolicy decodes and validates a YAML policy manifest.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid policy manifest: %w", err)
	}
	if p.Root == "" {
		return nil, fmt.Errorf("policy manifest: root is required")
	}
	return &p, nil
}

// LoadPolicy reads a YAML policy manifest from disk.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePolicy(data)
}
