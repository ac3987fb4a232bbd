// Package jobenv builds the per-job environment a runner executes under.
package jobenv

import (
	"sort"
	"strings"

	"analysis-orchestrator/internal/engine"
	"analysis-orchestrator/internal/models"
)

// Environment maps variable names to values. Each job gets its own copy.
type Environment map[string]string

// Get returns the value for name.
func (e Environment) Get(name string) string {
	return e[name]
}

// Environ renders the environment in os/exec form, sorted by name.
func (e Environment) Environ() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e[k])
	}
	return out
}

// Builder derives job environments from a parent environment.
type Builder struct {
	// CredentialVar receives the job's assigned credential.
	CredentialVar string
	// Settings are process-wide values every job needs.
	Settings map[string]string
	// Strip lists parent variables a job must never see, such as the full credential set.
	Strip []string
}

// NewBuilder returns a builder for the data-provider credential variable.
func NewBuilder(settings map[string]string, strip ...string) *Builder {
	cp := make(map[string]string, len(settings))
	for k, v := range settings {
		cp[k] = v
	}
	return &Builder{
		CredentialVar: engine.DataAPIKeyVar,
		Settings:      cp,
		Strip:         append([]string(nil), strip...),
	}
}

// Build returns a fresh environment for job. parent is read, never written.
func (b *Builder) Build(parent []string, job models.Job) Environment {
	env := make(Environment, len(parent)+len(b.Settings)+2)
	for _, kv := range parent {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		env[name] = value
	}
	for _, name := range b.Strip {
		delete(env, name)
	}
	for k, v := range b.Settings {
		env[k] = v
	}
	credVar := b.CredentialVar
	if credVar == "" {
		credVar = engine.DataAPIKeyVar
	}
	env[credVar] = job.Credential
	env[engine.UnbufferedVar] = "1"
	return env
}

// Overrides returns only the variables Build sets on top of the parent.
func (b *Builder) Overrides(job models.Job) Environment {
	return b.Build(nil, job)
}
