// Package env composes worker process environments from the agent's own
// environment, agent-wide overrides and per-worker overlays.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

type Env struct {
	Var  Var // agent-wide overrides applied to every worker
	base Var // cached OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = Parse(os.Environ())
}

// FromList replaces the base with a fixed "K=V" list. Used by tests and
// agents that must not leak their own environment to workers.
func (e *Env) FromList(kv []string) {
	e.base = Parse(kv)
}

// Set sets an agent-wide variable.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Merge layers base, agent-wide variables and the worker overlay (in that
// order) and expands ${VAR} references against the composed map. The result
// is sorted by key.
func (e *Env) Merge(overlay []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(overlay))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range Parse(overlay) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// Parse converts "K=V" entries to a map, skipping malformed ones.
func Parse(kv []string) Var {
	m := make(Var, len(kv))
	for _, s := range kv {
		i := strings.IndexByte(s, '=')
		if i <= 0 {
			continue
		}
		m[s[:i]] = s[i+1:]
	}
	return m
}

// expand replaces ${VAR} with its value from m; unknown names expand to "".
// Expansion is single pass, values are not re-expanded.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+j]])
		s = s[i+j+1:]
	}
}
