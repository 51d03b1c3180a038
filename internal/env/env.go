// Package env composes the environment handed to the worker on every attempt.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers configured variables over a base environment.
type Env struct {
	Var  Var // global overrides (K->V)
	base Var // nil until FromOS or FromList
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() *Env {
	return e.FromList(os.Environ())
}

// FromList uses the given K=V entries as the base instead of the process
// environment.
func (e *Env) FromList(kvs []string) *Env {
	e.base = make(Var, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			e.base[k] = v
		}
	}
	return e
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet returns a copy of e with K=V set, leaving e unchanged.
func (e *Env) WithSet(k, v string) *Env {
	c := &Env{Var: make(Var, len(e.Var)+1), base: e.base}
	for kk, vv := range e.Var {
		c.Var[kk] = vv
	}
	c.Var[k] = v
	return c
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the worker environment in this order: base environment,
// global overrides, then the worker's own K=V entries. ${VAR} references
// are expanded once against the composed map. Output is sorted by key.
func (e *Env) Merge(perWorker []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(perWorker))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perWorker {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
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

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

// expand replaces ${VAR} with its value from m. Unknown names are left as is.
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
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
