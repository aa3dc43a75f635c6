// Package env composes worker environments from the host environment, the
// shared service variables and per-process overrides.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

type Env struct {
	Var Var // shared variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = Parse(os.Environ())
}

// WithBase replaces the base environment; nil means "empty", not "OS".
func (e *Env) WithBase(base Var) *Env {
	cp := make(Var, len(base))
	for k, v := range base {
		cp[k] = v
	}
	return &Env{Var: e.cloneVar(), env: cp}
}

// WithSet returns a copy with K=V added to the shared variables.
func (e *Env) WithSet(k, v string) *Env {
	out := &Env{Var: e.cloneVar(), env: e.env}
	if k != "" {
		out.Var[k] = v
	}
	return out
}

// Set sets a shared variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a shared variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

func (e *Env) cloneVar() Var {
	cp := make(Var, len(e.Var))
	for k, v := range e.Var {
		cp[k] = v
	}
	return cp
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then shared e.Var overrides
// then perProc (slice of "K=V") overrides.
// ${VAR} references are expanded once against the composed map. The result is
// sorted by key.
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perProc))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range Parse(perProc) {
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

// Parse turns "K=V" pairs into a map, skipping malformed entries.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// Lookup returns the value of key in a "K=V" list. Later entries win.
func Lookup(kvs []string, key string) (string, bool) {
	var (
		val   string
		found bool
	)
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			val, found = v, true
		}
	}
	return val, found
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
