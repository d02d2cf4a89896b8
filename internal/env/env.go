// Package env composes the environment handed to supervised daemons.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// NoColor is forced into every daemon environment so console output carries
// no color escapes.
const NoColor = "NO_COLOR"

type Var map[string]string

type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// Isolated returns an Env whose base is empty instead of the OS environment.
func Isolated() *Env {
	return &Env{Var: make(Var), env: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = Parse(os.Environ())
}

func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet returns a copy of e with K=V set.
func (e *Env) WithSet(k, v string) *Env {
	n := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for key, val := range e.Var {
		n.Var[key] = val
	}
	n.Var[k] = v
	return n
}

func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Apply sets every K=V pair of kvs.
func (e *Env) Apply(kvs []string) {
	for k, v := range Parse(kvs) {
		e.Set(k, v)
	}
}

// Merge composes the final environment: the base, then e.Var, then perProc
// ("K=V") overrides. ${VAR} references are expanded once against the
// composed map. The result is sorted by key.
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
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	slices.Sort(out)
	return out
}

// Daemon is Merge with NO_COLOR forced on.
func (e *Env) Daemon(perProc []string) []string {
	return e.Merge(append(slices.Clone(perProc), NoColor+"=true"))
}

// Parse turns "K=V" pairs into a map. Entries without '=' or with an empty
// key are dropped.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// LoadFile parses a .env file with KEY=VALUE lines. Blank lines and lines
// starting with # are ignored; there is no quoting or export syntax.
func LoadFile(path string) (Var, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	m := make(Var)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
