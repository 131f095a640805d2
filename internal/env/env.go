// Package env composes the environment handed to report generation child
// processes.
package env

import (
	"os"
	"sort"
	"strings"
)

// Env is an immutable set of variables layered over a base environment.
type Env struct {
	base map[string]string
	vars map[string]string
}

// New returns an Env whose base is empty.
func New() *Env {
	return &Env{base: map[string]string{}, vars: map[string]string{}}
}

// FromOS returns an Env whose base is the current process environment.
func FromOS() *Env {
	e := New()
	e.base = parse(os.Environ())
	return e
}

// WithSet returns a copy of e with k=v set.
func (e *Env) WithSet(k, v string) *Env {
	if k == "" {
		return e
	}
	n := &Env{base: e.base, vars: make(map[string]string, len(e.vars)+1)}
	for kk, vv := range e.vars {
		n.vars[kk] = vv
	}
	n.vars[k] = v
	return n
}

// WithPairs returns a copy of e with every "K=V" pair applied in order.
// Malformed entries are skipped.
func (e *Env) WithPairs(kvs []string) *Env {
	n := e
	for k, v := range parse(kvs) {
		n = n.WithSet(k, v)
	}
	return n
}

// Merge composes the final environment: base, then e's variables, then
// extra pairs. ${VAR} references are expanded once against the composed
// set; unknown references expand to "". The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(map[string]string, len(e.base)+len(e.vars)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parse(extra) {
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

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}

func parse(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}
