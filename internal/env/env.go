// Package env composes the environment a game server is launched with.
package env

import (
	"os"
	"strconv"
	"strings"
)

// Var maps variable names to values.
type Var map[string]string

// Env layers configured variables over a base environment.
type Env struct {
	Var  Var
	base Var
}

// New parses "K=V" entries into the configured layer. Malformed entries
// and empty keys are skipped.
func New(kvs []string) *Env {
	e := &Env{Var: make(Var)}
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			e.Var[k] = v
		}
	}
	return e
}

// FromOS snapshots the daemon's own environment as the base layer.
func (e *Env) FromOS() {
	e.base = make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			e.base[k] = v
		}
	}
}

// ServerVars are exported to every server process.
func ServerVars(id int64, name, path string) []string {
	return []string{
		"CRAFTVISOR_SERVER_ID=" + strconv.FormatInt(id, 10),
		"CRAFTVISOR_SERVER_NAME=" + name,
		"CRAFTVISOR_SERVER_PATH=" + path,
	}
}

// Merge returns the full "K=V" environment: base, then configured
// variables, then extra. Values may reference ${NAME} from the base layer
// or from server vars; references are resolved against the layers below
// and unknown names expand to "".
func (e *Env) Merge(extra []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for _, kv := range extra {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	lookup := func(name string) string { return m[name] }
	resolved := make(Var, len(e.Var))
	for k, v := range e.Var {
		resolved[k] = os.Expand(v, lookup)
	}
	for k, v := range resolved {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
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
