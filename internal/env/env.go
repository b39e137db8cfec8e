package env

import (
	"os"
	"sort"
	"strings"
)

// Env composes launch-script environments: the daemon's OS environment,
// then globals, then per-server entries. It is immutable; WithPairs returns
// a copy.
type Env struct {
	vars map[string]string
	base map[string]string // nil means read os.Environ on Merge
}

func New() *Env { return &Env{vars: map[string]string{}} }

// WithPairs applies a list of "K=V" entries; malformed entries are ignored.
func (e *Env) WithPairs(kvs []string) *Env {
	c := e.clone()
	for k, v := range toMap(kvs) {
		c.vars[k] = v
	}
	return c
}

// Merge returns base+globals+perServer as sorted "K=V" entries, with
// ${VAR} references expanded once against the composed map. Unknown
// references are left as written.
func (e *Env) Merge(perServer []string) []string {
	base := e.base
	if base == nil {
		base = toMap(os.Environ())
	}
	m := make(map[string]string, len(base)+len(e.vars)+len(perServer))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range toMap(perServer) {
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

func (e *Env) clone() *Env {
	c := &Env{vars: make(map[string]string, len(e.vars)), base: e.base}
	for k, v := range e.vars {
		c.vars[k] = v
	}
	return c
}

func toMap(kvs []string) map[string]string {
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

func expand(s string, m map[string]string) string {
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
