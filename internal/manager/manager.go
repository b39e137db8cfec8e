package manager

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loykin/craftvisor/internal/env"
	"github.com/loykin/craftvisor/internal/event"
	"github.com/loykin/craftvisor/internal/metrics"
	"github.com/loykin/craftvisor/internal/process"
)

// Manager indexes server supervisors by name. Every operation on an unknown
// name reports false (or ok == false) instead of failing.
type Manager struct {
	mu      sync.RWMutex
	bus     event.Publisher
	opts    []process.Option
	log     *slog.Logger
	envM    *env.Env
	servers map[string]*process.Supervisor
}

// NewManager returns an empty registry whose supervisors publish on bus.
// opts are applied to every supervisor it creates.
func NewManager(bus event.Publisher, opts ...process.Option) *Manager {
	if bus == nil {
		bus = event.Discard
	}
	return &Manager{
		bus:     bus,
		opts:    opts,
		log:     slog.Default().With("component", "manager"),
		envM:    env.New(),
		servers: make(map[string]*process.Supervisor),
	}
}

// removeWait bounds how long RemoveServer waits for a killed process to be
// reaped before its metric series are dropped.
const removeWait = 5 * time.Second

// SetGlobalEnv sets variables applied to every server on its next start,
// including servers registered earlier. kvs must be in the form "KEY=VALUE".
func (m *Manager) SetGlobalEnv(kvs []string) {
	m.mu.Lock()
	m.envM = m.envM.WithPairs(kvs)
	m.mu.Unlock()
}

// launchEnv layers a server's own variables over the globals and the
// daemon's environment as they are at launch time.
func (m *Manager) launchEnv(perServer []string) []string {
	m.mu.RLock()
	e := m.envM
	m.mu.RUnlock()
	return e.Merge(perServer)
}

// AddServer registers a stopped supervisor for name. If name is already
// registered the existing supervisor is returned and added is false.
func (m *Manager) AddServer(name, dir string, cfg process.Config) (s *process.Supervisor, added bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.servers[name]; existing != nil {
		return existing, false
	}
	opts := append(append([]process.Option(nil), m.opts...), process.WithEnv(m.launchEnv))
	s = process.New(name, dir, cfg, m.bus, opts...)
	m.servers[name] = s
	m.log.Info("server registered", "server", name, "dir", dir)
	return s, true
}

// RemoveServer kills the server's process tree, waits for it to be reaped
// and forgets the server along with its metric series.
func (m *Manager) RemoveServer(name string) bool {
	m.mu.Lock()
	s := m.servers[name]
	delete(m.servers, name)
	m.mu.Unlock()
	if s == nil {
		return false
	}
	done := s.Done()
	s.Kill()
	select {
	case <-done:
	case <-time.After(removeWait):
		m.log.Warn("removed server not reaped in time", "server", name, "wait", removeWait)
	}
	metrics.Forget(name)
	m.log.Info("server removed", "server", name)
	return true
}

// Get returns the supervisor registered under name.
func (m *Manager) Get(name string) (*process.Supervisor, bool) {
	m.mu.RLock()
	s := m.servers[name]
	m.mu.RUnlock()
	return s, s != nil
}

func (m *Manager) Start(name string) bool {
	return m.with(name, (*process.Supervisor).Start)
}

func (m *Manager) Stop(name string) bool {
	return m.with(name, (*process.Supervisor).Stop)
}

func (m *Manager) Kill(name string) bool {
	return m.with(name, (*process.Supervisor).Kill)
}

func (m *Manager) Restart(name string) bool {
	return m.with(name, (*process.Supervisor).Restart)
}

func (m *Manager) SendCommand(name, text string) bool {
	return m.with(name, func(s *process.Supervisor) { s.SendCommand(text) })
}

func (m *Manager) Status(name string) (process.State, bool) {
	s, ok := m.Get(name)
	if !ok {
		return process.StateStopped, false
	}
	return s.Status(), true
}

// Players returns the online players of name, or an empty slice when the
// name is unknown.
func (m *Manager) Players(name string) []string {
	s, ok := m.Get(name)
	if !ok {
		return []string{}
	}
	return s.Players()
}

func (m *Manager) Metrics(name string) (process.Metrics, bool) {
	s, ok := m.Get(name)
	if !ok {
		return process.Metrics{}, false
	}
	return s.Metrics(), true
}

// AllMetrics returns one snapshot per registered server, sorted by name.
func (m *Manager) AllMetrics() []process.Metrics {
	list := m.snapshot()
	out := make([]process.Metrics, 0, len(list))
	for _, s := range list {
		out = append(out, s.Metrics())
	}
	return out
}

// Names returns the registered server names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Match returns the sorted names matching a '*' wildcard pattern.
func (m *Manager) Match(pattern string) []string {
	var out []string
	for _, name := range m.Names() {
		if wildcardMatch(name, pattern) {
			out = append(out, name)
		}
	}
	return out
}

func (m *Manager) Has(name string) bool {
	_, ok := m.Get(name)
	return ok
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.servers)
}

// PIDs maps each server with a live process to its root PID.
func (m *Manager) PIDs() map[string]int {
	out := make(map[string]int)
	for _, s := range m.snapshot() {
		if pid := s.PID(); pid > 0 {
			out[s.Name()] = pid
		}
	}
	return out
}

// SetResourceUsage forwards sampled usage to the named supervisor.
func (m *Manager) SetResourceUsage(name string, cpuPercent float64, memoryBytes uint64) bool {
	s, ok := m.Get(name)
	if !ok {
		return false
	}
	return s.SetResourceUsage(cpuPercent, memoryBytes)
}

// StopAll sends the stop command to every running server and waits up to
// grace for the processes to exit. Survivors are killed and reaped for at
// most killWait.
func (m *Manager) StopAll(grace, killWait time.Duration) {
	list := m.snapshot()
	done := make([]<-chan struct{}, 0, len(list))
	for _, s := range list {
		done = append(done, s.Done())
		s.Stop()
	}
	if pending := waitAll(done, grace); pending > 0 {
		m.log.Warn("servers did not stop in time, killing", "pending", pending, "grace", grace)
	}
	m.Shutdown(killWait)
}

// Shutdown kills every server and waits up to wait for their processes to
// be reaped. Registrations are kept.
func (m *Manager) Shutdown(wait time.Duration) {
	list := m.snapshot()
	done := make([]<-chan struct{}, 0, len(list))
	for _, s := range list {
		done = append(done, s.Done())
		s.Kill()
	}
	if pending := waitAll(done, wait); pending > 0 {
		m.log.Warn("shutdown wait timed out", "pending", pending)
	}
}

// waitAll returns how many channels were still open when d elapsed.
func waitAll(done []<-chan struct{}, d time.Duration) int {
	if d <= 0 {
		n := 0
		for _, ch := range done {
			select {
			case <-ch:
			default:
				n++
			}
		}
		return n
	}
	deadline := time.After(d)
	for i, ch := range done {
		select {
		case <-ch:
		case <-deadline:
			return len(done) - i
		}
	}
	return 0
}

func (m *Manager) with(name string, fn func(*process.Supervisor)) bool {
	s, ok := m.Get(name)
	if !ok {
		return false
	}
	fn(s)
	return true
}

func (m *Manager) snapshot() []*process.Supervisor {
	m.mu.RLock()
	list := make([]*process.Supervisor, 0, len(m.servers))
	for _, s := range m.servers {
		list = append(list, s)
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// wildcardMatch matches name against a pattern with '*' wildcard (glob-like, case-sensitive).
func wildcardMatch(name, pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return name == pattern
	}
	parts := strings.Split(pattern, "*")
	idx := 0
	if parts[0] != "" {
		if !strings.HasPrefix(name, parts[0]) {
			return false
		}
		idx = len(parts[0])
	}
	for i := 1; i < len(parts)-1; i++ {
		p := parts[i]
		if p == "" {
			continue
		}
		j := strings.Index(name[idx:], p)
		if j < 0 {
			return false
		}
		idx += j + len(p)
	}
	last := parts[len(parts)-1]
	if last != "" {
		return strings.HasSuffix(name, last) && idx <= len(name)-len(last)
	}
	return true
}
