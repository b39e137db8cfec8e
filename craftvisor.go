package craftvisor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/craftvisor/internal/config"
	"github.com/loykin/craftvisor/internal/cronjob"
	"github.com/loykin/craftvisor/internal/event"
	"github.com/loykin/craftvisor/internal/history"
	"github.com/loykin/craftvisor/internal/history/factory"
	"github.com/loykin/craftvisor/internal/manager"
	"github.com/loykin/craftvisor/internal/metrics"
	"github.com/loykin/craftvisor/internal/parser"
	"github.com/loykin/craftvisor/internal/process"
	iapi "github.com/loykin/craftvisor/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type (
	Config     = process.Config
	State      = process.State
	Metrics    = process.Metrics
	Supervisor = process.Supervisor
	Option     = process.Option
	Parser     = parser.Parser
	FileConfig = cfg.FileConfig
)

const (
	StateStopped  = process.StateStopped
	StateStarting = process.StateStarting
	StateRunning  = process.StateRunning
	StateStopping = process.StateStopping
)

// Events published on a Bus.
type (
	Event        = event.Event
	EventKind    = event.Kind
	Bus          = event.Bus[event.Event]
	StartEvent   = event.Start
	CloseEvent   = event.Close
	ErrorEvent   = event.Error
	OutputEvent  = event.Output
	JoinEvent    = event.PlayerJoin
	LeaveEvent   = event.PlayerLeave
	CommandEvent = event.Command
)

func NewBus() *Bus { return event.NewBus[event.Event]() }

// WithParser replaces the console parser of every supervisor the manager creates.
func WithParser(p Parser) Option { return process.WithParser(p) }

// Manager is a thin facade over the internal server registry.
// It provides a stable public API for embedding.
type Manager struct{ inner *manager.Manager }

// New returns an empty registry publishing on bus (nil discards events).
func New(bus *Bus, opts ...Option) *Manager {
	if bus == nil {
		return &Manager{inner: manager.NewManager(nil, opts...)}
	}
	return &Manager{inner: manager.NewManager(bus, opts...)}
}

func (m *Manager) SetGlobalEnv(kvs []string) { m.inner.SetGlobalEnv(kvs) }
func (m *Manager) AddServer(name, dir string, c Config) (*Supervisor, bool) {
	return m.inner.AddServer(name, dir, c)
}
func (m *Manager) RemoveServer(name string) bool         { return m.inner.RemoveServer(name) }
func (m *Manager) Get(name string) (*Supervisor, bool)   { return m.inner.Get(name) }
func (m *Manager) Start(name string) bool                { return m.inner.Start(name) }
func (m *Manager) Stop(name string) bool                 { return m.inner.Stop(name) }
func (m *Manager) Kill(name string) bool                 { return m.inner.Kill(name) }
func (m *Manager) Restart(name string) bool              { return m.inner.Restart(name) }
func (m *Manager) SendCommand(name, text string) bool    { return m.inner.SendCommand(name, text) }
func (m *Manager) Status(name string) (State, bool)      { return m.inner.Status(name) }
func (m *Manager) Players(name string) []string          { return m.inner.Players(name) }
func (m *Manager) Metrics(name string) (Metrics, bool)   { return m.inner.Metrics(name) }
func (m *Manager) AllMetrics() []Metrics                 { return m.inner.AllMetrics() }
func (m *Manager) Names() []string                       { return m.inner.Names() }
func (m *Manager) Match(pattern string) []string         { return m.inner.Match(pattern) }
func (m *Manager) Has(name string) bool                  { return m.inner.Has(name) }
func (m *Manager) Count() int                            { return m.inner.Count() }
func (m *Manager) PIDs() map[string]int                  { return m.inner.PIDs() }
func (m *Manager) StopAll(grace, killWait time.Duration) { m.inner.StopAll(grace, killWait) }
func (m *Manager) Shutdown(wait time.Duration)           { m.inner.Shutdown(wait) }

// SetResourceUsage records sampled usage for a running server.
func (m *Manager) SetResourceUsage(name string, cpuPercent float64, memoryBytes uint64) bool {
	return m.inner.SetResourceUsage(name, cpuPercent, memoryBytes)
}

// ApplyConfig registers every server of a loaded config file. It returns
// the names that were newly added.
func (m *Manager) ApplyConfig(fc *FileConfig) ([]string, error) {
	env, err := fc.GlobalEnv()
	if err != nil {
		return nil, err
	}
	m.SetGlobalEnv(env)
	var added []string
	for _, s := range fc.Servers {
		if _, ok := m.AddServer(s.Name, s.Dir, fc.ProcessConfig(s)); ok {
			added = append(added, s.Name)
		}
	}
	return added, nil
}

func LoadConfig(path string) (*FileConfig, error) { return cfg.Load(path) }

// Router exposes the HTTP API for mounting into an existing mux.
type Router = iapi.Router

func NewRouter(m *Manager, bus *Bus, basePath string) *Router {
	return iapi.NewRouter(m.inner, bus, basePath)
}

// NewHTTPServer starts an HTTP server exposing the API using the given manager.
func NewHTTPServer(addr, basePath string, m *Manager, bus *Bus) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, m.inner, bus)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ObserveMetrics feeds event counters from bus; call the result to detach.
func ObserveMetrics(bus *Bus) func() { return metrics.Observe(bus) }

// NewSampler measures CPU and memory of every running server of m.
func NewSampler(m *Manager, interval time.Duration) *metrics.Sampler {
	return metrics.NewSampler(m.inner, interval)
}

// Scheduled tasks.
type (
	Task       = cronjob.Task
	TaskAction = cronjob.Action
	TaskEntry  = cronjob.Entry
	Scheduler  = cronjob.Scheduler
)

// NewScheduler creates a stopped task scheduler acting on m. A nil loc
// evaluates schedules in local time.
func NewScheduler(m *Manager, loc *time.Location) *Scheduler {
	return cronjob.NewScheduler(m.inner, loc)
}

// ScheduleConfig adds the tasks of every server in fc to s.
func ScheduleConfig(s *Scheduler, fc *FileConfig) error {
	for _, srv := range fc.Servers {
		for _, t := range srv.Tasks {
			if err := s.Add(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// HistoryRecorder persists lifecycle, player and command events.
type HistoryRecorder = history.Recorder

// NewHistoryRecorder opens one sink per DSN (sqlite, postgres, clickhouse,
// opensearch) and attaches the recorder to bus. Close detaches it again.
func NewHistoryRecorder(bus *Bus, dsns ...string) (*HistoryRecorder, error) {
	sinks := make([]history.Sink, 0, len(dsns))
	for _, d := range dsns {
		s, err := factory.NewSinkFromDSN(d)
		if err != nil {
			for _, opened := range sinks {
				if c, ok := opened.(interface{ Close() error }); ok {
					_ = c.Close()
				}
			}
			return nil, err
		}
		sinks = append(sinks, s)
	}
	r := history.NewRecorder(sinks...)
	if bus != nil {
		r.Attach(bus)
	}
	return r, nil
}
