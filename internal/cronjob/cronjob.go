package cronjob

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/craftvisor/internal/metrics"
	"github.com/loykin/craftvisor/internal/process"
)

// Target is the server registry tasks act on.
type Target interface {
	Start(name string) bool
	Stop(name string) bool
	Restart(name string) bool
	SendCommand(name, text string) bool
	Status(name string) (process.State, bool)
}

// Entry describes a registered task and its next run.
type Entry struct {
	Task Task      `json:"task"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

// Scheduler runs Tasks on cron schedules. A task whose previous run is
// still executing is skipped.
type Scheduler struct {
	mu      sync.Mutex
	target  Target
	cron    *cron.Cron
	log     *slog.Logger
	entries map[cron.EntryID]Task
}

// NewScheduler creates a stopped scheduler. A nil loc means time.Local.
func NewScheduler(target Target, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	log := slog.Default().With("component", "cronjob")
	cl := cronLogger{log}
	return &Scheduler{
		target: target,
		log:    log,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries: make(map[cron.EntryID]Task),
	}
}

// Add validates and schedules t. It may be called before or after Start.
func (s *Scheduler) Add(t Task) error {
	if t.Server == "" {
		return fmt.Errorf("task %s: server is required", t.Label())
	}
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.cron.AddFunc(t.Schedule, func() { s.Run(t) })
	if err != nil {
		return fmt.Errorf("schedule task %s: %w", t.Label(), err)
	}
	s.entries[id] = t
	s.log.Info("task scheduled", "server", t.Server, "task", t.Label(), "schedule", t.Schedule)
	return nil
}

// RemoveServer unschedules every task of server.
func (s *Scheduler) RemoveServer(server string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.entries {
		if t.Server == server {
			s.cron.Remove(id)
			delete(s.entries, id)
			n++
		}
	}
	return n
}

// Entries lists the tasks of server (all servers when empty) ordered by next run.
func (s *Scheduler) Entries(server string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.cron.Entries() { // sorted by next activation
		t, ok := s.entries[e.ID]
		if !ok || (server != "" && t.Server != server) {
			continue
		}
		out = append(out, Entry{Task: t, Next: e.Next, Prev: e.Prev})
	}
	return out
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits up to wait for running tasks.
func (s *Scheduler) Stop(wait time.Duration) {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(wait):
		s.log.Warn("scheduled tasks still running at stop")
	}
}

// Run executes t once. Commands and announcements are only sent to a
// running server; start only applies to a stopped one.
func (s *Scheduler) Run(t Task) {
	st, ok := s.target.Status(t.Server)
	if !ok {
		s.finish(t, "unknown_server")
		return
	}
	running := st == process.StateRunning
	if t.Announce != "" && running {
		s.target.SendCommand(t.Server, t.Announce)
	}
	switch t.Action {
	case ActionCommand:
		if !running {
			s.finish(t, "skipped")
			return
		}
		s.target.SendCommand(t.Server, t.Command)
	case ActionRestart:
		s.target.Restart(t.Server)
	case ActionStop:
		if !running {
			s.finish(t, "skipped")
			return
		}
		s.target.Stop(t.Server)
	case ActionStart:
		if st != process.StateStopped {
			s.finish(t, "skipped")
			return
		}
		s.target.Start(t.Server)
	}
	s.finish(t, "ok")
}

func (s *Scheduler) finish(t Task, result string) {
	metrics.RecordTaskRun(t.Server, string(t.Action), result)
	s.log.Info("task run", "server", t.Server, "task", t.Label(), "result", result)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
