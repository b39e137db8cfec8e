package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/loykin/craftvisor/internal/event"
	"github.com/loykin/craftvisor/internal/metrics"
	"github.com/loykin/craftvisor/internal/parser"
)

// ErrNotWritable is the message published when a command cannot reach stdin.
var ErrNotWritable = errors.New("command dropped: process not writable")

// Metrics is a point-in-time snapshot of a server.
type Metrics struct {
	Name        string  `json:"name"`
	Players     int     `json:"players"`
	TPS         float64 `json:"tps"`
	CPUPercent  float64 `json:"cpu"`
	MemoryBytes uint64  `json:"memory"`
	Uptime      int64   `json:"uptime"` // milliseconds, 0 unless running
	Status      State   `json:"status"`
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithParser replaces the console pattern table.
func WithParser(p parser.Parser) Option { return func(s *Supervisor) { s.parser = p } }

// WithClock replaces time.Now for start-time and uptime bookkeeping.
func WithClock(now func() time.Time) Option { return func(s *Supervisor) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.log = l } }

// WithEnv derives the launch environment from Config.Env each time the
// server is started. A nil or empty result inherits the daemon's environment.
func WithEnv(fn func(perServer []string) []string) Option {
	return func(s *Supervisor) { s.environ = fn }
}

// Supervisor owns one server process end-to-end: spawn, stdin, output
// parsing, state machine and termination. All state lives behind mu and is
// only changed by the supervisor itself; events are published outside the lock.
//
// Lock Hierarchy (to prevent deadlocks):
// 1. mu (state lock) - protects state, the current run and telemetry
// 2. run.writeMu - serializes stdin writes; never held while taking mu
type Supervisor struct {
	name    string
	dir     string
	cfg     Config
	bus     event.Publisher
	parser  parser.Parser
	now     func() time.Time
	log     *slog.Logger
	environ func([]string) []string
	launch  func(script string) *exec.Cmd

	mu             sync.Mutex
	runs           uint64
	state          State
	run            *run
	startedAt      time.Time
	players        map[string]struct{}
	tps            float64
	cpuPercent     float64
	memoryBytes    uint64
	restartPending bool
}

// run is one spawned process. A supervisor outlives many runs; exits and
// output from a run that is no longer current must not touch state.
type run struct {
	id        uint64
	cmd       *exec.Cmd
	writeMu   sync.Mutex
	stdin     io.WriteCloser
	outLog    io.WriteCloser
	errLog    io.WriteCloser
	stopTimer *time.Timer
	done      chan struct{}
}

func (r *run) write(text string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.stdin == nil {
		return ErrNotWritable
	}
	_, err := io.WriteString(r.stdin, text)
	return err
}

func (r *run) closeStdin() {
	r.writeMu.Lock()
	if r.stdin != nil {
		_ = r.stdin.Close()
		r.stdin = nil
	}
	r.writeMu.Unlock()
}

func (r *run) pid() int {
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// New creates a stopped supervisor for the server rooted at dir.
func New(name, dir string, cfg Config, bus event.Publisher, opts ...Option) *Supervisor {
	if bus == nil {
		bus = event.Discard
	}
	s := &Supervisor{
		name:    name,
		dir:     dir,
		cfg:     cfg.withDefaults(),
		bus:     bus,
		parser:  parser.Console{},
		now:     time.Now,
		launch:  launchCommand,
		players: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("server", name)
	return s
}

func (s *Supervisor) Name() string   { return s.name }
func (s *Supervisor) Dir() string    { return s.dir }
func (s *Supervisor) Config() Config { return s.cfg }

// Environ returns the environment the next launch would receive. Nil means
// the daemon's own environment is inherited.
func (s *Supervisor) Environ() []string {
	if s.environ == nil {
		return s.cfg.Env
	}
	return s.environ(s.cfg.Env)
}

// Start spawns the launch script. It is a no-op unless the server is
// stopped. Failures are reported as error events.
func (s *Supervisor) Start() {
	env := s.Environ()
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return
	}
	script := filepath.Join(s.dir, ScriptName)
	if _, err := os.Stat(script); err != nil {
		s.mu.Unlock()
		s.log.Warn("launch script missing", "script", script)
		s.publish(event.Error{Server: s.name, Message: fmt.Sprintf("start script not found: %s", script)})
		return
	}

	s.setStateLocked(StateStarting)
	s.startedAt = s.now()
	r, stdout, stderr, err := s.spawn(script, env)
	if err != nil {
		s.resetLocked()
		s.mu.Unlock()
		s.log.Error("spawn failed", "error", err)
		s.publish(event.Error{Server: s.name, Message: err.Error()})
		return
	}
	s.runs++
	r.id = s.runs
	s.run = r
	s.setStateLocked(StateRunning)
	s.mu.Unlock()

	s.log.Info("server started", "pid", r.pid(), "run", r.id)
	s.publish(event.Start{Server: s.name, Run: r.id})
	s.watch(r, stdout, stderr)
}

func (s *Supervisor) spawn(script string, env []string) (*run, io.ReadCloser, io.ReadCloser, error) {
	cmd := s.launch(script)
	cmd.Dir = s.dir
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("spawn %s: %w", script, err)
	}

	r := &run{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	outW, errW, err := s.cfg.Console.ProcessWriters(s.name)
	if err != nil {
		s.log.Warn("console log unavailable", "error", err)
	}
	r.outLog, r.errLog = outW, errW
	return r, stdout, stderr, nil
}

// watch drains both streams, then reaps the process. close is therefore
// always the last event of a run.
func (s *Supervisor) watch(r *run, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.pump(r, "stdout", stdout, r.outLog) }()
	go func() { defer wg.Done(); s.pump(r, "stderr", stderr, r.errLog) }()
	go func() {
		wg.Wait()
		_ = r.cmd.Wait()
		s.exited(r, exitCode(r.cmd.ProcessState))
	}()
}

func (s *Supervisor) pump(r *run, stream string, rd io.Reader, tee io.Writer) {
	br := bufio.NewReaderSize(rd, 64*1024)
	for {
		chunk, err := br.ReadString('\n')
		if chunk != "" {
			if tee != nil {
				_, _ = io.WriteString(tee, chunk)
			}
			s.consume(r, stream, chunk)
		}
		if err != nil {
			return
		}
	}
}

// consume republishes a chunk and folds parsed telemetry into state.
func (s *Supervisor) consume(r *run, stream, chunk string) {
	s.publish(event.Output{Server: s.name, Stream: stream, Chunk: chunk})

	parsed := s.parser.Parse(chunk)
	if len(parsed) == 0 {
		return
	}
	var out []event.Event
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	for _, p := range parsed {
		switch p.Kind {
		case parser.PlayerJoined:
			s.players[p.Player] = struct{}{}
			out = append(out, event.PlayerJoin{Server: s.name, Player: p.Player})
		case parser.PlayerLeft:
			delete(s.players, p.Player)
			out = append(out, event.PlayerLeave{Server: s.name, Player: p.Player})
		case parser.PlayerList:
			s.players = make(map[string]struct{}, len(p.Players))
			for _, name := range p.Players {
				s.players[name] = struct{}{}
			}
		case parser.TPSSample:
			s.tps = p.TPS
		}
	}
	players, tps := len(s.players), s.tps
	s.mu.Unlock()

	metrics.SetTelemetry(s.name, players, tps)
	for _, e := range out {
		s.publish(e)
	}
}

func (s *Supervisor) exited(r *run, code int) {
	s.mu.Lock()
	if r.stopTimer != nil {
		r.stopTimer.Stop()
	}
	current := s.run == r
	restart := false
	if current {
		s.run = nil
		s.resetLocked()
		restart = s.restartPending
		s.restartPending = false
	}
	s.mu.Unlock()

	r.closeStdin()
	closeIf(r.outLog)
	closeIf(r.errLog)
	if current {
		metrics.SetTelemetry(s.name, 0, 0)
		metrics.SetResourceUsage(s.name, 0, 0)
	}
	s.log.Info("server exited", "code", code, "run", r.id, "current", current)
	s.publish(event.Close{Server: s.name, Run: r.id, ExitCode: code})
	close(r.done)

	if restart {
		s.Start()
	}
}

// Stop writes the stop command when the server is running. It does not wait:
// the transition to stopped happens when the process exits. With a positive
// StopTimeout the supervisor kills the tree if the exit does not come in time.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	r := s.run
	if s.state != StateRunning || r == nil {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateStopping)
	if d := s.cfg.StopTimeout; d > 0 {
		r.stopTimer = time.AfterFunc(d, func() { s.escalate(r) })
	}
	s.mu.Unlock()

	if err := r.write(s.cfg.StopCommand + "\n"); err != nil {
		s.log.Warn("stop command not delivered", "error", err)
		s.publish(event.Error{Server: s.name, Message: ErrNotWritable.Error()})
	}
}

func (s *Supervisor) escalate(r *run) {
	s.mu.Lock()
	stuck := s.run == r && s.state == StateStopping
	s.mu.Unlock()
	if stuck {
		s.log.Warn("stop timeout elapsed, killing process tree", "timeout", s.cfg.StopTimeout)
		s.kill(r)
	}
}

// Kill terminates the whole process tree and resets to stopped. It is
// idempotent and safe to call with no process.
func (s *Supervisor) Kill() { s.kill(nil) }

// kill terminates only if the current run is want (nil means any).
func (s *Supervisor) kill(want *run) {
	s.mu.Lock()
	r := s.run
	if want != nil && r != want {
		s.mu.Unlock()
		return
	}
	s.run = nil
	s.restartPending = false
	s.resetLocked()
	s.mu.Unlock()

	metrics.SetTelemetry(s.name, 0, 0)
	metrics.SetResourceUsage(s.name, 0, 0)
	if r == nil {
		return
	}
	if r.stopTimer != nil {
		r.stopTimer.Stop()
	}
	r.closeStdin()
	if err := killTree(r.pid()); err != nil {
		s.log.Warn("kill process tree", "pid", r.pid(), "error", err)
	}
}

// Restart starts a stopped server immediately; otherwise it requests a
// graceful stop and starts again once the process has exited.
func (s *Supervisor) Restart() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		s.Start()
		return
	}
	s.restartPending = true
	s.mu.Unlock()
	s.Stop()
}

// SendCommand publishes a command event and writes text to stdin. When
// stdin is not writable the command is dropped and an error event follows.
func (s *Supervisor) SendCommand(text string) {
	s.publish(event.Command{Server: s.name, Text: text})

	s.mu.Lock()
	r := s.run
	writable := r != nil && s.state != StateStopped
	s.mu.Unlock()

	if writable {
		if err := r.write(text + "\n"); err == nil {
			return
		}
	}
	s.publish(event.Error{Server: s.name, Message: ErrNotWritable.Error()})
}

func (s *Supervisor) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Players returns the online players sorted by name.
func (s *Supervisor) Players() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.players))
	for p := range s.players {
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// PID returns the root PID of the live process, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return 0
	}
	return s.run.pid()
}

// Done returns a channel closed when the current run has fully exited.
// With no process it returns an already closed channel.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.run.done
}

// SetResourceUsage records sampled usage for the live process. It reports
// false, and records nothing, when no process is running.
func (s *Supervisor) SetResourceUsage(cpuPercent float64, memoryBytes uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return false
	}
	s.cpuPercent = cpuPercent
	s.memoryBytes = memoryBytes
	return true
}

func (s *Supervisor) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Metrics{
		Name:        s.name,
		Players:     len(s.players),
		TPS:         s.tps,
		CPUPercent:  s.cpuPercent,
		MemoryBytes: s.memoryBytes,
		Status:      s.state,
	}
	if s.state == StateRunning && !s.startedAt.IsZero() {
		m.Uptime = s.now().Sub(s.startedAt).Milliseconds()
	}
	return m
}

// resetLocked returns to stopped and clears everything derived from a run.
func (s *Supervisor) resetLocked() {
	s.setStateLocked(StateStopped)
	s.startedAt = time.Time{}
	s.players = make(map[string]struct{})
	s.tps = 0
	s.cpuPercent = 0
	s.memoryBytes = 0
}

func (s *Supervisor) setStateLocked(next State) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	metrics.RecordStateTransition(s.name, prev.String(), next.String())
	metrics.SetCurrentState(s.name, prev.String(), false)
	metrics.SetCurrentState(s.name, next.String(), true)
}

func (s *Supervisor) publish(e event.Event) { s.bus.Publish(e) }

func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	return ps.ExitCode()
}

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
