package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/craftvisor/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects every event published on a bus.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func newRecorder() (*event.Bus[event.Event], *recorder) {
	bus := event.NewBus[event.Event]()
	rec := &recorder{}
	bus.Subscribe(func(e event.Event) {
		rec.mu.Lock()
		rec.events = append(rec.events, e)
		rec.mu.Unlock()
	})
	return bus, rec
}

func (r *recorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func (r *recorder) ofKind(k event.Kind) []event.Event {
	var out []event.Event
	for _, e := range r.all() {
		if e.Kind() == k {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) count(k event.Kind) int { return len(r.ofKind(k)) }

// fakeRun installs a live run without spawning anything.
func fakeRun(s *Supervisor) *run {
	r := &run{done: make(chan struct{})}
	s.mu.Lock()
	s.run = r
	s.state = StateRunning
	s.startedAt = s.now()
	s.mu.Unlock()
	return r
}

func TestNewSupervisorDefaults(t *testing.T) {
	s := New("survival", t.TempDir(), Config{}, nil)
	assert.Equal(t, "survival", s.Name())
	assert.Equal(t, StateStopped, s.Status())
	assert.Equal(t, DefaultStopCommand, s.Config().StopCommand)
	assert.Zero(t, s.Config().StopTimeout)
	assert.Empty(t, s.Players())
	assert.Zero(t, s.PID())

	m := s.Metrics()
	assert.Equal(t, "survival", m.Name)
	assert.Equal(t, StateStopped, m.Status)
	assert.Zero(t, m.Uptime)
}

func TestNegativeStopTimeoutDisablesEscalation(t *testing.T) {
	s := New("a", t.TempDir(), Config{StopTimeout: -time.Second}, nil)
	assert.Zero(t, s.Config().StopTimeout)
}

func TestStartMissingScriptEmitsError(t *testing.T) {
	bus, rec := newRecorder()
	dir := t.TempDir()
	s := New("creative", dir, Config{}, bus)

	s.Start()

	assert.Equal(t, StateStopped, s.Status())
	errs := rec.ofKind(event.KindError)
	require.Len(t, errs, 1)
	msg := errs[0].(event.Error).Message
	assert.True(t, strings.HasPrefix(msg, "start script not found: "), msg)
	assert.Contains(t, msg, ScriptName)
	assert.Zero(t, rec.count(event.KindStart))
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	bus, rec := newRecorder()
	s := New("a", t.TempDir(), Config{}, bus)
	s.Stop()
	assert.Equal(t, StateStopped, s.Status())
	assert.Empty(t, rec.all())
}

func TestKillWithoutProcessIsIdempotent(t *testing.T) {
	bus, rec := newRecorder()
	s := New("a", t.TempDir(), Config{}, bus)
	s.Kill()
	s.Kill()
	assert.Equal(t, StateStopped, s.Status())
	assert.Empty(t, rec.all())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed with no process")
	}
}

func TestSendCommandWithoutProcessIsDropped(t *testing.T) {
	bus, rec := newRecorder()
	s := New("a", t.TempDir(), Config{}, bus)

	s.SendCommand("say hi")

	evs := rec.all()
	require.Len(t, evs, 2)
	assert.Equal(t, event.Command{Server: "a", Text: "say hi"}, evs[0])
	assert.Equal(t, event.Error{Server: "a", Message: ErrNotWritable.Error()}, evs[1])
}

func TestSendCommandAfterStdinClosedIsDropped(t *testing.T) {
	bus, rec := newRecorder()
	s := New("a", t.TempDir(), Config{}, bus)
	fakeRun(s) // stdin is nil

	s.SendCommand("list")
	assert.Equal(t, 1, rec.count(event.KindCommand))
	assert.Equal(t, 1, rec.count(event.KindError))
}

func TestConsumeJoinLeaveSymmetry(t *testing.T) {
	bus, rec := newRecorder()
	s := New("a", t.TempDir(), Config{}, bus)
	r := fakeRun(s)

	s.consume(r, "stdout", "[12:00:00 INFO]: Steve joined the game\n")
	s.consume(r, "stdout", "[12:00:01 INFO]: Alex joined the game\n")
	assert.Equal(t, []string{"Alex", "Steve"}, s.Players())

	s.consume(r, "stdout", "[12:00:02 INFO]: Steve left the game\n")
	assert.Equal(t, []string{"Alex"}, s.Players())
	assert.Equal(t, 1, s.Metrics().Players)

	assert.Equal(t, 3, rec.count(event.KindOutput))
	assert.Equal(t, 2, rec.count(event.KindPlayerJoin))
	leaves := rec.ofKind(event.KindPlayerLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, "Steve", leaves[0].(event.PlayerLeave).Player)
}

func TestConsumeOutputPrecedesPlayerEvents(t *testing.T) {
	bus, rec := newRecorder()
	s := New("a", t.TempDir(), Config{}, bus)
	r := fakeRun(s)

	s.consume(r, "stderr", "Steve joined the game\n")
	evs := rec.all()
	require.Len(t, evs, 2)
	assert.Equal(t, event.Output{Server: "a", Stream: "stderr", Chunk: "Steve joined the game\n"}, evs[0])
	assert.Equal(t, event.PlayerJoin{Server: "a", Player: "Steve"}, evs[1])
}

func TestConsumePlayerListReplacesSet(t *testing.T) {
	s := New("a", t.TempDir(), Config{}, nil)
	r := fakeRun(s)

	s.consume(r, "stdout", "Notch joined the game\n")
	s.consume(r, "stdout", "There are 2 of a max of 20 players online: Steve, Alex\n")
	assert.Equal(t, []string{"Alex", "Steve"}, s.Players())

	s.consume(r, "stdout", "There are 0 of a max of 20 players online:\n")
	assert.Empty(t, s.Players())
}

func TestConsumeTPSPersistsUntilOverwritten(t *testing.T) {
	s := New("a", t.TempDir(), Config{}, nil)
	r := fakeRun(s)

	s.consume(r, "stdout", "TPS from last 1m, 5m, 15m: 19.8, 19.9, 20.0\n")
	assert.InDelta(t, 19.8, s.Metrics().TPS, 1e-9)

	s.consume(r, "stdout", "nothing interesting\n")
	assert.InDelta(t, 19.8, s.Metrics().TPS, 1e-9)

	s.consume(r, "stdout", "Current TPS = 12.5\n")
	assert.InDelta(t, 12.5, s.Metrics().TPS, 1e-9)
}

func TestConsumeIgnoresStaleRun(t *testing.T) {
	bus, rec := newRecorder()
	s := New("a", t.TempDir(), Config{}, bus)
	stale := &run{done: make(chan struct{})}
	fakeRun(s)

	s.consume(stale, "stdout", "Steve joined the game\n")
	assert.Empty(t, s.Players())
	assert.Equal(t, 1, rec.count(event.KindOutput))
	assert.Zero(t, rec.count(event.KindPlayerJoin))
}

func TestUptimeUsesInjectedClock(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := New("a", t.TempDir(), Config{}, nil, WithClock(clock))
	fakeRun(s)

	mu.Lock()
	now = now.Add(90 * time.Second)
	mu.Unlock()

	assert.Equal(t, int64(90_000), s.Metrics().Uptime)

	s.Kill()
	m := s.Metrics()
	assert.Zero(t, m.Uptime)
	assert.Equal(t, StateStopped, m.Status)
}

func TestKillClearsTelemetry(t *testing.T) {
	s := New("a", t.TempDir(), Config{}, nil)
	r := fakeRun(s)
	s.consume(r, "stdout", "Steve joined the game\nTPS: 18.0\n")
	require.True(t, s.SetResourceUsage(42, 1<<20))

	s.Kill()

	m := s.Metrics()
	assert.Zero(t, m.Players)
	assert.Zero(t, m.TPS)
	assert.Zero(t, m.CPUPercent)
	assert.Zero(t, m.MemoryBytes)
	assert.False(t, s.SetResourceUsage(1, 1))
}

func TestExitOfStaleRunLeavesStateAlone(t *testing.T) {
	bus, rec := newRecorder()
	s := New("a", t.TempDir(), Config{}, bus)
	stale := &run{id: 1, done: make(chan struct{})}
	fakeRun(s).id = 2

	s.exited(stale, 0)

	assert.Equal(t, StateRunning, s.Status())
	closes := rec.ofKind(event.KindClose)
	require.Len(t, closes, 1)
	assert.Equal(t, uint64(1), closes[0].(event.Close).Run)
	<-stale.done
}

func TestExitResetsCurrentRun(t *testing.T) {
	bus, rec := newRecorder()
	s := New("a", t.TempDir(), Config{}, bus)
	r := fakeRun(s)
	s.consume(r, "stdout", "Steve joined the game\n")

	s.exited(r, 3)

	assert.Equal(t, StateStopped, s.Status())
	assert.Empty(t, s.Players())
	closes := rec.ofKind(event.KindClose)
	require.Len(t, closes, 1)
	assert.Equal(t, 3, closes[0].(event.Close).ExitCode)
	evs := rec.all()
	assert.Equal(t, event.KindClose, evs[len(evs)-1].Kind())
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateStopped:  "stopped",
		StateStarting: "starting",
		StateRunning:  "running",
		StateStopping: "stopping",
		State(99):     "unknown",
	}
	for st, want := range cases {
		assert.Equal(t, want, st.String())
		b, err := st.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, want, string(b))
	}
}

func TestValidName(t *testing.T) {
	for _, ok := range []string{"survival", "lobby-1", "Mod_Pack.v2"} {
		assert.True(t, ValidName(ok), ok)
	}
	for _, bad := range []string{"", "..", "a..b", "a/b", `a\b`, "with space", "é"} {
		assert.False(t, ValidName(bad), bad)
	}
}

func TestSpawnFailureReturnsToStopped(t *testing.T) {
	bus, rec := newRecorder()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ScriptName), []byte("exit 0\n"), 0o755))
	s := New("broken", dir, Config{}, bus)
	s.launch = func(string) *exec.Cmd { return exec.Command(filepath.Join(dir, "no-such-binary")) }

	s.Start()

	assert.Equal(t, StateStopped, s.Status())
	assert.Zero(t, s.PID())
	assert.Zero(t, s.Metrics().Uptime)
	assert.Zero(t, rec.count(event.KindStart))
	errs := rec.ofKind(event.KindError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].(event.Error).Message, "spawn")
	assert.Len(t, rec.all(), 1)

	// the supervisor stays usable
	s.launch = func(string) *exec.Cmd { return exec.Command(filepath.Join(dir, "still-missing")) }
	s.Start()
	assert.Equal(t, 2, rec.count(event.KindError))
}

func TestEnvironIsDerivedOnEachCall(t *testing.T) {
	s := New("a", t.TempDir(), Config{Env: []string{"LEVEL=world"}}, nil)
	assert.Equal(t, []string{"LEVEL=world"}, s.Environ())

	heap := "2G"
	s = New("a", t.TempDir(), Config{Env: []string{"LEVEL=world"}}, nil,
		WithEnv(func(perServer []string) []string {
			return append([]string{"HEAP=" + heap}, perServer...)
		}))
	assert.Equal(t, []string{"HEAP=2G", "LEVEL=world"}, s.Environ())
	heap = "4G"
	assert.Equal(t, []string{"HEAP=4G", "LEVEL=world"}, s.Environ())
	assert.Equal(t, []string{"LEVEL=world"}, s.Config().Env)
}
