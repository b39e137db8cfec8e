//go:build !windows

package manager

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/craftvisor/internal/event"
	"github.com/loykin/craftvisor/internal/metrics"
	"github.com/loykin/craftvisor/internal/process"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	script := "while IFS= read -r line; do echo \"$line\"; done\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, process.ScriptName), []byte(script), 0o755))
	return dir
}

// closeCodes records the exit code of each server's last close event.
func closeCodes() (*event.Bus[event.Event], func() map[string]int) {
	var mu sync.Mutex
	codes := map[string]int{}
	bus := event.NewBus[event.Event]()
	bus.Subscribe(func(e event.Event) {
		if c, ok := e.(event.Close); ok {
			mu.Lock()
			codes[c.Server] = c.ExitCode
			mu.Unlock()
		}
	})
	return bus, func() map[string]int {
		mu.Lock()
		defer mu.Unlock()
		out := make(map[string]int, len(codes))
		for k, v := range codes {
			out[k] = v
		}
		return out
	}
}

func TestLifecycleThroughRegistry(t *testing.T) {
	m := NewManager(nil)
	m.AddServer("survival", serverDir(t), process.Config{})
	m.AddServer("creative", serverDir(t), process.Config{})
	defer m.Shutdown(5 * time.Second)

	require.True(t, m.Start("survival"))
	st, _ := m.Status("survival")
	assert.Equal(t, process.StateRunning, st)

	pids := m.PIDs()
	assert.Len(t, pids, 1)
	assert.Positive(t, pids["survival"])

	require.True(t, m.SendCommand("survival", "Steve joined the game"))
	require.Eventually(t, func() bool {
		return len(m.Players("survival")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, m.SetResourceUsage("survival", 12.5, 4096))
	mt, ok := m.Metrics("survival")
	require.True(t, ok)
	assert.Equal(t, 1, mt.Players)
	assert.Equal(t, uint64(4096), mt.MemoryBytes)
	assert.False(t, m.SetResourceUsage("creative", 1, 1))
}

func TestShutdownKillsEverything(t *testing.T) {
	m := NewManager(nil)
	m.AddServer("a", serverDir(t), process.Config{})
	m.AddServer("b", serverDir(t), process.Config{})
	m.Start("a")
	m.Start("b")
	require.Len(t, m.PIDs(), 2)

	m.Shutdown(5 * time.Second)

	assert.Empty(t, m.PIDs())
	for _, n := range m.Names() {
		st, _ := m.Status(n)
		assert.Equal(t, process.StateStopped, st)
	}
}

func TestRemoveServerKillsProcess(t *testing.T) {
	m := NewManager(nil)
	s, _ := m.AddServer("a", serverDir(t), process.Config{})
	m.Start("a")
	done := s.Done()

	require.True(t, m.RemoveServer("a"))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process not reaped after remove")
	}
	assert.Equal(t, process.StateStopped, s.Status())
}

func TestServerSeesMergedEnvironment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, process.ScriptName), []byte("echo \"TPS: $FAKE_TPS\"\nwhile IFS= read -r line; do :; done\n"), 0o755))

	m := NewManager(nil)
	m.SetGlobalEnv([]string{"FAKE_TPS=17.5"})
	m.AddServer("envtest", dir, process.Config{})
	defer m.Shutdown(5 * time.Second)

	m.Start("envtest")
	require.Eventually(t, func() bool {
		mt, _ := m.Metrics("envtest")
		return mt.TPS == 17.5
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopAllIsGracefulFirst(t *testing.T) {
	graceful := t.TempDir()
	script := "while IFS= read -r line; do\n  [ \"$line\" = stop ] && exit 0\ndone\n"
	require.NoError(t, os.WriteFile(filepath.Join(graceful, process.ScriptName), []byte(script), 0o755))
	stubborn := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(stubborn, process.ScriptName), []byte("while IFS= read -r line; do :; done\n"), 0o755))

	bus, closes := closeCodes()
	m := NewManager(bus)
	m.AddServer("graceful", graceful, process.Config{})
	m.AddServer("stubborn", stubborn, process.Config{StopCommand: "save-all"})
	m.Start("graceful")
	m.Start("stubborn")
	require.Len(t, m.PIDs(), 2)

	m.StopAll(300*time.Millisecond, 5*time.Second)

	assert.Empty(t, m.PIDs())
	got := closes()
	assert.Equal(t, 0, got["graceful"])
	assert.Equal(t, -1, got["stubborn"])
}

func TestGlobalEnvSetAfterAddReachesLaunch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, process.ScriptName), []byte("echo \"HEAP=$HEAP\"\n"), 0o755))

	var mu sync.Mutex
	var out strings.Builder
	bus := event.NewBus[event.Event]()
	bus.Subscribe(func(e event.Event) {
		if o, ok := e.(event.Output); ok {
			mu.Lock()
			out.WriteString(o.Chunk)
			mu.Unlock()
		}
	})

	m := NewManager(bus)
	s, _ := m.AddServer("survival", dir, process.Config{})
	m.SetGlobalEnv([]string{"HEAP=4G"})
	require.True(t, m.Start("survival"))
	defer m.Shutdown(5 * time.Second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(out.String(), "HEAP=4G")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, s.Config().Env)
}

// seriesFor counts gathered series carrying label name=server.
func seriesFor(t *testing.T, server string) map[string]int {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	out := map[string]int{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "name" && l.GetValue() == server {
					out[f.GetName()]++
				}
			}
		}
	}
	return out
}

func TestRemoveServerLeavesNoMetricSeries(t *testing.T) {
	require.NoError(t, metrics.Register(prometheus.DefaultRegisterer))
	bus := event.NewBus[event.Event]()
	defer metrics.Observe(bus)()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, process.ScriptName), []byte("sleep 30\n"), 0o755))
	m := NewManager(bus)
	s, _ := m.AddServer("removed", dir, process.Config{})
	require.True(t, m.Start("removed"))
	require.NotEmpty(t, seriesFor(t, "removed"))
	done := s.Done()

	require.True(t, m.RemoveServer("removed"))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process not reaped after remove")
	}

	got := seriesFor(t, "removed")
	assert.Empty(t, got)
	assert.NotContains(t, got, "craftvisor_server_closes_total")
}
