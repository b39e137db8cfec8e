// Package pidfile manages the daemon pidfile. The file records the PID on
// its first line and the process start time as JSON on the second, so a
// PID reused by an unrelated process is not taken for a live daemon.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrRunning is returned by Acquire when the recorded daemon is alive.
var ErrRunning = errors.New("daemon already running")

type meta struct {
	StartUnix int64 `json:"start_unix"`
}

// File is a pidfile at Path.
type File struct {
	Path string
}

// Write records pid and its start time.
func (f File) Write(pid int) error {
	m, err := json.Marshal(meta{StartUnix: startUnix(pid)})
	if err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + string(m) + "\n"
	return os.WriteFile(filepath.Clean(f.Path), []byte(data), 0o644)
}

// Read returns the recorded PID and start time. A missing start time reads as 0.
func (f File) Read() (pid int, start int64, err error) {
	data, err := os.ReadFile(filepath.Clean(f.Path))
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return 0, 0, fmt.Errorf("invalid pid in %s", f.Path)
	}
	if len(lines) > 1 {
		var m meta
		if json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m) == nil {
			start = m.StartUnix
		}
	}
	return pid, start, nil
}

// Alive reports whether the recorded process still runs. A missing file is
// not an error.
func (f File) Alive() (int, bool, error) {
	pid, start, err := f.Read()
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if start > 0 {
		if cur := startUnix(pid); cur > 0 && cur != start {
			return pid, false, nil // reused
		}
	}
	ok, err := gopsproc.PidExists(int32(pid)) // #nosec G115
	if err != nil {
		return pid, false, nil
	}
	return pid, ok, nil
}

// Acquire writes pid unless the file names another live process. Stale or
// unreadable files are replaced.
func (f File) Acquire(pid int) error {
	if cur, alive, _ := f.Alive(); alive && cur != pid {
		return fmt.Errorf("%w (pid %d, %s)", ErrRunning, cur, f.Path)
	}
	return f.Write(pid)
}

// Remove deletes the file. A missing file is not an error.
func (f File) Remove() error {
	if err := os.Remove(filepath.Clean(f.Path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// startUnix returns the process start time in Unix seconds, or 0 when unknown.
func startUnix(pid int) int64 {
	p, err := gopsproc.NewProcess(int32(pid)) // #nosec G115
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}
