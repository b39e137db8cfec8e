//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// ScriptName is the launch script expected in a server's working directory.
const ScriptName = "start.sh"

func launchCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", script)
}

// configureSysProcAttr puts the child in its own process group so the whole
// tree (shell plus the JVM it forks) can be signalled at once.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree sends SIGKILL to the process group led by pid.
func killTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
