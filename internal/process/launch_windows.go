//go:build windows

package process

import (
	"os/exec"
	"strconv"
	"syscall"
)

// ScriptName is the launch script expected in a server's working directory.
const ScriptName = "start.bat"

// Windows creation flags
const createNewProcessGroup = 0x00000200

func launchCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command(script)
}

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// killTree terminates pid and every descendant. taskkill walks the parent
// chain the same way a job object would for children started after us.
func killTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	// #nosec G204
	return exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
}
