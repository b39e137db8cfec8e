package process

import (
	"strings"
	"time"

	"github.com/loykin/craftvisor/internal/logger"
)

// DefaultStopCommand is written to stdin by Stop when Config.StopCommand is empty.
const DefaultStopCommand = "stop"

// Config holds per-server behavior overrides.
type Config struct {
	StopCommand string        `json:"stop_command,omitempty" mapstructure:"stop_command"`
	StopTimeout time.Duration `json:"stop_timeout,omitempty" mapstructure:"stop_timeout"` // 0 disables escalation to Kill
	// Env holds this server's own KEY=VALUE entries. A Manager layers them
	// over its globals and the daemon's environment at every start; a bare
	// Supervisor launches with Env as given, and empty inherits the daemon's.
	Env []string `json:"env,omitempty" mapstructure:"env"`
	// Console tees server output to rotated files when Dir or explicit paths are set.
	Console logger.FileConfig `json:"console,omitempty" mapstructure:"console"`
}

func (c Config) withDefaults() Config {
	if c.StopCommand == "" {
		c.StopCommand = DefaultStopCommand
	}
	if c.StopTimeout < 0 {
		c.StopTimeout = 0
	}
	return c
}

// ValidName reports whether name is usable as a server name. Names end up
// in console log file names, so only [A-Za-z0-9._-] is allowed and ".." is
// rejected.
func ValidName(name string) bool {
	if name == "" || strings.Contains(name, "..") {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
