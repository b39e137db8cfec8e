package cronjob

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Action is what a scheduled task does to its server.
type Action string

const (
	ActionCommand Action = "command" // write Command to the console
	ActionRestart Action = "restart"
	ActionStop    Action = "stop"
	ActionStart   Action = "start"
)

// Task is one scheduled action against one server, e.g. a nightly restart
// or a periodic save-all.
type Task struct {
	Name     string `json:"name,omitempty" mapstructure:"name"`
	Server   string `json:"server" mapstructure:"-"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron expression, seconds optional, or @every/@daily
	Action   Action `json:"action" mapstructure:"action"`
	Command  string `json:"command,omitempty" mapstructure:"command"`
	// Announce is written to the console just before the action runs, for
	// example "say Restarting now". Skipped when the server is not running.
	Announce string `json:"announce,omitempty" mapstructure:"announce"`
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Label names the task in logs and metrics.
func (t Task) Label() string {
	if t.Name != "" {
		return t.Name
	}
	if f := strings.Fields(t.Command); t.Action == ActionCommand && len(f) > 0 {
		return string(t.Action) + ":" + f[0]
	}
	return string(t.Action)
}

// Validate checks the schedule expression and action fields.
func (t Task) Validate() error {
	if t.Schedule == "" {
		return fmt.Errorf("task %s: schedule is required", t.Label())
	}
	if _, err := parser.Parse(t.Schedule); err != nil {
		return fmt.Errorf("task %s: invalid schedule %q: %w", t.Label(), t.Schedule, err)
	}
	switch t.Action {
	case ActionCommand:
		if strings.TrimSpace(t.Command) == "" {
			return fmt.Errorf("task %s: command action requires command", t.Label())
		}
	case ActionRestart, ActionStop, ActionStart:
	default:
		return fmt.Errorf("task %s: unknown action %q", t.Label(), t.Action)
	}
	return nil
}
