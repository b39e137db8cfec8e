package client

import "time"

// AddRequest registers a server directory with the daemon.
type AddRequest struct {
	Name        string   `json:"name"`
	Dir         string   `json:"dir"`
	StopCommand string   `json:"stop_command,omitempty"`
	StopTimeout string   `json:"stop_timeout,omitempty"` // Go duration syntax
	Env         []string `json:"env,omitempty"`
}

type AddResponse struct {
	Name  string `json:"name"`
	Added bool   `json:"added"`
}

// ServerStatus is the lifecycle state of one server.
type ServerStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	PID    int    `json:"pid,omitempty"`
}

// ServerMetrics mirrors the daemon's metrics snapshot.
type ServerMetrics struct {
	Name        string  `json:"name"`
	Players     int     `json:"players"`
	TPS         float64 `json:"tps"`
	CPUPercent  float64 `json:"cpu"`
	MemoryBytes uint64  `json:"memory"`
	Uptime      int64   `json:"uptime"` // milliseconds
	Status      string  `json:"status"`
}

// Task is one scheduled task with its next and previous run times.
type Task struct {
	Name     string    `json:"name,omitempty"`
	Schedule string    `json:"schedule"`
	Action   string    `json:"action"`
	Command  string    `json:"command,omitempty"`
	Announce string    `json:"announce,omitempty"`
	Next     time.Time `json:"-"`
	Prev     time.Time `json:"-"`
}

type taskEntry struct {
	Task Task      `json:"task"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

type tasksResponse struct {
	Name  string      `json:"name"`
	Tasks []taskEntry `json:"tasks"`
}

type playersResponse struct {
	Name    string   `json:"name"`
	Players []string `json:"players"`
}

type commandRequest struct {
	Command string `json:"command"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
