// Package api holds the public wire types the worker serves under /v0.
// Clients poll these to watch a fleet drain without importing worker
// internals.
package api

import "time"

// Health is the /v0/healthz response. Status is "ok", or "degraded"
// when the run journal stops answering.
type Health struct {
	Status        string  `json:"status"`
	Worker        string  `json:"worker"`
	Version       string  `json:"version"`
	Time          string  `json:"time"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Run is one recorded task execution, newest first in /v0/runs.
type Run struct {
	TaskID   string    `json:"task_id"`
	TaskName string    `json:"task_name"`
	Image    string    `json:"image"`
	Command  string    `json:"command"`
	Result   RunResult `json:"result"`
}

// RunResult mirrors the result the worker reported to the queue.
type RunResult struct {
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	LogKey     string    `json:"log_key,omitempty"`
	Error      string    `json:"error,omitempty"`
	Worker     string    `json:"worker"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Stats is the /v0/stats response.
type Stats struct {
	Worker        string         `json:"worker"`
	Version       string         `json:"version"`
	Phase         string         `json:"phase,omitempty"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Tasks         map[string]int `json:"tasks"`
	Host          HostStats      `json:"host"`
}

// HostStats is a point-in-time snapshot of the machine running the
// worker.
type HostStats struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}
