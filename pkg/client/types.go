package client

import (
	"fmt"
	"time"
)

// Status mirrors the control API's /status payload.
type Status struct {
	Name           string         `json:"name"`
	State          string         `json:"state"`
	Ready          bool           `json:"ready"`
	RunID          string         `json:"run_id,omitempty"`
	PID            int            `json:"pid,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	UptimeSeconds  float64        `json:"uptime_seconds"`
	Restarts       int            `json:"restarts"`
	MaxRestarts    int            `json:"max_restarts"`
	RestartPending bool           `json:"restart_pending"`
	Subsystems     []string       `json:"subsystems,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	LastExitCode   *int           `json:"last_exit_code,omitempty"`
	Network        Network        `json:"network"`
	Resources      *ResourceUsage `json:"resources,omitempty"`
}

// Network is how players reach the server.
type Network struct {
	LocalAddress  string         `json:"local_address,omitempty"`
	PublicAddress string         `json:"public_address,omitempty"`
	Ports         map[string]int `json:"ports,omitempty"`
}

// ResourceUsage of the server process.
type ResourceUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	NumThreads int32   `json:"num_threads"`
}

// Health is the /health payload.
type Health struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

type actionResponse struct {
	OK        bool   `json:"ok"`
	State     string `json:"state"`
	Delivered bool   `json:"delivered"`
}
