package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// DaemonStatus is the published view of one daemon.
type DaemonStatus struct {
	Daemon  string          `json:"daemon"`
	Name    string          `json:"name"`
	State   string          `json:"state"`
	Message string          `json:"message"`
	PID     int             `json:"pid,omitempty"`
	Uptime  time.Duration   `json:"uptime"`
	Stats   json.RawMessage `json:"stats"`
	Output  string          `json:"output,omitempty"`
	Process *ProcessSample  `json:"process,omitempty"`
}

// ProcessSample is one CPU and memory sample of a daemon process.
type ProcessSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Payout is one entry of the payout ledger.
type Payout struct {
	OccurredAt time.Time `json:"occurred_at"`
	Daemon     string    `json:"daemon"`
	AmountXMR  float64   `json:"amount_xmr"`
	Block      uint64    `json:"block"`
}

// InputRequest carries one console line for a daemon.
type InputRequest struct {
	Line string `json:"line"`
}

// PreferLocalNodeRequest toggles P2Pool's move to the local node.
type PreferLocalNodeRequest struct {
	Enabled bool `json:"enabled"`
}

// LoginRequest exchanges credentials for a Token.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token is a bearer token issued by the login endpoint.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for every non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}
