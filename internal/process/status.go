package process

import (
	"strconv"
	"time"
)

// Status is a point-in-time view of a supervised process.
type Status struct {
	ID         int       `json:"id"` // assigned by the manager, stable across restarts
	Name       string    `json:"name"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at"`
	ExitErr    string    `json:"exit_error,omitempty"`
	Restarts   int       `json:"restarts"`
	State      string    `json:"state"` // stopped, starting, running, stopping, errored
	MemoryRSS  uint64    `json:"memory_rss"`
	CPUPercent float64   `json:"cpu_percent"`
}

// Uptime is the time since StartedAt for a running process, else zero.
func (s Status) Uptime(now time.Time) time.Duration {
	if !s.Running || s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// ProcessID is the identifier persisted for a started worker, "<name>#<id>".
func (s Status) ProcessID() string {
	return s.Name + "#" + strconv.Itoa(s.ID)
}
