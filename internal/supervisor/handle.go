package supervisor

import (
	"time"

	"github.com/loykin/botfleet/internal/process"
	"github.com/loykin/botfleet/internal/tenant"
)

// Status is the worker state as reported to callers.
type Status string

const (
	StatusOnline    Status = "online"
	StatusStopped   Status = "stopped"
	StatusErrored   Status = "errored"
	StatusLaunching Status = "launching"
	StatusStopping  Status = "stopping"
)

// ProcessHandle is a point-in-time view of one tenant worker. It is a copy;
// callers re-Describe instead of holding on to it.
type ProcessHandle struct {
	TenantID    string    `json:"tenantId"`
	Name        string    `json:"name"`
	ProcessID   string    `json:"processId"`
	PID         int       `json:"pid"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	UptimeMS    int64     `json:"uptimeMs"`
	Restarts    int       `json:"restarts"`
	MemoryBytes uint64    `json:"memoryBytes"`
	CPUPercent  float64   `json:"cpuPercent"`
	ExitErr     string    `json:"exitError,omitempty"`
}

// Live reports whether the handle describes a running worker.
func (h ProcessHandle) Live() bool { return h.Status == StatusOnline }

// Uptime returns UptimeMS as a duration.
func (h ProcessHandle) Uptime() time.Duration { return time.Duration(h.UptimeMS) * time.Millisecond }

func handleFromStatus(st process.Status, now time.Time) ProcessHandle {
	id, _ := tenant.IDFromProcessName(st.Name)
	h := ProcessHandle{
		TenantID:  id,
		Name:      st.Name,
		ProcessID: st.ProcessID(),
		PID:       st.PID,
		Status:    statusFromState(st.State, st.Running),
		Restarts:  st.Restarts,
		ExitErr:   st.ExitErr,
	}
	if h.Status == StatusOnline {
		h.StartedAt = st.StartedAt
		h.UptimeMS = st.Uptime(now).Milliseconds()
		h.MemoryBytes = st.MemoryRSS
		h.CPUPercent = st.CPUPercent
	}
	return h
}

func statusFromState(state string, running bool) Status {
	switch state {
	case "running":
		if running {
			return StatusOnline
		}
		return StatusStopped
	case "starting":
		return StatusLaunching
	case "stopping":
		return StatusStopping
	case "errored":
		return StatusErrored
	default:
		return StatusStopped
	}
}
