package client

import (
	"encoding/json"
	"time"
)

// TenantSetup creates or updates a tenant. An empty Token keeps the stored credential.
type TenantSetup struct {
	OwnerUserID    string `json:"ownerUserId,omitempty"`
	BotName        string `json:"botName,omitempty"`
	ApplicationID  string `json:"applicationId,omitempty"`
	Token          string `json:"token,omitempty"`
	DefaultVolume  int    `json:"defaultVolume"`
	Enable247      bool   `json:"enable247"`
	EnableAutoplay bool   `json:"enableAutoplay"`
}

// Tenant is a stored tenant with its worker, if any.
type Tenant struct {
	TenantID       string         `json:"tenantId"`
	OwnerUserID    string         `json:"ownerUserId,omitempty"`
	BotName        string         `json:"botName,omitempty"`
	ApplicationID  string         `json:"applicationId,omitempty"`
	DefaultVolume  int            `json:"defaultVolume"`
	Enable247      bool           `json:"enable247"`
	EnableAutoplay bool           `json:"enableAutoplay"`
	DesiredState   string         `json:"desiredState"`
	ProcessID      string         `json:"processId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	Process        *ProcessHandle `json:"process,omitempty"`
}

// ProcessHandle describes a tenant worker.
type ProcessHandle struct {
	TenantID    string    `json:"tenantId"`
	Name        string    `json:"name"`
	ProcessID   string    `json:"processId"`
	PID         int       `json:"pid"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	UptimeMS    int64     `json:"uptimeMs"`
	Restarts    int       `json:"restarts"`
	MemoryBytes uint64    `json:"memoryBytes"`
	CPUPercent  float64   `json:"cpuPercent"`
	ExitErr     string    `json:"exitError,omitempty"`
}

// ControlResult is the outcome of a control message: replied, pending or
// rejected. Reply holds the worker's reply payload including its action.
type ControlResult struct {
	Outcome   string          `json:"outcome"`
	RequestID string          `json:"requestId"`
	Reply     json.RawMessage `json:"reply,omitempty"`
}

// ReplyAction returns the reply's action, e.g. "profileData".
func (r ControlResult) ReplyAction() string {
	var h struct {
		Action string `json:"action"`
	}
	if len(r.Reply) == 0 || json.Unmarshal(r.Reply, &h) != nil {
		return ""
	}
	return h.Action
}

type ProcessStats struct {
	Status      string  `json:"status"`
	ProcessID   string  `json:"processId,omitempty"`
	PID         int     `json:"pid,omitempty"`
	UptimeMS    int64   `json:"uptimeMs"`
	Restarts    int     `json:"restarts"`
	MemoryBytes uint64  `json:"memoryBytes"`
	CPUPercent  float64 `json:"cpuPercent"`
}

type ProbeResult struct {
	ID                 string    `json:"id"`
	DisplayName        string    `json:"displayName"`
	Verified           bool      `json:"verified"`
	GuildCount         int       `json:"guildCount"`
	EstimatedUserCount int       `json:"estimatedUserCount"`
	CheckedAt          time.Time `json:"checkedAt"`
}

// Snapshot is the aggregated status of one tenant.
type Snapshot struct {
	TenantID      string       `json:"tenantId"`
	ApplicationID string       `json:"applicationId,omitempty"`
	BotName       string       `json:"botName,omitempty"`
	DesiredState  string       `json:"desiredState"`
	Process       ProcessStats `json:"process"`
	Probe         *ProbeResult `json:"probe,omitempty"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

type SystemStats struct {
	CPUPercent       float64   `json:"cpu"`
	MemoryPercent    float64   `json:"memory"`
	TotalMemoryBytes uint64    `json:"totalMemoryBytes"`
	FreeMemoryBytes  uint64    `json:"freeMemoryBytes"`
	UptimeSeconds    uint64    `json:"uptime"`
	Timestamp        time.Time `json:"timestamp"`
}

type AllStats struct {
	System SystemStats `json:"system"`
	Bots   struct {
		Total       int        `json:"total"`
		Active      int        `json:"active"`
		Inactive    int        `json:"inactive"`
		TotalGuilds int        `json:"totalGuilds"`
		TotalUsers  int        `json:"totalUsers"`
		List        []Snapshot `json:"list"`
	} `json:"bots"`
}

type DatabaseStats struct {
	TotalTenants   int `json:"totalTenants"`
	DesiredRunning int `json:"desiredRunning"`
	DesiredStopped int `json:"desiredStopped"`
	ActiveBots     int `json:"activeBots"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
