// Package tenant holds the persisted tenant record and the process naming
// convention shared by the supervisor, the control plane and the monitor.
package tenant

import (
	"errors"
	"strings"
	"time"
)

// ProcessPrefix is prepended to a tenant id to form its worker process name.
const ProcessPrefix = "bot-"

// DesiredState is the operator's intent for a tenant's worker.
type DesiredState string

const (
	DesiredStopped DesiredState = "stopped"
	DesiredRunning DesiredState = "running"
)

var (
	// ErrNotFound is returned by stores for an unknown tenant id.
	ErrNotFound = errors.New("tenant not found")
	// ErrInvalidID is returned for ids that cannot form a safe process name.
	ErrInvalidID = errors.New("invalid tenant id")
)

// Record is the persisted state for one tenant's worker.
// EncryptedCredential is always a vault envelope; plaintext never lands here.
type Record struct {
	TenantID            string       `json:"tenantId"`
	OwnerUserID         string       `json:"ownerUserId,omitempty"`
	BotName             string       `json:"botName,omitempty"`
	ApplicationID       string       `json:"applicationId,omitempty"`
	EncryptedCredential string       `json:"-"`
	DefaultVolume       int          `json:"defaultVolume"`
	Enable247           bool         `json:"enable247"`
	EnableAutoplay      bool         `json:"enableAutoplay"`
	DesiredState        DesiredState `json:"desiredState"`
	ProcessID           string       `json:"processId,omitempty"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

// ProcessName returns the worker process name for the record.
func (r Record) ProcessName() string { return ProcessName(r.TenantID) }

// ProcessName returns "bot-<tenantID>".
func ProcessName(tenantID string) string { return ProcessPrefix + tenantID }

// IsProcessName reports whether name follows the worker naming convention.
func IsProcessName(name string) bool {
	return strings.HasPrefix(name, ProcessPrefix) && len(name) > len(ProcessPrefix)
}

// IDFromProcessName strips the prefix. ok is false for foreign names.
func IDFromProcessName(name string) (string, bool) {
	if !IsProcessName(name) {
		return "", false
	}
	return strings.TrimPrefix(name, ProcessPrefix), true
}

// ValidateID accepts [A-Za-z0-9_-] ids up to 64 characters. Ids end up in
// file names and process names, so dots and separators are rejected.
func ValidateID(id string) error {
	if id == "" || len(id) > 64 {
		return ErrInvalidID
	}
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return ErrInvalidID
	}
	return nil
}
