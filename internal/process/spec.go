package process

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/botfleet/internal/logger"
)

// Spec describes one supervised OS process.
type Spec struct {
	Name            string        `json:"name"`
	Command         string        `json:"command"`          // command line; a shell is used only when needed
	WorkDir         string        `json:"work_dir"`         // optional working dir
	Env             []string      `json:"-"`                // KEY=VALUE overrides; may carry secrets, never serialized
	PIDFile         string        `json:"pid_file"`         // optional pidfile; guards against a second live copy
	StartDuration   time.Duration `json:"start_duration"`   // minimum time the process must stay up to be considered started
	AutoRestart     bool          `json:"auto_restart"`     // restart when the process dies unexpectedly
	RestartInterval time.Duration `json:"restart_interval"` // wait before an auto-restart
	MaxRestarts     int           `json:"max_restarts"`     // consecutive crash restarts before giving up; 0 = unlimited
	MaxMemoryBytes  uint64        `json:"max_memory_bytes"` // RSS ceiling; exceeding it triggers a restart; 0 = none
	StopWait        time.Duration `json:"stop_wait"`        // SIGTERM grace period before SIGKILL
	Log             logger.Config `json:"-"`
}

const (
	DefaultRestartInterval = 3 * time.Second
	DefaultStopWait        = 5 * time.Second
)

// StopWaitOrDefault returns StopWait, or DefaultStopWait when unset.
func (s Spec) StopWaitOrDefault() time.Duration {
	if s.StopWait > 0 {
		return s.StopWait
	}
	return DefaultStopWait
}

// RestartIntervalOrDefault returns RestartInterval, or DefaultRestartInterval when unset.
func (s Spec) RestartIntervalOrDefault() time.Duration {
	if s.RestartInterval > 0 {
		return s.RestartInterval
	}
	return DefaultRestartInterval
}

// Validate checks the fields the manager relies on.
func (s Spec) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return errors.New("process requires name")
	}
	if strings.ContainsAny(name, " \t\n\r/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("process %q: name contains whitespace, path separators or '..'", s.Name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("process %q requires command", s.Name)
	}
	if s.StartDuration < 0 || s.RestartInterval < 0 || s.StopWait < 0 {
		return fmt.Errorf("process %q: durations cannot be negative", s.Name)
	}
	if s.MaxRestarts < 0 {
		return fmt.Errorf("process %q: max_restarts cannot be negative", s.Name)
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns ARG
// with one pair of surrounding quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		after, ok := strings.CutPrefix(trim, p)
		if !ok {
			continue
		}
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
