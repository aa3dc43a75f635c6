package process

import (
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

// An explicit "sh -c '...'" must not be wrapped in a second shell.
func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnix(t)
	cmd := Spec{Name: "x", Command: "sh -c 'echo hi'"}.BuildCommand()
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if strings.HasPrefix(cmd.Args[2], "sh -c ") || cmd.Args[2] != "echo hi" {
		t.Fatalf("command was double-wrapped: %q", cmd.Args[2])
	}
}

func TestBuildCommand_MetacharTriggersShell(t *testing.T) {
	requireUnix(t)
	cmd := Spec{Name: "y", Command: "echo hi | wc -c"}.BuildCommand()
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("expected shell -c wrapping, got argv=%#v", cmd.Args)
	}
}

func TestBuildCommand_PlainArgv(t *testing.T) {
	cmd := Spec{Command: "  bun run  src/index.ts "}.BuildCommand()
	assert.Equal(t, []string{"bun", "run", "src/index.ts"}, cmd.Args)

	cmd = Spec{}.BuildCommand()
	assert.Equal(t, "/bin/true", cmd.Path)
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name        string
		spec        Spec
		errContains string
	}{
		{"valid", Spec{Name: "bot-T1", Command: "sleep 1"}, ""},
		{"empty name", Spec{Command: "sleep 1"}, "requires name"},
		{"whitespace name", Spec{Name: "  ", Command: "sleep 1"}, "requires name"},
		{"separator in name", Spec{Name: "a/b", Command: "sleep 1"}, "path separators"},
		{"traversal", Spec{Name: "a..b", Command: "sleep 1"}, "path separators"},
		{"no command", Spec{Name: "bot-T1"}, "requires command"},
		{"negative wait", Spec{Name: "bot-T1", Command: "x", StopWait: -time.Second}, "negative"},
		{"negative restarts", Spec{Name: "bot-T1", Command: "x", MaxRestarts: -1}, "max_restarts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.errContains)
			}
		})
	}
}

func TestSpecDefaults(t *testing.T) {
	assert.Equal(t, DefaultStopWait, Spec{}.StopWaitOrDefault())
	assert.Equal(t, DefaultRestartInterval, Spec{}.RestartIntervalOrDefault())
	assert.Equal(t, time.Second, Spec{StopWait: time.Second}.StopWaitOrDefault())
}
