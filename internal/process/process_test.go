package process

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botfleet/internal/logger"
)

func waitUntil(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestStartStop(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "sleeper", Command: "sleep 30"})
	require.NoError(t, p.Start(nil))

	st := p.Snapshot()
	assert.True(t, st.Running)
	assert.Greater(t, st.PID, 0)
	assert.True(t, p.Alive())

	require.NoError(t, p.Stop(2*time.Second))
	assert.False(t, p.Alive())
	assert.True(t, p.StopRequested())
	st = p.Snapshot()
	assert.False(t, st.Running)
	assert.False(t, st.StoppedAt.IsZero())
}

func TestStopEscalatesToKill(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "stubborn", Command: "sh -c 'trap \"\" TERM; while true; do sleep 0.05; done'"})
	require.NoError(t, p.Start(nil))
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Stop(200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.False(t, p.Alive())
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	p := New(Spec{Name: "never"})
	assert.NoError(t, p.Stop(time.Second))
	assert.False(t, p.Alive())
	assert.Nil(t, p.Done())
}

func TestExitIsObserved(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "short", Command: "sh -c 'exit 3'"})
	require.NoError(t, p.Start(nil))
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("exit not observed")
	}
	st := p.Snapshot()
	assert.False(t, st.Running)
	assert.Contains(t, st.ExitErr, "exit status 3")
	assert.False(t, p.StopRequested())
}

func TestEnforceStartDuration(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "quick", Command: "sh -c 'exit 0'"})
	require.NoError(t, p.Start(nil))
	assert.ErrorIs(t, p.EnforceStartDuration(time.Second), ErrExitedEarly)

	p2 := New(Spec{Name: "steady", Command: "sleep 5"})
	require.NoError(t, p2.Start(nil))
	defer func() { _ = p2.Stop(time.Second) }()
	assert.NoError(t, p2.EnforceStartDuration(100*time.Millisecond))
	assert.NoError(t, p2.EnforceStartDuration(0))
}

func TestEnvAndWorkDir(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	p := New(Spec{Name: "env", Command: "sh -c 'echo $BOT_NAME > " + out + "; pwd >> " + out + "'", WorkDir: dir})
	require.NoError(t, p.Start([]string{"BOT_NAME=Jukebox", "PATH=" + os.Getenv("PATH")}))
	<-p.Done()
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Jukebox", lines[0])
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{dir, resolved}, lines[1])
}

func TestLogWriters(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	p := New(Spec{
		Name:    "bot-logs",
		Command: "sh -c 'echo out-line; echo err-line 1>&2'",
		Log:     logger.Config{File: logger.FileConfig{Dir: dir}},
	})
	require.NoError(t, p.Start(nil))
	<-p.Done()

	ok := waitUntil(t, time.Second, func() bool {
		b, err := os.ReadFile(filepath.Join(dir, "bot-logs.stdout.log"))
		return err == nil && strings.Contains(string(b), "out-line")
	})
	assert.True(t, ok, "stdout log not written")
	b, err := os.ReadFile(filepath.Join(dir, "bot-logs.stderr.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "err-line")
}

func TestUsage(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "usage", Command: "sleep 5"})
	_, err := p.Usage()
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, p.Start(nil))
	defer func() { _ = p.Stop(time.Second) }()
	u, err := p.Usage()
	require.NoError(t, err)
	assert.Greater(t, u.MemoryRSS, uint64(0))
	assert.GreaterOrEqual(t, u.CPUPercent, 0.0)
}

func TestStartFailure(t *testing.T) {
	p := New(Spec{Name: "missing", Command: "/definitely/not/a/binary"})
	assert.Error(t, p.Start(nil))
	assert.False(t, p.Alive())
}
