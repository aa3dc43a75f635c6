package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
)

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "run", "botfleet.pid")

	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("writePidFile failed: %v", err)
	}
	b, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if string(b) != strconv.Itoa(os.Getpid()) {
		t.Errorf("pid file contains %q", b)
	}

	if err := removePidFile(pidFile); err != nil {
		t.Errorf("removePidFile failed: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Error("PID file was not removed")
	}
	if err := removePidFile(pidFile); err != nil {
		t.Errorf("removing a missing PID file should succeed: %v", err)
	}
}

func TestDaemonArgs(t *testing.T) {
	got := daemonArgs([]string{"serve", "--daemonize", "--config", "b.toml", "--logfile", "/tmp/x.log", "--logfile=/tmp/y.log", "--daemonize=true"})
	want := []string{"serve", "--config", "b.toml"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("daemonArgs = %v, want %v", got, want)
	}
}
