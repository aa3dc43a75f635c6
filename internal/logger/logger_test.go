package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestProcessWritersPaths(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name            string
		file            FileConfig
		wantOut, wantEr string
	}{
		{"dir derives both", FileConfig{Dir: dir}, filepath.Join(dir, "bot-T1.stdout.log"), filepath.Join(dir, "bot-T1.stderr.log")},
		{"explicit wins over dir", FileConfig{Dir: dir, StdoutPath: filepath.Join(dir, "tunes.out")}, filepath.Join(dir, "tunes.out"), filepath.Join(dir, "bot-T1.stderr.log")},
		{"stderr only", FileConfig{StderrPath: filepath.Join(dir, "only.err")}, "", filepath.Join(dir, "only.err")},
		{"nothing configured", FileConfig{}, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outW, errW, err := Config{File: tc.file}.ProcessWriters("bot-T1")
			if err != nil {
				t.Fatalf("ProcessWriters: %v", err)
			}
			defer closeIf(outW)
			defer closeIf(errW)
			checkWriter(t, "stdout", outW, tc.wantOut)
			checkWriter(t, "stderr", errW, tc.wantEr)
		})
	}
}

func checkWriter(t *testing.T, stream string, w io.WriteCloser, want string) {
	t.Helper()
	if want == "" {
		if w != nil {
			t.Fatalf("%s: expected no writer, got %T", stream, w)
		}
		return
	}
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("%s: writer is %T, want lumberjack", stream, w)
	}
	if l.Filename != want {
		t.Fatalf("%s: file %q want %q", stream, l.Filename, want)
	}
	if _, err := l.Write([]byte("worker output\n")); err != nil {
		t.Fatalf("%s: write: %v", stream, err)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("%s: file not created: %v", stream, err)
	}
}

func TestRotationSettings(t *testing.T) {
	outW, _, _ := Config{File: FileConfig{StdoutPath: filepath.Join(t.TempDir(), "a.log")}}.ProcessWriters("bot-T1")
	l := outW.(*lj.Logger)
	if l.MaxSize != DefaultMaxSizeMB || l.MaxBackups != DefaultMaxBackups || l.MaxAge != DefaultMaxAgeDays || l.Compress {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}

	outW, _, _ = Config{File: FileConfig{StdoutPath: filepath.Join(t.TempDir(), "b.log"), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 30, Compress: true}}.ProcessWriters("bot-T1")
	l = outW.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 30 || !l.Compress {
		t.Fatalf("overrides not applied: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestNewWithWriterFormats(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Format: "json", Level: "debug"}, &buf)
	l.Debug("hello", "tenant", "T1")
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("json output expected: %v (%s)", err, buf.String())
	}
	if m["tenant"] != "T1" || m["msg"] != "hello" {
		t.Fatalf("unexpected record: %v", m)
	}

	buf.Reset()
	l = NewWithWriter(Config{Level: "warn"}, &buf)
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level: %q", buf.String())
	}
	l.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn record missing: %q", buf.String())
	}

	buf.Reset()
	l = NewWithWriter(Config{Color: true}, &buf)
	l.Error("boom")
	if !strings.Contains(buf.String(), "\033[31mERROR") || !strings.Contains(buf.String(), "boom") {
		t.Fatalf("expected colored level prefix: %q", buf.String())
	}
}

func TestColorHandlerHidesTime(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewColorTextHandler(&buf, nil, false)).Info("tenant started", "tenant", "T1")
	if strings.Contains(buf.String(), "time=") {
		t.Fatalf("time should be dropped: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "tenant=T1") {
		t.Fatalf("attrs missing: %q", buf.String())
	}

	buf.Reset()
	slog.New(NewColorTextHandler(&buf, nil, true)).Info("x")
	if !strings.Contains(buf.String(), "time=") {
		t.Fatalf("time expected: %q", buf.String())
	}
}

func TestColorHandlerRawEscapes(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, nil, false)).With("tenant", "T1")
	l.Warn("restart limit reached", "restarts", 5)
	line := buf.String()
	if !strings.HasPrefix(line, "\033[33mWARN\033[0m ") {
		t.Fatalf("line should start with the raw colored level: %q", line)
	}
	if strings.Contains(line, `\x1b`) {
		t.Fatalf("escape codes were quoted: %q", line)
	}
	if !strings.Contains(line, `msg="restart limit reached"`) || !strings.Contains(line, "tenant=T1") || !strings.Contains(line, "restarts=5") {
		t.Fatalf("text fields missing: %q", line)
	}
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("expected one line: %q", line)
	}
}

func TestNewWritesDaemonFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "botfleet.log")
	l := New(Config{File: FileConfig{Path: path}})
	l.Info("started")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("daemon log not written: %v", err)
	}
	if !strings.Contains(string(b), "started") {
		t.Fatalf("unexpected log content: %q", b)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError, "bogus": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}
