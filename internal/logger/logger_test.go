package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"info", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestUninitializedIsNoop(t *testing.T) {
	defaultLogger = nil
	Debug("ignored %d", 1)
	Info("ignored")
	Warn("ignored")
	Error("ignored")
	Sync()
}

func TestInitWithFileWritesRotatedLog(t *testing.T) {
	t.Cleanup(func() { defaultLogger = nil })

	path := filepath.Join(t.TempDir(), "gapscope.log")
	InitWithFile("warn", "text", path)

	Info("below threshold")
	Warn("cache for %s expired", "share.csv")
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "below threshold") {
		t.Errorf("info line written at warn level: %s", out)
	}
	if !strings.Contains(out, "cache for share.csv expired") {
		t.Errorf("warn line missing: %s", out)
	}
	if !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("file output is not JSON: %s", out)
	}
}
