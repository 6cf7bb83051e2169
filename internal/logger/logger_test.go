package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"chatty":  slog.LevelDebug,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitFileWritesOnlyToFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "wterm.log")
	if err := InitFile("warn", path); err != nil {
		t.Fatalf("InitFile: %v", err)
	}
	Info("hidden")
	Warn("relay closed", "code", 1006)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Error("info line written at warn level")
	}
	if !strings.Contains(out, "relay closed") || !strings.Contains(out, "code=1006") {
		t.Errorf("log = %q", out)
	}
}

func TestInitBadPath(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	bad := filepath.Join(t.TempDir(), "missing", "dir", "x.log")
	if err := Init("info", bad); err == nil {
		t.Error("Init with unwritable log file succeeded")
	}
	if err := InitFile("info", ""); err != nil {
		t.Errorf("InitFile without file: %v", err)
	}
}
