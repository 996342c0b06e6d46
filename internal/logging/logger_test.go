package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "convsync.log")

	logger, err := New(path, "u1", "info")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Debug("hidden")
	logger.Info("visible")
	_ = logger.Sync()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q", sc.Text())
		}
		lines = append(lines, entry)
	}
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1 (debug filtered)", len(lines))
	}
	if lines[0]["msg"] != "visible" || lines[0]["participant"] != "u1" {
		t.Errorf("entry = %v", lines[0])
	}
}

func TestNewStderrOnly(t *testing.T) {
	if _, err := New("", "", "debug"); err != nil {
		t.Fatalf("New() error = %v", err)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("", "", "loud"); err == nil {
		t.Error("New() expected error for unknown level")
	}
}
