package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

// readLines returns the JSON log lines written to path.
func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	if err := Sync(); err != nil {
		t.Logf("sync: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line map[string]any
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		out = append(out, line)
	}
	return out
}

func TestInitWritesJSON(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log.json")
	if err := Init(Config{Level: "debug", Format: "json", OutputPath: out}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer InitNop()

	Debug("hello", zap.String("k", "v"))
	lines := readLines(t, out)
	if len(lines) != 1 || lines[0]["msg"] != "hello" || lines[0]["k"] != "v" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestSetLevel(t *testing.T) {
	if err := Init(Config{Level: "loud", Format: "console", OutputPath: filepath.Join(t.TempDir(), "x")}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer InitNop()
	l := WithContext(context.Background())
	if l.Core().Enabled(zap.DebugLevel) {
		t.Error("an unknown level should fall back to info")
	}
	if err := SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if !l.Core().Enabled(zap.DebugLevel) {
		t.Error("debug should be enabled after SetLevel")
	}
	if err := SetLevel("chatty"); err == nil {
		t.Error("expected an error for an unknown level")
	}
	if err := SetLevel("info"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
}

func TestLinesReportTheirCaller(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log.json")
	if err := Init(Config{Level: "info", Format: "json", OutputPath: out}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer InitNop()

	Info("from helper")
	ctx := WithOperation(WithActor(context.Background(), "alice"), "op-1", "delete")
	WithContext(ctx).Info("from context")
	WithContext(context.Background()).Info("from process logger")

	lines := readLines(t, out)
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	for _, line := range lines {
		caller, _ := line["caller"].(string)
		if !strings.HasPrefix(caller, "logging/logging_test.go:") {
			t.Errorf("%v: caller = %q", line["msg"], caller)
		}
	}
	if lines[1]["actor"] != "alice" || lines[1]["operation_id"] != "op-1" {
		t.Errorf("context fields missing: %v", lines[1])
	}
}

func TestWithContextFallsBack(t *testing.T) {
	InitNop()
	ctx := WithActor(context.Background(), "bob")
	if WithContext(ctx) == WithContext(context.Background()) {
		t.Error("expected a derived logger in context")
	}
}
