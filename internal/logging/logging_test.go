package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestInit_WritesJSONToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log.json")
	logger, err := Init(Config{Level: "debug", Format: "json", OutputPath: out})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	logger.Debug("hello", zap.String("k", "v"))
	logger.Sync()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("expected json entry, got %q", data)
	}
	if L() != logger {
		t.Error("expected L to return the initialized logger")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected a logger")
	}
}
