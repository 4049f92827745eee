package mcptools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGrepFindsFileByName(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "widget.go"), []byte("package main"), 0644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	origDir, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(origDir) //nolint:errcheck

	args, _ := json.Marshal(GrepArgs{Pattern: "widget"})
	result, err := MakeGrepHandler()(context.Background(), args)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error result")
	}
	if !strings.Contains(result.Content[0].Text, "widget.go") {
		t.Fatalf("expected widget.go in results, got %q", result.Content[0].Text)
	}
}

func TestGrepRejectsEmptyPattern(t *testing.T) {
	args, _ := json.Marshal(GrepArgs{Pattern: ""})
	result, err := MakeGrepHandler()(context.Background(), args)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error for empty pattern")
	}
}
