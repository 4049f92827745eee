package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func intPtr(n int) *int { return &n }

func setupReadableFile(t *testing.T, lineCount int) (string, func()) {
	t.Helper()
	var b strings.Builder
	for i := 1; i <= lineCount; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return setupTestFile(t, strings.TrimRight(b.String(), "\n"))
}

func callRead(t *testing.T, handler *ReadHandler, args ReadArgs) (string, bool) {
	t.Helper()
	argsJSON, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	result, err := handler.Handle(context.Background(), argsJSON)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	text := ""
	if len(result.Content) > 0 {
		text = result.Content[0].Text
	}
	return text, result.IsError
}

func TestReadSmallFileReturnsFullContent(t *testing.T) {
	path, cleanup := setupReadableFile(t, 10)
	defer cleanup()

	handler := NewReadHandler(NewFileReadTracker(), nil)
	text, isErr := callRead(t, handler, ReadArgs{File: path})
	if isErr {
		t.Fatalf("expected success, got error: %s", text)
	}
	if !strings.Contains(text, "line 1") || !strings.Contains(text, "line 10") {
		t.Fatalf("expected full content, got %q", text)
	}
}

func TestReadSkipsCuratorBelowSmallThreshold(t *testing.T) {
	path, cleanup := setupReadableFile(t, 10)
	defer cleanup()

	handler := NewReadHandler(NewFileReadTracker(), nil)
	called := false
	handler.SetCurator(func(ctx context.Context, mode, content, convCtx string) (string, error) {
		called = true
		return `{"ranges":[{"start":1,"end":1,"note":"n"}]}`, nil
	}, intPtr(200), intPtr(500))

	if _, isErr := callRead(t, handler, ReadArgs{File: path}); isErr {
		t.Fatalf("expected success")
	}
	if called {
		t.Fatalf("curator should not be invoked below the small threshold")
	}
}

func TestReadSmallThresholdZeroCuratesEveryFile(t *testing.T) {
	path, cleanup := setupReadableFile(t, 1)
	defer cleanup()

	handler := NewReadHandler(NewFileReadTracker(), nil)
	called := false
	handler.SetCurator(func(ctx context.Context, mode, content, convCtx string) (string, error) {
		called = true
		return `{"ranges":[{"start":1,"end":1,"note":"n"}]}`, nil
	}, intPtr(0), intPtr(500))

	if _, isErr := callRead(t, handler, ReadArgs{File: path}); isErr {
		t.Fatalf("expected success")
	}
	if !called {
		t.Fatalf("an explicitly configured small_threshold=0 must send every file through curation")
	}
}

func TestReadDispatchesCuratedMode(t *testing.T) {
	path, cleanup := setupReadableFile(t, 50)
	defer cleanup()

	handler := NewReadHandler(NewFileReadTracker(), nil)
	var gotMode string
	handler.SetCurator(func(ctx context.Context, mode, content, convCtx string) (string, error) {
		gotMode = mode
		return `{"ranges":[{"start":1,"end":2,"note":"top"}]}`, nil
	}, intPtr(10), intPtr(100))

	text, isErr := callRead(t, handler, ReadArgs{File: path})
	if isErr {
		t.Fatalf("expected success, got %s", text)
	}
	if gotMode != "curated" {
		t.Fatalf("expected curated mode, got %q", gotMode)
	}
	if !strings.Contains(text, "line 1") {
		t.Fatalf("expected curated range in output, got %q", text)
	}
}

func TestReadDispatchesStructureModeAboveLargeThreshold(t *testing.T) {
	path, cleanup := setupReadableFile(t, 50)
	defer cleanup()

	handler := NewReadHandler(NewFileReadTracker(), nil)
	var gotMode string
	handler.SetCurator(func(ctx context.Context, mode, content, convCtx string) (string, error) {
		gotMode = mode
		return `{"ranges":[{"start":1,"end":1,"note":"sig"}]}`, nil
	}, intPtr(10), intPtr(20))

	if _, isErr := callRead(t, handler, ReadArgs{File: path}); isErr {
		t.Fatalf("expected success")
	}
	if gotMode != "structure" {
		t.Fatalf("expected structure mode, got %q", gotMode)
	}
}

func TestReadFallsBackToFullFileOnCuratorError(t *testing.T) {
	path, cleanup := setupReadableFile(t, 50)
	defer cleanup()

	handler := NewReadHandler(NewFileReadTracker(), nil)
	handler.SetCurator(func(ctx context.Context, mode, content, convCtx string) (string, error) {
		return "", fmt.Errorf("boom")
	}, intPtr(10), intPtr(100))

	text, isErr := callRead(t, handler, ReadArgs{File: path})
	if isErr {
		t.Fatalf("expected fallback success, got error")
	}
	if !strings.Contains(text, "line 1") || !strings.Contains(text, "line 50") {
		t.Fatalf("expected fallback to full file content, got %q", text)
	}
}

func TestReadFallsBackOnUnparsableCuratorOutput(t *testing.T) {
	path, cleanup := setupReadableFile(t, 50)
	defer cleanup()

	handler := NewReadHandler(NewFileReadTracker(), nil)
	handler.SetCurator(func(ctx context.Context, mode, content, convCtx string) (string, error) {
		return "not json", nil
	}, intPtr(10), intPtr(100))

	text, isErr := callRead(t, handler, ReadArgs{File: path})
	if isErr {
		t.Fatalf("expected fallback success")
	}
	if !strings.Contains(text, "line 50") {
		t.Fatalf("expected full fallback content, got %q", text)
	}
}

func TestReadExplicitRangeBypassesCurator(t *testing.T) {
	path, cleanup := setupReadableFile(t, 50)
	defer cleanup()

	handler := NewReadHandler(NewFileReadTracker(), nil)
	called := false
	handler.SetCurator(func(ctx context.Context, mode, content, convCtx string) (string, error) {
		called = true
		return `{"ranges":[]}`, nil
	}, intPtr(10), intPtr(100))

	text, isErr := callRead(t, handler, ReadArgs{File: path, Start: 5, End: 7})
	if isErr {
		t.Fatalf("expected success")
	}
	if called {
		t.Fatalf("explicit range should bypass the curator")
	}
	if !strings.Contains(text, "line 5") || strings.Contains(text, "line 8") {
		t.Fatalf("expected only the requested range, got %q", text)
	}
}

func TestReadRejectsFilesOverHardCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "huge.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(maxReadBytes + 1); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()

	origDir, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(origDir) //nolint:errcheck

	handler := NewReadHandler(NewFileReadTracker(), nil)
	text, isErr := callRead(t, handler, ReadArgs{File: "huge.bin"})
	if !isErr {
		t.Fatalf("expected error for oversized file")
	}
	if !strings.Contains(text, "read limit") {
		t.Fatalf("expected read-limit message, got %q", text)
	}
}
