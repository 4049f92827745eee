package app

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/localharness/harness/internal/delta"
	"github.com/localharness/harness/internal/graphrag"
	"github.com/localharness/harness/internal/provider"
	"github.com/localharness/harness/internal/store"
)

func newTestHost(input string, indexing *graphrag.Engine) (*Host, *bytes.Buffer) {
	var out bytes.Buffer
	h := &Host{
		opts: Options{Indexing: indexing},
		in:   bufio.NewReader(strings.NewReader(input)),
		out:  &out,
	}
	return h, &out
}

func TestRunIndexingLoopFullIndexingDrainsQueueWithoutRewrite(t *testing.T) {
	e := graphrag.NewEngine(nil)
	e.Enqueue("a.go", "line 1\nline 2\n")
	h, out := newTestHost("f\n", e)
	h.history = []provider.Message{{Role: "tool", Content: "Read a.go (50 lines):\n\nline 1\nline 2"}}

	h.runIndexingLoop(context.Background())

	if e.Pending() {
		t.Fatalf("expected queue drained")
	}
	if h.history[0].Content != "Read a.go (50 lines):\n\nline 1\nline 2" {
		t.Fatalf("full_indexing must not rewrite history, got %q", h.history[0].Content)
	}
	if !strings.Contains(out.String(), "queue drained") {
		t.Fatalf("expected drained message, got %q", out.String())
	}
}

func TestRunIndexingLoopCustomLinesRewritesMatchingHistoryEntry(t *testing.T) {
	e := graphrag.NewEngine(nil)
	e.Enqueue("big.c", "line 1\nline 2\nline 3\n")
	h, _ := newTestHost("c\n2-3\n", e)
	h.history = []provider.Message{
		{Role: "user", Content: "read big.c"},
		{Role: "tool", Content: "Read big.c (3 lines):\n\nline 1\nline 2\nline 3"},
	}

	h.runIndexingLoop(context.Background())

	if e.Pending() {
		t.Fatalf("expected queue drained")
	}
	rewritten := h.history[1].Content
	if !strings.Contains(rewritten, "line 2") || !strings.Contains(rewritten, "line 3") {
		t.Fatalf("expected curated lines in rewrite, got %q", rewritten)
	}
	if strings.Contains(rewritten, "line 1") {
		t.Fatalf("expected line 1 excluded from curated rewrite, got %q", rewritten)
	}
}

func TestRunIndexingLoopMetadataOnlyRewritesToSummary(t *testing.T) {
	e := graphrag.NewEngine(nil)
	e.Enqueue("secrets.env", "SECRET=1\n")
	h, _ := newTestHost("m\n", e)
	h.history = []provider.Message{{Role: "tool", Content: "Read secrets.env (1 lines):\n\nSECRET=1"}}

	h.runIndexingLoop(context.Background())

	if !strings.Contains(h.history[0].Content, "not saved") {
		t.Fatalf("expected metadata-only summary, got %q", h.history[0].Content)
	}
}

func TestRunIndexingLoopUnrecognizedChoiceLeavesFileQueued(t *testing.T) {
	e := graphrag.NewEngine(nil)
	e.Enqueue("a.go", "line 1\n")
	h, out := newTestHost("bogus\n", e)

	h.runIndexingLoop(context.Background())

	if !e.Pending() {
		t.Fatalf("expected file to remain queued after an unrecognized choice")
	}
	if !strings.Contains(out.String(), "unrecognized") {
		t.Fatalf("expected an error message, got %q", out.String())
	}
}

func TestRunStopsProcessingTurnsOnceMaxIterationsReached(t *testing.T) {
	prov := provider.NewMock("mock", "ok")
	var out bytes.Buffer
	h := New(Options{
		Provider:      prov,
		ProviderName:  "mock",
		MaxIterations: 1,
		In:            strings.NewReader("first\nsecond\n"),
		Out:           &out,
	})

	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if h.iterationCount != 1 {
		t.Fatalf("expected iteration_count to stop at 1, got %d", h.iterationCount)
	}
	if !strings.Contains(out.String(), "maximum iterations reached") {
		t.Fatalf("expected iteration-limit notice, got %q", out.String())
	}

	var sawSecondTurn bool
	for _, m := range h.history {
		if m.Content == "second" {
			sawSecondTurn = true
		}
	}
	if sawSecondTurn {
		t.Fatalf("expected the second user message to never be processed once the cap was hit")
	}
}

func TestRunSingleEchoTurnReachesIterationCountOne(t *testing.T) {
	prov := provider.NewMock("mock", "hello")
	var out bytes.Buffer
	h := New(Options{
		Provider:     prov,
		ProviderName: "mock",
		In:           strings.NewReader("hi\n"),
		Out:          &out,
	})

	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.iterationCount != 1 {
		t.Fatalf("expected iteration_count=1 after one turn, got %d", h.iterationCount)
	}
}

func TestIsUndoCommand(t *testing.T) {
	for _, line := range []string{"/undo", "/UNDO", " /undo "} {
		if !isUndoCommand(strings.TrimSpace(line)) {
			t.Errorf("isUndoCommand(%q) = false, want true", line)
		}
	}
	if isUndoCommand("undo") {
		t.Error(`isUndoCommand("undo") = true, want false (only the slash form counts)`)
	}
}

func TestHandleUndoWithoutDeltaTrackerReportsDisabled(t *testing.T) {
	var out bytes.Buffer
	h := &Host{out: &out}

	h.handleUndo()

	if !strings.Contains(out.String(), "not enabled") {
		t.Fatalf("expected a not-enabled message, got %q", out.String())
	}
}

func TestHandleUndoWithNoCompletedTurnReportsNothingToUndo(t *testing.T) {
	cache := openTestCacheForUndo(t)
	var out bytes.Buffer
	h := &Host{
		opts: Options{DeltaTracker: delta.New(cache.DB()), SessionID: "s1"},
		out:  &out,
	}

	h.handleUndo()

	if !strings.Contains(out.String(), "nothing to undo") {
		t.Fatalf("expected a nothing-to-undo message, got %q", out.String())
	}
}

func TestHandleUndoRevertsLastTurnAndClearsJournal(t *testing.T) {
	cache := openTestCacheForUndo(t)
	dt := delta.New(cache.DB())
	dt.SetSession("s1")

	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("original"), 0600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	dt.BeginTurn(1)
	dt.RecordModify(path, []byte("original"))
	if err := os.WriteFile(path, []byte("changed"), 0600); err != nil {
		t.Fatalf("overwrite file: %v", err)
	}

	var out bytes.Buffer
	h := &Host{
		opts:       Options{DeltaTracker: dt, SessionID: "s1"},
		out:        &out,
		lastTurnID: 1,
	}

	h.handleUndo()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read reverted file: %v", err)
	}
	if string(got) != "original" {
		t.Fatalf("expected file reverted to %q, got %q", "original", got)
	}
	if !strings.Contains(out.String(), "reverted 1 file") {
		t.Fatalf("expected a reverted-1-file message, got %q", out.String())
	}
	if h.lastTurnID != 0 {
		t.Fatalf("expected lastTurnID cleared after undo, got %d", h.lastTurnID)
	}

	// A second /undo should find nothing left to revert — the journal was cleared.
	h.lastTurnID = 1
	out.Reset()
	h.handleUndo()
	if !strings.Contains(out.String(), "no file changes recorded") {
		t.Fatalf("expected the journal to be empty after DeleteTurn, got %q", out.String())
	}
}

func openTestCacheForUndo(t *testing.T) *store.Cache {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "undo-test.db")
	c, err := store.Open(dbPath, time.Hour)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestParseLineRange(t *testing.T) {
	start, end, err := parseLineRange("10-20\n")
	if err != nil {
		t.Fatalf("parseLineRange: %v", err)
	}
	if start != 10 || end != 20 {
		t.Fatalf("expected 10-20, got %d-%d", start, end)
	}

	if _, _, err := parseLineRange("garbage"); err == nil {
		t.Fatalf("expected error for malformed range")
	}
}
