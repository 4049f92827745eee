package graphrag

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

type fakeIndexer struct {
	calls int
	err   error
}

func (f *fakeIndexer) Index(ctx context.Context, path, content string) error {
	f.calls++
	return f.err
}

func fiveLineContent() string {
	var b strings.Builder
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return strings.TrimRight(b.String(), "\n")
}

func TestEnqueueDeduplicatesByPath(t *testing.T) {
	e := NewEngine(nil)
	e.Enqueue("a.go", "content")
	e.Enqueue("a.go", "content again")
	if len(e.queue) != 1 {
		t.Fatalf("expected one queued task, got %d", len(e.queue))
	}
}

func TestEnqueueSkipsAlreadyIndexedFiles(t *testing.T) {
	indexer := &fakeIndexer{}
	e := NewEngine(indexer)
	e.Enqueue("a.go", fiveLineContent())

	if _, _, err := e.Resolve(context.Background(), Choice{Disposition: FullIndexing}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	e.Enqueue("a.go", fiveLineContent())
	if e.Pending() {
		t.Fatalf("expected no pending task for an already-indexed file")
	}
}

func TestResolveFullIndexingCallsIndexer(t *testing.T) {
	indexer := &fakeIndexer{}
	e := NewEngine(indexer)
	e.Enqueue("a.go", fiveLineContent())

	rewritten, ok, err := e.Resolve(context.Background(), Choice{Disposition: FullIndexing})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ok {
		t.Fatalf("expected no rewrite for full_indexing")
	}
	if rewritten != "" {
		t.Fatalf("expected empty rewrite content")
	}
	if indexer.calls != 1 {
		t.Fatalf("expected indexer to be called once, got %d", indexer.calls)
	}
	if e.Pending() {
		t.Fatalf("expected queue drained after resolve")
	}
}

func TestResolveCustomLinesRetainsOriginalLineNumbers(t *testing.T) {
	e := NewEngine(nil)
	e.Enqueue("big.c", fiveLineContent())

	rewritten, ok, err := e.Resolve(context.Background(), Choice{
		Disposition: CustomLines,
		Range:       LineRange{Start: 2, End: 3},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok {
		t.Fatalf("expected a rewrite for custom_lines")
	}
	if !strings.Contains(rewritten, "line 2") || !strings.Contains(rewritten, "line 3") {
		t.Fatalf("expected selected lines in rewrite, got %q", rewritten)
	}
	if strings.Contains(rewritten, "line 1") || strings.Contains(rewritten, "line 4") {
		t.Fatalf("expected only the selected range, got %q", rewritten)
	}
}

func TestResolveMetadataOnlyProducesSummary(t *testing.T) {
	e := NewEngine(nil)
	e.Enqueue("secrets.env", fiveLineContent())

	rewritten, ok, err := e.Resolve(context.Background(), Choice{Disposition: MetadataOnly})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok {
		t.Fatalf("expected a rewrite for metadata_only")
	}
	if !strings.Contains(rewritten, "secrets.env") || !strings.Contains(rewritten, "not saved") {
		t.Fatalf("unexpected summary: %q", rewritten)
	}
}

func TestResolveWithEmptyQueueErrors(t *testing.T) {
	e := NewEngine(nil)
	if _, _, err := e.Resolve(context.Background(), Choice{Disposition: FullIndexing}); err == nil {
		t.Fatalf("expected error when nothing is pending")
	}
}

func TestResolveRejectsUnknownDisposition(t *testing.T) {
	e := NewEngine(nil)
	e.Enqueue("a.go", fiveLineContent())
	if _, _, err := e.Resolve(context.Background(), Choice{Disposition: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown disposition")
	}
}
