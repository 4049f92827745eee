package mcptools

import "testing"

func TestFileReadTrackerMarkAndCheck(t *testing.T) {
	tracker := NewFileReadTracker()
	if tracker.WasRead("/tmp/a.go") {
		t.Fatalf("expected unread file to report false")
	}

	tracker.MarkRead("/tmp/a.go")
	if !tracker.WasRead("/tmp/a.go") {
		t.Fatalf("expected marked file to report true")
	}
	if tracker.WasRead("/tmp/b.go") {
		t.Fatalf("expected a different path to remain unread")
	}
}
