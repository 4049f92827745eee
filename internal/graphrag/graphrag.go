// Package graphrag implements the secondary indexing loop: once a turn ends
// with no outstanding tool calls, every file Read enqueued (and not yet
// indexed) is disposed of one at a time, with the user choosing whether it
// gets handed to the indexer, trimmed to a line range, or reduced to a
// one-line summary in the conversation history.
//
// This is not a background worker. It cooperates with the master loop as a
// small state machine so the host can prompt for one file, apply the
// choice, then move to the next — the same single-threaded model the rest
// of the engine uses, so the queue needs no locking.
package graphrag

import (
	"context"
	"fmt"
	"strings"

	"github.com/localharness/harness/internal/hashline"
)

// Disposition is the user's choice for one queued file.
type Disposition string

const (
	FullIndexing Disposition = "full_indexing"
	CustomLines  Disposition = "custom_lines"
	MetadataOnly Disposition = "metadata_only"
)

// LineRange is a 1-indexed, inclusive line range for CustomLines.
type LineRange struct {
	Start int
	End   int
}

// Choice is what the user picked for the file currently pending.
type Choice struct {
	Disposition Disposition
	Range       LineRange
}

// IndexingTask is one file queued for disposition, carrying the exact
// content its Read tool call returned so a CustomLines choice re-slices the
// same text rather than re-reading the file from disk.
type IndexingTask struct {
	Path    string
	Content string
}

// Indexer hands a file's content to the external GraphRAG indexer (LLM
// summarization + embedding). The engine only queues and consumes; how a
// file actually gets indexed is outside this package's scope.
type Indexer interface {
	Index(ctx context.Context, path, content string) error
}

// Engine is the per-session indexing queue and disposition state machine.
// A nil Indexer makes FullIndexing a no-op besides marking the file
// indexed, which is fine for sessions that never configured one.
type Engine struct {
	indexer Indexer
	queue   []IndexingTask
	indexed map[string]bool
}

// NewEngine creates an engine. indexer may be nil.
func NewEngine(indexer Indexer) *Engine {
	return &Engine{indexer: indexer, indexed: make(map[string]bool)}
}

// Enqueue adds a file to the indexing queue. It satisfies
// mcptools.IndexingQueue so a *Engine can be wired straight into
// ReadHandler.SetIndexingQueue.
func (e *Engine) Enqueue(path, content string) {
	if e.indexed[path] {
		return
	}
	for _, t := range e.queue {
		if t.Path == path {
			return
		}
	}
	e.queue = append(e.queue, IndexingTask{Path: path, Content: content})
}

// Pending reports whether any file is waiting for a disposition.
func (e *Engine) Pending() bool {
	return len(e.queue) > 0
}

// Peek returns the file currently at the front of the queue without
// removing it — this is the file the host should prompt the user about.
func (e *Engine) Peek() (IndexingTask, bool) {
	if len(e.queue) == 0 {
		return IndexingTask{}, false
	}
	return e.queue[0], true
}

// Resolve applies the user's choice to the file at the front of the queue
// and pops it. For FullIndexing it returns ok=false (nothing to rewrite in
// history). For CustomLines/MetadataOnly it returns the replacement content
// the host should retroactively write over the original tool message.
func (e *Engine) Resolve(ctx context.Context, choice Choice) (rewritten string, ok bool, err error) {
	task, has := e.Peek()
	if !has {
		return "", false, fmt.Errorf("no file pending disposition")
	}
	e.queue = e.queue[1:]

	switch choice.Disposition {
	case FullIndexing:
		if e.indexer != nil {
			if err := e.indexer.Index(ctx, task.Path, task.Content); err != nil {
				return "", false, fmt.Errorf("index %s: %w", task.Path, err)
			}
		}
		e.indexed[task.Path] = true
		return "", false, nil

	case CustomLines:
		lines := strings.Split(task.Content, "\n")
		start, end := choice.Range.Start, choice.Range.End
		if start < 1 {
			start = 1
		}
		if end <= 0 || end > len(lines) {
			end = len(lines)
		}
		if start > end {
			return "", false, fmt.Errorf("invalid range %d-%d for %s (%d lines)", start, end, task.Path, len(lines))
		}
		tagged := hashline.TagLines(strings.Join(lines[start-1:end], "\n"), start)
		return fmt.Sprintf("Read %s (lines %d-%d, curated) (%d lines):\n\n%s",
			task.Path, start, end, len(tagged), hashline.FormatTagged(tagged)), true, nil

	case MetadataOnly:
		return fmt.Sprintf("Tool: Read; File: %s; Status: Read successfully (content not saved)", task.Path), true, nil

	default:
		return "", false, fmt.Errorf("unknown disposition %q", choice.Disposition)
	}
}
