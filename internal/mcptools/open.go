package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/localharness/harness/internal/hashline"
	"github.com/localharness/harness/internal/lsp"
	"github.com/localharness/harness/internal/mcp"
	"github.com/localharness/harness/internal/treesitter"
)

const (
	// defaultSmallThreshold is the line count below which a file is returned
	// in full; a small threshold passed to SetCurator overrides it (main passes
	// config.GraphRAGConfig.FileReadSmallLines).
	defaultSmallThreshold = 200
	// defaultLargeThreshold is the line count above which curation switches
	// from curated mode to structure mode; a large threshold passed to
	// SetCurator overrides it (main passes config.GraphRAGConfig.FileReadLargeLines).
	defaultLargeThreshold = 500
	// maxReadBytes is the hard cap on how much of a file Read will load.
	maxReadBytes = 10 * 1024 * 1024
)

// ReadArgs represents arguments for the Read tool.
type ReadArgs struct {
	File  string `json:"file"`
	Start int    `json:"start,omitempty"` // Optional: start line (1-indexed)
	End   int    `json:"end,omitempty"`   // Optional: end line (1-indexed)
}

// NewReadTool creates the Read tool definition.
func NewReadTool() mcp.Tool {
	return mcp.Tool{
		Name:        "Read",
		Description: `Reads a file and returns hashline-tagged content. Each line is returned as "linenum:hash|content". You MUST Read a file before editing it with Edit. Use start/end for line ranges. Large files are automatically curated to the most relevant sections.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file":  {"type": "string", "description": "Path to the file to read"},
				"start": {"type": "integer", "description": "Optional: starting line number (1-indexed, inclusive)"},
				"end":   {"type": "integer", "description": "Optional: ending line number (1-indexed, inclusive)"}
			},
			"required": ["file"]
		}`),
	}
}

// CuratorFunc invokes the file_curator sub-agent in curated or structure mode
// against a file's full content, returning its raw text response (expected to
// be curatorOutput JSON). conversationContext is whatever the callback set by
// SetConversationContext returns ("" when none is set).
type CuratorFunc func(ctx context.Context, mode, fileContent, conversationContext string) (string, error)

// IndexingQueue receives raw file content (the file as read from disk, not
// the line-tagged text Read returns) for the GraphRAG secondary loop to
// index. Read enqueues a task whenever it serves a file that hasn't been
// indexed yet; a nil queue means indexing is disabled.
type IndexingQueue interface {
	Enqueue(path, content string)
}

// curatorRange is one selected line range in a file_curator response.
type curatorRange struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Note  string `json:"note"`
}

type curatorOutput struct {
	Ranges []curatorRange `json:"ranges"`
}

// ReadHandler handles Read tool calls.
type ReadHandler struct {
	tracker    *FileReadTracker
	lspManager *lsp.Manager
	tsIndex    *treesitter.Index

	curator             CuratorFunc
	smallThreshold      *int
	largeThreshold      *int
	conversationContext func() string
	indexingQueue       IndexingQueue
	indexed             map[string]bool
}

// NewReadHandler creates a handler for the Read tool.
func NewReadHandler(tracker *FileReadTracker, lspManager *lsp.Manager) *ReadHandler {
	return &ReadHandler{tracker: tracker, lspManager: lspManager, indexed: make(map[string]bool)}
}

// SetTSIndex sets the tree-sitter index for incremental updates on read.
func (h *ReadHandler) SetTSIndex(idx *treesitter.Index) { h.tsIndex = idx }

// SetCurator wires the file_curator sub-agent into the size-adaptive read
// pipeline. A nil threshold means "unset" and falls back to the package
// default; a non-nil threshold is honored exactly as given, including a
// configured 0 (§8: "small_threshold = 0" means every file is curated).
func (h *ReadHandler) SetCurator(fn CuratorFunc, smallThreshold, largeThreshold *int) {
	h.curator = fn
	h.smallThreshold = smallThreshold
	h.largeThreshold = largeThreshold
}

// SetConversationContext wires a callback whose result is passed to the
// curator as its conversation context on every curated Read.
func (h *ReadHandler) SetConversationContext(fn func() string) {
	h.conversationContext = fn
}

// SetIndexingQueue wires the GraphRAG indexing queue. Every Read of a
// not-yet-indexed file enqueues its raw content under the path as the
// caller gave it, the same path that heads the Read tool result.
func (h *ReadHandler) SetIndexingQueue(q IndexingQueue) {
	h.indexingQueue = q
}

// thresholds resolves the configured small/large thresholds, substituting
// the package default only when a threshold was never set (nil) — an
// explicitly configured 0 is returned as 0, not overridden.
func (h *ReadHandler) thresholds() (small, large int) {
	small = defaultSmallThreshold
	if h.smallThreshold != nil {
		small = *h.smallThreshold
	}
	large = defaultLargeThreshold
	if h.largeThreshold != nil {
		large = *h.largeThreshold
	}
	return small, large
}

// Handle implements the mcp.ToolHandler interface.
func (h *ReadHandler) Handle(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args ReadArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}
	if args.File == "" {
		return toolError("File path cannot be empty"), nil
	}

	absPath, err := validatePath(args.File)
	if err != nil {
		return toolError("%v", err), nil
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return toolError("Failed to stat file: %v", err), nil
	}
	if info.Size() > maxReadBytes {
		return toolError("File is %s, exceeding the %s read limit. Use Grep to search it.",
			humanize.Bytes(uint64(info.Size())), humanize.Bytes(maxReadBytes)), nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return toolError("Failed to read file: %v", err), nil
	}

	h.tracker.MarkRead(absPath)
	if h.lspManager != nil {
		go h.lspManager.TouchFile(context.Background(), absPath)
	}
	if h.tsIndex != nil {
		go h.tsIndex.UpdateFile(absPath)
	}

	lines := strings.Split(string(content), "\n")

	// Explicit start/end always wins over size-adaptive curation.
	if args.Start > 0 || args.End > 0 {
		selectedContent, startLine, err := extractRange(lines, string(content), args.Start, args.End)
		if err != nil {
			return toolError("%v", err), nil
		}
		tagged := hashline.TagLines(selectedContent, startLine)
		end := args.End
		if end <= 0 || end > len(lines) {
			end = len(lines)
		}
		h.enqueueIndexing(absPath, args.File, string(content))
		return toolText(fmt.Sprintf("Read %s (lines %d-%d) (%d lines):\n\n%s",
			args.File, startLine, end, len(tagged), hashline.FormatTagged(tagged))), nil
	}

	small, large := h.thresholds()
	if h.curator != nil && len(lines) >= small {
		mode := "curated"
		if len(lines) > large {
			mode = "structure"
		}
		if curated, ok := h.tryCurate(ctx, mode, string(content), lines); ok {
			h.enqueueIndexing(absPath, args.File, string(content))
			return toolText(fmt.Sprintf("Read %s via file_curator (%s mode, %d lines total):\n\n%s",
				args.File, mode, len(lines), curated)), nil
		}
		// Curator failed (execution, non-success, or JSON parse) — fall
		// through and return the full file per the spec's fallback rule.
	}

	tagged := hashline.TagLines(string(content), 1)
	h.enqueueIndexing(absPath, args.File, string(content))
	return toolText(fmt.Sprintf("Read %s (%d lines):\n\n%s", args.File, len(tagged), hashline.FormatTagged(tagged))), nil
}

// tryCurate invokes the curator and reformats its selected ranges. It
// returns ok=false on any execution, parse, or empty-result failure so the
// caller falls back to the full file.
func (h *ReadHandler) tryCurate(ctx context.Context, mode, content string, lines []string) (string, bool) {
	convCtx := ""
	if h.conversationContext != nil {
		convCtx = h.conversationContext()
	}

	raw, err := h.curator(ctx, mode, content, convCtx)
	if err != nil {
		return "", false
	}

	var out curatorOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil || len(out.Ranges) == 0 {
		return "", false
	}

	var b strings.Builder
	for _, r := range out.Ranges {
		if r.Start < 1 || r.End < r.Start || r.End > len(lines) {
			continue
		}
		tagged := hashline.TagLines(strings.Join(lines[r.Start-1:r.End], "\n"), r.Start)
		fmt.Fprintf(&b, "# lines %d-%d", r.Start, r.End)
		if r.Note != "" {
			fmt.Fprintf(&b, ": %s", r.Note)
		}
		b.WriteString("\n")
		b.WriteString(hashline.FormatTagged(tagged))
		b.WriteString("\n\n")
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

func (h *ReadHandler) enqueueIndexing(absPath, displayPath, content string) {
	if h.indexingQueue == nil || h.indexed[absPath] {
		return
	}
	h.indexed[absPath] = true
	h.indexingQueue.Enqueue(displayPath, content)
}

// extractRange returns the selected content and start line number for a line range.
func extractRange(lines []string, full string, start, end int) (string, int, error) {
	if start <= 0 && end <= 0 {
		return full, 1, nil
	}
	if start <= 0 {
		start = 1
	}
	if start < 1 || start > len(lines) {
		return "", 0, fmt.Errorf("start line %d out of range (file has %d lines)", start, len(lines))
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return "", 0, fmt.Errorf("invalid range: start (%d) > end (%d)", start, end)
	}
	return strings.Join(lines[start-1:end], "\n"), start, nil
}
