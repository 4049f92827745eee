// Package app implements the master loop and the interactive host: the
// read-eval-print cycle that turns typed lines into conversation turns,
// streams the model's response to the terminal, and resolves permission
// prompts inline.
package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/localharness/harness/internal/delta"
	"github.com/localharness/harness/internal/graphrag"
	"github.com/localharness/harness/internal/llm"
	"github.com/localharness/harness/internal/mcp"
	"github.com/localharness/harness/internal/policy"
	"github.com/localharness/harness/internal/provider"
	"github.com/localharness/harness/internal/store"
)

// ScratchpadReader is satisfied by *mcptools.Scratchpad without this package
// importing mcptools (which would cycle back through llm).
type ScratchpadReader interface {
	Content() string
}

// Options configures one Host.
type Options struct {
	Provider      provider.Provider
	ProviderName  string
	Proxy         *mcp.Proxy
	Tools         []mcp.Tool
	SystemPrompt  string
	Engine        *policy.Engine
	Indexing      *graphrag.Engine // nil disables the GraphRAG secondary loop
	Scratchpad    ScratchpadReader
	Cache         *store.Cache
	DeltaTracker  *delta.Tracker // nil disables /undo; turn-scoped file-change journal
	SessionID     string
	History       []provider.Message // resumed session history, may be nil
	MaxToolDepth  int                // §4.D/§8 max_tool_depth: contiguous tool-call rounds per turn (default 15)
	MaxIterations int                // §4.D/§8 max_iterations: master-loop passes per session (default 10)
	In            io.Reader
	Out           io.Writer
}

// DefaultMaxIterations is the default ceiling on master-loop passes across a
// session (spec §4.D/§8 max_iterations, tracked as AppState.iteration_count).
const DefaultMaxIterations = 10

// Host drives the master loop: it owns conversation state (AppState) and the
// stdin/stdout interaction that SPEC_FULL.md's interactive-host component
// describes in place of a rendered TUI.
type Host struct {
	opts           Options
	history        []provider.Message
	in             *bufio.Reader
	out            io.Writer
	iterationCount int   // AppState.iteration_count: master-loop passes so far this session
	lastTurnID     int64 // iteration_count of the last turn that completed without error, 0 if none yet
}

// New creates a Host. If opts.SystemPrompt is set, it is injected as the
// first message of a fresh session (resumed sessions already carry theirs).
func New(opts Options) *Host {
	history := opts.History
	if len(history) == 0 && opts.SystemPrompt != "" {
		history = []provider.Message{{Role: "system", Content: opts.SystemPrompt, CreatedAt: time.Now()}}
	}
	return &Host{
		opts:    opts,
		history: history,
		in:      bufio.NewReader(opts.In),
		out:     opts.Out,
	}
}

// Run executes the master loop until the context is cancelled, the input
// stream is exhausted, or the user types an exit command.
func (h *Host) Run(ctx context.Context) error {
	fmt.Fprintf(h.out, "localharness — %s (%s). Type /exit to quit.\n", h.opts.ProviderName, providerModelHint(h.opts.Provider))

	executor := llm.NewExecutor(h.opts.Engine, h.promptPermission)

	maxIterations := h.opts.MaxIterations
	if maxIterations == 0 {
		maxIterations = DefaultMaxIterations
	}

	for {
		fmt.Fprint(h.out, "\n> ")
		line, err := h.in.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if isExitCommand(line) {
			return nil
		}

		if isUndoCommand(line) {
			h.handleUndo()
			continue
		}

		if h.iterationCount >= maxIterations {
			fmt.Fprintf(h.out, "\n[error] maximum iterations reached (%d) — session will not process further turns\n", maxIterations)
			executor.MarkIterationLimitReached()
			return nil
		}

		userMsg := provider.Message{Role: "user", Content: line, CreatedAt: time.Now()}
		h.appendAndPersist(userMsg)
		h.iterationCount++

		if h.opts.DeltaTracker != nil {
			h.opts.DeltaTracker.BeginTurn(int64(h.iterationCount))
		}

		if err := h.runTurn(ctx, executor); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(h.out, "\n[error] %v\n", err)
			log.Error().Err(err).Msg("turn failed")
			continue
		}
		h.lastTurnID = int64(h.iterationCount)

		if h.opts.Indexing != nil {
			h.runIndexingLoop(ctx)
		}
	}
}

// runTurn drives one master-loop iteration: a ProcessTurn call whose streamed
// deltas are rendered live and whose complete messages are persisted.
func (h *Host) runTurn(ctx context.Context, executor *llm.Executor) error {
	printedAssistantHeader := false

	err := llm.ProcessTurn(ctx, llm.ProcessTurnOptions{
		Provider: h.opts.Provider,
		Proxy:    h.opts.Proxy,
		Tools:    h.opts.Tools,
		History:  h.history,
		OnMessage: func(msg provider.Message) {
			h.appendAndPersist(msg)
			// Tool calls append a display/tool pair (§4.B): the display
			// message (role=system, carries the originating ToolCallID) is
			// what the user sees; the tool message is the machine-readable
			// half that's actually sent back to the provider.
			if msg.Role == "system" && msg.ToolCallID != "" {
				fmt.Fprintf(h.out, "\n  [tool] %s\n", truncate(msg.Content, 400))
			}
			printedAssistantHeader = false
		},
		OnDelta: func(evt provider.StreamEvent) {
			switch evt.Type {
			case provider.EventContentDelta:
				if !printedAssistantHeader {
					fmt.Fprint(h.out, "\n")
					printedAssistantHeader = true
				}
				fmt.Fprint(h.out, evt.Content)
			case provider.EventToolCallBegin:
				fmt.Fprintf(h.out, "\n  [calling %s]\n", evt.ToolCallName)
			}
		},
		Scratchpad:   h.opts.Scratchpad,
		MaxToolDepth: h.opts.MaxToolDepth,
		Depth:        0,
		Executor:     executor,
	})
	fmt.Fprintln(h.out)
	return err
}

// runIndexingLoop drains the GraphRAG indexing queue one file at a time,
// prompting the user for a disposition per §4.H. It runs on the master loop
// itself rather than a worker — the queue is only ever touched here and
// from tool execution, both on this same goroutine, so it needs no locking.
func (h *Host) runIndexingLoop(ctx context.Context) {
	for h.opts.Indexing.Pending() {
		task, ok := h.opts.Indexing.Peek()
		if !ok {
			return
		}

		choice, err := h.promptIndexingChoice(task.Path)
		if err != nil {
			fmt.Fprintf(h.out, "\n[indexing] %v — leaving %s queued\n", err, task.Path)
			return
		}

		rewritten, shouldRewrite, err := h.opts.Indexing.Resolve(ctx, choice)
		if err != nil {
			fmt.Fprintf(h.out, "\n[indexing] failed to dispose of %s: %v\n", task.Path, err)
			continue
		}
		if shouldRewrite {
			h.rewriteToolMessage(task.Path, rewritten)
		}
	}
	fmt.Fprintln(h.out, "\n[indexing] queue drained.")
}

// promptIndexingChoice reads one disposition choice from stdin for the file
// currently at the front of the indexing queue.
func (h *Host) promptIndexingChoice(path string) (graphrag.Choice, error) {
	fmt.Fprintf(h.out, "\n[indexing] %s was read this turn. (f)ull index / (c)ustom line range / (m)etadata only? ", path)
	line, err := h.in.ReadString('\n')
	if err != nil {
		return graphrag.Choice{}, fmt.Errorf("read choice: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "f", "full":
		return graphrag.Choice{Disposition: graphrag.FullIndexing}, nil
	case "m", "metadata":
		return graphrag.Choice{Disposition: graphrag.MetadataOnly}, nil
	case "c", "custom":
		fmt.Fprint(h.out, "[indexing] line range (start-end): ")
		rangeLine, err := h.in.ReadString('\n')
		if err != nil {
			return graphrag.Choice{}, fmt.Errorf("read line range: %w", err)
		}
		start, end, err := parseLineRange(rangeLine)
		if err != nil {
			return graphrag.Choice{}, err
		}
		return graphrag.Choice{Disposition: graphrag.CustomLines, Range: graphrag.LineRange{Start: start, End: end}}, nil
	default:
		return graphrag.Choice{}, fmt.Errorf("unrecognized choice %q", strings.TrimSpace(line))
	}
}

// rewriteToolMessage retroactively replaces the content of the most recent
// Read tool-result message for path, in both in-memory history and the
// session store, so later turns see only the curated content.
func (h *Host) rewriteToolMessage(path, newContent string) {
	marker := fmt.Sprintf("Read %s", path)
	for i := len(h.history) - 1; i >= 0; i-- {
		msg := &h.history[i]
		if msg.Role != "tool" || !strings.Contains(msg.Content, marker) {
			continue
		}
		msg.Content = newContent
		if h.opts.Cache != nil && msg.ToolCallID != "" {
			if err := h.opts.Cache.UpdateMessageContentByToolCallID(h.opts.SessionID, msg.ToolCallID, newContent); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to persist curated tool message")
			}
		}
		return
	}
}

func parseLineRange(s string) (start, end int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected a range like 10-20, got %q", s)
	}
	if _, err := fmt.Sscanf(parts[0], "%d", &start); err != nil {
		return 0, 0, fmt.Errorf("invalid start line: %w", err)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &end); err != nil {
		return 0, 0, fmt.Errorf("invalid end line: %w", err)
	}
	return start, end, nil
}

// appendAndPersist appends msg to the in-memory history and, if a cache is
// configured, persists it to the session store.
func (h *Host) appendAndPersist(msg provider.Message) {
	h.history = append(h.history, msg)
	if h.opts.Cache == nil {
		return
	}

	var toolCalls json.RawMessage
	if len(msg.ToolCalls) > 0 {
		if data, err := json.Marshal(msg.ToolCalls); err == nil {
			toolCalls = data
		}
	}
	h.opts.Cache.SaveMessage(h.opts.SessionID, store.SessionMessage{
		Role:         msg.Role,
		Content:      msg.Content,
		Reasoning:    msg.Reasoning,
		ToolCalls:    toolCalls,
		ToolCallID:   msg.ToolCallID,
		CreatedAt:    msg.CreatedAt,
		InputTokens:  msg.InputTokens,
		OutputTokens: msg.OutputTokens,
	})
}

// promptPermission renders a permission request and reads the user's
// decision from stdin. Unrecognized input is treated as allow_once: the call
// proceeds this one time and nothing is persisted, so it never escalates to
// a session grant or an always_allow policy.
func (h *Host) promptPermission(toolName string, arguments json.RawMessage, eval policy.PermissionEvaluation) policy.Decision {
	fmt.Fprintf(h.out, "\n[permission] %s wants to run with arguments: %s\n", toolName, truncate(string(arguments), 400))
	if eval.ShowPreview {
		fmt.Fprintf(h.out, "[permission] this is a high-risk operation — review carefully\n")
	}
	fmt.Fprint(h.out, "[permission] allow (o)nce / allow (e)very time this session / allow (a)lways (persist) / (d)eny? ")

	line, err := h.in.ReadString('\n')
	if err != nil {
		return policy.DecisionDeny
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "e", "every":
		return policy.DecisionAskEachTime
	case "a", "always":
		return policy.DecisionAlwaysAllow
	case "d", "deny", "n", "no":
		return policy.DecisionDeny
	default:
		return policy.DecisionAllowOnce
	}
}

func isExitCommand(line string) bool {
	switch strings.ToLower(line) {
	case "/exit", "/quit", "exit", "quit":
		return true
	default:
		return false
	}
}

func isUndoCommand(line string) bool {
	return strings.ToLower(line) == "/undo"
}

// handleUndo reverts every file change recorded for the most recently
// completed turn via h.opts.DeltaTracker (Edit tool writes and
// shell-command side effects alike), then clears that turn's journal so a
// second /undo doesn't repeat it.
func (h *Host) handleUndo() {
	if h.opts.DeltaTracker == nil {
		fmt.Fprintln(h.out, "\n[undo] file-change tracking is not enabled for this session")
		return
	}
	if h.lastTurnID == 0 {
		fmt.Fprintln(h.out, "\n[undo] nothing to undo yet")
		return
	}

	affected, err := h.opts.DeltaTracker.Undo(h.opts.SessionID, h.lastTurnID)
	if err != nil {
		fmt.Fprintf(h.out, "\n[undo] failed: %v\n", err)
		return
	}
	if len(affected) == 0 {
		fmt.Fprintln(h.out, "\n[undo] no file changes recorded for the last turn")
		return
	}

	h.opts.DeltaTracker.DeleteTurn(h.opts.SessionID, h.lastTurnID)
	fmt.Fprintf(h.out, "\n[undo] reverted %d file(s) from the last turn:\n", len(affected))
	for _, f := range affected {
		fmt.Fprintf(h.out, "  %s\n", f)
	}
	h.lastTurnID = 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func providerModelHint(p provider.Provider) string {
	if p == nil {
		return "unknown"
	}
	return p.Name()
}
