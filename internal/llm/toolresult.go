package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/localharness/harness/internal/mcp"
)

// ToolErrorKind classifies a tool execution failure into the closed set the
// engine relies on for uniform handling — the permission engine, audit log,
// and display message all key off these same tags rather than free-form
// error strings.
type ToolErrorKind string

const (
	ErrKindValidationFailed ToolErrorKind = "validation_failed"
	ErrKindParseError       ToolErrorKind = "parse_error"
	ErrKindNotFound         ToolErrorKind = "not_found"
	ErrKindIOError          ToolErrorKind = "io_error"
	ErrKindPermissionDenied ToolErrorKind = "permission_denied"
	ErrKindInternalError    ToolErrorKind = "internal_error"
)

// executionResult is the engine-level outcome of dispatching one tool call —
// the richer contract the provider-facing mcp.ToolResult wire type doesn't
// carry (MCP's content/isError shape matches the protocol as spoken over the
// wire; duration, error kind and a separate display rendering are computed
// here once the call returns).
type executionResult struct {
	success        bool
	content        string
	errorKind      ToolErrorKind
	errorMessage   string
	durationMs     int64
	displayContent string
}

// runToolCall dispatches one tool call through proxy.CallTool, times it, and
// classifies any failure into the closed error-kind set.
func runToolCall(ctx context.Context, proxy *mcp.Proxy, name string, arguments []byte) executionResult {
	start := time.Now()
	result, err := proxy.CallTool(ctx, name, arguments)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		return executionResult{
			success:      false,
			content:      fmt.Sprintf("Error: %v", err),
			errorKind:    classifyDispatchError(err),
			errorMessage: err.Error(),
			durationMs:   elapsed,
		}
	}

	text := extractTextFromContent(result.Content)
	if result.IsError {
		return executionResult{
			success:      false,
			content:      text,
			errorKind:    classifyResultError(text),
			errorMessage: text,
			durationMs:   elapsed,
		}
	}

	return executionResult{
		success:    true,
		content:    text,
		durationMs: elapsed,
	}
}

// classifyDispatchError handles failures from the proxy/transport layer
// itself — the call never reached a tool body.
func classifyDispatchError(err error) ToolErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unknown tool") || strings.Contains(msg, "not found"):
		return ErrKindNotFound
	case strings.Contains(msg, "unmarshal") || strings.Contains(msg, "parse") || strings.Contains(msg, "invalid character"):
		return ErrKindParseError
	default:
		return ErrKindInternalError
	}
}

// classifyResultError maps a tool body's own error text onto the closed set.
// Tool authors aren't expected to set a structured kind themselves (mirroring
// the teacher's plain-string tool errors); the engine classifies by the same
// vocabulary that already appears across the tool package's error messages.
func classifyResultError(text string) ToolErrorKind {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "does not exist") || strings.Contains(lower, "not found") || strings.Contains(lower, "no such file"):
		return ErrKindNotFound
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "must be") || strings.Contains(lower, "required"):
		return ErrKindValidationFailed
	case strings.Contains(lower, "permission"):
		return ErrKindPermissionDenied
	case strings.Contains(lower, "parse") || strings.Contains(lower, "unmarshal"):
		return ErrKindParseError
	default:
		return ErrKindIOError
	}
}

// renderDisplay builds the human-readable transcript line for a tool call —
// the §4.B "display message" half of the pair, distinct from the
// machine-readable tool message that's actually sent back to the provider.
func renderDisplay(toolName string, arguments []byte, res executionResult) string {
	status := "ok"
	if !res.success {
		status = fmt.Sprintf("error (%s)", res.errorKind)
	}
	summary := res.content
	if res.displayContent != "" {
		summary = res.displayContent
	}
	return fmt.Sprintf("%s(%s) → %s [%dms]\n%s", toolName, compactArgs(arguments), status, res.durationMs, truncate(summary, 400))
}

func compactArgs(arguments []byte) string {
	s := strings.TrimSpace(string(arguments))
	return truncate(s, 160)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
