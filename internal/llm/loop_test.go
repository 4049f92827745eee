package llm

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/localharness/harness/internal/mcp"
	"github.com/localharness/harness/internal/provider"
)

func newTestProxy(t *testing.T, name string, handler mcp.ToolHandler) *mcp.Proxy {
	t.Helper()
	proxy := mcp.NewProxy(nil)
	proxy.RegisterTool(mcp.Tool{Name: name}, handler)
	return proxy
}

func TestExecuteToolCallsAppendsDisplayAndToolMessagePair(t *testing.T) {
	proxy := newTestProxy(t, "echo", func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "done"}}}, nil
	})
	calls := []provider.ToolCall{{ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{"x":1}`)}}

	var seen []provider.Message
	msgs := executeToolCalls(context.Background(), proxy, calls, func(m provider.Message) { seen = append(seen, m) }, nil)

	if len(msgs) != 2 {
		t.Fatalf("expected a display+tool pair, got %d messages", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].ToolCallID != "call-1" {
		t.Fatalf("expected first message to be the display message, got %+v", msgs[0])
	}
	if msgs[1].Role != "tool" || msgs[1].Content != "done" {
		t.Fatalf("expected second message to be the machine-readable tool message, got %+v", msgs[1])
	}
	if len(seen) != 2 {
		t.Fatalf("expected onMessage called once per message in the pair, got %d", len(seen))
	}
}

func TestExecuteToolCallsClassifiesToolBodyErrorAsIOError(t *testing.T) {
	proxy := newTestProxy(t, "fail", func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "disk full"}}, IsError: true}, nil
	})
	calls := []provider.ToolCall{{ID: "call-2", Name: "fail"}}

	msgs := executeToolCalls(context.Background(), proxy, calls, nil, nil)

	if msgs[1].Content != "disk full" {
		t.Fatalf("expected tool message to carry the raw error text, got %q", msgs[1].Content)
	}
	if !strings.Contains(msgs[0].Content, string(ErrKindIOError)) {
		t.Fatalf("expected display message to classify the failure as %s, got %q", ErrKindIOError, msgs[0].Content)
	}
}

func TestProcessTurnStopsAtMaxToolDepthWithNamedNotice(t *testing.T) {
	proxy := newTestProxy(t, "echo", func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "done"}}}, nil
	})
	prov := provider.NewMockSequence("mock").AndThenToolCalls(provider.ToolCall{ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{}`)})
	exec := NewExecutor(nil, nil)

	var messages []provider.Message
	err := ProcessTurn(context.Background(), ProcessTurnOptions{
		Provider:     prov,
		Proxy:        proxy,
		History:      []provider.Message{{Role: "user", Content: "go"}},
		OnMessage:    func(m provider.Message) { messages = append(messages, m) },
		MaxToolDepth: 3,
		Executor:     exec,
	})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	last := messages[len(messages)-1]
	if last.Role != "system" || last.Content != maxToolDepthNotice {
		t.Fatalf("expected final message to be the %q notice, got %+v", maxToolDepthNotice, last)
	}
	if exec.State() != StateIterationLimitReached {
		t.Fatalf("expected executor to be driven into iteration_limit_reached, got %s", exec.State())
	}
}

func TestExecuteToolCallsNilExecutorAlwaysDispatches(t *testing.T) {
	dispatched := false
	proxy := newTestProxy(t, "danger", func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		dispatched = true
		return &mcp.ToolResult{}, nil
	})
	calls := []provider.ToolCall{{ID: "call-3", Name: "danger"}}

	msgs := executeToolCalls(context.Background(), proxy, calls, nil, nil)
	if !dispatched {
		t.Fatalf("expected dispatch with no executor configured")
	}
	if len(msgs) != 2 {
		t.Fatalf("expected a display+tool pair even for a successful dispatch, got %d", len(msgs))
	}
}
