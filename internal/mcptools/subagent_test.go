package mcptools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/localharness/harness/internal/mcp"
	"github.com/localharness/harness/internal/provider"
	"github.com/localharness/harness/internal/shell"
	"github.com/localharness/harness/internal/subagent"
)

func newTestAgentRunner(t *testing.T, prov provider.Provider) *AgentRunner {
	t.Helper()
	registry := subagent.NewRegistry()
	sh := shell.New(t.TempDir(), nil)
	return NewAgentRunner(registry, prov, nil, nil, sh, nil, "", nil, 0)
}

func TestAgentRunnerHandleRunsGeneralAgent(t *testing.T) {
	prov := provider.NewMock("mock", "task done")
	runner := newTestAgentRunner(t, prov)

	args, _ := json.Marshal(RunAgentArgs{AgentName: "general", Task: "summarize this repo"})
	result, err := runner.Handle(context.Background(), args)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error: %s", result.Content[0].Text)
	}
	if !strings.Contains(result.Content[0].Text, "task done") {
		t.Fatalf("expected agent output in result, got %q", result.Content[0].Text)
	}
}

func TestAgentRunnerHandleDefaultsToGeneralAgent(t *testing.T) {
	prov := provider.NewMock("mock", "ok")
	runner := newTestAgentRunner(t, prov)

	args, _ := json.Marshal(RunAgentArgs{Task: "do something"})
	result, err := runner.Handle(context.Background(), args)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error: %s", result.Content[0].Text)
	}
}

func TestAgentRunnerHandleRejectsUnknownAgent(t *testing.T) {
	prov := provider.NewMock("mock", "ok")
	runner := newTestAgentRunner(t, prov)

	args, _ := json.Marshal(RunAgentArgs{AgentName: "does_not_exist", Task: "x"})
	result, err := runner.Handle(context.Background(), args)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error for unknown agent")
	}
}

func TestAgentRunnerHandleRequiresTask(t *testing.T) {
	prov := provider.NewMock("mock", "ok")
	runner := newTestAgentRunner(t, prov)

	args, _ := json.Marshal(RunAgentArgs{AgentName: "general"})
	result, err := runner.Handle(context.Background(), args)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error for missing task")
	}
}

func TestAgentRunnerListAgentsReportsBuiltins(t *testing.T) {
	prov := provider.NewMock("mock", "ok")
	runner := newTestAgentRunner(t, prov)

	result, err := runner.HandleListAgents(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !strings.Contains(result.Content[0].Text, "general") || !strings.Contains(result.Content[0].Text, "file_curator") {
		t.Fatalf("expected built-in agents listed, got %q", result.Content[0].Text)
	}
}

func TestAgentRunnerFileCuratorHasNoFileTools(t *testing.T) {
	prov := provider.NewMock("mock", `{"ranges":[]}`)
	registry := subagent.NewRegistry()
	sh := shell.New(t.TempDir(), nil)
	runner := NewAgentRunner(registry, prov, nil, nil, sh, nil, "",
		[]mcp.Tool{NewReadTool(), NewEditTool(), NewShellTool()}, 0)

	def, ok := registry.Get("file_curator")
	if !ok {
		t.Fatalf("expected file_curator to be registered")
	}
	_, filteredTools := runner.buildSubProxy(def)
	for _, tool := range filteredTools {
		if tool.Name == "Read" || tool.Name == "Edit" || tool.Name == "Shell" {
			t.Fatalf("file_curator should not receive %s", tool.Name)
		}
	}
}

func TestAgentRunnerStopsNestingAtMaxDepth(t *testing.T) {
	prov := provider.NewMock("mock", "ok")
	registry := subagent.NewRegistry()
	sh := shell.New(t.TempDir(), nil)
	runner := NewAgentRunner(registry, prov, nil, nil, sh, nil, "", nil, subagent.MaxSubAgentDepth-1)

	def, _ := registry.Get("general")
	subProxy, filteredTools := runner.buildSubProxy(def)
	for _, tool := range filteredTools {
		if tool.Name == "RunAgent" || tool.Name == "ListAgents" {
			t.Fatalf("expected no further nesting at the max depth")
		}
	}
	tools, err := subProxy.ListTools(context.Background())
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	for _, tool := range tools {
		if tool.Name == "RunAgent" {
			t.Fatalf("RunAgent should not be registered on the sub-proxy at max depth")
		}
	}
}
