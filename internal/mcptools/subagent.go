package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/localharness/harness/internal/delta"
	"github.com/localharness/harness/internal/lsp"
	"github.com/localharness/harness/internal/mcp"
	"github.com/localharness/harness/internal/provider"
	"github.com/localharness/harness/internal/shell"
	"github.com/localharness/harness/internal/store"
	"github.com/localharness/harness/internal/subagent"
)

// RunAgentArgs represents arguments for the RunAgent tool.
type RunAgentArgs struct {
	AgentName     string `json:"agent_name"`
	Task          string `json:"task"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// NewRunAgentTool creates the RunAgent tool definition.
func NewRunAgentTool() mcp.Tool {
	return mcp.Tool{
		Name:        "RunAgent",
		Description: `Run a named sub-agent on a focused task. Use ListAgents to see what's available. The sub-agent runs with a filtered tool set and cannot spawn agents past the recursion ceiling.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"agent_name":     {"type": "string", "description": "Name of a registered agent, e.g. \"general\" or \"file_curator\"."},
				"task":           {"type": "string", "description": "Task description for the agent."},
				"max_iterations": {"type": "integer", "description": "Maximum tool rounds for the agent run (overrides the agent's default)."}
			},
			"required": ["agent_name", "task"]
		}`),
	}
}

// NewListAgentsTool creates the ListAgents tool definition.
func NewListAgentsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "ListAgents",
		Description: "List the names and descriptions of every registered agent available to RunAgent.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

// AgentRunner dispatches RunAgent/SubAgent tool calls against a shared agent
// registry, isolating each run's file-read tracker and tool proxy.
type AgentRunner struct {
	registry     *subagent.Registry
	provider     provider.Provider
	lspManager   *lsp.Manager
	deltaTracker *delta.Tracker
	sh           *shell.Shell
	webCache     *store.Cache
	exaKey       string
	allTools     []mcp.Tool
	depth        int
}

// NewAgentRunner creates a dispatcher for named sub-agent runs at the given
// recursion depth (0 for the root agent's own tool proxy).
func NewAgentRunner(
	registry *subagent.Registry,
	prov provider.Provider,
	lspManager *lsp.Manager,
	deltaTracker *delta.Tracker,
	sh *shell.Shell,
	webCache *store.Cache,
	exaKey string,
	allTools []mcp.Tool,
	depth int,
) *AgentRunner {
	if prov == nil {
		panic("AgentRunner: provider cannot be nil")
	}
	if sh == nil {
		panic("AgentRunner: shell cannot be nil")
	}
	return &AgentRunner{
		registry:     registry,
		provider:     prov,
		lspManager:   lspManager,
		deltaTracker: deltaTracker,
		sh:           sh,
		webCache:     webCache,
		exaKey:       exaKey,
		allTools:     allTools,
		depth:        depth,
	}
}

// HandleListAgents implements the ListAgents tool.
func (h *AgentRunner) HandleListAgents(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	defs := h.registry.List()
	lines := make([]string, 0, len(defs))
	for _, def := range defs {
		lines = append(lines, fmt.Sprintf("%s: %s", def.Name, def.Description))
	}
	if len(lines) == 0 {
		return toolText("No agents registered."), nil
	}
	out, err := json.Marshal(lines)
	if err != nil {
		return toolError("failed to marshal agent list: %v", err), nil
	}
	return toolText(string(out)), nil
}

// Handle implements the RunAgent tool (and backs the legacy SubAgent tool,
// which is equivalent to RunAgent{agent_name: "general"}).
func (h *AgentRunner) Handle(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return toolError("agent run cancelled: %v", err), nil
	}

	var args RunAgentArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("invalid arguments: %v", err), nil
	}
	if args.AgentName == "" {
		args.AgentName = "general"
	}
	if args.Task == "" {
		return toolError("task is required"), nil
	}

	def, ok := h.registry.Get(args.AgentName)
	if !ok {
		return toolError("unknown agent %q; call ListAgents to see what's available", args.AgentName), nil
	}

	subProxy, filteredTools := h.buildSubProxy(def)

	runner := subagent.Run
	result, err := runner(ctx, subagent.Options{
		Provider:      h.provider,
		Proxy:         subProxy,
		Tools:         filteredTools,
		Prompt:        args.Task,
		SystemPrompt:  def.SystemPrompt,
		MaxIterations: firstNonZero(args.MaxIterations, def.Capabilities.MaxIterations),
		Depth:         h.depth,
	})
	if err != nil {
		return toolError("agent %q failed: %v", args.AgentName, err), nil
	}

	out := fmt.Sprintf("Agent %q completed.\n\n%s\n\n---\nToken usage: %d in, %d out",
		args.AgentName, result.Content, result.InputTokens, result.OutputTokens)
	return toolText(out), nil
}

// buildSubProxy constructs an isolated tool proxy for one agent run, scoped
// to def.AllowedToolNames. When the next nesting level is still within the
// recursion ceiling, RunAgent/ListAgents are re-registered so the sub-agent
// can itself delegate; otherwise they're omitted and the filtered tool list
// naturally excludes them.
func (h *AgentRunner) buildSubProxy(def subagent.AgentDefinition) (*mcp.Proxy, []mcp.Tool) {
	filteredTools := subagent.FilterTools(h.allTools, def.AllowedToolNames)

	subTracker := NewFileReadTracker()
	subReadHandler := NewReadHandler(subTracker, h.lspManager)
	subEditHandler := NewEditHandler(subTracker, h.lspManager, h.deltaTracker)
	subShellHandler := NewShellHandler(h.sh, h.deltaTracker)

	subProxy := mcp.NewProxy(nil)
	for _, tool := range filteredTools {
		switch tool.Name {
		case "Read":
			subProxy.RegisterTool(tool, subReadHandler.Handle)
		case "Edit":
			subProxy.RegisterTool(tool, subEditHandler.Handle)
		case "Shell":
			subProxy.RegisterTool(tool, subShellHandler.Handle)
		case "Grep":
			subProxy.RegisterTool(tool, MakeGrepHandler())
		case "TodoWrite":
			subProxy.RegisterTool(tool, MakeTodoWriteHandler(&Scratchpad{}))
		case "WebFetch":
			subProxy.RegisterTool(tool, MakeWebFetchHandler(h.webCache))
		case "WebSearch":
			subProxy.RegisterTool(tool, MakeWebSearchHandler(h.webCache, h.exaKey, ""))
		}
	}

	if h.depth+1 < subagent.MaxSubAgentDepth {
		nested := NewAgentRunner(h.registry, h.provider, h.lspManager, h.deltaTracker, h.sh, h.webCache, h.exaKey, h.allTools, h.depth+1)
		if def.AllowedToolNames == nil || containsAny(def.AllowedToolNames, "RunAgent", "ListAgents") {
			subProxy.RegisterTool(NewRunAgentTool(), nested.Handle)
			subProxy.RegisterTool(NewListAgentsTool(), nested.HandleListAgents)
			filteredTools = append(filteredTools, NewRunAgentTool(), NewListAgentsTool())
		}
	}

	return subProxy, filteredTools
}

func containsAny(names []string, targets ...string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	for _, t := range targets {
		if set[t] {
			return true
		}
	}
	return false
}

func firstNonZero(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}
