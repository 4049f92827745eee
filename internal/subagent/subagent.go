// Package subagent implements the sub-agent executor: a private, recursive
// chat loop for named agents with a filtered tool set.
package subagent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/localharness/harness/internal/llm"
	"github.com/localharness/harness/internal/mcp"
	"github.com/localharness/harness/internal/provider"
)

const (
	// MaxSubAgentDepth is the maximum recursion depth for sub-agents.
	// Depth 0 = root agent; each nested run_agent/SubAgent call increments by one.
	MaxSubAgentDepth = 4

	// MaxSubAgentIterations is the default max tool rounds for a sub-agent run
	// when the agent definition doesn't specify capabilities.max_iterations.
	MaxSubAgentIterations = 5

	// MaxAllowedIterations is the upper bound for a caller-specified max_iterations.
	MaxAllowedIterations = 20
)

// Capabilities overrides the provider/loop defaults for one agent's runs.
type Capabilities struct {
	MaxIterations  int
	Temperature    float64
	NumCtx         int
	NumPredict     int
	EnableThinking bool
	ModelOverride  string
}

// Options configures a sub-agent run.
type Options struct {
	Provider      provider.Provider
	Proxy         *mcp.Proxy
	Tools         []mcp.Tool
	Prompt        string
	SystemPrompt  string // overrides the default system prompt when non-empty
	MaxIterations int
	Depth         int // depth of the CALLER; the run itself executes at Depth+1
	OnMessage     llm.MessageCallback
	OnDelta       llm.DeltaCallback
}

// Result reports a sub-agent run outcome.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Run executes one sub-agent turn and returns the final assistant content.
// Tool calls produced by the sub-agent bypass the permission engine (the
// sub-agent was itself invoked from an already-approved tool call) but are
// still restricted to opts.Tools, which the caller must have already
// filtered to the agent's allowed_tool_names.
func Run(ctx context.Context, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("sub-agent cancelled: %v", err)
	}
	if opts.Provider == nil {
		return Result{}, fmt.Errorf("provider is required")
	}
	if opts.Proxy == nil {
		return Result{}, fmt.Errorf("proxy is required")
	}
	if opts.Prompt == "" {
		return Result{}, fmt.Errorf("prompt is required")
	}
	if opts.Depth+1 > MaxSubAgentDepth {
		return Result{}, fmt.Errorf("max sub-agent depth exceeded: %d > %d", opts.Depth+1, MaxSubAgentDepth)
	}

	maxIter := MaxSubAgentIterations
	if opts.MaxIterations > 0 {
		if opts.MaxIterations > MaxAllowedIterations {
			return Result{}, fmt.Errorf("max_iterations too large (max: %d)", MaxAllowedIterations)
		}
		maxIter = opts.MaxIterations
	}

	sysPrompt := opts.SystemPrompt
	if sysPrompt == "" {
		sysPrompt = SystemPrompt()
	}

	subHistory := []provider.Message{
		{Role: "system", Content: sysPrompt, CreatedAt: time.Now()},
		{Role: "user", Content: opts.Prompt, CreatedAt: time.Now()},
	}

	var totalIn, totalOut int
	var subMessages []provider.Message

	err := llm.ProcessTurn(ctx, llm.ProcessTurnOptions{
		Provider: opts.Provider,
		Proxy:    opts.Proxy,
		Tools:    opts.Tools,
		History:  subHistory,
		OnMessage: func(msg provider.Message) {
			subMessages = append(subMessages, msg)
			if opts.OnMessage != nil {
				opts.OnMessage(msg)
			}
		},
		OnDelta: opts.OnDelta,
		OnUsage: func(in, out int) {
			totalIn += in
			totalOut += out
		},
		MaxToolDepth: maxIter,
		Depth:        opts.Depth + 1,
	})
	if err != nil {
		return Result{}, fmt.Errorf("sub-agent failed: %v", err)
	}

	if len(subMessages) == 0 {
		return Result{}, fmt.Errorf("sub-agent produced no output")
	}

	var finalContent string
	for i := len(subMessages) - 1; i >= 0; i-- {
		if subMessages[i].Role == "assistant" && subMessages[i].Content != "" {
			finalContent = subMessages[i].Content
			break
		}
	}
	if finalContent == "" {
		return Result{}, fmt.Errorf("sub-agent produced no final response")
	}

	return Result{Content: finalContent, InputTokens: totalIn, OutputTokens: totalOut}, nil
}

// FilterTools restricts a tool list to the given allow-list. A nil
// allowedNames means "all tools except SubAgent/RunAgent" (no recursion); a
// non-nil, empty allowedNames means no tools at all, for agents like
// file_curator that only ever produce a text response.
func FilterTools(tools []mcp.Tool, allowedNames []string) []mcp.Tool {
	if allowedNames != nil && len(allowedNames) == 0 {
		return []mcp.Tool{}
	}

	var allow map[string]bool
	if len(allowedNames) > 0 {
		allow = make(map[string]bool, len(allowedNames))
		for _, n := range allowedNames {
			allow[n] = true
		}
	}

	filtered := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Name == "SubAgent" || t.Name == "RunAgent" {
			continue
		}
		if allow != nil && !allow[t.Name] {
			continue
		}
		filtered = append(filtered, t)
	}
	return filtered
}

// SystemPrompt returns the default system prompt for sub-agents that don't
// define their own (markdown-sourced agents carry their body as the prompt
// instead; this is only used for the built-in generic SubAgent tool).
func SystemPrompt() string {
	parts := []string{
		llm.SubAgentBasePrompt(),
		llm.SubAgentPrompt(),
	}
	if instructions := llm.LoadAgentInstructions(); instructions != "" {
		parts = append(parts, instructions)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n---\n\n"))
}
