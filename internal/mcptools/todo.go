package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/localharness/harness/internal/mcp"
)

// TaskStatus is the lifecycle state of one tracked task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// Task is one entry in the working task list.
type Task struct {
	ID      string     `json:"id"`
	Content string     `json:"content"`
	Status  TaskStatus `json:"status"`
}

// Scratchpad holds the agent's current task list. It is safe for concurrent
// access. Its rendered content is injected into the LLM context at the tail
// of the history so the agent's goals stay in the model's recent attention
// window.
type Scratchpad struct {
	mu    sync.RWMutex
	tasks []Task
}

// Content renders the task list as plain text for context injection.
func (s *Scratchpad) Content() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.tasks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Current tasks:\n")
	for _, t := range s.tasks {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", t.Status, t.ID, t.Content)
	}
	return b.String()
}

// Tasks returns a copy of the current task list.
func (s *Scratchpad) Tasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// TodoWriteArgs represents arguments for the TodoWrite tool.
type TodoWriteArgs struct {
	Tasks []Task `json:"tasks"`
}

// NewTodoWriteTool creates the TodoWrite tool definition.
func NewTodoWriteTool() mcp.Tool {
	return mcp.Tool{
		Name:        "TodoWrite",
		Description: `Write or update your working task list. The list replaces any previous one and is kept visible at the end of your context window. Use this to track goals, progress, and next steps for tasks with 3+ steps. Mark tasks in_progress/completed as you go to stay focused. Skip for simple single-step tasks.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"tasks": {
					"type": "array",
					"description": "The full task list. Replaces any previous list entirely.",
					"items": {
						"type": "object",
						"properties": {
							"id":      {"type": "string", "description": "Stable identifier, e.g. task_1"},
							"content": {"type": "string", "description": "What the task is"},
							"status":  {"type": "string", "enum": ["pending", "in_progress", "completed"]}
						},
						"required": ["id", "content", "status"]
					}
				}
			},
			"required": ["tasks"]
		}`),
	}
}

// MakeTodoWriteHandler creates a handler that stores the task list in the scratchpad.
func MakeTodoWriteHandler(pad *Scratchpad) mcp.ToolHandler {
	return func(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args TodoWriteArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if len(args.Tasks) == 0 {
			return toolError("Tasks cannot be empty"), nil
		}
		for i, t := range args.Tasks {
			switch t.Status {
			case TaskPending, TaskInProgress, TaskCompleted:
			default:
				return toolError("Task %d has invalid status %q", i, t.Status), nil
			}
			if t.ID == "" || t.Content == "" {
				return toolError("Task %d must have an id and content", i), nil
			}
		}

		pad.mu.Lock()
		pad.tasks = args.Tasks
		pad.mu.Unlock()

		return toolText(fmt.Sprintf("Task list updated (%d tasks).", len(args.Tasks))), nil
	}
}
