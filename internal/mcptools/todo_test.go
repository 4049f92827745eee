package mcptools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func callTodoWrite(t *testing.T, pad *Scratchpad, args TodoWriteArgs) (string, bool) {
	t.Helper()
	argsJSON, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}

	handler := MakeTodoWriteHandler(pad)
	result, err := handler(context.Background(), argsJSON)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}

	text := ""
	if len(result.Content) > 0 {
		text = result.Content[0].Text
	}
	return text, result.IsError
}

func TestTodoWriteReplacesTaskList(t *testing.T) {
	pad := &Scratchpad{}

	_, isErr := callTodoWrite(t, pad, TodoWriteArgs{Tasks: []Task{
		{ID: "task_1", Content: "read the config loader", Status: TaskPending},
		{ID: "task_2", Content: "add the missing validator", Status: TaskInProgress},
	}})
	if isErr {
		t.Fatalf("expected success")
	}

	tasks := pad.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}

	_, isErr = callTodoWrite(t, pad, TodoWriteArgs{Tasks: []Task{
		{ID: "task_1", Content: "read the config loader", Status: TaskCompleted},
	}})
	if isErr {
		t.Fatalf("expected success")
	}

	tasks = pad.Tasks()
	if len(tasks) != 1 || tasks[0].Status != TaskCompleted {
		t.Fatalf("expected task list replaced with single completed task, got %+v", tasks)
	}
}

func TestTodoWriteRejectsInvalidStatus(t *testing.T) {
	pad := &Scratchpad{}
	_, isErr := callTodoWrite(t, pad, TodoWriteArgs{Tasks: []Task{
		{ID: "task_1", Content: "do a thing", Status: "bogus"},
	}})
	if !isErr {
		t.Fatalf("expected error for invalid status")
	}
}

func TestTodoWriteRejectsEmptyList(t *testing.T) {
	pad := &Scratchpad{}
	_, isErr := callTodoWrite(t, pad, TodoWriteArgs{Tasks: nil})
	if !isErr {
		t.Fatalf("expected error for empty task list")
	}
}

func TestScratchpadContentRendersTasks(t *testing.T) {
	pad := &Scratchpad{}
	if pad.Content() != "" {
		t.Fatalf("expected empty content before any write")
	}

	callTodoWrite(t, pad, TodoWriteArgs{Tasks: []Task{
		{ID: "task_1", Content: "fix the bug", Status: TaskInProgress},
	}})

	content := pad.Content()
	if !strings.Contains(content, "task_1") || !strings.Contains(content, "fix the bug") {
		t.Fatalf("expected rendered content to mention task id and content, got %q", content)
	}
}
