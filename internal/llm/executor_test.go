package llm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/localharness/harness/internal/policy"
)

func TestExecutorNilEngineAutoApproves(t *testing.T) {
	e := NewExecutor(nil, nil)
	allowed, reason := e.Authorize("Shell", json.RawMessage(`{"command":"ls"}`))
	if !allowed {
		t.Fatalf("expected auto-approval with no engine")
	}
	if reason == "" {
		t.Fatalf("expected a reason")
	}
}

func TestExecutorDeniesOnPolicyMatchWithoutPrompting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.json")
	if err := os.WriteFile(path, []byte(`{"policies":[{"scope":"execute_commands","mode":"deny"}]}`), 0o600); err != nil {
		t.Fatalf("write policy store: %v", err)
	}
	engine, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}

	prompted := false
	e := NewExecutor(engine, func(string, json.RawMessage, policy.PermissionEvaluation) policy.Decision {
		prompted = true
		return policy.DecisionAllowOnce
	})

	allowed, _ := e.Authorize("Shell", json.RawMessage(`{"command":"rm -rf /"}`))
	if allowed {
		t.Fatalf("expected denial from deny policy")
	}
	if prompted {
		t.Fatalf("a deny policy match should never reach the prompter")
	}
}

func TestExecutorPromptsAndAppliesAllowOnce(t *testing.T) {
	engine, err := policy.Load("")
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}

	var sawToolName string
	e := NewExecutor(engine, func(toolName string, args json.RawMessage, eval policy.PermissionEvaluation) policy.Decision {
		sawToolName = toolName
		if !eval.AskUser {
			t.Fatalf("expected AskUser evaluation")
		}
		return policy.DecisionAllowOnce
	})

	allowed, _ := e.Authorize("Shell", json.RawMessage(`{"command":"ls"}`))
	if !allowed {
		t.Fatalf("expected allow_once to permit the call")
	}
	if sawToolName != "Shell" {
		t.Fatalf("expected prompter to see the tool name")
	}
	if e.State() != StateIterationComplete {
		t.Fatalf("expected terminal state after authorize, got %s", e.State())
	}
}

func TestExecutorPromptDenyRecordsDeniedByUser(t *testing.T) {
	engine, err := policy.Load("")
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}
	e := NewExecutor(engine, func(string, json.RawMessage, policy.PermissionEvaluation) policy.Decision {
		return policy.DecisionDeny
	})

	allowed, reason := e.Authorize("Shell", json.RawMessage(`{"command":"ls"}`))
	if allowed {
		t.Fatalf("expected denial")
	}
	if reason == "" {
		t.Fatalf("expected a reason")
	}

	log := engine.AuditLog()
	if len(log) == 0 || log[len(log)-1].Outcome != policy.OutcomeDeniedByUser {
		t.Fatalf("expected last audit entry to be denied_by_user, got %+v", log)
	}
}

func TestExecutorNoPrompterDeniesAskUserCalls(t *testing.T) {
	engine, err := policy.Load("")
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}
	e := NewExecutor(engine, nil)

	allowed, reason := e.Authorize("Shell", json.RawMessage(`{"command":"ls"}`))
	if allowed {
		t.Fatalf("expected denial with no prompter")
	}
	if reason != "no interactive prompter available" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestExecutorAlwaysAllowPersistsAndSkipsFuturePrompts(t *testing.T) {
	engine, err := policy.Load("")
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}

	promptCount := 0
	e := NewExecutor(engine, func(string, json.RawMessage, policy.PermissionEvaluation) policy.Decision {
		promptCount++
		return policy.DecisionAlwaysAllow
	})

	if allowed, _ := e.Authorize("Read", json.RawMessage(`{"file":"/tmp/a.go"}`)); !allowed {
		t.Fatalf("expected first call allowed")
	}

	// A second Read call with the same scope should now be auto-approved by
	// the persisted always_allow policy, without prompting again.
	e2 := NewExecutor(engine, func(string, json.RawMessage, policy.PermissionEvaluation) policy.Decision {
		promptCount++
		return policy.DecisionAllowOnce
	})
	if allowed, _ := e2.Authorize("Read", json.RawMessage(`{"file":"/tmp/b.go"}`)); !allowed {
		t.Fatalf("expected second call allowed via persisted policy")
	}
	if promptCount != 1 {
		t.Fatalf("expected exactly one prompt, got %d", promptCount)
	}
}
