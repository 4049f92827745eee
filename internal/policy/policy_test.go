package policy

import (
	"path/filepath"
	"testing"
)

func TestEvaluateNoPolicies(t *testing.T) {
	e, err := Load(filepath.Join(t.TempDir(), "policies.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	eval := e.Evaluate("read_file", ScopeReadFiles, "/tmp/x", RiskLow)
	if eval.Allowed || !eval.AskUser {
		t.Errorf("Evaluate() = %+v, want ask_user with no grant", eval)
	}
	if eval.ShowPreview {
		t.Errorf("ShowPreview = true for low risk, want false")
	}
}

func TestEvaluateHighRiskShowsPreview(t *testing.T) {
	e, _ := Load(filepath.Join(t.TempDir(), "policies.json"))
	eval := e.Evaluate("run_command", ScopeExecuteCommands, "", RiskHigh)
	if !eval.AskUser || !eval.ShowPreview {
		t.Errorf("Evaluate() = %+v, want ask_user+show_preview for high risk", eval)
	}
}

func TestSessionGrantAutoApproves(t *testing.T) {
	e, _ := Load(filepath.Join(t.TempDir(), "policies.json"))
	if err := e.Apply("read_file", ScopeReadFiles, DecisionAskEachTime, false); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	eval := e.Evaluate("read_file", ScopeReadFiles, "/tmp/anything", RiskLow)
	if !eval.Allowed {
		t.Errorf("Evaluate() after session grant = %+v, want allowed", eval)
	}
}

func TestDenyPatternBeatsAlwaysAllow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.json")
	e, _ := Load(path)
	e.policies = []Policy{
		{Scope: ScopeWriteFiles, Mode: ModeAlwaysAllow, PathPatterns: []string{"*"}},
		{Scope: ScopeWriteFiles, Mode: ModeDeny, DenyPatterns: []string{"/etc/*"}},
	}

	tests := []struct {
		name    string
		path    string
		allowed bool
	}{
		{"protected path denied", "/etc/passwd", false},
		{"other path allowed", "/home/user/file.go", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := e.Evaluate("edit_file", ScopeWriteFiles, tt.path, RiskMedium)
			if eval.Allowed != tt.allowed {
				t.Errorf("Evaluate(%q) allowed = %v, want %v", tt.path, eval.Allowed, tt.allowed)
			}
		})
	}
}

func TestAlwaysAllowPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.json")
	e, _ := Load(path)
	if err := e.Apply("edit_file", ScopeWriteFiles, DecisionAlwaysAllow, true); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	eval := reloaded.Evaluate("edit_file", ScopeWriteFiles, "/any/path", RiskMedium)
	if !eval.Allowed {
		t.Errorf("Evaluate() after reload = %+v, want allowed (policy should persist)", eval)
	}
}

func TestAllowOnceAndDenyDoNotPersist(t *testing.T) {
	e, _ := Load(filepath.Join(t.TempDir(), "policies.json"))
	if err := e.Apply("run_command", ScopeExecuteCommands, DecisionAllowOnce, false); err != nil {
		t.Fatalf("Apply allow_once: %v", err)
	}
	if err := e.Apply("run_command", ScopeExecuteCommands, DecisionDeny, false); err != nil {
		t.Fatalf("Apply deny: %v", err)
	}

	eval := e.Evaluate("run_command", ScopeExecuteCommands, "", RiskHigh)
	if eval.Allowed || !eval.AskUser {
		t.Errorf("Evaluate() after allow_once/deny = %+v, want still ask_user (no persistence)", eval)
	}
}

func TestAuditLogRecordsInOrder(t *testing.T) {
	e, _ := Load(filepath.Join(t.TempDir(), "policies.json"))
	e.Record("read_file", `{"path":"/a"}`, OutcomeAutoApproved, "session grant", nil)
	e.Record("run_command", `{"cmd":"rm"}`, OutcomeDeniedByUser, "user declined", nil)

	log := e.AuditLog()
	if len(log) != 2 {
		t.Fatalf("AuditLog() has %d entries, want 2", len(log))
	}
	if log[0].Tool != "read_file" || log[0].Outcome != OutcomeAutoApproved {
		t.Errorf("log[0] = %+v, want read_file/auto_approved", log[0])
	}
	if log[1].Tool != "run_command" || log[1].Outcome != OutcomeDeniedByUser {
		t.Errorf("log[1] = %+v, want run_command/denied_by_user", log[1])
	}
}

func TestValidateMode(t *testing.T) {
	tests := []struct {
		mode string
		want bool
	}{
		{"always_allow", true},
		{"allow_once", true},
		{"ask_each_time", true},
		{"deny", true},
		{"maybe", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidateMode(tt.mode); got != tt.want {
			t.Errorf("ValidateMode(%q) = %v, want %v", tt.mode, got, tt.want)
		}
	}
}
