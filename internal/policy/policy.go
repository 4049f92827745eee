// Package policy implements the permission engine: policy evaluation,
// session grants, and the audit log that records every tool-call disposition.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Scope is the closed set of capabilities a tool call can require.
type Scope string

const (
	ScopeReadFiles       Scope = "read_files"
	ScopeWriteFiles      Scope = "write_files"
	ScopeExecuteCommands Scope = "execute_commands"
	ScopeNetworkAccess   Scope = "network_access"
	ScopeSystemInfo      Scope = "system_info"
	ScopeTodoManagement  Scope = "todo_management"
)

// RiskLevel classifies how much scrutiny a tool call deserves before
// auto-approval is ever considered.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Mode is how a Policy disposes of a matching tool call.
type Mode string

const (
	ModeAlwaysAllow Mode = "always_allow"
	ModeAllowOnce   Mode = "allow_once"
	ModeAskEachTime Mode = "ask_each_time"
	ModeDeny        Mode = "deny"
)

// Outcome records what actually happened to a tool call, for the audit log.
type Outcome string

const (
	OutcomeAutoApproved     Outcome = "auto_approved"
	OutcomeDeniedByPolicy   Outcome = "denied_by_policy"
	OutcomeUserApproved     Outcome = "user_approved"
	OutcomeDeniedByUser     Outcome = "denied_by_user"
	OutcomeFailedValidation Outcome = "failed_validation"
)

// Policy is a persisted rule matched against a tool call's scope and its
// argument path (when the tool operates on a filesystem path). Deny patterns
// always win over allow patterns, regardless of list order.
type Policy struct {
	Scope        Scope    `json:"scope"`
	Mode         Mode     `json:"mode"`
	PathPatterns []string `json:"path_patterns,omitempty"`
	DenyPatterns []string `json:"deny_patterns,omitempty"`
}

func (p Policy) matchesPath(path string) bool {
	if path == "" {
		return len(p.PathPatterns) == 0
	}
	for _, pat := range p.PathPatterns {
		if globMatch(pat, path) {
			return true
		}
	}
	return false
}

func (p Policy) deniesPath(path string) bool {
	for _, pat := range p.DenyPatterns {
		if globMatch(pat, path) {
			return true
		}
	}
	return false
}

// globMatch supports "*" (any run of non-separator characters) and treats a
// bare "*" pattern as matching everything.
func globMatch(pattern, path string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	matched, err := filepath.Match(pattern, path)
	if err == nil && matched {
		return true
	}
	// Fall back to a prefix/suffix match around the first "*" so patterns
	// like "/etc/*" still catch nested paths filepath.Match's single-level
	// "*" would miss.
	prefix, suffix, ok := strings.Cut(pattern, "*")
	if ok {
		return strings.HasPrefix(path, prefix) && strings.HasSuffix(path, suffix)
	}
	return pattern == path
}

// SessionGrant records that a (tool, scope) pair has been approved for the
// remainder of the process. Grants never persist across restarts.
type SessionGrant struct {
	ToolName  string    `json:"tool_name"`
	Scope     Scope     `json:"scope"`
	GrantedAt time.Time `json:"granted_at"`
}

func grantKey(toolName string, scope Scope) string {
	return toolName + "\x00" + string(scope)
}

// PermissionEvaluation is the result of checking a tool call against the
// session-grant table and the policy store, before any tool body runs.
type PermissionEvaluation struct {
	Allowed     bool
	Reason      string
	AskUser     bool
	ShowPreview bool
}

// AuditEvent is one append-only record of a tool call's final disposition.
type AuditEvent struct {
	Tool           string    `json:"tool"`
	Args           string    `json:"args"`
	Outcome        Outcome   `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	RecordedPolicy *Policy   `json:"recorded_policy,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Decision is what the user (or an automatic rule) chose for a pending
// permission prompt.
type Decision string

const (
	DecisionAllowOnce    Decision = "allow_once"
	DecisionAskEachTime  Decision = "ask_each_time"
	DecisionAlwaysAllow  Decision = "always_allow"
	DecisionDeny         Decision = "deny"
)

// Engine is the permission engine: policy store + session-grant table +
// audit logger, guarded by a single mutex since evaluations and grants both
// read and write the same state on every tool call.
type Engine struct {
	mu       sync.Mutex
	path     string
	policies []Policy
	grants   map[string]SessionGrant
	audit    []AuditEvent
}

// policyFile is the on-disk JSON shape for the policy store.
type policyFile struct {
	Policies []Policy `json:"policies"`
}

// Load reads the policy store from path, creating an empty store in memory
// if the file doesn't exist yet (first run).
func Load(path string) (*Engine, error) {
	e := &Engine{
		path:   path,
		grants: make(map[string]SessionGrant),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return e, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy store: %w", err)
	}

	var pf policyFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy store: %w", err)
	}
	e.policies = pf.Policies
	return e, nil
}

// save persists the policy store. Caller must hold mu.
func (e *Engine) save() error {
	if e.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0o750); err != nil {
		return fmt.Errorf("create policy dir: %w", err)
	}
	data, err := json.MarshalIndent(policyFile{Policies: e.policies}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policy store: %w", err)
	}
	return os.WriteFile(e.path, data, 0o600)
}

// Evaluate checks a tool call's scope and argument path against the
// session-grant table, then the policy store, per the spec's evaluation
// contract: session grant wins outright; otherwise deny_patterns beat
// always_allow beat deny beat the ask_user fallback.
func (e *Engine) Evaluate(toolName string, scope Scope, argPath string, risk RiskLevel) PermissionEvaluation {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.grants[grantKey(toolName, scope)]; ok {
		return PermissionEvaluation{Allowed: true, Reason: "session grant"}
	}

	for _, p := range e.policies {
		if p.Scope != scope {
			continue
		}
		if p.deniesPath(argPath) {
			return PermissionEvaluation{Allowed: false, Reason: "deny pattern matched"}
		}
	}
	for _, p := range e.policies {
		if p.Scope != scope || p.Mode != ModeAlwaysAllow {
			continue
		}
		if p.matchesPath(argPath) {
			return PermissionEvaluation{Allowed: true, Reason: "always_allow policy matched"}
		}
	}
	for _, p := range e.policies {
		if p.Scope != scope || p.Mode != ModeDeny {
			continue
		}
		if p.matchesPath(argPath) {
			return PermissionEvaluation{Allowed: false, Reason: "deny policy matched"}
		}
	}

	return PermissionEvaluation{
		Allowed:     false,
		AskUser:     true,
		ShowPreview: risk == RiskHigh,
		Reason:      "no matching policy",
	}
}

// Apply records the user's (or an automatic rule's) decision for a pending
// prompt: grants a session entry, persists a policy, or denies outright, per
// the spec's decision-to-effect mapping. fileScoped controls whether an
// always_allow decision gets a "*" path pattern (file-touching scopes) or an
// empty one (everything else).
func (e *Engine) Apply(toolName string, scope Scope, decision Decision, fileScoped bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch decision {
	case DecisionAllowOnce, DecisionDeny:
		// No persistence; the caller's single dispatch proceeds or not.
		return nil
	case DecisionAskEachTime:
		e.grants[grantKey(toolName, scope)] = SessionGrant{
			ToolName:  toolName,
			Scope:     scope,
			GrantedAt: time.Now(),
		}
		return nil
	case DecisionAlwaysAllow:
		p := Policy{Scope: scope, Mode: ModeAlwaysAllow}
		if fileScoped {
			p.PathPatterns = []string{"*"}
		}
		e.policies = append(e.policies, p)
		return e.save()
	default:
		return fmt.Errorf("unknown decision %q", decision)
	}
}

// Record appends one disposition to the in-memory audit log.
func (e *Engine) Record(tool, args string, outcome Outcome, reason string, recordedPolicy *Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audit = append(e.audit, AuditEvent{
		Tool:           tool,
		Args:           args,
		Outcome:        outcome,
		Reason:         reason,
		RecordedPolicy: recordedPolicy,
		Timestamp:      time.Now(),
	})
}

// AuditLog returns a copy of the recorded events in append order.
func (e *Engine) AuditLog() []AuditEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AuditEvent, len(e.audit))
	copy(out, e.audit)
	return out
}

// Grants returns a copy of the current session-grant table, for diagnostics.
func (e *Engine) Grants() []SessionGrant {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SessionGrant, 0, len(e.grants))
	for _, g := range e.grants {
		out = append(out, g)
	}
	return out
}

var validModeNames = regexp.MustCompile(`^(always_allow|allow_once|ask_each_time|deny)$`)

// ValidateMode reports whether s names one of the four closed Mode values.
func ValidateMode(s string) bool {
	return validModeNames.MatchString(s)
}
