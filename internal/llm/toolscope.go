package llm

import (
	"encoding/json"

	"github.com/localharness/harness/internal/policy"
)

// toolProfile maps a tool name to the permission scope and risk level it
// requires, and (for tools that take a filesystem path) which argument field
// holds it.
type toolProfile struct {
	scope      policy.Scope
	risk       policy.RiskLevel
	pathField  string // JSON field in arguments holding a path/URL, "" if none
	fileScoped bool   // an always_allow decision persists as a "*" path pattern
}

// toolProfiles is the closed mapping from representative tool name to its
// permission profile. A tool not listed here is treated as maximally
// cautious (execute_commands/high risk, no path) by profileFor.
var toolProfiles = map[string]toolProfile{
	"Read":       {scope: policy.ScopeReadFiles, risk: policy.RiskLow, pathField: "file", fileScoped: true},
	"Edit":       {scope: policy.ScopeWriteFiles, risk: policy.RiskMedium, pathField: "file", fileScoped: true},
	"Grep":       {scope: policy.ScopeReadFiles, risk: policy.RiskLow, fileScoped: true},
	"Shell":      {scope: policy.ScopeExecuteCommands, risk: policy.RiskHigh},
	"GitStatus":  {scope: policy.ScopeSystemInfo, risk: policy.RiskLow},
	"GitDiff":    {scope: policy.ScopeSystemInfo, risk: policy.RiskLow},
	"WebFetch":   {scope: policy.ScopeNetworkAccess, risk: policy.RiskMedium, pathField: "url"},
	"WebSearch":  {scope: policy.ScopeNetworkAccess, risk: policy.RiskLow},
	"TodoWrite":  {scope: policy.ScopeTodoManagement, risk: policy.RiskLow},
	"RunAgent":   {scope: policy.ScopeTodoManagement, risk: policy.RiskMedium},
	"ListAgents": {scope: policy.ScopeTodoManagement, risk: policy.RiskLow},
}

func profileFor(toolName string) toolProfile {
	if p, ok := toolProfiles[toolName]; ok {
		return p
	}
	return toolProfile{scope: policy.ScopeExecuteCommands, risk: policy.RiskHigh}
}

// extractPath pulls the path/URL argument named by profile.pathField out of
// a tool call's JSON arguments, returning "" when absent or unparsable.
func extractPath(profile toolProfile, arguments json.RawMessage) string {
	if profile.pathField == "" {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(arguments, &fields); err != nil {
		return ""
	}
	raw, ok := fields[profile.pathField]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}
