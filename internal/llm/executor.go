package llm

import (
	"encoding/json"

	"github.com/localharness/harness/internal/policy"
)

// ExecutorState is one state of the tool-executor state machine: idle while
// no tool call is in flight, executing while a call is being authorized or
// dispatched, awaiting_permission while a decision is pending from the host,
// and one of the two terminal states once the call has been fully resolved.
type ExecutorState string

const (
	StateIdle                  ExecutorState = "idle"
	StateExecuting             ExecutorState = "executing"
	StateAwaitingPermission    ExecutorState = "awaiting_permission"
	StateIterationComplete     ExecutorState = "iteration_complete"
	StateIterationLimitReached ExecutorState = "iteration_limit_reached"
)

// PermissionPrompter resolves a pending ask_user evaluation synchronously,
// e.g. by rendering a preview and reading the user's choice from the host.
type PermissionPrompter func(toolName string, arguments json.RawMessage, eval policy.PermissionEvaluation) policy.Decision

// Executor authorizes one tool call at a time against a permission engine
// before the call is allowed to reach the tool proxy. A nil Engine makes
// every call auto-approved. Sub-agent runs bypass the permission engine by
// passing no Executor to ProcessTurn at all (they're invoked from an
// already-approved parent tool call).
type Executor struct {
	Engine   *policy.Engine
	Prompter PermissionPrompter
	state    ExecutorState
}

// NewExecutor creates an executor wired to the given permission engine and
// interactive prompter.
func NewExecutor(engine *policy.Engine, prompter PermissionPrompter) *Executor {
	return &Executor{Engine: engine, Prompter: prompter, state: StateIdle}
}

// State reports the executor's current state, mainly for diagnostics.
func (e *Executor) State() ExecutorState {
	return e.state
}

// MarkIterationLimitReached drives the executor into its terminal
// iteration_limit_reached state. Called by the loop/host once either the
// tool-call depth ceiling or the master-loop iteration ceiling is hit, so
// the state machine has an observable record of why the turn stopped
// rather than leaving it parked in whatever state the last authorized call
// left behind.
func (e *Executor) MarkIterationLimitReached() {
	e.state = StateIterationLimitReached
}

// Authorize evaluates one tool call end to end: session grant and policy
// lookup, an interactive prompt if neither resolves it, and persistence of
// whatever decision results. It returns whether the call may proceed.
func (e *Executor) Authorize(toolName string, arguments json.RawMessage) (allowed bool, reason string) {
	e.state = StateExecuting

	if e.Engine == nil {
		e.state = StateIterationComplete
		return true, "no permission engine configured"
	}

	profile := profileFor(toolName)
	argPath := extractPath(profile, arguments)
	eval := e.Engine.Evaluate(toolName, profile.scope, argPath, profile.risk)

	if eval.Allowed {
		e.Engine.Record(toolName, string(arguments), policy.OutcomeAutoApproved, eval.Reason, nil)
		e.state = StateIterationComplete
		return true, eval.Reason
	}
	if !eval.AskUser {
		e.Engine.Record(toolName, string(arguments), policy.OutcomeDeniedByPolicy, eval.Reason, nil)
		e.state = StateIterationComplete
		return false, eval.Reason
	}

	e.state = StateAwaitingPermission
	if e.Prompter == nil {
		e.Engine.Record(toolName, string(arguments), policy.OutcomeDeniedByPolicy, "no interactive prompter available", nil)
		e.state = StateIterationComplete
		return false, "no interactive prompter available"
	}

	decision := e.Prompter(toolName, arguments, eval)
	e.state = StateExecuting

	if err := e.Engine.Apply(toolName, profile.scope, decision, profile.fileScoped); err != nil {
		e.Engine.Record(toolName, string(arguments), policy.OutcomeFailedValidation, err.Error(), nil)
		e.state = StateIterationComplete
		return false, err.Error()
	}

	e.state = StateIterationComplete
	if decision == policy.DecisionDeny {
		e.Engine.Record(toolName, string(arguments), policy.OutcomeDeniedByUser, string(decision), nil)
		return false, "denied by user"
	}
	e.Engine.Record(toolName, string(arguments), policy.OutcomeUserApproved, string(decision), nil)
	return true, string(decision)
}
