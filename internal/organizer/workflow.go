package organizer

import (
	"fmt"
	"slices"
)

// Phase is the persisted engine phase.
type Phase string

const (
	PhaseUninitialized Phase = "UNINITIALIZED"
	PhaseReady         Phase = "READY"
	PhaseScanning      Phase = "SCANNING"
	PhaseCacheLookup   Phase = "CACHE_LOOKUP"
	PhaseClassifying   Phase = "CLASSIFYING"
	PhasePlanReady     Phase = "PLAN_READY"
	PhaseReviewing     Phase = "REVIEWING"
	PhaseExecuting     Phase = "EXECUTING"
	PhaseComplete      Phase = "COMPLETE"
	PhaseInterrupted   Phase = "INTERRUPTED"
	PhaseRecovering    Phase = "RECOVERING"
)

// WorkflowEvent triggers a phase transition.
type WorkflowEvent string

const (
	EvInitialize        WorkflowEvent = "initialize"
	EvStartOver         WorkflowEvent = "start_over"
	EvBeginScan         WorkflowEvent = "begin_scan"
	EvScanComplete      WorkflowEvent = "scan_complete"
	EvLookupComplete    WorkflowEvent = "lookup_complete"
	EvPlanGenerated     WorkflowEvent = "plan_generated"
	EvBeginReview       WorkflowEvent = "begin_review"
	EvBeginExecution    WorkflowEvent = "begin_execution"
	EvExecutionFinished WorkflowEvent = "execution_finished"
	EvInterrupted       WorkflowEvent = "interrupted"
	EvBeginRecovery     WorkflowEvent = "begin_recovery"
	EvRecoveryResume    WorkflowEvent = "recovery_resume"
	EvRecoveryResolved  WorkflowEvent = "recovery_resolved"
)

type transitionKey struct {
	from  Phase
	event WorkflowEvent
}

var transitions = map[transitionKey]Phase{
	{PhaseUninitialized, EvInitialize}:    PhaseReady,
	{PhaseReady, EvBeginScan}:             PhaseScanning,
	{PhaseScanning, EvScanComplete}:       PhaseCacheLookup,
	{PhaseCacheLookup, EvLookupComplete}:  PhaseClassifying,
	{PhaseClassifying, EvPlanGenerated}:   PhasePlanReady,
	{PhasePlanReady, EvPlanGenerated}:     PhasePlanReady,
	{PhaseReviewing, EvPlanGenerated}:     PhaseReviewing,
	{PhasePlanReady, EvBeginReview}:       PhaseReviewing,
	{PhasePlanReady, EvBeginExecution}:    PhaseExecuting,
	{PhaseReviewing, EvBeginExecution}:    PhaseExecuting,
	{PhaseExecuting, EvExecutionFinished}: PhaseComplete,
	{PhaseExecuting, EvInterrupted}:       PhaseInterrupted,
	{PhaseInterrupted, EvBeginRecovery}:   PhaseRecovering,
	{PhaseRecovering, EvRecoveryResume}:   PhaseExecuting,
	{PhaseRecovering, EvRecoveryResolved}: PhaseComplete,
}

// startOverBlocked lists phases that cannot be abandoned with start_over:
// a session may hold completed moves that only recovery can resolve.
var startOverBlocked = []Phase{PhaseUninitialized, PhaseExecuting, PhaseInterrupted, PhaseRecovering}

// NextPhase returns the phase reached from `from` on ev.
func NextPhase(from Phase, ev WorkflowEvent) (Phase, error) {
	if ev == EvStartOver {
		if slices.Contains(startOverBlocked, from) {
			return "", fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, ev, from)
		}
		return PhaseReady, nil
	}
	to, ok := transitions[transitionKey{from, ev}]
	if !ok {
		return "", fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, ev, from)
	}
	return to, nil
}

// Workflow is the persisted session state machine.
type Workflow struct {
	db        Database
	clock     Clock
	publisher Publisher
	logger    Logger
}

// NewWorkflow creates a Workflow over db.
func NewWorkflow(db Database, clock Clock, publisher Publisher, logger Logger) *Workflow {
	return &Workflow{db: db, clock: clock, publisher: publisher, logger: logger}
}

// Current returns the persisted phase.
func (w *Workflow) Current() (Phase, error) {
	state, err := w.db.GetWorkflowState()
	if err != nil {
		return "", fmt.Errorf("reading workflow state: %w", err)
	}
	if state == nil {
		return PhaseUninitialized, nil
	}
	return Phase(state.Phase), nil
}

// Fire applies ev to the current phase and persists the result.
// The update is a compare-and-swap, so a concurrent change surfaces as
// ErrInvalidTransition instead of being overwritten.
func (w *Workflow) Fire(ev WorkflowEvent, sessionID string) (Phase, error) {
	from, err := w.Current()
	if err != nil {
		return "", err
	}
	to, err := NextPhase(from, ev)
	if err != nil {
		return "", err
	}
	ok, err := w.db.TransitionWorkflow(string(from), string(to), string(ev), sessionID, w.clock.Now())
	if err != nil {
		return "", fmt.Errorf("persisting transition %s: %w", ev, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: phase changed concurrently while applying %s", ErrInvalidTransition, ev)
	}
	w.logger.Debug("workflow transition", "from", from, "to", to, "event", ev)
	w.publisher.Publish(Event{
		Type:      EventPhaseChanged,
		SessionID: sessionID,
		Data:      map[string]any{"from": string(from), "to": string(to), "event": string(ev)},
	})
	return to, nil
}

// Require returns ErrInvalidTransition unless the current phase is one of allowed.
func (w *Workflow) Require(action string, allowed ...Phase) (Phase, error) {
	current, err := w.Current()
	if err != nil {
		return "", err
	}
	if !slices.Contains(allowed, current) {
		return current, fmt.Errorf("%w: %s is not allowed in phase %s", ErrInvalidTransition, action, current)
	}
	return current, nil
}

// Startup initializes a fresh store and marks an execution that was running
// when the previous process died as interrupted.
func (w *Workflow) Startup() (Phase, error) {
	current, err := w.Current()
	if err != nil {
		return "", err
	}
	switch current {
	case PhaseUninitialized:
		return w.Fire(EvInitialize, "")
	case PhaseExecuting:
		state, err := w.db.GetWorkflowState()
		if err != nil {
			return "", fmt.Errorf("reading workflow state: %w", err)
		}
		w.logger.Warn("previous execution was interrupted", "session", state.SessionID)
		return w.Fire(EvInterrupted, state.SessionID)
	}
	return current, nil
}

// StartOver resets to READY without touching historical sessions.
func (w *Workflow) StartOver() (Phase, error) {
	current, err := w.Current()
	if err != nil {
		return "", err
	}
	switch current {
	case PhaseReady:
		return current, nil
	case PhaseUninitialized:
		return w.Fire(EvInitialize, "")
	}
	return w.Fire(EvStartOver, "")
}
