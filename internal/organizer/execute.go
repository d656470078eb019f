package organizer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"filesense/internal/model"
)

// OperationFailure describes a failed ledger entry for presentation.
type OperationFailure struct {
	OperationID int64
	Index       int
	Path        string
	Code        string
	Message     string
}

// ExecutionReport is the outcome of executing or resuming a session.
type ExecutionReport struct {
	SessionID  string
	PlanID     string
	TestMode   bool
	Status     model.SessionStatus
	Total      int
	Completed  int
	Failed     int
	Skipped    int
	Undone     int // reversed by automatic rollback
	UndoFailed int
	Failures   []OperationFailure
}

// ExecutePlan runs a plan in a new session. Each plan runs at most once.
// In test mode every step is verified and logged exactly as in a live run,
// but the filesystem is never modified.
func (s *Service) ExecutePlan(ctx context.Context, planID string, testMode bool) (report *ExecutionReport, err error) {
	ctx, span := s.startSpan(ctx, "ExecutePlan")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("plan.id", planID), attribute.Bool("test_mode", testMode))

	plan, err := s.db.FindPlan(planID)
	if err != nil {
		return nil, fmt.Errorf("finding plan: %w", err)
	}
	if plan == nil {
		return nil, WrapError(ErrPlanNotFound, "execute", fmt.Errorf("plan %s", planID))
	}
	existing, err := s.db.FindSessionByPlan(planID)
	if err != nil {
		return nil, fmt.Errorf("finding session for plan: %w", err)
	}
	if existing != nil {
		return nil, WrapError(ErrPlanAlreadyExecuted, "execute",
			fmt.Errorf("plan %s ran in session %s; generate a new plan", planID, existing.ID))
	}
	if _, err := s.workflow.Require("execution", PhasePlanReady, PhaseReviewing); err != nil {
		return nil, err
	}
	incomplete, err := s.db.ListSessionsByStatus(model.SessionInProgress)
	if err != nil {
		return nil, fmt.Errorf("listing incomplete sessions: %w", err)
	}
	if len(incomplete) > 0 {
		return nil, WrapError(ErrRecoveryOrder, "execute",
			fmt.Errorf("session %s is incomplete and must be recovered first", incomplete[0].ID))
	}

	now := s.clock.Now()
	session := &model.Session{
		ID:        s.idgen.New(),
		PlanID:    plan.ID,
		StartedAt: now,
		Status:    model.SessionInProgress,
		Style:     plan.Style,
		TestMode:  testMode,
	}
	ops := buildLedger(session.ID, plan, now)
	session.TotalOperations = len(ops)
	if err := s.db.CreateSession(session, ops); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	if !testMode {
		if _, err := s.workflow.Fire(EvBeginExecution, session.ID); err != nil {
			return nil, err
		}
	}

	s.logger.Info("execution started", "session", session.ID, "plan", plan.ID, "operations", len(ops), "test_mode", testMode)
	span.SetAttributes(attribute.String("session.id", session.ID))
	return s.run(ctx, session, plan, ops)
}

// buildLedger lays out the pending operations: every folder first, then one move per item.
func buildLedger(sessionID string, plan *model.Plan, now time.Time) []*model.OperationRecord {
	ops := make([]*model.OperationRecord, 0, len(plan.Summary.FoldersToCreate)+len(plan.Items))
	for _, dir := range plan.Summary.FoldersToCreate {
		ops = append(ops, &model.OperationRecord{
			SessionID:       sessionID,
			Index:           len(ops) + 1,
			Type:            model.OpCreateFolder,
			Status:          model.OpPending,
			DestinationPath: dir,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	for _, item := range plan.Items {
		ops = append(ops, &model.OperationRecord{
			SessionID:       sessionID,
			Index:           len(ops) + 1,
			Type:            model.OpMove,
			Status:          model.OpPending,
			SourcePath:      item.SourcePath,
			DestinationPath: item.DestinationPath,
			Confidence:      item.Confidence,
			Category:        item.Category,
			FileID:          item.FileID,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	return ops
}

// run executes the pending forward operations of a session in ledger order.
// Each outcome is committed before the next operation starts.
func (s *Service) run(ctx context.Context, session *model.Session, plan *model.Plan, ops []*model.OperationRecord) (*ExecutionReport, error) {
	report := &ExecutionReport{
		SessionID: session.ID,
		PlanID:    session.PlanID,
		TestMode:  session.TestMode,
		Status:    model.SessionInProgress,
	}
	destRoot := filepath.Dir(plan.BaseDir)

	forward := 0
	for _, op := range ops {
		if isForward(op.Type) {
			forward++
		}
	}
	report.Total = forward

	for _, op := range ops {
		if !isForward(op.Type) {
			continue
		}
		if op.Status != model.OpPending {
			tally(report, op)
			continue
		}
		if err := ctx.Err(); err != nil {
			return s.interrupt(session, report, err)
		}

		opErr := s.apply(session, destRoot, op)
		op.UpdatedAt = s.clock.Now()
		if err := s.db.RecordOutcome(op); err != nil {
			return report, fmt.Errorf("recording outcome of operation %d: %w", op.Index, err)
		}
		s.metrics.OperationFinished(op.Type, op.Status)
		tally(report, op)
		s.publisher.Publish(Event{Type: EventOperationProgress, SessionID: session.ID, Data: map[string]any{
			"index": op.Index, "total": forward, "type": string(op.Type), "status": string(op.Status),
			"source": op.SourcePath, "destination": op.DestinationPath,
		}})

		if opErr == nil {
			continue
		}
		if err := s.recordFailure(session, op, opErr, report); err != nil {
			return report, err
		}
		if IsKind(opErr, ErrNonRecoverable) {
			return s.abort(session, report, op, opErr)
		}
	}

	now := s.clock.Now()
	notes := fmt.Sprintf("%d completed, %d left in place, %d skipped", report.Completed, report.Failed, report.Skipped)
	if err := s.db.FinishSession(session.ID, model.SessionCompleted, now, notes); err != nil {
		return report, fmt.Errorf("finishing session: %w", err)
	}
	report.Status = model.SessionCompleted
	if err := s.fireIf(PhaseExecuting, EvExecutionFinished, session.ID); err != nil {
		return report, err
	}

	s.logger.Info("execution finished", "session", session.ID, "completed", report.Completed,
		"failed", report.Failed, "skipped", report.Skipped, "test_mode", session.TestMode)
	s.publisher.Publish(Event{Type: EventSessionComplete, SessionID: session.ID, Data: map[string]any{
		"status": string(report.Status), "completed": report.Completed, "failed": report.Failed, "skipped": report.Skipped,
	}})
	return report, nil
}

// apply performs one forward operation and sets its terminal status.
// The returned error is the failure cause for failed operations; skips and
// successes return nil.
func (s *Service) apply(session *model.Session, destRoot string, op *model.OperationRecord) error {
	if _, err := s.fsmgr.Stat(destRoot); err != nil {
		return failOp(op, &OpError{
			Op:    "verify destination",
			Path:  destRoot,
			Code:  CodeUnavailable,
			Fatal: true,
			Err:   WrapError(ErrDestinationUnavailable, "execute", err),
		})
	}

	switch op.Type {
	case model.OpCreateFolder:
		return s.applyCreateFolder(session, op)
	case model.OpMove:
		return s.applyMove(session, op)
	}
	return failOp(op, &OpError{Op: string(op.Type), Code: CodeUnknown, Err: fmt.Errorf("unsupported operation type")})
}

func (s *Service) applyCreateFolder(session *model.Session, op *model.OperationRecord) error {
	if session.TestMode {
		_, err := s.fsmgr.Stat(op.DestinationPath)
		op.FolderCreated = errors.Is(err, fs.ErrNotExist)
		op.Status = model.OpCompleted
		return nil
	}
	created, err := s.fsmgr.MkdirAll(op.DestinationPath)
	if err != nil {
		return failOp(op, asOpError("create folder", op.DestinationPath, err))
	}
	op.FolderCreated = created
	op.Status = model.OpCompleted
	return nil
}

func (s *Service) applyMove(session *model.Session, op *model.OperationRecord) error {
	srcInfo, err := s.fsmgr.Stat(op.SourcePath)
	if errors.Is(err, fs.ErrNotExist) {
		op.Status = model.OpSkipped
		op.Error = "source no longer exists"
		return nil
	}
	if err != nil {
		return failOp(op, statError(op.SourcePath, err))
	}
	op.Size = srcInfo.Size()

	dstInfo, err := s.fsmgr.Stat(op.DestinationPath)
	switch {
	case err == nil && s.fsmgr.SameFile(srcInfo, dstInfo):
		op.Status = model.OpSkipped
		op.Error = "already at destination"
		return nil
	case err == nil:
		return failOp(op, &OpError{
			Op:   "move",
			Path: op.DestinationPath,
			Code: CodeAlreadyExists,
			Err:  errors.New("destination holds a different file"),
		})
	case !errors.Is(err, fs.ErrNotExist):
		return failOp(op, statError(op.DestinationPath, err))
	}

	if session.TestMode {
		op.Status = model.OpCompleted
		return nil
	}

	if _, err := s.fsmgr.MkdirAll(filepath.Dir(op.DestinationPath)); err != nil {
		return failOp(op, asOpError("create folder", filepath.Dir(op.DestinationPath), err))
	}
	if err := s.fsmgr.Move(op.SourcePath, op.DestinationPath); err != nil {
		return failOp(op, asOpError("move", op.SourcePath, err))
	}
	op.Status = model.OpCompleted
	return nil
}

// recordFailure persists an ErrorRecord for a failed operation.
func (s *Service) recordFailure(session *model.Session, op *model.OperationRecord, cause error, report *ExecutionReport) error {
	severity := model.SeverityMedium
	if IsKind(cause, ErrNonRecoverable) {
		severity = model.SeverityCritical
	}
	path := op.SourcePath
	if path == "" {
		path = op.DestinationPath
	}
	id := op.ID
	rec := &model.ErrorRecord{
		SessionID:   session.ID,
		OperationID: &id,
		Code:        errorCode(cause),
		Message:     cause.Error(),
		Path:        path,
		Severity:    severity,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.db.RecordError(rec); err != nil {
		return fmt.Errorf("recording error: %w", err)
	}
	s.logger.Warn("operation failed", "session", session.ID, "index", op.Index, "path", path,
		"code", rec.Code, "fatal", severity == model.SeverityCritical, "error", cause)
	report.Failures = append(report.Failures, OperationFailure{
		OperationID: op.ID, Index: op.Index, Path: path, Code: rec.Code, Message: cause.Error(),
	})
	return nil
}

// abort rolls back everything the session completed after a non-recoverable failure.
func (s *Service) abort(session *model.Session, report *ExecutionReport, failed *model.OperationRecord, cause error) (*ExecutionReport, error) {
	s.logger.Error("non-recoverable failure, rolling back session", "session", session.ID, "index", failed.Index, "error", cause)

	ops, err := s.db.ListOperations(session.ID)
	if err != nil {
		return report, fmt.Errorf("loading ledger for rollback: %w", err)
	}
	undo, err := s.rollback(session, ops)
	if err != nil {
		return report, fmt.Errorf("rolling back session: %w", err)
	}
	report.Undone = undo.Undone
	report.UndoFailed = undo.Failed

	status := model.SessionRolledBack
	if undo.Failed > 0 {
		status = model.SessionPartial
	}
	notes := fmt.Sprintf("halted at operation %d (%s); %d changes undone", failed.Index, errorCode(cause), undo.Undone)
	if undo.Failed > 0 {
		notes += fmt.Sprintf(", %d could not be undone", undo.Failed)
	}
	if err := s.db.FinishSession(session.ID, status, s.clock.Now(), notes); err != nil {
		return report, fmt.Errorf("finishing session: %w", err)
	}
	report.Status = status
	if err := s.fireIf(PhaseExecuting, EvExecutionFinished, session.ID); err != nil {
		return report, err
	}

	s.publisher.Publish(Event{Type: EventSessionError, SessionID: session.ID, Data: map[string]any{
		"status": string(status), "undone": undo.Undone, "undo_failed": undo.Failed, "error": cause.Error(),
	}})
	return report, fmt.Errorf("execution halted at operation %d of %d, %d changes undone: %w",
		failed.Index, report.Total, undo.Undone, cause)
}

// interrupt leaves the session in progress for crash recovery.
func (s *Service) interrupt(session *model.Session, report *ExecutionReport, cause error) (*ExecutionReport, error) {
	s.logger.Warn("execution interrupted", "session", session.ID, "completed", report.Completed)
	if err := s.fireIf(PhaseExecuting, EvInterrupted, session.ID); err != nil {
		return report, err
	}
	s.publisher.Publish(Event{Type: EventSessionError, SessionID: session.ID, Data: map[string]any{
		"status": string(model.SessionInProgress), "interrupted": true,
	}})
	return report, WrapError(ErrCancelled, "execute", cause)
}

// fireIf fires ev only when the workflow is currently in phase.
func (s *Service) fireIf(phase Phase, ev WorkflowEvent, sessionID string) error {
	current, err := s.workflow.Current()
	if err != nil {
		return err
	}
	if current != phase {
		return nil
	}
	_, err = s.workflow.Fire(ev, sessionID)
	return err
}

func isForward(t model.OperationType) bool {
	return t == model.OpMove || t == model.OpCreateFolder
}

func tally(report *ExecutionReport, op *model.OperationRecord) {
	switch op.Status {
	case model.OpCompleted, model.OpRolledBack:
		report.Completed++
	case model.OpFailed:
		report.Failed++
	case model.OpSkipped:
		report.Skipped++
	}
}

func failOp(op *model.OperationRecord, err error) error {
	op.Status = model.OpFailed
	op.Error = err.Error()
	return err
}

// asOpError makes sure a filesystem failure carries a failure class.
// Errors that are not *OpError are treated as recoverable.
func asOpError(op, path string, err error) error {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return err
	}
	return &OpError{Op: op, Path: path, Code: CodeUnknown, Err: err}
}

func statError(path string, err error) error {
	code := CodeIOError
	if errors.Is(err, fs.ErrPermission) {
		code = CodePermissionDenied
	}
	return &OpError{Op: "stat", Path: path, Code: code, Err: err}
}
