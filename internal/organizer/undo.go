package organizer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"filesense/internal/model"
)

// UndoFailure is one reversal that could not be performed.
type UndoFailure struct {
	OperationID int64
	Path        string
	Err         error
}

// UndoReport summarizes reversing a set of operations.
type UndoReport struct {
	SessionID string
	Undone    int
	Failed    int
	Failures  []UndoFailure
	Status    model.SessionStatus
}

// undoAllowed lists phases in which no execution or recovery owns the file tree.
var undoAllowed = []Phase{
	PhaseUninitialized, PhaseReady, PhaseScanning, PhaseCacheLookup, PhaseClassifying,
	PhasePlanReady, PhaseReviewing, PhaseComplete,
}

// UndoOperation reverses a single completed operation of a finished session.
// It returns the appended reversal record. A reversal that fails because the
// file state drifted is still logged and returned alongside the error.
func (s *Service) UndoOperation(ctx context.Context, operationID int64) (rev *model.OperationRecord, err error) {
	_, span := s.startSpan(ctx, "UndoOperation")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int64("operation.id", operationID))

	if _, err := s.workflow.Require("undo", undoAllowed...); err != nil {
		return nil, err
	}
	op, err := s.db.FindOperation(operationID)
	if err != nil {
		return nil, fmt.Errorf("finding operation: %w", err)
	}
	if op == nil {
		return nil, WrapError(ErrOperationNotFound, "undo", fmt.Errorf("operation %d", operationID))
	}
	session, err := s.finishedSession(op.SessionID)
	if err != nil {
		return nil, err
	}
	ops, err := s.settleReversals(session)
	if err != nil {
		return nil, err
	}
	for _, settled := range ops {
		if settled.ID == op.ID {
			op = settled
		}
	}
	if err := undoable(op); err != nil {
		return nil, err
	}

	rev, cause, err := s.reverse(session, op)
	if err != nil {
		return nil, err
	}
	if cause != nil {
		return rev, cause
	}

	ops, err = s.db.ListOperations(session.ID)
	if err != nil {
		return rev, fmt.Errorf("listing operations: %w", err)
	}
	if remainingUndoable(ops) == 0 {
		if err := s.db.FinishSession(session.ID, model.SessionRolledBack, s.clock.Now(), "all changes undone"); err != nil {
			return rev, fmt.Errorf("finishing session: %w", err)
		}
	}
	return rev, nil
}

// UndoSession reverses every completed operation of a finished session,
// newest first. Individual failures never stop the remaining reversals.
func (s *Service) UndoSession(ctx context.Context, sessionID string) (report *UndoReport, err error) {
	_, span := s.startSpan(ctx, "UndoSession")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("session.id", sessionID))

	if _, err := s.workflow.Require("undo", undoAllowed...); err != nil {
		return nil, err
	}
	session, err := s.finishedSession(sessionID)
	if err != nil {
		return nil, err
	}
	ops, err := s.settleReversals(session)
	if err != nil {
		return nil, err
	}
	if remainingUndoable(ops) == 0 {
		return nil, WrapError(ErrNotUndoable, "undo session", fmt.Errorf("session %s has no completed changes", session.ID))
	}

	report, err = s.rollback(session, ops)
	if err != nil {
		return report, err
	}
	return report, s.closeRollback(session, report)
}

// closeRollback sets the terminal status after a rollback.
func (s *Service) closeRollback(session *model.Session, report *UndoReport) error {
	report.Status = model.SessionRolledBack
	notes := fmt.Sprintf("%d changes undone", report.Undone)
	if report.Failed > 0 {
		report.Status = model.SessionPartial
		notes += fmt.Sprintf(", %d could not be undone", report.Failed)
	}
	if err := s.db.FinishSession(session.ID, report.Status, s.clock.Now(), notes); err != nil {
		return fmt.Errorf("finishing session: %w", err)
	}
	s.logger.Info("session rolled back", "session", session.ID, "undone", report.Undone, "failed", report.Failed)
	return nil
}

func (s *Service) finishedSession(id string) (*model.Session, error) {
	session, err := s.db.FindSession(id)
	if err != nil {
		return nil, fmt.Errorf("finding session: %w", err)
	}
	if session == nil {
		return nil, WrapError(ErrSessionNotFound, "undo", fmt.Errorf("session %s", id))
	}
	if !session.Status.Terminal() {
		return nil, WrapError(ErrNotUndoable, "undo",
			fmt.Errorf("session %s is still in progress; use recovery", id))
	}
	return session, nil
}

// rollback reverses completed forward operations in descending ledger order.
// Only datastore failures are returned as errors; reversal failures are
// counted in the report.
func (s *Service) rollback(session *model.Session, ops []*model.OperationRecord) (*UndoReport, error) {
	report := &UndoReport{SessionID: session.ID}
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if undoable(op) != nil {
			continue
		}
		_, cause, err := s.reverse(session, op)
		if err != nil {
			return report, err
		}
		if cause != nil {
			report.Failed++
			report.Failures = append(report.Failures, UndoFailure{OperationID: op.ID, Path: op.DestinationPath, Err: cause})
			continue
		}
		report.Undone++
	}
	s.metrics.RollbackFinished(report.Undone, report.Failed)
	return report, nil
}

// reverse appends a reversal record for op, performs it and records the
// outcome. cause is the reversal failure; err is a datastore failure.
func (s *Service) reverse(session *model.Session, op *model.OperationRecord) (rev *model.OperationRecord, cause error, err error) {
	now := s.clock.Now()
	rev = &model.OperationRecord{
		SessionID:  session.ID,
		Status:     model.OpPending,
		Size:       op.Size,
		Confidence: op.Confidence,
		Category:   op.Category,
		FileID:     op.FileID,
		ReversesID: op.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if op.Type == model.OpMove {
		rev.Type = model.OpUndoMove
		rev.SourcePath = op.DestinationPath
		rev.DestinationPath = op.SourcePath
	} else {
		rev.Type = model.OpRemoveFolder
		rev.SourcePath = op.DestinationPath
	}
	if err := s.db.AppendOperation(rev); err != nil {
		return nil, nil, fmt.Errorf("appending reversal: %w", err)
	}

	cause = s.applyReversal(session, op)
	rev.UpdatedAt = s.clock.Now()
	if cause != nil {
		rev.Status = model.OpFailed
		rev.Error = cause.Error()
	} else {
		rev.Status = model.OpCompleted
	}
	if err := s.db.RecordOutcome(rev); err != nil {
		return rev, nil, fmt.Errorf("recording reversal outcome: %w", err)
	}
	s.metrics.OperationFinished(rev.Type, rev.Status)

	if cause != nil {
		id := rev.ID
		if err := s.db.RecordError(&model.ErrorRecord{
			SessionID:   session.ID,
			OperationID: &id,
			Code:        errorCode(cause),
			Message:     cause.Error(),
			Path:        rev.SourcePath,
			Severity:    model.SeverityHigh,
			CreatedAt:   rev.UpdatedAt,
		}); err != nil {
			return rev, nil, fmt.Errorf("recording error: %w", err)
		}
		s.logger.Warn("undo failed", "session", session.ID, "operation", op.ID, "error", cause)
		return rev, cause, nil
	}

	if err := s.db.MarkRolledBack(op.ID, rev.UpdatedAt); err != nil {
		return rev, nil, fmt.Errorf("marking operation rolled back: %w", err)
	}
	op.Status = model.OpRolledBack
	s.publisher.Publish(Event{Type: EventRollbackProgress, SessionID: session.ID, Data: map[string]any{
		"operation": op.ID, "type": string(rev.Type), "path": rev.SourcePath,
	}})
	return rev, nil, nil
}

// applyReversal verifies the current state and reverses op on disk.
// Test-mode sessions never touched the disk, so nothing is verified or moved.
func (s *Service) applyReversal(session *model.Session, op *model.OperationRecord) error {
	if session.TestMode {
		return nil
	}

	if op.Type == model.OpCreateFolder {
		if _, err := s.fsmgr.Stat(op.DestinationPath); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err := s.fsmgr.RemoveEmptyDir(op.DestinationPath); err != nil {
			return WrapError(ErrUndoDrift, "remove folder", err)
		}
		return nil
	}

	if _, err := s.fsmgr.Stat(op.DestinationPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &OpError{Op: "undo", Path: op.DestinationPath, Code: CodeDrift,
				Err: WrapError(ErrUndoDrift, "undo", errors.New("file is no longer at its destination"))}
		}
		return statError(op.DestinationPath, err)
	}
	if _, err := s.fsmgr.Stat(op.SourcePath); err == nil {
		return &OpError{Op: "undo", Path: op.SourcePath, Code: CodeDrift,
			Err: WrapError(ErrUndoDrift, "undo", errors.New("original location is occupied"))}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return statError(op.SourcePath, err)
	}

	if _, err := s.fsmgr.MkdirAll(filepath.Dir(op.SourcePath)); err != nil {
		return asOpError("create folder", filepath.Dir(op.SourcePath), err)
	}
	if err := s.fsmgr.Move(op.DestinationPath, op.SourcePath); err != nil {
		return asOpError("undo", op.DestinationPath, err)
	}
	return nil
}

// undoable reports why op cannot be reversed, or nil.
func undoable(op *model.OperationRecord) error {
	switch {
	case !isForward(op.Type):
		return WrapError(ErrNotUndoable, "undo", fmt.Errorf("operation %d is itself a reversal", op.ID))
	case op.Status == model.OpRolledBack:
		return WrapError(ErrNotUndoable, "undo", fmt.Errorf("operation %d is already rolled back", op.ID))
	case op.Status != model.OpCompleted:
		return WrapError(ErrNotUndoable, "undo", fmt.Errorf("operation %d is %s", op.ID, op.Status))
	case op.Type == model.OpCreateFolder && !op.FolderCreated:
		return WrapError(ErrNotUndoable, "undo", fmt.Errorf("folder %s existed before the session", op.DestinationPath))
	}
	return nil
}

func remainingUndoable(ops []*model.OperationRecord) int {
	n := 0
	for _, op := range ops {
		if undoable(op) == nil {
			n++
		}
	}
	return n
}
