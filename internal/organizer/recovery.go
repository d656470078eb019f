package organizer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"go.opentelemetry.io/otel/attribute"

	"filesense/internal/model"
)

// IncompleteSession is a session left in progress by a crash or interruption.
type IncompleteSession struct {
	Session   *model.Session
	Completed int
	Pending   int
	Failed    int
	Skipped   int
}

// ListIncompleteSessions returns sessions without a terminal status, most recent first.
func (s *Service) ListIncompleteSessions() ([]*IncompleteSession, error) {
	sessions, err := s.db.ListSessionsByStatus(model.SessionInProgress)
	if err != nil {
		return nil, fmt.Errorf("listing incomplete sessions: %w", err)
	}
	out := make([]*IncompleteSession, 0, len(sessions))
	for _, session := range sessions {
		ops, err := s.db.ListOperations(session.ID)
		if err != nil {
			return nil, fmt.Errorf("listing operations of %s: %w", session.ID, err)
		}
		out = append(out, summarizeIncomplete(session, ops))
	}
	return out, nil
}

func summarizeIncomplete(session *model.Session, ops []*model.OperationRecord) *IncompleteSession {
	inc := &IncompleteSession{Session: session}
	for _, op := range ops {
		if !isForward(op.Type) {
			continue
		}
		switch op.Status {
		case model.OpCompleted, model.OpRolledBack:
			inc.Completed++
		case model.OpPending:
			inc.Pending++
		case model.OpFailed:
			inc.Failed++
		case model.OpSkipped:
			inc.Skipped++
		}
	}
	return inc
}

// ResumeSession continues the pending operations of the most recent incomplete session.
func (s *Service) ResumeSession(ctx context.Context, sessionID string) (report *ExecutionReport, err error) {
	ctx, span := s.startSpan(ctx, "ResumeSession")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("session.id", sessionID))

	session, err := s.recoveryTarget(sessionID)
	if err != nil {
		return nil, err
	}
	plan, err := s.db.FindPlan(session.PlanID)
	if err != nil {
		return nil, fmt.Errorf("finding plan: %w", err)
	}
	if plan == nil {
		return nil, WrapError(ErrPlanNotFound, "resume", fmt.Errorf("plan %s", session.PlanID))
	}
	phase, err := s.enterRecovery(session)
	if err != nil {
		return nil, err
	}
	ops, err := s.reconcile(session)
	if err != nil {
		return nil, err
	}
	if phase == PhaseRecovering {
		if _, err := s.workflow.Fire(EvRecoveryResume, session.ID); err != nil {
			return nil, err
		}
	}

	s.logger.Info("resuming session", "session", session.ID)
	return s.run(ctx, session, plan, ops)
}

// RollbackSession reverses every completed operation of the most recent
// incomplete session. Operations that never ran are marked skipped.
func (s *Service) RollbackSession(ctx context.Context, sessionID string) (report *UndoReport, err error) {
	_, span := s.startSpan(ctx, "RollbackSession")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("session.id", sessionID))

	session, err := s.recoveryTarget(sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.enterRecovery(session); err != nil {
		return nil, err
	}
	ops, err := s.reconcile(session)
	if err != nil {
		return nil, err
	}
	if err := s.skipPending(ops, "session rolled back during recovery"); err != nil {
		return nil, err
	}
	report, err = s.rollback(session, ops)
	if err != nil {
		return report, err
	}
	if err := s.closeRollback(session, report); err != nil {
		return report, err
	}
	return report, s.resolveRecovery()
}

// DiscardSession abandons the most recent incomplete session. Completed
// operations stay in place and pending ones are marked skipped.
func (s *Service) DiscardSession(ctx context.Context, sessionID string) (err error) {
	_, span := s.startSpan(ctx, "DiscardSession")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("session.id", sessionID))

	session, err := s.recoveryTarget(sessionID)
	if err != nil {
		return err
	}
	if _, err := s.enterRecovery(session); err != nil {
		return err
	}
	ops, err := s.reconcile(session)
	if err != nil {
		return err
	}
	if err := s.skipPending(ops, "session discarded"); err != nil {
		return err
	}
	inc := summarizeIncomplete(session, ops)
	notes := fmt.Sprintf("discarded; %d completed operations left in place", inc.Completed)
	if err := s.db.FinishSession(session.ID, model.SessionFailed, s.clock.Now(), notes); err != nil {
		return fmt.Errorf("finishing session: %w", err)
	}
	s.logger.Info("session discarded", "session", session.ID, "completed", inc.Completed)
	return s.resolveRecovery()
}

// recoveryTarget loads sessionID and checks that it is the most recent incomplete session.
func (s *Service) recoveryTarget(sessionID string) (*model.Session, error) {
	incomplete, err := s.db.ListSessionsByStatus(model.SessionInProgress)
	if err != nil {
		return nil, fmt.Errorf("listing incomplete sessions: %w", err)
	}
	for i, session := range incomplete {
		if session.ID != sessionID {
			continue
		}
		if i > 0 {
			return nil, WrapError(ErrRecoveryOrder, "recover",
				fmt.Errorf("resolve session %s first", incomplete[0].ID))
		}
		return session, nil
	}

	session, err := s.db.FindSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("finding session: %w", err)
	}
	if session == nil {
		return nil, WrapError(ErrSessionNotFound, "recover", fmt.Errorf("session %s", sessionID))
	}
	return nil, fmt.Errorf("%w: session %s is %s, not incomplete", ErrInvalidTransition, sessionID, session.Status)
}

// enterRecovery moves the workflow into RECOVERING. Sessions that never
// advanced the workflow (test mode) leave the phase untouched.
func (s *Service) enterRecovery(session *model.Session) (Phase, error) {
	current, err := s.workflow.Current()
	if err != nil {
		return "", err
	}
	if current == PhaseExecuting {
		if current, err = s.workflow.Fire(EvInterrupted, session.ID); err != nil {
			return "", err
		}
	}
	if current == PhaseInterrupted {
		return s.workflow.Fire(EvBeginRecovery, session.ID)
	}
	return current, nil
}

// resolveRecovery leaves RECOVERING once no incomplete session remains.
func (s *Service) resolveRecovery() error {
	current, err := s.workflow.Current()
	if err != nil {
		return err
	}
	if current != PhaseRecovering {
		return nil
	}
	incomplete, err := s.db.ListSessionsByStatus(model.SessionInProgress)
	if err != nil {
		return fmt.Errorf("listing incomplete sessions: %w", err)
	}
	if len(incomplete) > 0 {
		return nil
	}
	_, err = s.workflow.Fire(EvRecoveryResolved, "")
	return err
}

// reconcile settles pending operations whose effect already reached the
// disk before the crash, and returns the refreshed ledger.
func (s *Service) reconcile(session *model.Session) ([]*model.OperationRecord, error) {
	return s.settle(session, true)
}

// settleReversals settles the reversals of a finished session left pending by
// a crash during undo. Forward operations of a finished session are final.
func (s *Service) settleReversals(session *model.Session) ([]*model.OperationRecord, error) {
	return s.settle(session, false)
}

func (s *Service) settle(session *model.Session, forward bool) ([]*model.OperationRecord, error) {
	ops, err := s.db.ListOperations(session.ID)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	byID := make(map[int64]*model.OperationRecord, len(ops))
	for _, op := range ops {
		byID[op.ID] = op
	}

	for _, op := range ops {
		if op.Status != model.OpPending {
			continue
		}
		switch op.Type {
		case model.OpMove:
			if !forward || session.TestMode || !s.moved(op.SourcePath, op.DestinationPath) {
				continue
			}
			op.Status = model.OpCompleted
		case model.OpUndoMove:
			if session.TestMode || s.moved(op.SourcePath, op.DestinationPath) {
				op.Status = model.OpCompleted
			} else {
				op.Status = model.OpFailed
				op.Error = "interrupted before completion"
			}
		case model.OpRemoveFolder:
			if _, err := s.fsmgr.Stat(op.SourcePath); session.TestMode || errors.Is(err, fs.ErrNotExist) {
				op.Status = model.OpCompleted
			} else {
				op.Status = model.OpFailed
				op.Error = "interrupted before completion"
			}
		default:
			continue
		}

		op.UpdatedAt = s.clock.Now()
		if err := s.db.RecordOutcome(op); err != nil {
			return nil, fmt.Errorf("reconciling operation %d: %w", op.Index, err)
		}
		s.logger.Info("reconciled operation", "session", session.ID, "index", op.Index, "type", op.Type, "status", op.Status)

		if op.Type != model.OpMove && op.Status == model.OpCompleted {
			if err := s.db.MarkRolledBack(op.ReversesID, op.UpdatedAt); err != nil {
				return nil, fmt.Errorf("marking operation rolled back: %w", err)
			}
			if orig, ok := byID[op.ReversesID]; ok {
				orig.Status = model.OpRolledBack
			}
		}
	}
	return ops, nil
}

// moved reports whether src is gone and dst exists.
func (s *Service) moved(src, dst string) bool {
	if _, err := s.fsmgr.Stat(src); !errors.Is(err, fs.ErrNotExist) {
		return false
	}
	_, err := s.fsmgr.Stat(dst)
	return err == nil
}

func (s *Service) skipPending(ops []*model.OperationRecord, reason string) error {
	for _, op := range ops {
		if !isForward(op.Type) || op.Status != model.OpPending {
			continue
		}
		op.Status = model.OpSkipped
		op.Error = reason
		op.UpdatedAt = s.clock.Now()
		if err := s.db.RecordOutcome(op); err != nil {
			return fmt.Errorf("skipping operation %d: %w", op.Index, err)
		}
	}
	return nil
}
