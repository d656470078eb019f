package organizer

import (
	"bytes"
	"cmp"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"filesense/internal/model"
)

const logTimeFormat = "2006-01-02 15:04:05"

// ExportSessionLog writes a human-readable activity log of a session:
// a header, every ledger entry in order, then every recorded error.
func (s *Service) ExportSessionLog(sessionID string, w io.Writer) error {
	session, err := s.db.FindSession(sessionID)
	if err != nil {
		return fmt.Errorf("finding session: %w", err)
	}
	if session == nil {
		return WrapError(ErrSessionNotFound, "export log", fmt.Errorf("session %s", sessionID))
	}
	ops, err := s.db.ListOperations(sessionID)
	if err != nil {
		return fmt.Errorf("listing operations: %w", err)
	}
	errs, err := s.db.ListErrors(sessionID)
	if err != nil {
		return fmt.Errorf("listing errors: %w", err)
	}

	mode := "live"
	if session.TestMode {
		mode = "test"
	}
	fmt.Fprintf(w, "Session %s\n", session.ID)
	fmt.Fprintf(w, "Plan:      %s (%s)\n", session.PlanID, session.Style)
	fmt.Fprintf(w, "Mode:      %s\n", mode)
	fmt.Fprintf(w, "Status:    %s\n", session.Status)
	fmt.Fprintf(w, "Started:   %s\n", session.StartedAt.Format(logTimeFormat))
	if session.CompletedAt != nil {
		fmt.Fprintf(w, "Finished:  %s\n", session.CompletedAt.Format(logTimeFormat))
	}
	fmt.Fprintf(w, "Result:    %d of %d succeeded, %d failed\n",
		session.SuccessfulOperations, session.TotalOperations, session.FailedOperations)
	if session.Notes != "" {
		fmt.Fprintf(w, "Notes:     %s\n", session.Notes)
	}

	fmt.Fprintf(w, "\nOperations\n")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTIME\tTYPE\tSTATUS\tFROM\tTO\tNOTE")
	for _, op := range ops {
		note := op.Error
		if op.ReversesID != 0 {
			note = fmt.Sprintf("reverses #%d %s", indexOf(ops, op.ReversesID), note)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", op.Index, op.UpdatedAt.Format(logTimeFormat),
			op.Type, op.Status, dash(op.SourcePath), dash(op.DestinationPath), note)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(errs) == 0 {
		_, err := fmt.Fprintf(w, "\nNo errors recorded.\n")
		return err
	}
	fmt.Fprintf(w, "\nErrors\n")
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSEVERITY\tCODE\tPATH\tMESSAGE")
	for _, e := range errs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.CreatedAt.Format(logTimeFormat), e.Severity, e.Code, dash(e.Path), e.Message)
	}
	return tw.Flush()
}

func indexOf(ops []*model.OperationRecord, id int64) int {
	for _, op := range ops {
		if op.ID == id {
			return op.Index
		}
	}
	return 0
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// SessionLogName is the vault object name of a session's archived log.
func SessionLogName(sessionID string) string {
	return "sessions/" + sessionID + ".log"
}

// ArchiveSessionLog uploads the session log to the vault, encrypted when keys are configured.
func (s *Service) ArchiveSessionLog(sessionID string) (string, error) {
	if s.vault == nil {
		return "", fmt.Errorf("no vault configured")
	}
	var plain bytes.Buffer
	if err := s.ExportSessionLog(sessionID, &plain); err != nil {
		return "", err
	}

	payload := &plain
	if s.encryptor != nil && s.encryptor.IsConfigured() {
		var sealed bytes.Buffer
		if err := s.encryptor.Encrypt(&plain, &sealed); err != nil {
			return "", fmt.Errorf("encrypting session log: %w", err)
		}
		payload = &sealed
	}

	name := SessionLogName(sessionID)
	size := int64(payload.Len())
	if err := s.vault.PutObject(name, payload, size, s.clock.Now().Unix()); err != nil {
		return "", fmt.Errorf("uploading session log: %w", err)
	}
	s.logger.Info("session log archived", "session", sessionID, "object", name, "size", size)
	return name, nil
}

// CleanupSessions deletes finished sessions older than olderThan, with their ledger and errors.
func (s *Service) CleanupSessions(olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", olderThan)
	}
	cutoff := s.clock.Now().Add(-olderThan)
	n, err := s.db.DeleteSessionsBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting sessions: %w", err)
	}
	s.logger.Info("sessions cleaned up", "deleted", n, "cutoff", cutoff)
	return n, nil
}

// StatusReport is a snapshot of the engine state.
type StatusReport struct {
	Phase      Phase
	Files      map[model.FileStatus]int
	Categories []CategoryCount
	Incomplete []*IncompleteSession
	Recent     []*model.WorkflowTransition
}

// CategoryCount is the number of present files filed under Category.
type CategoryCount struct {
	Category string
	Count    int
}

// Status reports the current phase, file counts by classification status
// and by category, and any sessions awaiting recovery.
func (s *Service) Status() (*StatusReport, error) {
	phase, err := s.workflow.Current()
	if err != nil {
		return nil, err
	}
	files, err := s.db.ListPresentFiles()
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	report := &StatusReport{Phase: phase, Files: make(map[model.FileStatus]int)}
	for _, f := range files {
		report.Files[f.Status]++
	}
	if report.Categories, err = s.categoryBreakdown(files); err != nil {
		return nil, err
	}
	if report.Incomplete, err = s.ListIncompleteSessions(); err != nil {
		return nil, err
	}
	if report.Recent, err = s.db.ListWorkflowTransitions(5); err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}
	return report, nil
}

// categoryBreakdown counts files per classified category, largest first.
// Files without a classification count as Review.
func (s *Service) categoryBreakdown(files []*model.FileRecord) ([]CategoryCount, error) {
	counts := make(map[string]int)
	for _, f := range files {
		category := CategoryReview
		if f.Status == model.FileStatusClassified {
			c, err := s.cachedClassification(f)
			if err != nil {
				return nil, err
			}
			if c != nil {
				category = c.Category
			}
		}
		counts[category]++
	}
	out := make([]CategoryCount, 0, len(counts))
	for category, n := range counts {
		out = append(out, CategoryCount{Category: category, Count: n})
	}
	slices.SortFunc(out, func(a, b CategoryCount) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		return cmp.Compare(a.Category, b.Category)
	})
	return out, nil
}

// ListSessions returns the most recent sessions, newest first.
func (s *Service) ListSessions(limit int) ([]*model.Session, error) {
	return s.db.ListSessions(limit)
}
