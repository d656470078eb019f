package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"filesense/internal/database/migrations"
	"filesense/internal/model"
	"filesense/internal/organizer"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements organizer.Database on SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens a database connection without touching the schema.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteDatabaseFromDB(db, path), nil
}

// NewSQLiteDatabaseFromDB wraps an already configured connection.
func NewSQLiteDatabaseFromDB(db *sql.DB, path string) *SQLiteDatabase {
	return &SQLiteDatabase{db: db, path: path}
}

// OpenConnection opens and configures a SQLite connection.
// The pool is limited to one connection: the engine writes sequentially, an
// in-memory database exists per connection, and PRAGMAs are per connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = FULL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure database (%s): %w", p, err)
		}
	}
	return db, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteDatabase) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// File operations

const fileColumns = `id, path, root, filename, extension, size, modified_at, fingerprint, snippet_hash,
	snippet, classified_fingerprint, status, absent, discovered_at, last_scanned_at`

func scanFile(row rowScanner) (*model.FileRecord, error) {
	var f model.FileRecord
	var status string
	err := row.Scan(&f.ID, &f.Path, &f.Root, &f.Filename, &f.Extension, &f.Size, &f.ModifiedAt,
		&f.Fingerprint, &f.SnippetHash, &f.Snippet, &f.ClassifiedFingerprint, &status, &f.Absent,
		&f.DiscoveredAt, &f.LastScannedAt)
	if err != nil {
		return nil, err
	}
	f.Status = model.FileStatus(status)
	return &f, nil
}

func (s *SQLiteDatabase) queryFiles(query string, args ...any) ([]*model.FileRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*model.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *SQLiteDatabase) FindFileByPath(path string) (*model.FileRecord, error) {
	f, err := scanFile(s.db.QueryRow("SELECT "+fileColumns+" FROM files WHERE path = ?", path))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding file by path: %w", err)
	}
	return f, nil
}

func (s *SQLiteDatabase) FindFileByID(id int64) (*model.FileRecord, error) {
	f, err := scanFile(s.db.QueryRow("SELECT "+fileColumns+" FROM files WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding file by id: %w", err)
	}
	return f, nil
}

func (s *SQLiteDatabase) UpsertFile(f *model.FileRecord) error {
	if f.Status == "" {
		f.Status = model.FileStatusPending
	}
	err := s.db.QueryRow(`
		INSERT INTO files (path, root, filename, extension, size, modified_at, fingerprint, snippet_hash,
			snippet, classified_fingerprint, status, absent, discovered_at, last_scanned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			root = excluded.root,
			filename = excluded.filename,
			extension = excluded.extension,
			size = excluded.size,
			modified_at = excluded.modified_at,
			fingerprint = excluded.fingerprint,
			snippet_hash = excluded.snippet_hash,
			snippet = excluded.snippet,
			classified_fingerprint = excluded.classified_fingerprint,
			status = excluded.status,
			absent = excluded.absent,
			last_scanned_at = excluded.last_scanned_at
		RETURNING id`,
		f.Path, f.Root, f.Filename, f.Extension, f.Size, f.ModifiedAt, f.Fingerprint, f.SnippetHash,
		f.Snippet, f.ClassifiedFingerprint, string(f.Status), f.Absent, f.DiscoveredAt, f.LastScannedAt,
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("upserting file: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) TouchFile(id int64, scannedAt time.Time) error {
	if _, err := s.db.Exec("UPDATE files SET last_scanned_at = ?, absent = 0 WHERE id = ?", scannedAt, id); err != nil {
		return fmt.Errorf("touching file: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) MarkFileAbsent(id int64) error {
	if _, err := s.db.Exec("UPDATE files SET absent = 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("marking file absent: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListFilesUnder(root string) ([]*model.FileRecord, error) {
	// Paths under root sort between root+"/" and root+"0" ('0' follows '/').
	base := strings.TrimSuffix(root, "/")
	files, err := s.queryFiles("SELECT "+fileColumns+" FROM files WHERE path = ? OR (path >= ? AND path < ?) ORDER BY path",
		root, base+"/", base+"0")
	if err != nil {
		return nil, fmt.Errorf("listing files under %s: %w", root, err)
	}
	return files, nil
}

func (s *SQLiteDatabase) ListPresentFiles() ([]*model.FileRecord, error) {
	files, err := s.queryFiles("SELECT " + fileColumns + " FROM files WHERE absent = 0 ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("listing present files: %w", err)
	}
	return files, nil
}

func (s *SQLiteDatabase) SetFileStatus(id int64, status model.FileStatus, classifiedFingerprint string) error {
	var err error
	if status == model.FileStatusClassified {
		_, err = s.db.Exec("UPDATE files SET status = ?, classified_fingerprint = ? WHERE id = ?",
			string(status), classifiedFingerprint, id)
	} else {
		_, err = s.db.Exec("UPDATE files SET status = ? WHERE id = ?", string(status), id)
	}
	if err != nil {
		return fmt.Errorf("setting file status: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ResetUnclassified() (int, error) {
	res, err := s.db.Exec("UPDATE files SET status = 'pending' WHERE status = 'unclassified'")
	if err != nil {
		return 0, fmt.Errorf("resetting unclassified files: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resetting unclassified files: %w", err)
	}
	return int(n), nil
}

// Classification cache

func (s *SQLiteDatabase) FindClassification(key model.CacheKey) (*model.Classification, error) {
	var c model.Classification
	var tags string
	err := s.db.QueryRow(`
		SELECT fingerprint, snippet_hash, classifier_version, category, subcategory, tags, summary,
			confidence, suggested_folder, entity, document_type, classified_at
		FROM classifications
		WHERE fingerprint = ? AND snippet_hash = ? AND classifier_version = ?`,
		key.Fingerprint, key.SnippetHash, key.ClassifierVersion,
	).Scan(&c.Fingerprint, &c.SnippetHash, &c.ClassifierVersion, &c.Category, &c.Subcategory, &tags,
		&c.Summary, &c.Confidence, &c.SuggestedFolder, &c.Entity, &c.DocumentType, &c.ClassifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding classification: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return nil, fmt.Errorf("decoding classification tags: %w", err)
	}
	return &c, nil
}

func (s *SQLiteDatabase) PutClassification(c *model.Classification) error {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encoding classification tags: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO classifications (fingerprint, snippet_hash, classifier_version, category, subcategory,
			tags, summary, confidence, suggested_folder, entity, document_type, classified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint, snippet_hash, classifier_version) DO UPDATE SET
			category = excluded.category,
			subcategory = excluded.subcategory,
			tags = excluded.tags,
			summary = excluded.summary,
			confidence = excluded.confidence,
			suggested_folder = excluded.suggested_folder,
			entity = excluded.entity,
			document_type = excluded.document_type,
			classified_at = excluded.classified_at`,
		c.Fingerprint, c.SnippetHash, c.ClassifierVersion, c.Category, c.Subcategory, string(encoded),
		c.Summary, c.Confidence, c.SuggestedFolder, c.Entity, c.DocumentType, c.ClassifiedAt)
	if err != nil {
		return fmt.Errorf("storing classification: %w", err)
	}
	return nil
}

// Plans

func (s *SQLiteDatabase) CreatePlan(plan *model.Plan) error {
	folders, err := json.Marshal(nonNil(plan.Summary.FoldersToCreate))
	if err != nil {
		return fmt.Errorf("encoding plan folders: %w", err)
	}
	return s.withTx(func(tx *sql.Tx) error {
		sum := plan.Summary
		_, err := tx.Exec(`
			INSERT INTO plans (id, name, style, depth, threshold, base_dir, created_at, total_files,
				high_confidence, low_confidence, review_count, unclassified_count, excluded_count,
				duplicates_found, folders)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			plan.ID, plan.Name, plan.Style, plan.Depth, plan.Threshold, plan.BaseDir, plan.CreatedAt,
			sum.TotalFiles, sum.HighConfidence, sum.LowConfidence, sum.ReviewCount, sum.UnclassifiedCount,
			sum.ExcludedCount, sum.DuplicatesFound, string(folders))
		if err != nil {
			return fmt.Errorf("inserting plan: %w", err)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO plan_items (plan_id, position, file_id, source_path, destination_path, category,
				confidence, reason, requires_review)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing plan items: %w", err)
		}
		defer stmt.Close()
		for _, item := range plan.Items {
			_, err := stmt.Exec(plan.ID, item.Position, item.FileID, item.SourcePath, item.DestinationPath,
				item.Category, item.Confidence, item.Reason, item.RequiresReview)
			if err != nil {
				return fmt.Errorf("inserting plan item %d: %w", item.Position, err)
			}
		}
		return nil
	})
}

const planColumns = `id, name, style, depth, threshold, base_dir, created_at, total_files, high_confidence,
	low_confidence, review_count, unclassified_count, excluded_count, duplicates_found, folders`

func scanPlan(row rowScanner) (*model.Plan, error) {
	var p model.Plan
	var folders string
	sum := &p.Summary
	err := row.Scan(&p.ID, &p.Name, &p.Style, &p.Depth, &p.Threshold, &p.BaseDir, &p.CreatedAt,
		&sum.TotalFiles, &sum.HighConfidence, &sum.LowConfidence, &sum.ReviewCount, &sum.UnclassifiedCount,
		&sum.ExcludedCount, &sum.DuplicatesFound, &folders)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(folders), &sum.FoldersToCreate); err != nil {
		return nil, fmt.Errorf("decoding plan folders: %w", err)
	}
	return &p, nil
}

func (s *SQLiteDatabase) FindPlan(id string) (*model.Plan, error) {
	plan, err := scanPlan(s.db.QueryRow("SELECT "+planColumns+" FROM plans WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding plan: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT position, file_id, source_path, destination_path, category, confidence, reason, requires_review
		FROM plan_items WHERE plan_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("loading plan items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item model.PlanItem
		if err := rows.Scan(&item.Position, &item.FileID, &item.SourcePath, &item.DestinationPath,
			&item.Category, &item.Confidence, &item.Reason, &item.RequiresReview); err != nil {
			return nil, fmt.Errorf("scanning plan item: %w", err)
		}
		plan.Items = append(plan.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading plan items: %w", err)
	}
	return plan, nil
}

func (s *SQLiteDatabase) ListPlans(limit int) ([]*model.Plan, error) {
	rows, err := s.db.Query("SELECT "+planColumns+" FROM plans ORDER BY created_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	defer rows.Close()

	var plans []*model.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// Sessions

const sessionColumns = `id, plan_id, started_at, completed_at, status, style, test_mode, total_operations,
	successful_operations, failed_operations, notes`

func scanSession(row rowScanner) (*model.Session, error) {
	var sess model.Session
	var completed sql.NullTime
	var status string
	err := row.Scan(&sess.ID, &sess.PlanID, &sess.StartedAt, &completed, &status, &sess.Style, &sess.TestMode,
		&sess.TotalOperations, &sess.SuccessfulOperations, &sess.FailedOperations, &sess.Notes)
	if err != nil {
		return nil, err
	}
	sess.CompletedAt = timePtr(completed)
	sess.Status = model.SessionStatus(status)
	return &sess, nil
}

func (s *SQLiteDatabase) querySessions(query string, args ...any) ([]*model.Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteDatabase) CreateSession(session *model.Session, ops []*model.OperationRecord) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO sessions (id, plan_id, started_at, completed_at, status, style, test_mode,
				total_operations, successful_operations, failed_operations, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID, session.PlanID, session.StartedAt, nullTime(session.CompletedAt), string(session.Status),
			session.Style, session.TestMode, session.TotalOperations, session.SuccessfulOperations,
			session.FailedOperations, session.Notes)
		if err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}
		for _, op := range ops {
			if err := insertOperation(tx, op); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteDatabase) FindSession(id string) (*model.Session, error) {
	sess, err := scanSession(s.db.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteDatabase) FindSessionByPlan(planID string) (*model.Session, error) {
	sess, err := scanSession(s.db.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE plan_id = ?", planID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding session by plan: %w", err)
	}
	return sess, nil
}

func (s *SQLiteDatabase) ListSessions(limit int) ([]*model.Session, error) {
	sessions, err := s.querySessions("SELECT "+sessionColumns+" FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteDatabase) ListSessionsByStatus(status model.SessionStatus) ([]*model.Session, error) {
	sessions, err := s.querySessions("SELECT "+sessionColumns+" FROM sessions WHERE status = ? ORDER BY started_at DESC, rowid DESC",
		string(status))
	if err != nil {
		return nil, fmt.Errorf("listing %s sessions: %w", status, err)
	}
	return sessions, nil
}

func (s *SQLiteDatabase) FinishSession(id string, status model.SessionStatus, completedAt time.Time, notes string) error {
	res, err := s.db.Exec("UPDATE sessions SET status = ?, completed_at = ?, notes = ? WHERE id = ?",
		string(status), completedAt, notes, id)
	if err != nil {
		return fmt.Errorf("finishing session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing session: session %s does not exist", id)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteSessionsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec("DELETE FROM sessions WHERE started_at < ? AND status NOT IN ('pending', 'in_progress')", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting sessions: %w", err)
	}
	return int(n), nil
}

// Ledger

const operationColumns = `id, session_id, idx, type, status, source_path, destination_path, size, confidence,
	category, file_id, folder_created, reverses_id, created_at, updated_at, rolled_back_at, error`

func scanOperation(row rowScanner) (*model.OperationRecord, error) {
	var op model.OperationRecord
	var opType, status string
	var rolledBack sql.NullTime
	err := row.Scan(&op.ID, &op.SessionID, &op.Index, &opType, &status, &op.SourcePath, &op.DestinationPath,
		&op.Size, &op.Confidence, &op.Category, &op.FileID, &op.FolderCreated, &op.ReversesID, &op.CreatedAt,
		&op.UpdatedAt, &rolledBack, &op.Error)
	if err != nil {
		return nil, err
	}
	op.Type = model.OperationType(opType)
	op.Status = model.OperationStatus(status)
	op.RolledBackAt = timePtr(rolledBack)
	return &op, nil
}

func insertOperation(tx *sql.Tx, op *model.OperationRecord) error {
	err := tx.QueryRow(`
		INSERT INTO operations (session_id, idx, type, status, source_path, destination_path, size, confidence,
			category, file_id, folder_created, reverses_id, created_at, updated_at, rolled_back_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		op.SessionID, op.Index, string(op.Type), string(op.Status), op.SourcePath, op.DestinationPath, op.Size,
		op.Confidence, op.Category, op.FileID, op.FolderCreated, op.ReversesID, op.CreatedAt, op.UpdatedAt,
		nullTime(op.RolledBackAt), op.Error,
	).Scan(&op.ID)
	if err != nil {
		return fmt.Errorf("inserting operation %d: %w", op.Index, err)
	}
	return nil
}

func (s *SQLiteDatabase) ListOperations(sessionID string) ([]*model.OperationRecord, error) {
	rows, err := s.db.Query("SELECT "+operationColumns+" FROM operations WHERE session_id = ? ORDER BY idx", sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*model.OperationRecord
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *SQLiteDatabase) FindOperation(id int64) (*model.OperationRecord, error) {
	op, err := scanOperation(s.db.QueryRow("SELECT "+operationColumns+" FROM operations WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding operation: %w", err)
	}
	return op, nil
}

// RecordOutcome writes the terminal status of a pending operation. Session
// counters only track forward operations; reversals leave them unchanged.
func (s *SQLiteDatabase) RecordOutcome(op *model.OperationRecord) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE operations
			SET status = ?, size = ?, folder_created = ?, updated_at = ?, error = ?
			WHERE id = ? AND status = 'pending'`,
			string(op.Status), op.Size, op.FolderCreated, op.UpdatedAt, op.Error, op.ID)
		if err != nil {
			return fmt.Errorf("recording outcome: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("recording outcome: operation %d is not pending", op.ID)
		}

		if op.Type != model.OpMove && op.Type != model.OpCreateFolder {
			return nil
		}
		var column string
		switch op.Status {
		case model.OpCompleted:
			column = "successful_operations"
		case model.OpFailed:
			column = "failed_operations"
		default:
			return nil
		}
		if _, err := tx.Exec("UPDATE sessions SET "+column+" = "+column+" + 1 WHERE id = ?", op.SessionID); err != nil {
			return fmt.Errorf("updating session counters: %w", err)
		}
		return nil
	})
}

func (s *SQLiteDatabase) MarkRolledBack(id int64, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE operations SET status = 'rolled_back', rolled_back_at = ?, updated_at = ?
		WHERE id = ? AND status = 'completed'`, at, at, id)
	if err != nil {
		return fmt.Errorf("marking operation rolled back: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("marking operation rolled back: operation %d is not completed", id)
	}
	return nil
}

func (s *SQLiteDatabase) AppendOperation(op *model.OperationRecord) error {
	return s.withTx(func(tx *sql.Tx) error {
		var last int
		if err := tx.QueryRow("SELECT COALESCE(MAX(idx), 0) FROM operations WHERE session_id = ?", op.SessionID).Scan(&last); err != nil {
			return fmt.Errorf("reading ledger tail: %w", err)
		}
		op.Index = last + 1
		return insertOperation(tx, op)
	})
}

// Errors

func (s *SQLiteDatabase) RecordError(e *model.ErrorRecord) error {
	var opID sql.NullInt64
	if e.OperationID != nil {
		opID = sql.NullInt64{Int64: *e.OperationID, Valid: true}
	}
	err := s.db.QueryRow(`
		INSERT INTO errors (session_id, operation_id, code, message, path, severity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		e.SessionID, opID, e.Code, e.Message, e.Path, string(e.Severity), e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("recording error: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListErrors(sessionID string) ([]*model.ErrorRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, operation_id, code, message, path, severity, created_at
		FROM errors WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing errors: %w", err)
	}
	defer rows.Close()

	var out []*model.ErrorRecord
	for rows.Next() {
		var e model.ErrorRecord
		var opID sql.NullInt64
		var severity string
		if err := rows.Scan(&e.ID, &e.SessionID, &opID, &e.Code, &e.Message, &e.Path, &severity, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning error: %w", err)
		}
		if opID.Valid {
			id := opID.Int64
			e.OperationID = &id
		}
		e.Severity = model.Severity(severity)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Workflow

func (s *SQLiteDatabase) GetWorkflowState() (*model.WorkflowState, error) {
	var st model.WorkflowState
	err := s.db.QueryRow("SELECT phase, session_id, updated_at FROM workflow_state WHERE id = 1").
		Scan(&st.Phase, &st.SessionID, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("reading workflow state: %w", err)
	}
	return &st, nil
}

func (s *SQLiteDatabase) TransitionWorkflow(from, to, event, sessionID string, at time.Time) (bool, error) {
	swapped := false
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE workflow_state SET phase = ?, session_id = ?, updated_at = ? WHERE id = 1 AND phase = ?",
			to, sessionID, at, from)
		if err != nil {
			return fmt.Errorf("updating workflow state: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("updating workflow state: %w", err)
		}
		if n == 0 {
			return nil
		}
		if _, err := tx.Exec(`
			INSERT INTO workflow_transitions (from_phase, to_phase, event, session_id, at)
			VALUES (?, ?, ?, ?, ?)`, from, to, event, sessionID, at); err != nil {
			return fmt.Errorf("recording transition: %w", err)
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func (s *SQLiteDatabase) ListWorkflowTransitions(limit int) ([]*model.WorkflowTransition, error) {
	rows, err := s.db.Query(`
		SELECT id, from_phase, to_phase, event, session_id, at
		FROM workflow_transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}
	defer rows.Close()

	var out []*model.WorkflowTransition
	for rows.Next() {
		var tr model.WorkflowTransition
		if err := rows.Scan(&tr.ID, &tr.From, &tr.To, &tr.Event, &tr.SessionID, &tr.At); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		out = append(out, &tr)
	}
	return out, rows.Err()
}

// Command run tracking

func (s *SQLiteDatabase) CreateCommandRun(command, parameters string, startedAt time.Time) (*model.CommandRun, error) {
	run := &model.CommandRun{Command: command, Parameters: parameters, StartedAt: startedAt}
	err := s.db.QueryRow("INSERT INTO command_runs (command, parameters, started_at) VALUES (?, ?, ?) RETURNING id",
		command, parameters, startedAt).Scan(&run.ID)
	if err != nil {
		return nil, fmt.Errorf("creating command run: %w", err)
	}
	return run, nil
}

func (s *SQLiteDatabase) FinishCommandRun(id int64, status string, finishedAt time.Time) error {
	if _, err := s.db.Exec("UPDATE command_runs SET status = ?, finished_at = ? WHERE id = ?", status, finishedAt, id); err != nil {
		return fmt.Errorf("finishing command run: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListCommandRuns(limit int) ([]*model.CommandRun, error) {
	rows, err := s.db.Query(`
		SELECT id, command, parameters, status, started_at, finished_at
		FROM command_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing command runs: %w", err)
	}
	defer rows.Close()

	var out []*model.CommandRun
	for rows.Next() {
		var run model.CommandRun
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.Command, &run.Parameters, &run.Status, &run.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scanning command run: %w", err)
		}
		run.FinishedAt = timePtr(finished)
		out = append(out, &run)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) MaxCommandRunID() (int64, error) {
	var id int64
	if err := s.db.QueryRow("SELECT COALESCE(MAX(id), 0) FROM command_runs").Scan(&id); err != nil {
		return 0, fmt.Errorf("getting max command run ID: %w", err)
	}
	return id, nil
}

// Maintenance

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// Migrate brings the schema to the latest version.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// DumpSchema returns the CREATE statements of the live schema, tables first.
// The migration bookkeeping table is left out.
func (s *SQLiteDatabase) DumpSchema() (string, error) {
	rows, err := s.db.Query(`
		SELECT sql || ';'
		FROM sqlite_master
		WHERE type IN ('table', 'index')
		  AND sql IS NOT NULL
		  AND name NOT LIKE 'sqlite_%'
		  AND tbl_name != 'schema_migrations'
		ORDER BY CASE type WHEN 'table' THEN 1 ELSE 2 END, name`)
	if err != nil {
		return "", fmt.Errorf("reading schema: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return "", fmt.Errorf("reading schema: %w", err)
		}
		b.WriteString(stmt)
		b.WriteString("\n\n")
	}
	return b.String(), rows.Err()
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ organizer.Database = (*SQLiteDatabase)(nil)
