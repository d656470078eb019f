package database

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"filesense/internal/model"
)

var baseTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// newTestDB creates a new in-memory database with the schema migrated.
func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()

	db, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func newFile(path string) *model.FileRecord {
	return &model.FileRecord{
		Path:          path,
		Root:          "/docs",
		Filename:      filepath.Base(path),
		Extension:     strings.TrimPrefix(filepath.Ext(path), "."),
		Size:          42,
		ModifiedAt:    baseTime,
		Fingerprint:   "fp-" + filepath.Base(path),
		Status:        model.FileStatusPending,
		DiscoveredAt:  baseTime,
		LastScannedAt: baseTime,
	}
}

func TestSQLiteDatabase_Files(t *testing.T) {
	t.Run("returns nil when file not found", func(t *testing.T) {
		db := newTestDB(t)

		f, err := db.FindFileByPath("/nope")
		if err != nil {
			t.Fatalf("FindFileByPath() error = %v", err)
		}
		if f != nil {
			t.Errorf("FindFileByPath() = %v, want nil", f)
		}
	})

	t.Run("upsert keeps the id of an existing path", func(t *testing.T) {
		db := newTestDB(t)
		f := newFile("/docs/a.pdf")
		if err := db.UpsertFile(f); err != nil {
			t.Fatalf("UpsertFile() error = %v", err)
		}
		firstID := f.ID

		f.Fingerprint = "changed"
		f.ID = 0
		if err := db.UpsertFile(f); err != nil {
			t.Fatalf("UpsertFile() error = %v", err)
		}
		if f.ID != firstID {
			t.Errorf("ID = %d, want %d", f.ID, firstID)
		}

		got, err := db.FindFileByID(firstID)
		if err != nil {
			t.Fatalf("FindFileByID() error = %v", err)
		}
		if got.Fingerprint != "changed" {
			t.Errorf("Fingerprint = %q, want changed", got.Fingerprint)
		}
		if !got.ModifiedAt.Equal(baseTime) {
			t.Errorf("ModifiedAt = %v, want %v", got.ModifiedAt, baseTime)
		}
	})

	t.Run("lists files under a root without sibling prefixes", func(t *testing.T) {
		db := newTestDB(t)
		for _, p := range []string{"/docs/b.txt", "/docs/a.txt", "/docs2/c.txt", "/docs/sub/d.txt"} {
			if err := db.UpsertFile(newFile(p)); err != nil {
				t.Fatalf("UpsertFile(%s) error = %v", p, err)
			}
		}

		files, err := db.ListFilesUnder("/docs")
		if err != nil {
			t.Fatalf("ListFilesUnder() error = %v", err)
		}
		var paths []string
		for _, f := range files {
			paths = append(paths, f.Path)
		}
		want := "/docs/a.txt,/docs/b.txt,/docs/sub/d.txt"
		if strings.Join(paths, ",") != want {
			t.Errorf("ListFilesUnder() = %v, want %s", paths, want)
		}
	})

	t.Run("absent files are hidden until touched", func(t *testing.T) {
		db := newTestDB(t)
		f := newFile("/docs/a.txt")
		if err := db.UpsertFile(f); err != nil {
			t.Fatalf("UpsertFile() error = %v", err)
		}
		if err := db.MarkFileAbsent(f.ID); err != nil {
			t.Fatalf("MarkFileAbsent() error = %v", err)
		}
		present, _ := db.ListPresentFiles()
		if len(present) != 0 {
			t.Errorf("ListPresentFiles() = %d files, want 0", len(present))
		}

		if err := db.TouchFile(f.ID, baseTime.Add(time.Hour)); err != nil {
			t.Fatalf("TouchFile() error = %v", err)
		}
		present, _ = db.ListPresentFiles()
		if len(present) != 1 {
			t.Errorf("ListPresentFiles() = %d files, want 1", len(present))
		}
	})

	t.Run("status transitions", func(t *testing.T) {
		db := newTestDB(t)
		f := newFile("/docs/a.txt")
		if err := db.UpsertFile(f); err != nil {
			t.Fatalf("UpsertFile() error = %v", err)
		}
		if err := db.SetFileStatus(f.ID, model.FileStatusClassified, "fp-a.txt"); err != nil {
			t.Fatalf("SetFileStatus() error = %v", err)
		}
		got, _ := db.FindFileByID(f.ID)
		if got.Status != model.FileStatusClassified || got.ClassifiedFingerprint != "fp-a.txt" {
			t.Errorf("got status %s fingerprint %q", got.Status, got.ClassifiedFingerprint)
		}

		if err := db.SetFileStatus(f.ID, model.FileStatusUnclassified, ""); err != nil {
			t.Fatalf("SetFileStatus() error = %v", err)
		}
		n, err := db.ResetUnclassified()
		if err != nil {
			t.Fatalf("ResetUnclassified() error = %v", err)
		}
		if n != 1 {
			t.Errorf("ResetUnclassified() = %d, want 1", n)
		}
		got, _ = db.FindFileByID(f.ID)
		if got.Status != model.FileStatusPending {
			t.Errorf("Status = %s, want pending", got.Status)
		}
	})
}

func TestSQLiteDatabase_Classifications(t *testing.T) {
	db := newTestDB(t)
	key := model.CacheKey{Fingerprint: "fp", SnippetHash: "sh", ClassifierVersion: "v1"}

	got, err := db.FindClassification(key)
	if err != nil || got != nil {
		t.Fatalf("FindClassification() = %v, %v, want nil, nil", got, err)
	}

	c := &model.Classification{
		Fingerprint: "fp", SnippetHash: "sh", ClassifierVersion: "v1",
		Category: "Money", Tags: []string{"tax", "2023"}, Confidence: 0.9,
		DocumentType: "Tax", ClassifiedAt: baseTime,
	}
	if err := db.PutClassification(c); err != nil {
		t.Fatalf("PutClassification() error = %v", err)
	}
	c.Category = "Legal"
	c.Tags = nil
	if err := db.PutClassification(c); err != nil {
		t.Fatalf("PutClassification() overwrite error = %v", err)
	}

	got, err = db.FindClassification(key)
	if err != nil {
		t.Fatalf("FindClassification() error = %v", err)
	}
	if got.Category != "Legal" {
		t.Errorf("Category = %q, want Legal", got.Category)
	}
	if len(got.Tags) != 0 {
		t.Errorf("Tags = %v, want empty", got.Tags)
	}

	var rows int
	if err := db.db.QueryRow("SELECT COUNT(*) FROM classifications").Scan(&rows); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if rows != 1 {
		t.Errorf("classification rows = %d, want 1", rows)
	}

	other, _ := db.FindClassification(model.CacheKey{Fingerprint: "fp", SnippetHash: "sh", ClassifierVersion: "v2"})
	if other != nil {
		t.Error("FindClassification() matched a different classifier version")
	}
}

func createPlan(t *testing.T, db *SQLiteDatabase, id string) *model.Plan {
	t.Helper()
	plan := &model.Plan{
		ID: id, Name: "Life Areas", Style: "life_areas", Depth: "moderate", Threshold: 0.7,
		BaseDir: "/docs/Organized Files", CreatedAt: baseTime,
		Items: []model.PlanItem{
			{Position: 0, FileID: 1, SourcePath: "/docs/a.pdf", DestinationPath: "/docs/Organized Files/02 Money/a.pdf", Category: "Money", Confidence: 0.9},
			{Position: 1, FileID: 2, SourcePath: "/docs/b.pdf", DestinationPath: "/docs/Organized Files/11 Review/b.pdf", Category: "Review", Confidence: 0.5, RequiresReview: true},
		},
		Summary: model.PlanSummary{
			TotalFiles: 2, HighConfidence: 1, LowConfidence: 1, ReviewCount: 1,
			FoldersToCreate: []string{"/docs/Organized Files", "/docs/Organized Files/02 Money", "/docs/Organized Files/11 Review"},
		},
	}
	if err := db.CreatePlan(plan); err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	return plan
}

func TestSQLiteDatabase_Plans(t *testing.T) {
	db := newTestDB(t)
	createPlan(t, db, "plan-1")

	got, err := db.FindPlan("plan-1")
	if err != nil {
		t.Fatalf("FindPlan() error = %v", err)
	}
	if len(got.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(got.Items))
	}
	if !got.Items[1].RequiresReview {
		t.Error("Items[1].RequiresReview = false, want true")
	}
	if len(got.Summary.FoldersToCreate) != 3 {
		t.Errorf("FoldersToCreate = %v", got.Summary.FoldersToCreate)
	}

	missing, err := db.FindPlan("nope")
	if err != nil || missing != nil {
		t.Errorf("FindPlan(nope) = %v, %v, want nil, nil", missing, err)
	}

	plans, err := db.ListPlans(10)
	if err != nil {
		t.Fatalf("ListPlans() error = %v", err)
	}
	if len(plans) != 1 || plans[0].Items != nil {
		t.Errorf("ListPlans() = %+v, want one plan without items", plans)
	}
}

func createSession(t *testing.T, db *SQLiteDatabase, id, planID string, started time.Time) []*model.OperationRecord {
	t.Helper()
	session := &model.Session{ID: id, PlanID: planID, StartedAt: started, Status: model.SessionInProgress, Style: "life_areas", TotalOperations: 2}
	ops := []*model.OperationRecord{
		{SessionID: id, Index: 1, Type: model.OpCreateFolder, Status: model.OpPending, DestinationPath: "/docs/Organized Files", CreatedAt: started, UpdatedAt: started},
		{SessionID: id, Index: 2, Type: model.OpMove, Status: model.OpPending, SourcePath: "/docs/a.pdf", DestinationPath: "/docs/Organized Files/a.pdf", CreatedAt: started, UpdatedAt: started},
	}
	if err := db.CreateSession(session, ops); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return ops
}

func TestSQLiteDatabase_Ledger(t *testing.T) {
	t.Run("create session fills operation ids", func(t *testing.T) {
		db := newTestDB(t)
		createPlan(t, db, "plan-1")
		ops := createSession(t, db, "s-1", "plan-1", baseTime)

		if ops[0].ID == 0 || ops[1].ID == 0 {
			t.Fatalf("operation IDs not filled: %d, %d", ops[0].ID, ops[1].ID)
		}
		sess, err := db.FindSessionByPlan("plan-1")
		if err != nil {
			t.Fatalf("FindSessionByPlan() error = %v", err)
		}
		if sess == nil || sess.ID != "s-1" {
			t.Fatalf("FindSessionByPlan() = %+v, want s-1", sess)
		}
		if sess.CompletedAt != nil {
			t.Errorf("CompletedAt = %v, want nil", sess.CompletedAt)
		}
	})

	t.Run("outcomes update counters for forward operations only", func(t *testing.T) {
		db := newTestDB(t)
		createPlan(t, db, "plan-1")
		ops := createSession(t, db, "s-1", "plan-1", baseTime)

		ops[0].Status = model.OpCompleted
		ops[0].FolderCreated = true
		if err := db.RecordOutcome(ops[0]); err != nil {
			t.Fatalf("RecordOutcome() error = %v", err)
		}
		ops[1].Status = model.OpFailed
		ops[1].Error = "permission denied"
		if err := db.RecordOutcome(ops[1]); err != nil {
			t.Fatalf("RecordOutcome() error = %v", err)
		}

		undo := &model.OperationRecord{SessionID: "s-1", Type: model.OpRemoveFolder, Status: model.OpPending,
			SourcePath: "/docs/Organized Files", ReversesID: ops[0].ID, CreatedAt: baseTime, UpdatedAt: baseTime}
		if err := db.AppendOperation(undo); err != nil {
			t.Fatalf("AppendOperation() error = %v", err)
		}
		if undo.Index != 3 {
			t.Errorf("appended Index = %d, want 3", undo.Index)
		}
		undo.Status = model.OpCompleted
		if err := db.RecordOutcome(undo); err != nil {
			t.Fatalf("RecordOutcome(undo) error = %v", err)
		}

		sess, _ := db.FindSession("s-1")
		if sess.SuccessfulOperations != 1 || sess.FailedOperations != 1 {
			t.Errorf("counters = %d ok / %d failed, want 1 / 1", sess.SuccessfulOperations, sess.FailedOperations)
		}

		got, _ := db.FindOperation(ops[0].ID)
		if !got.FolderCreated {
			t.Error("FolderCreated = false, want true")
		}
	})

	t.Run("an outcome is recorded only once", func(t *testing.T) {
		db := newTestDB(t)
		createPlan(t, db, "plan-1")
		ops := createSession(t, db, "s-1", "plan-1", baseTime)

		ops[1].Status = model.OpCompleted
		if err := db.RecordOutcome(ops[1]); err != nil {
			t.Fatalf("RecordOutcome() error = %v", err)
		}
		if err := db.RecordOutcome(ops[1]); err == nil {
			t.Error("second RecordOutcome() expected error")
		}
	})

	t.Run("mark rolled back requires completed", func(t *testing.T) {
		db := newTestDB(t)
		createPlan(t, db, "plan-1")
		ops := createSession(t, db, "s-1", "plan-1", baseTime)

		if err := db.MarkRolledBack(ops[1].ID, baseTime); err == nil {
			t.Error("MarkRolledBack() on a pending operation expected error")
		}
		ops[1].Status = model.OpCompleted
		if err := db.RecordOutcome(ops[1]); err != nil {
			t.Fatalf("RecordOutcome() error = %v", err)
		}
		if err := db.MarkRolledBack(ops[1].ID, baseTime.Add(time.Minute)); err != nil {
			t.Fatalf("MarkRolledBack() error = %v", err)
		}
		got, _ := db.FindOperation(ops[1].ID)
		if got.Status != model.OpRolledBack || got.RolledBackAt == nil {
			t.Errorf("got status %s rolled back at %v", got.Status, got.RolledBackAt)
		}
	})

	t.Run("errors keep insertion order", func(t *testing.T) {
		db := newTestDB(t)
		createPlan(t, db, "plan-1")
		ops := createSession(t, db, "s-1", "plan-1", baseTime)

		id := ops[1].ID
		for _, code := range []string{"permission_denied", "disk_full"} {
			if err := db.RecordError(&model.ErrorRecord{SessionID: "s-1", OperationID: &id, Code: code,
				Message: code, Severity: model.SeverityMedium, CreatedAt: baseTime}); err != nil {
				t.Fatalf("RecordError() error = %v", err)
			}
		}
		if err := db.RecordError(&model.ErrorRecord{SessionID: "s-1", Code: "unknown", Message: "x",
			Severity: model.SeverityLow, CreatedAt: baseTime}); err != nil {
			t.Fatalf("RecordError() error = %v", err)
		}

		errs, err := db.ListErrors("s-1")
		if err != nil {
			t.Fatalf("ListErrors() error = %v", err)
		}
		if len(errs) != 3 || errs[0].Code != "permission_denied" || errs[1].Code != "disk_full" {
			t.Fatalf("ListErrors() = %+v", errs)
		}
		if errs[2].OperationID != nil {
			t.Errorf("OperationID = %v, want nil", *errs[2].OperationID)
		}
	})

	t.Run("cleanup removes only finished sessions before the cutoff", func(t *testing.T) {
		db := newTestDB(t)
		createPlan(t, db, "plan-old")
		createPlan(t, db, "plan-new")
		createPlan(t, db, "plan-open")
		createSession(t, db, "old", "plan-old", baseTime.Add(-48*time.Hour))
		createSession(t, db, "new", "plan-new", baseTime)
		createSession(t, db, "open", "plan-open", baseTime.Add(-72*time.Hour))
		for _, id := range []string{"old", "new"} {
			if err := db.FinishSession(id, model.SessionCompleted, baseTime, ""); err != nil {
				t.Fatalf("FinishSession() error = %v", err)
			}
		}

		n, err := db.DeleteSessionsBefore(baseTime.Add(-24 * time.Hour))
		if err != nil {
			t.Fatalf("DeleteSessionsBefore() error = %v", err)
		}
		if n != 1 {
			t.Errorf("DeleteSessionsBefore() = %d, want 1", n)
		}
		ops, _ := db.ListOperations("old")
		if len(ops) != 0 {
			t.Errorf("operations of deleted session = %d, want 0", len(ops))
		}
		if s, _ := db.FindSession("open"); s == nil {
			t.Error("in-progress session was deleted")
		}
	})

	t.Run("sessions by status newest first", func(t *testing.T) {
		db := newTestDB(t)
		createPlan(t, db, "p1")
		createPlan(t, db, "p2")
		createSession(t, db, "older", "p1", baseTime)
		createSession(t, db, "newer", "p2", baseTime.Add(time.Hour))

		got, err := db.ListSessionsByStatus(model.SessionInProgress)
		if err != nil {
			t.Fatalf("ListSessionsByStatus() error = %v", err)
		}
		if len(got) != 2 || got[0].ID != "newer" {
			t.Errorf("ListSessionsByStatus() order = %v", []string{got[0].ID, got[1].ID})
		}
	})
}

func TestSQLiteDatabase_Workflow(t *testing.T) {
	db := newTestDB(t)

	st, err := db.GetWorkflowState()
	if err != nil {
		t.Fatalf("GetWorkflowState() error = %v", err)
	}
	if st.Phase != "UNINITIALIZED" {
		t.Errorf("Phase = %q, want UNINITIALIZED", st.Phase)
	}

	ok, err := db.TransitionWorkflow("UNINITIALIZED", "READY", "initialize", "", baseTime)
	if err != nil || !ok {
		t.Fatalf("TransitionWorkflow() = %v, %v, want true, nil", ok, err)
	}
	ok, err = db.TransitionWorkflow("UNINITIALIZED", "READY", "initialize", "", baseTime)
	if err != nil {
		t.Fatalf("TransitionWorkflow() error = %v", err)
	}
	if ok {
		t.Error("stale TransitionWorkflow() succeeded, want compare-and-swap failure")
	}

	history, err := db.ListWorkflowTransitions(10)
	if err != nil {
		t.Fatalf("ListWorkflowTransitions() error = %v", err)
	}
	if len(history) != 1 || history[0].To != "READY" {
		t.Errorf("ListWorkflowTransitions() = %+v", history)
	}
}

func TestSQLiteDatabase_CommandRuns(t *testing.T) {
	db := newTestDB(t)

	maxID, err := db.MaxCommandRunID()
	if err != nil || maxID != 0 {
		t.Fatalf("MaxCommandRunID() = %d, %v, want 0, nil", maxID, err)
	}
	run, err := db.CreateCommandRun("scan", "/docs", baseTime)
	if err != nil {
		t.Fatalf("CreateCommandRun() error = %v", err)
	}
	if err := db.FinishCommandRun(run.ID, "success", baseTime.Add(time.Second)); err != nil {
		t.Fatalf("FinishCommandRun() error = %v", err)
	}

	runs, err := db.ListCommandRuns(5)
	if err != nil {
		t.Fatalf("ListCommandRuns() error = %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "success" || runs[0].FinishedAt == nil {
		t.Errorf("ListCommandRuns() = %+v", runs)
	}
	if maxID, _ := db.MaxCommandRunID(); maxID != run.ID {
		t.Errorf("MaxCommandRunID() = %d, want %d", maxID, run.ID)
	}
}

func TestSQLiteDatabase_BackupTo(t *testing.T) {
	db := newTestDB(t)
	createPlan(t, db, "plan-1")

	dest := filepath.Join(t.TempDir(), "snapshot.db")
	if err := db.BackupTo(dest); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}

	copyDB, err := NewSQLiteDatabase(dest)
	if err != nil {
		t.Fatalf("opening snapshot: %v", err)
	}
	defer copyDB.Close()
	if err := copyDB.CheckMigrations(); err != nil {
		t.Errorf("snapshot CheckMigrations() error = %v", err)
	}
	plan, err := copyDB.FindPlan("plan-1")
	if err != nil || plan == nil {
		t.Errorf("snapshot FindPlan() = %v, %v", plan, err)
	}
}

func TestSQLiteDatabase_DumpSchema(t *testing.T) {
	db := newTestDB(t)

	schema, err := db.DumpSchema()
	if err != nil {
		t.Fatalf("DumpSchema() error = %v", err)
	}
	for _, table := range []string{"files", "operations", "workflow_state"} {
		if !strings.Contains(schema, "CREATE TABLE "+table) {
			t.Errorf("schema missing table %s", table)
		}
	}
	if strings.Contains(schema, "schema_migrations") {
		t.Error("schema includes the migration bookkeeping table")
	}
}

func TestSQLiteDatabase_WriteFailuresPropagate(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer sqlDB.Close()
	db := NewSQLiteDatabaseFromDB(sqlDB, "mock")

	t.Run("record outcome", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE operations").WillReturnError(errors.New("disk I/O error"))
		mock.ExpectRollback()

		err := db.RecordOutcome(&model.OperationRecord{ID: 7, SessionID: "s-1", Type: model.OpMove, Status: model.OpCompleted})
		if err == nil || !strings.Contains(err.Error(), "disk I/O error") {
			t.Errorf("RecordOutcome() error = %v, want disk I/O error", err)
		}
	})

	t.Run("counter update rolls back the outcome", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE operations").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE sessions").WillReturnError(errors.New("database is locked"))
		mock.ExpectRollback()

		err := db.RecordOutcome(&model.OperationRecord{ID: 7, SessionID: "s-1", Type: model.OpMove, Status: model.OpCompleted})
		if err == nil || !strings.Contains(err.Error(), "updating session counters") {
			t.Errorf("RecordOutcome() error = %v, want counter failure", err)
		}
	})

	t.Run("finish session", func(t *testing.T) {
		mock.ExpectExec("UPDATE sessions SET status").WillReturnError(errors.New("disk full"))

		if err := db.FinishSession("s-1", model.SessionCompleted, baseTime, ""); err == nil {
			t.Error("FinishSession() expected error")
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
