package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filesense/internal/config"
	"filesense/internal/model"
	"filesense/internal/organizer"
	"filesense/internal/vault"
)

func newTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	base := t.TempDir()
	cfg := config.NewConfig("host-1", filepath.Join(base, "home"))
	cfg.Vaults = []config.VaultConfig{{
		Type:        "filesystem",
		Name:        "local",
		FSVaultRoot: filepath.Join(base, "vault"),
	}}
	cfg.Encryption.Type = "test"
	cfg.Metrics.Textfile = filepath.Join(base, "metrics", "filesense.prom")

	docs := filepath.Join(base, "docs")
	files := map[string]string{
		"tax_return_2023.txt": "IRS refund for tax year 2023",
		"invoice_acme.txt":    "invoice amount due billing",
		"notes.md":            "meeting notes",
	}
	if err := os.MkdirAll(docs, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(docs, name), []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	return cfg, docs
}

func openApp(t *testing.T, cfg *config.Config, command string) *FileSenseApp {
	t.Helper()
	a, err := NewFileSenseApp(context.Background(), cfg, Invocation{Command: command})
	if err != nil {
		t.Fatalf("NewFileSenseApp(%s) error = %v", command, err)
	}
	return a
}

func closeApp(t *testing.T, a *FileSenseApp) {
	t.Helper()
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func snapshotVersion(t *testing.T, cfg *config.Config) int64 {
	t.Helper()
	v, err := vault.NewFileSystemVault("check", cfg.Vaults[0].FSVaultRoot)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}
	version, err := v.ObjectVersion(SnapshotName(cfg.HostID))
	if err != nil {
		t.Fatalf("ObjectVersion() error = %v", err)
	}
	return version
}

func TestFileSenseApp_EndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg, docs := newTestConfig(t)

	a := openApp(t, cfg, "Scan")
	scan, err := a.Scan(ctx, []string{docs})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if scan.Found != 3 || scan.New != 3 {
		t.Errorf("Scan() found=%d new=%d, want 3 and 3", scan.Found, scan.New)
	}
	closeApp(t, a)

	if got := snapshotVersion(t, cfg); got != 1 {
		t.Errorf("snapshot version after scan = %d, want 1", got)
	}

	a = openApp(t, cfg, "Classify")
	outcome, err := a.Classify(ctx, organizer.NewCancelToken(), ClassifyOptions{All: true})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if outcome.Cache == nil || outcome.Cache.Misses != 3 {
		t.Errorf("Classify() cache report = %+v, want 3 misses", outcome.Cache)
	}
	if outcome.Summary.Classified != 3 {
		t.Errorf("Classify() classified = %d, want 3", outcome.Summary.Classified)
	}
	closeApp(t, a)

	a = openApp(t, cfg, "ExecutePlan")
	plan, err := a.GeneratePlan(ctx, organizer.PlanRequest{})
	if err != nil {
		t.Fatalf("GeneratePlan() error = %v", err)
	}
	if plan.Style != cfg.Plan.Style {
		t.Errorf("plan style = %q, want config default %q", plan.Style, cfg.Plan.Style)
	}
	report, err := a.ExecutePlan(ctx, plan.ID, false)
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}
	if report.Status != model.SessionCompleted {
		t.Errorf("session status = %s, want completed", report.Status)
	}
	for _, item := range plan.Items {
		if _, err := os.Stat(item.DestinationPath); err != nil {
			t.Errorf("destination %s missing: %v", item.DestinationPath, err)
		}
	}

	var logBuf bytes.Buffer
	if err := a.ExportSessionLog(report.SessionID, &logBuf); err != nil {
		t.Fatalf("ExportSessionLog() error = %v", err)
	}
	if !strings.Contains(logBuf.String(), report.SessionID) {
		t.Errorf("session log does not mention the session id")
	}
	sessionID := report.SessionID
	closeApp(t, a)

	v, err := vault.NewFileSystemVault("check", cfg.Vaults[0].FSVaultRoot)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}
	if version, _ := v.ObjectVersion(organizer.SessionLogName(sessionID)); version == 0 {
		t.Errorf("session log was not archived")
	}
	if got := snapshotVersion(t, cfg); got != 3 {
		t.Errorf("snapshot version after execute = %d, want 3", got)
	}
	if data, err := os.ReadFile(cfg.Metrics.Textfile); err != nil {
		t.Errorf("metrics textfile: %v", err)
	} else if !strings.Contains(string(data), `filesense_ledger_operations_total{status="completed",type="move"} 3`) {
		t.Errorf("metrics textfile missing move counter:\n%s", data)
	}

	// read-only commands leave the snapshot alone
	a = openApp(t, cfg, "ListSessions")
	sessions, err := a.ListSessions(10)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("ListSessions() = %d sessions, want 1", len(sessions))
	}
	closeApp(t, a)
	if got := snapshotVersion(t, cfg); got != 3 {
		t.Errorf("snapshot version after read-only command = %d, want 3", got)
	}
}

func TestFileSenseApp_RefusesStaleLedger(t *testing.T) {
	ctx := context.Background()
	cfg, docs := newTestConfig(t)

	a := openApp(t, cfg, "Scan")
	if _, err := a.Scan(ctx, []string{docs}); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	closeApp(t, a)

	dbPath := filepath.Join(cfg.Database.DataDir, cfg.HostID+".db")
	if err := os.Remove(dbPath); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	_, err := NewFileSenseApp(ctx, cfg, Invocation{Command: "Status"})
	if err == nil || !strings.Contains(err.Error(), "behind") {
		t.Fatalf("NewFileSenseApp() error = %v, want stale ledger error", err)
	}

	version, err := RestoreSnapshot(ctx, cfg, "")
	if err != nil {
		t.Fatalf("RestoreSnapshot() error = %v", err)
	}
	if version != 1 {
		t.Errorf("RestoreSnapshot() version = %d, want 1", version)
	}

	a = openApp(t, cfg, "Status")
	status, err := a.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Files[model.FileStatusPending] != 3 {
		t.Errorf("restored pending files = %d, want 3", status.Files[model.FileStatusPending])
	}
	schema, err := a.Schema()
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	if !strings.Contains(schema, "CREATE TABLE") {
		t.Errorf("Schema() = %q", schema)
	}
	closeApp(t, a)
}

func TestFileSenseApp_HoldsLock(t *testing.T) {
	cfg, _ := newTestConfig(t)

	a := openApp(t, cfg, "Status")
	_, err := NewFileSenseApp(context.Background(), cfg, Invocation{Command: "Status"})
	if !errors.Is(err, organizer.ErrLocked) {
		t.Errorf("second NewFileSenseApp() error = %v, want ErrLocked", err)
	}
	closeApp(t, a)

	a = openApp(t, cfg, "Status")
	closeApp(t, a)
}

func TestRestoreSnapshot_Missing(t *testing.T) {
	cfg, _ := newTestConfig(t)
	if _, err := RestoreSnapshot(context.Background(), cfg, ""); !errors.Is(err, vault.ErrObjectNotFound) {
		t.Errorf("RestoreSnapshot() error = %v, want ErrObjectNotFound", err)
	}
}
