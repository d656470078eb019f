package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"filesense/internal/classifier"
	"filesense/internal/config"
	"filesense/internal/database"
	"filesense/internal/encryption"
	"filesense/internal/extract"
	"filesense/internal/fs"
	"filesense/internal/metrics"
	"filesense/internal/model"
	"filesense/internal/organizer"
	"filesense/internal/resilience"
	"filesense/internal/vault"
)

// Invocation describes the CLI command an app is opened for.
type Invocation struct {
	Command    string   // e.g. "Scan", "ExecutePlan"
	Parameters string   // recorded with the command run
	ScanRoots  []string // roots whose ignore files contribute exclusions; defaults to the configured roots
}

// FileSenseApp is the application layer between the CLI and the organizer.
// It constructs all dependencies from config, holds the process lock, and
// records, snapshots and uploads the ledger on Close after mutating commands.
type FileSenseApp struct {
	cfg       *config.Config
	db        *database.SQLiteDatabase
	vault     organizer.Vault
	encryptor organizer.Encryptor
	metrics   *metrics.Recorder
	bus       *organizer.EventBus
	service   *organizer.Service
	lock      *fs.Lock
	run       *model.CommandRun
	logger    *slogAdapter
	logFile   *os.File
}

// NewFileSenseApp creates a fully wired app. The caller must call Close.
func NewFileSenseApp(ctx context.Context, cfg *config.Config, inv Invocation) (a *FileSenseApp, err error) {
	lock, err := fs.AcquireLock(LockPath(cfg.BaseDir))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			lock.Release()
		}
	}()

	var v organizer.Vault
	if len(cfg.Vaults) > 0 {
		v, err = vault.NewVaultFromConfig(ctx, cfg.Vaults[0])
		if err != nil {
			return nil, fmt.Errorf("creating vault: %w", err)
		}
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	if err := db.CheckMigrations(); err != nil {
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}
	if err := checkSnapshotVersion(v, db, cfg.HostID); err != nil {
		return nil, err
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	cls, err := classifier.NewClassifierFromConfig(cfg.Classifier)
	if err != nil {
		return nil, fmt.Errorf("creating classifier: %w", err)
	}

	roots := inv.ScanRoots
	if len(roots) == 0 {
		roots = cfg.Scan.Roots
	}
	exclude, err := fs.LoadIgnorePatterns(cfg.Scan.Exclude, roots)
	if err != nil {
		return nil, fmt.Errorf("loading ignore patterns: %w", err)
	}

	runID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, runID, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger.With("cmd", inv.Command)}
	defer func() {
		if err != nil {
			logFile.Close()
		}
	}()

	rec := metrics.NewRecorder()
	bus := organizer.NewEventBus(organizer.RealClock{})
	svc, err := organizer.NewService(organizer.Dependencies{
		Database:   db,
		Filesystem: fs.NewOSFilesystemManager(),
		Extractor:  extract.New(),
		Classifier: cls,
		Executor:   resilience.NewExecutor(resilienceConfig(cfg.Classifier), logger),
		Vault:      v,
		Encryptor:  enc,
		Publisher:  bus,
		Metrics:    rec,
		Logger:     logger,
	}, organizer.Options{
		Extensions:        cfg.Scan.Extensions,
		Exclude:           exclude,
		MaxDepth:          cfg.Scan.MaxDepth,
		IncludeHidden:     cfg.Scan.IncludeHidden,
		SnippetChars:      cfg.Scan.SnippetChars,
		HashLimit:         cfg.Scan.HashLimit,
		Workers:           cfg.Scan.Workers,
		BatchSize:         cfg.Classifier.BatchSize,
		BatchTimeout:      time.Duration(cfg.Classifier.TimeoutSeconds) * time.Second,
		RequestsPerMinute: cfg.Classifier.RequestsPerMinute,
		Destination:       cfg.Plan.Destination,
	})
	if err != nil {
		return nil, fmt.Errorf("creating organizer: %w", err)
	}
	if _, err := svc.Startup(); err != nil {
		return nil, fmt.Errorf("starting organizer: %w", err)
	}

	return &FileSenseApp{
		cfg:       cfg,
		db:        db,
		vault:     v,
		encryptor: enc,
		metrics:   rec,
		bus:       bus,
		service:   svc,
		lock:      lock,
		run:       &model.CommandRun{Command: inv.Command, Parameters: inv.Parameters, Status: "success"},
		logger:    logger,
		logFile:   logFile,
	}, nil
}

func resilienceConfig(c config.ClassifierConfig) resilience.Config {
	rc := resilience.DefaultConfig()
	rc.RetryMaxAttempts = c.MaxAttempts
	rc.RetryInitialBackoff = time.Duration(c.InitialBackoffMS) * time.Millisecond
	rc.RetryMaxBackoff = time.Duration(c.MaxBackoffMS) * time.Millisecond
	rc.BreakerEnabled = c.BreakerOn()
	return rc
}

// Events exposes the progress event bus.
func (a *FileSenseApp) Events() *organizer.EventBus {
	return a.bus
}

// persistRun saves the command run, giving it an auto-increment ID.
// This should only be called for ledger-mutating commands.
func (a *FileSenseApp) persistRun() error {
	if a.run.ID != 0 {
		return nil
	}
	run, err := a.db.CreateCommandRun(a.run.Command, a.run.Parameters, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("persisting command run: %w", err)
	}
	a.run.ID = run.ID
	return nil
}

// track marks the command run failed when err is non-nil and returns err.
func (a *FileSenseApp) track(err error) error {
	if err != nil {
		a.run.Status = "error"
	}
	return err
}

// Scan discovers files under the given roots, or the configured roots when none are given.
func (a *FileSenseApp) Scan(ctx context.Context, roots []string) (*organizer.ScanResult, error) {
	if len(roots) == 0 {
		roots = a.cfg.Scan.Roots
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("no scan roots given and none configured")
	}
	if err := a.persistRun(); err != nil {
		return nil, err
	}
	res, err := a.service.Scan(ctx, organizer.ScanRequest{Roots: roots, Extensions: a.cfg.Scan.Extensions})
	return res, a.track(err)
}

// ClassifyOptions selects how much of the queue a classify command works through.
type ClassifyOptions struct {
	All               bool
	RetryUnclassified bool
}

// ClassifyOutcome summarizes a classify command.
type ClassifyOutcome struct {
	// Retried counts unclassified files returned to the queue.
	Retried int
	// Cache is nil when the lookup already ran in an earlier command.
	Cache   *organizer.CacheReport
	Summary *organizer.ClassifySummary
}

// Classify resolves the cache if a scan just finished, then classifies one
// batch, or every batch when opts.All is set. The token pauses or stops the
// work between batches.
func (a *FileSenseApp) Classify(ctx context.Context, token *organizer.CancelToken, opts ClassifyOptions) (*ClassifyOutcome, error) {
	if err := a.persistRun(); err != nil {
		return nil, err
	}
	out := &ClassifyOutcome{Summary: &organizer.ClassifySummary{}}

	if opts.RetryUnclassified {
		n, err := a.service.RetryUnclassified()
		if err != nil {
			return out, a.track(err)
		}
		out.Retried = n
	}

	phase, err := a.service.Workflow().Current()
	if err != nil {
		return out, a.track(err)
	}
	if phase == organizer.PhaseCacheLookup {
		report, err := a.service.LookupCache(ctx)
		if err != nil {
			return out, a.track(err)
		}
		out.Cache = report
	}

	if opts.All {
		summary, err := a.service.ClassifyAll(ctx, token)
		if summary != nil {
			out.Summary = summary
		}
		return out, a.track(err)
	}

	r, err := a.service.ClassifyNextBatch(ctx, token)
	if r != nil {
		out.Summary.Classified = r.Classified
		out.Summary.CacheHits = r.CacheHits
		out.Summary.Unclassified = len(r.Unclassified)
		out.Summary.Calls = r.Calls
		if r.Attempted > 0 {
			out.Summary.Batches = 1
		}
	}
	return out, a.track(err)
}

// GeneratePlan builds and stores a plan, filling unset options from config.
func (a *FileSenseApp) GeneratePlan(ctx context.Context, req organizer.PlanRequest) (*model.Plan, error) {
	if req.Style == "" {
		req.Style = a.cfg.Plan.Style
	}
	if req.Depth == "" {
		req.Depth = a.cfg.Plan.Depth
	}
	if req.Threshold == nil {
		threshold := a.cfg.Plan.Threshold
		req.Threshold = &threshold
	}
	if err := a.persistRun(); err != nil {
		return nil, err
	}
	plan, err := a.service.GeneratePlan(ctx, req)
	return plan, a.track(err)
}

// ShowPlan loads a plan for review.
func (a *FileSenseApp) ShowPlan(planID string) (*model.Plan, error) {
	if err := a.persistRun(); err != nil {
		return nil, err
	}
	plan, err := a.service.ReviewPlan(planID)
	return plan, a.track(err)
}

// ListPlans returns the most recent plans.
func (a *FileSenseApp) ListPlans(limit int) ([]*model.Plan, error) {
	return a.service.ListPlans(limit)
}

// ExecutePlan runs a plan. Finished live sessions have their activity log
// archived to the vault.
func (a *FileSenseApp) ExecutePlan(ctx context.Context, planID string, testMode bool) (*organizer.ExecutionReport, error) {
	if err := a.persistRun(); err != nil {
		return nil, err
	}
	report, err := a.service.ExecutePlan(ctx, planID, testMode)
	if report != nil && !testMode {
		a.archiveSessionLog(report.SessionID, report.Status)
	}
	return report, a.track(err)
}

func (a *FileSenseApp) archiveSessionLog(sessionID string, status model.SessionStatus) {
	if a.vault == nil || sessionID == "" || status == model.SessionInProgress {
		return
	}
	if _, err := a.service.ArchiveSessionLog(sessionID); err != nil {
		a.logger.Warn("archiving session log failed", "session", sessionID, "error", err)
	}
}

// UndoOperation reverses one operation.
func (a *FileSenseApp) UndoOperation(ctx context.Context, operationID int64) (*model.OperationRecord, error) {
	if err := a.persistRun(); err != nil {
		return nil, err
	}
	rev, err := a.service.UndoOperation(ctx, operationID)
	return rev, a.track(err)
}

// UndoSession reverses every completed operation of a session.
func (a *FileSenseApp) UndoSession(ctx context.Context, sessionID string) (*organizer.UndoReport, error) {
	if err := a.persistRun(); err != nil {
		return nil, err
	}
	report, err := a.service.UndoSession(ctx, sessionID)
	if report != nil {
		a.archiveSessionLog(sessionID, report.Status)
	}
	return report, a.track(err)
}

// ListSessions returns the most recent sessions.
func (a *FileSenseApp) ListSessions(limit int) ([]*model.Session, error) {
	return a.service.ListSessions(limit)
}

// ExportSessionLog writes the activity log of a session to w.
func (a *FileSenseApp) ExportSessionLog(sessionID string, w io.Writer) error {
	return a.service.ExportSessionLog(sessionID, w)
}

// CleanupSessions deletes finished sessions older than olderThan.
func (a *FileSenseApp) CleanupSessions(olderThan time.Duration) (int, error) {
	if err := a.persistRun(); err != nil {
		return 0, err
	}
	n, err := a.service.CleanupSessions(olderThan)
	return n, a.track(err)
}

// ListIncompleteSessions returns sessions awaiting recovery, most recent first.
func (a *FileSenseApp) ListIncompleteSessions() ([]*organizer.IncompleteSession, error) {
	return a.service.ListIncompleteSessions()
}

// ResumeSession continues an interrupted session.
func (a *FileSenseApp) ResumeSession(ctx context.Context, sessionID string) (*organizer.ExecutionReport, error) {
	if err := a.persistRun(); err != nil {
		return nil, err
	}
	report, err := a.service.ResumeSession(ctx, sessionID)
	if report != nil && !report.TestMode {
		a.archiveSessionLog(sessionID, report.Status)
	}
	return report, a.track(err)
}

// RollbackSession reverses the completed operations of an interrupted session.
func (a *FileSenseApp) RollbackSession(ctx context.Context, sessionID string) (*organizer.UndoReport, error) {
	if err := a.persistRun(); err != nil {
		return nil, err
	}
	report, err := a.service.RollbackSession(ctx, sessionID)
	if report != nil {
		a.archiveSessionLog(sessionID, report.Status)
	}
	return report, a.track(err)
}

// DiscardSession gives up on an interrupted session, keeping what was done.
func (a *FileSenseApp) DiscardSession(ctx context.Context, sessionID string) error {
	if err := a.persistRun(); err != nil {
		return err
	}
	err := a.service.DiscardSession(ctx, sessionID)
	if err == nil {
		a.archiveSessionLog(sessionID, model.SessionFailed)
	}
	return a.track(err)
}

// Status reports the engine state.
func (a *FileSenseApp) Status() (*organizer.StatusReport, error) {
	return a.service.Status()
}

// Reset returns the workflow to READY. History is kept.
func (a *FileSenseApp) Reset() (organizer.Phase, error) {
	if err := a.persistRun(); err != nil {
		return "", err
	}
	phase, err := a.service.StartOver()
	return phase, a.track(err)
}

// Schema returns the live ledger schema.
func (a *FileSenseApp) Schema() (string, error) {
	return a.db.DumpSchema()
}

// Close finalizes the command run and releases all resources.
// For persisted runs: finishes the run record, snapshots the ledger, and uploads it to the vault.
// For non-persisted runs: just closes the database.
func (a *FileSenseApp) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	var snapshot string
	if a.run.ID != 0 {
		if err := a.db.FinishCommandRun(a.run.ID, a.run.Status, time.Now().UTC()); err != nil {
			keep(fmt.Errorf("finishing command run: %w", err))
		}
		if a.vault != nil {
			path, err := a.snapshot()
			keep(err)
			snapshot = path
		}
	}

	if err := a.db.Close(); err != nil {
		keep(fmt.Errorf("closing database: %w", err))
	}

	if snapshot != "" {
		keep(uploadSnapshot(a.vault, a.encryptor, a.cfg.HostID, snapshot, a.run.ID))
		os.RemoveAll(filepath.Dir(snapshot))
	}

	if a.cfg.Metrics.Textfile != "" {
		keep(a.metrics.WriteTextfile(a.cfg.Metrics.Textfile, time.Now()))
	}

	if a.logFile != nil {
		a.logFile.Close()
	}
	keep(a.lock.Release())
	return firstErr
}

// snapshot copies the ledger into a fresh temp file with VACUUM INTO.
func (a *FileSenseApp) snapshot() (string, error) {
	dir, err := os.MkdirTemp("", "filesense-snapshot-")
	if err != nil {
		return "", fmt.Errorf("creating snapshot dir: %w", err)
	}
	// VACUUM INTO refuses to overwrite an existing file
	path := filepath.Join(dir, "ledger.db")
	if err := a.db.BackupTo(path); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return path, nil
}
