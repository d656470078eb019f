package organizer

import (
	"context"
	"io"
	"io/fs"
	"time"

	"filesense/internal/model"
)

// Database provides persistence for the engine. The datastore is the single
// source of truth for crash recovery: every method commits before returning.
// Lookups that find nothing return nil and no error.
type Database interface {
	// File operations

	// FindFileByPath returns the record for an absolute path.
	FindFileByPath(path string) (*model.FileRecord, error)

	// FindFileByID returns the record with the given ID.
	FindFileByID(id int64) (*model.FileRecord, error)

	// UpsertFile inserts or updates a record keyed by path and fills in its ID.
	UpsertFile(file *model.FileRecord) error

	// TouchFile updates last_scanned_at and clears the absent flag.
	TouchFile(id int64, scannedAt time.Time) error

	// MarkFileAbsent flags a record whose file vanished from disk.
	MarkFileAbsent(id int64) error

	// ListFilesUnder returns all records whose path lies under root, ordered by path.
	ListFilesUnder(root string) ([]*model.FileRecord, error)

	// ListPresentFiles returns all records not marked absent, ordered by path.
	ListPresentFiles() ([]*model.FileRecord, error)

	// SetFileStatus updates the classification status. classifiedFingerprint is
	// only written when status is classified.
	SetFileStatus(id int64, status model.FileStatus, classifiedFingerprint string) error

	// ResetUnclassified moves every unclassified record back to pending.
	ResetUnclassified() (int, error)

	// Classification cache

	// FindClassification returns the cache entry for key.
	FindClassification(key model.CacheKey) (*model.Classification, error)

	// PutClassification upserts a cache entry on its composite key.
	PutClassification(c *model.Classification) error

	// Plans

	// CreatePlan stores a plan and its items. Plans are never updated.
	CreatePlan(plan *model.Plan) error

	// FindPlan returns a plan with items and summary.
	FindPlan(id string) (*model.Plan, error)

	// ListPlans returns the most recent plans without items.
	ListPlans(limit int) ([]*model.Plan, error)

	// Sessions and ledger

	// CreateSession stores a session and its initial pending ledger in one transaction.
	// Operation IDs are filled in.
	CreateSession(session *model.Session, ops []*model.OperationRecord) error

	// FindSession returns a session by ID.
	FindSession(id string) (*model.Session, error)

	// FindSessionByPlan returns the session that executed a plan.
	FindSessionByPlan(planID string) (*model.Session, error)

	// ListSessions returns the most recent sessions, newest first.
	ListSessions(limit int) ([]*model.Session, error)

	// ListSessionsByStatus returns sessions with the given status, newest first.
	ListSessionsByStatus(status model.SessionStatus) ([]*model.Session, error)

	// FinishSession sets a terminal status and completion time.
	FinishSession(id string, status model.SessionStatus, completedAt time.Time, notes string) error

	// ListOperations returns a session's ledger ordered by index.
	ListOperations(sessionID string) ([]*model.OperationRecord, error)

	// FindOperation returns a ledger entry by ID.
	FindOperation(id int64) (*model.OperationRecord, error)

	// RecordOutcome persists a pending operation's terminal status and updates
	// the session counters in one transaction.
	RecordOutcome(op *model.OperationRecord) error

	// MarkRolledBack moves a completed operation to rolled_back.
	MarkRolledBack(id int64, at time.Time) error

	// AppendOperation adds a new entry at the end of a session's ledger.
	AppendOperation(op *model.OperationRecord) error

	// RecordError stores an ErrorRecord.
	RecordError(e *model.ErrorRecord) error

	// ListErrors returns a session's error records in insertion order.
	ListErrors(sessionID string) ([]*model.ErrorRecord, error)

	// DeleteSessionsBefore removes terminal sessions started before cutoff,
	// along with their ledger and errors.
	DeleteSessionsBefore(cutoff time.Time) (int, error)

	// Workflow

	// GetWorkflowState returns the persisted phase.
	GetWorkflowState() (*model.WorkflowState, error)

	// TransitionWorkflow moves the phase from -> to if and only if the current
	// phase is from, and appends the transition to the history.
	// Returns false if the current phase was not from.
	TransitionWorkflow(from, to, event, sessionID string, at time.Time) (bool, error)

	// ListWorkflowTransitions returns the most recent transitions, newest first.
	ListWorkflowTransitions(limit int) ([]*model.WorkflowTransition, error)
}

// Path is a resolved scan root. Files inside the engine are plain strings
// because the ledger must refer to files that may no longer exist.
type Path struct {
	abs   string
	isDir bool
}

// NewPath records a root resolved by a FilesystemManager.
func NewPath(abs string, info fs.FileInfo) *Path {
	return &Path{abs: abs, isDir: info.IsDir()}
}

func (p *Path) String() string { return p.abs }
func (p *Path) IsDir() bool    { return p.isDir }

// WalkOptions bounds a directory walk.
type WalkOptions struct {
	MaxDepth      int  // 0 means unbounded
	IncludeHidden bool // descend into and report dot entries
	// Skip reports whether an entry should be skipped. rel is slash separated
	// and relative to the walk root. Skipping a directory prunes it.
	Skip func(rel string, isDir bool) bool
}

// WalkEntry is a regular file found by Walk.
type WalkEntry struct {
	Path string // absolute
	Rel  string // slash separated, relative to the walk root
	Info fs.FileInfo
}

// FilesystemManager abstracts the filesystem so the engine can be tested
// without touching disk.
type FilesystemManager interface {
	// Resolve validates a raw path and returns a Path object.
	Resolve(rawPath string) (*Path, error)

	// Walk visits regular files under root without following symlinks.
	// A failure to read root itself is returned; failures on entries are
	// reported to onError and the walk continues.
	Walk(root *Path, opts WalkOptions, fn func(WalkEntry) error, onError func(path string, err error)) error

	// Open opens a file for reading.
	Open(path string) (io.ReadCloser, error)

	// Stat returns fresh info for path without following a final symlink.
	// A missing path yields an error matching fs.ErrNotExist.
	Stat(path string) (fs.FileInfo, error)

	// SameFile reports whether two infos describe the same file on disk.
	SameFile(a, b fs.FileInfo) bool

	// MkdirAll creates path and any missing parents. created reports whether
	// path itself did not exist before. Failures are *OpError.
	MkdirAll(path string) (created bool, err error)

	// Move renames src to dst, copying across devices when needed.
	// dst must not exist. Failures are *OpError.
	Move(src, dst string) error

	// RemoveEmptyDir removes path only if it is an empty directory.
	RemoveEmptyDir(path string) error
}

// SnippetExtractor produces the capped text excerpt sent to the classifier.
type SnippetExtractor interface {
	// Extract returns at most maxChars characters of text for the file.
	// An empty string with no error means the type has no extractable text.
	Extract(ctx context.Context, path, ext string, maxChars int) (string, error)
}

// ClassifyFile is one file in a classification request.
type ClassifyFile struct {
	FileID     int64
	Filename   string
	Extension  string
	Size       int64
	ModifiedAt time.Time
	Snippet    string
}

// ClassifyResult is one validated classification in a response.
type ClassifyResult struct {
	FileID          int64
	Category        string
	Subcategory     string
	Tags            []string
	Summary         string
	Confidence      float64
	SuggestedFolder string
	Entity          string
	DocumentType    string
}

// Classifier is the external classification service.
type Classifier interface {
	// Version identifies the model and prompt; it is part of the cache key.
	Version() string

	// Classify classifies a batch. Results may omit files; malformed responses
	// return an error carrying ErrMalformedResponse.
	Classify(ctx context.Context, files []ClassifyFile) ([]ClassifyResult, error)
}

// Vault is off-host storage for ledger snapshots and session logs.
type Vault interface {
	// PutObject stores a named object with a version marker.
	// size is the number of bytes that will be read from r.
	PutObject(name string, r io.Reader, size int64, version int64) error

	// GetObject writes a named object to w.
	GetObject(name string, w io.Writer) error

	// ObjectVersion returns the stored version, or 0 if the object does not exist.
	ObjectVersion(name string) (int64, error)

	// ValidateSetup verifies that the vault is accessible.
	ValidateSetup() error
}

// Encryptor protects data before it leaves the host.
type Encryptor interface {
	// Setup performs one-time key generation protected by passphrase.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock returns a context able to decrypt data.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether keys exist.
	IsConfigured() bool
}

// DecryptionContext decrypts data with an unlocked key.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// Metrics receives engine counters.
type Metrics interface {
	FilesScanned(n int)
	CacheLookup(hit bool)
	BatchFinished(status string, d time.Duration)
	OperationFinished(opType model.OperationType, status model.OperationStatus)
	RollbackFinished(undone, failed int)
}

// NopMetrics discards all metrics.
type NopMetrics struct{}

func (NopMetrics) FilesScanned(int)                                            {}
func (NopMetrics) CacheLookup(bool)                                            {}
func (NopMetrics) BatchFinished(string, time.Duration)                         {}
func (NopMetrics) OperationFinished(model.OperationType, model.OperationStatus) {}
func (NopMetrics) RollbackFinished(int, int)                                   {}

// Logger receives engine log lines with slog-style key/value args.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger drops everything.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}
