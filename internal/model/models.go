package model

import "time"

// FileStatus is the classification state of a FileRecord for its current fingerprint.
type FileStatus string

const (
	FileStatusPending      FileStatus = "pending"      // never attempted for this fingerprint
	FileStatusClassified   FileStatus = "classified"   // a cache entry exists for this fingerprint
	FileStatusUnclassified FileStatus = "unclassified" // classification failed; always routed to review
)

// FileRecord represents a file discovered by a scan.
// Identity is the absolute path plus the content fingerprint.
type FileRecord struct {
	ID                    int64
	Path                  string // Absolute path on host
	Root                  string // Scan root the file was found under
	Filename              string // Basename including extension
	Extension             string // Lowercase, without the dot
	Size                  int64
	ModifiedAt            time.Time
	Fingerprint           string // SHA-256 over content (see scan.hash_limit) mixed with size
	SnippetHash           string // SHA-256 of Snippet, "" when there is no snippet
	Snippet               string // Capped text excerpt sent to the classifier
	ClassifiedFingerprint string // Fingerprint at the last successful classification
	Status                FileStatus
	Absent                bool // File vanished from disk; kept so history stays resolvable
	DiscoveredAt          time.Time
	LastScannedAt         time.Time
}

// CacheKey identifies a classification cache entry.
type CacheKey struct {
	Fingerprint       string
	SnippetHash       string
	ClassifierVersion string
}

// Key returns the cache key for the file's current content under the given classifier version.
func (f *FileRecord) Key(classifierVersion string) CacheKey {
	return CacheKey{
		Fingerprint:       f.Fingerprint,
		SnippetHash:       f.SnippetHash,
		ClassifierVersion: classifierVersion,
	}
}

// Classification is a cached classifier result.
type Classification struct {
	Fingerprint       string
	SnippetHash       string
	ClassifierVersion string
	Category          string // Canonical category name, e.g. "Money"
	Subcategory       string
	Tags              []string
	Summary           string
	Confidence        float64 // 0.0 - 1.0
	SuggestedFolder   string
	Entity            string // Client, project or person the file relates to, if detected
	DocumentType      string
	ClassifiedAt      time.Time
}

// Key returns the cache key of the classification.
func (c *Classification) Key() CacheKey {
	return CacheKey{
		Fingerprint:       c.Fingerprint,
		SnippetHash:       c.SnippetHash,
		ClassifierVersion: c.ClassifierVersion,
	}
}

// Plan is an immutable mapping from source files to destination paths.
type Plan struct {
	ID        string // UUID
	Name      string
	Style     string
	Depth     string
	Threshold float64
	BaseDir   string // Root of the generated destination tree
	CreatedAt time.Time
	Items     []PlanItem
	Summary   PlanSummary
}

// PlanItem is one planned move.
type PlanItem struct {
	Position        int // 0-based order within the plan
	FileID          int64
	SourcePath      string
	DestinationPath string
	Category        string
	Confidence      float64
	Reason          string
	RequiresReview  bool
}

// PlanSummary aggregates counts for a plan.
type PlanSummary struct {
	TotalFiles        int
	HighConfidence    int
	LowConfidence     int
	ReviewCount       int
	UnclassifiedCount int
	ExcludedCount     int
	DuplicatesFound   int
	FoldersToCreate   []string // Absolute paths, sorted
}

// SessionStatus is the lifecycle status of an execution session.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionRolledBack SessionStatus = "rolled_back"
	SessionPartial    SessionStatus = "partial" // rollback could not reverse every operation
)

// Terminal reports whether no further execution can happen in the session.
func (s SessionStatus) Terminal() bool {
	return s != SessionPending && s != SessionInProgress
}

// Session owns exactly one execution attempt of exactly one plan.
type Session struct {
	ID                   string // UUID
	PlanID               string
	StartedAt            time.Time
	CompletedAt          *time.Time
	Status               SessionStatus
	Style                string
	TestMode             bool
	TotalOperations      int
	SuccessfulOperations int
	FailedOperations     int
	Notes                string
}

// OperationType is the kind of a ledger entry.
type OperationType string

const (
	OpMove         OperationType = "move"
	OpCreateFolder OperationType = "create_folder"
	OpUndoMove     OperationType = "undo_move"     // reversal of a move
	OpRemoveFolder OperationType = "remove_folder" // reversal of a create_folder
)

// OperationStatus is the status of a ledger entry.
type OperationStatus string

const (
	OpPending    OperationStatus = "pending"
	OpCompleted  OperationStatus = "completed"
	OpFailed     OperationStatus = "failed"
	OpRolledBack OperationStatus = "rolled_back"
	OpSkipped    OperationStatus = "skipped"
)

// Terminal reports whether the status ends an execution attempt of the operation.
func (s OperationStatus) Terminal() bool {
	return s == OpCompleted || s == OpFailed || s == OpSkipped || s == OpRolledBack
}

// OperationRecord is one entry of a session's append-only ledger.
// Once completed, SourcePath and DestinationPath never change;
// only Status may later move to rolled_back.
type OperationRecord struct {
	ID              int64
	SessionID       string
	Index           int // 1-based order within the session
	Type            OperationType
	Status          OperationStatus
	SourcePath      string
	DestinationPath string
	Size            int64
	Confidence      float64
	Category        string
	FileID          int64
	FolderCreated   bool  // create_folder actually created the directory
	ReversesID      int64 // for undo entries: the operation being reversed
	CreatedAt       time.Time
	UpdatedAt       time.Time
	RolledBackAt    *time.Time
	Error           string
}

// Severity ranks an ErrorRecord.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ErrorRecord is written once per failure and never modified.
type ErrorRecord struct {
	ID          int64
	SessionID   string
	OperationID *int64
	Code        string
	Message     string
	Path        string
	Severity    Severity
	CreatedAt   time.Time
}

// WorkflowState is the persisted engine phase.
type WorkflowState struct {
	Phase     string
	SessionID string
	UpdatedAt time.Time
}

// WorkflowTransition is one row of the phase history.
type WorkflowTransition struct {
	ID        int64
	From      string
	To        string
	Event     string
	SessionID string
	At        time.Time
}

// CommandRun records a CLI command that may mutate the datastore.
type CommandRun struct {
	ID         int64
	Command    string
	Parameters string
	Status     string // "success" or "error"
	StartedAt  time.Time
	FinishedAt *time.Time
}
