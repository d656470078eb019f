package organizer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"filesense/internal/model"
	"filesense/internal/resilience"
)

// Options are the tunables of the engine. Zero values select defaults.
type Options struct {
	// Scan
	Extensions    []string // allow-list, lowercase without the dot
	Exclude       []string // doublestar globs over root-relative paths or basenames
	MaxDepth      int      // 0 selects DefaultMaxDepth; negative means unbounded
	IncludeHidden bool
	SnippetChars  int
	HashLimit     int64 // bytes of content hashed; 0 hashes the whole file
	Workers       int

	// Classification
	BatchSize         int
	BatchTimeout      time.Duration
	RequestsPerMinute int

	// Planning
	Destination string // root of the organized tree; defaults under the first scan root
}

// Defaults.
const (
	DefaultMaxDepth     = 10
	DefaultSnippetChars = 300
	DefaultWorkers      = 4
	DefaultBatchSize    = 20
	DefaultBatchTimeout = 60 * time.Second
	OrganizedDirName    = "Organized Files"
)

// DefaultExtensions is the scan allow-list used when none is configured.
var DefaultExtensions = []string{
	"pdf", "doc", "docx", "txt", "md", "rtf", "odt",
	"xls", "xlsx", "csv", "ods", "ppt", "pptx", "odp",
	"jpg", "jpeg", "png", "heic", "gif",
	"json", "xml", "html", "eml",
}

func (o Options) normalize() Options {
	out := o
	if len(out.Extensions) == 0 {
		out.Extensions = DefaultExtensions
	}
	exts := make([]string, 0, len(out.Extensions))
	for _, e := range out.Extensions {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			exts = append(exts, e)
		}
	}
	out.Extensions = exts
	if out.MaxDepth == 0 {
		out.MaxDepth = DefaultMaxDepth
	}
	if out.MaxDepth < 0 {
		out.MaxDepth = 0
	}
	if out.SnippetChars <= 0 {
		out.SnippetChars = DefaultSnippetChars
	}
	if out.Workers <= 0 {
		out.Workers = DefaultWorkers
	}
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultBatchSize
	}
	if out.BatchTimeout <= 0 {
		out.BatchTimeout = DefaultBatchTimeout
	}
	if out.Destination != "" {
		out.Destination = filepath.Clean(out.Destination)
	}
	return out
}

// Dependencies are the collaborators of the engine. Database, Filesystem and
// Classifier are required; the rest fall back to no-op or default implementations.
type Dependencies struct {
	Database   Database
	Filesystem FilesystemManager
	Extractor  SnippetExtractor
	Classifier Classifier
	Executor   *resilience.Executor
	Vault      Vault
	Encryptor  Encryptor
	Publisher  Publisher
	Metrics    Metrics
	Logger     Logger
	Clock      Clock
	IDs        IDGenerator
	Tracer     trace.Tracer
}

// Service is the organizer engine: scanning, classification, planning,
// execution, undo and recovery over one persisted ledger.
// Execution and undo are strictly sequential; callers must not run two
// mutating operations of one Service concurrently.
type Service struct {
	db         Database
	fsmgr      FilesystemManager
	extractor  SnippetExtractor
	classifier Classifier
	executor   *resilience.Executor
	vault      Vault
	encryptor  Encryptor
	publisher  Publisher
	metrics    Metrics
	logger     Logger
	clock      Clock
	idgen      IDGenerator
	tracer     trace.Tracer
	limiter    *rate.Limiter
	workflow   *Workflow
	exclude    *GlobSet
	opts       Options
}

// NewService wires a Service. Invalid exclusion globs are reported here.
func NewService(deps Dependencies, opts Options) (*Service, error) {
	opts = opts.normalize()

	s := &Service{
		db:         deps.Database,
		fsmgr:      deps.Filesystem,
		extractor:  deps.Extractor,
		classifier: deps.Classifier,
		executor:   deps.Executor,
		vault:      deps.Vault,
		encryptor:  deps.Encryptor,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		clock:      deps.Clock,
		idgen:      deps.IDs,
		tracer:     deps.Tracer,
		opts:       opts,
	}
	if s.publisher == nil {
		s.publisher = nopPublisher{}
	}
	if s.metrics == nil {
		s.metrics = NopMetrics{}
	}
	if s.logger == nil {
		s.logger = NewNopLogger()
	}
	if s.clock == nil {
		s.clock = RealClock{}
	}
	if s.idgen == nil {
		s.idgen = UUIDGenerator{}
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("filesense/organizer")
	}
	if s.executor == nil {
		s.executor = resilience.NewExecutor(resilience.DefaultConfig(), s.logger)
	}
	if opts.RequestsPerMinute > 0 {
		perSecond := rate.Limit(float64(opts.RequestsPerMinute) / 60.0)
		s.limiter = rate.NewLimiter(perSecond, 1)
	}

	exclude, err := NewGlobSet(opts.Exclude)
	if err != nil {
		return nil, err
	}
	s.exclude = exclude
	s.workflow = NewWorkflow(s.db, s.clock, s.publisher, s.logger)
	return s, nil
}

// Workflow exposes the session state machine.
func (s *Service) Workflow() *Workflow {
	return s.workflow
}

// Startup must run once per process before any other operation.
// An interrupted phase with no incomplete session left (the session was
// finished by another path) is resolved immediately.
func (s *Service) Startup() (Phase, error) {
	phase, err := s.workflow.Startup()
	if err != nil || phase != PhaseInterrupted {
		return phase, err
	}
	incomplete, err := s.db.ListSessionsByStatus(model.SessionInProgress)
	if err != nil {
		return phase, fmt.Errorf("listing incomplete sessions: %w", err)
	}
	if len(incomplete) > 0 {
		s.logger.Warn("incomplete sessions need recovery", "count", len(incomplete), "latest", incomplete[0].ID)
		return phase, nil
	}
	if _, err := s.workflow.Fire(EvBeginRecovery, ""); err != nil {
		return phase, err
	}
	return s.workflow.Fire(EvRecoveryResolved, "")
}

// StartOver resets the workflow to READY. Historical sessions are kept.
func (s *Service) StartOver() (Phase, error) {
	return s.workflow.StartOver()
}

// destinationFor returns the organized tree root for the given scan roots.
func (s *Service) destinationFor(roots []string) string {
	if s.opts.Destination != "" {
		return s.opts.Destination
	}
	if len(roots) == 0 {
		return ""
	}
	return filepath.Join(roots[0], OrganizedDirName)
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "organizer."+name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
