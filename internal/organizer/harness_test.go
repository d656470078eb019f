package organizer_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"filesense/internal/database"
	"filesense/internal/model"
	"filesense/internal/organizer"
	"filesense/internal/resilience"
	"filesense/internal/testutil"
	"filesense/internal/vault"
)

const testRoot = "/home/user/Documents"

// harness wires a Service over an in-memory datastore and a mock filesystem.
type harness struct {
	svc        *organizer.Service
	db         *database.SQLiteDatabase
	fsmgr      *testutil.MockFilesystemManager
	classifier *testutil.StubClassifier
	extractor  *testutil.StubExtractor
	clock      *testutil.StubClock
	bus        *organizer.EventBus
	metrics    *recordingMetrics
	vault      *vault.MemoryVault

	deps organizer.Dependencies
	opts organizer.Options
}

func fastExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	}, nil)
}

func newHarness(t *testing.T, opts organizer.Options) *harness {
	t.Helper()
	return newHarnessWithExecutor(t, opts, fastExecutor())
}

func newHarnessWithExecutor(t *testing.T, opts organizer.Options, exec *resilience.Executor) *harness {
	t.Helper()
	h := &harness{
		db:         testutil.NewTestDatabase(t),
		fsmgr:      testutil.NewMockFilesystemManager(),
		classifier: testutil.NewStubClassifier(),
		clock:      testutil.FixedClock(),
		metrics:    &recordingMetrics{},
		vault:      testutil.NewTestVault(),
	}
	h.extractor = testutil.NewStubExtractor(h.fsmgr)
	h.bus = organizer.NewEventBus(h.clock)
	h.fsmgr.AddDirectory(testRoot)

	h.deps = organizer.Dependencies{
		Database:   h.db,
		Filesystem: h.fsmgr,
		Extractor:  h.extractor,
		Classifier: h.classifier,
		Executor:   exec,
		Vault:      h.vault,
		Encryptor:  testutil.NewTestEncryptor(),
		Publisher:  h.bus,
		Metrics:    h.metrics,
		Clock:      h.clock,
		IDs:        testutil.NewStubIDGenerator(),
	}
	h.opts = opts
	h.restart(t)
	return h
}

// restart replaces the Service with a fresh one over the same datastore and
// filesystem, the way a new process would start.
func (h *harness) restart(t *testing.T) organizer.Phase {
	t.Helper()
	svc, err := organizer.NewService(h.deps, h.opts)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	phase, err := svc.Startup()
	if err != nil {
		t.Fatalf("Startup() error = %v", err)
	}
	h.svc = svc
	return phase
}

// addFiles creates n text files named doc-NNN.txt under testRoot.
func (h *harness) addFiles(n int) {
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("%s/doc-%03d.txt", testRoot, i)
		h.fsmgr.AddFile(name, []byte(fmt.Sprintf("document %d", i)))
	}
}

func (h *harness) scan(t *testing.T) *organizer.ScanResult {
	t.Helper()
	res, err := h.svc.Scan(context.Background(), organizer.ScanRequest{Roots: []string{testRoot}})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	return res
}

// classify scans, looks up the cache and classifies everything.
func (h *harness) classify(t *testing.T) {
	t.Helper()
	h.scan(t)
	if _, err := h.svc.LookupCache(context.Background()); err != nil {
		t.Fatalf("LookupCache() error = %v", err)
	}
	if _, err := h.svc.ClassifyAll(context.Background(), nil); err != nil {
		t.Fatalf("ClassifyAll() error = %v", err)
	}
}

// plan runs the pipeline up to a persisted plan.
func (h *harness) plan(t *testing.T, req organizer.PlanRequest) *model.Plan {
	t.Helper()
	h.classify(t)
	plan, err := h.svc.GeneratePlan(context.Background(), req)
	if err != nil {
		t.Fatalf("GeneratePlan() error = %v", err)
	}
	return plan
}

func (h *harness) phase(t *testing.T) organizer.Phase {
	t.Helper()
	p, err := h.svc.Workflow().Current()
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	return p
}

func (h *harness) operations(t *testing.T, sessionID string) []*model.OperationRecord {
	t.Helper()
	ops, err := h.db.ListOperations(sessionID)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	return ops
}

func countOps(ops []*model.OperationRecord, typ model.OperationType, status model.OperationStatus) int {
	n := 0
	for _, op := range ops {
		if op.Type == typ && op.Status == status {
			n++
		}
	}
	return n
}

type recordingMetrics struct {
	mu         sync.Mutex
	scanned    int
	hits       int
	misses     int
	batches    map[string]int
	operations map[model.OperationStatus]int
	undone     int
	undoFailed int
}

func (m *recordingMetrics) FilesScanned(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanned += n
}

func (m *recordingMetrics) CacheLookup(hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

func (m *recordingMetrics) BatchFinished(status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batches == nil {
		m.batches = make(map[string]int)
	}
	m.batches[status]++
}

func (m *recordingMetrics) OperationFinished(_ model.OperationType, status model.OperationStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.operations == nil {
		m.operations = make(map[model.OperationStatus]int)
	}
	m.operations[status]++
}

func (m *recordingMetrics) RollbackFinished(undone, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undone += undone
	m.undoFailed += failed
}
