package daemon

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"sari/internal/coordinator"
	"sari/internal/parser"
	"sari/internal/scanner"
	"sari/internal/search"
	"sari/internal/storage"
	"sari/internal/watcher"
	"sari/internal/workspace"
	"sari/internal/worker"
)

// SharedState is the per-workspace-root bundle the registry hands out
// to every session bound to that root: the DB handle, search engine,
// indexer (scanner + worker pool + coordinator + storage pipeline),
// and watcher (§4.8).
type SharedState struct {
	Root workspace.Root

	DB     *sql.DB
	Search *search.Pipeline

	Scanner     *scanner.Scanner
	Parsers     *parser.Registry
	Worker      *worker.Pipeline
	Coordinator *coordinator.Coordinator
	L1          *storage.L1Buffer
	Overlay     *storage.Overlay
	Queue       *storage.Queue
	Writer      *storage.Writer
	Watcher     *watcher.Watcher

	mu          sync.Mutex
	refCount    int
	persistent  bool
	lastActive  time.Time
	stopped     bool

	cancel      context.CancelFunc
	workerGroup interface{ Wait() error }
}

// MarkDirty implements watcher.Sink: it records the path as
// LSP-dirty via a targeted last-seen/dirty update on the writer
// queue, letting a later re-parse notice it.
func (s *SharedState) MarkDirty(rootID, path string) {
	s.Queue.Enqueue(storage.Task{
		Kind:  storage.TaskMarkDirty,
		Dirty: []storage.DirtyMark{{RootID: rootID, Path: path}},
	})
}

// EnqueuePriority implements watcher.Sink, handing a settled
// filesystem event to the coordinator's priority lane.
func (s *SharedState) EnqueuePriority(rootID string, priority int, payload any) {
	s.Coordinator.EnqueuePriority(rootID, priority, payload)
}

func (s *SharedState) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Stop tears down the shared state's background goroutines: the
// writer loop and the watcher. Idempotent.
func (s *SharedState) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.workerGroup != nil {
		s.workerGroup.Wait()
	}
	if s.Watcher != nil {
		s.Watcher.Stop()
	}
	if s.Queue != nil {
		s.Queue.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}

// Registry is the process-wide, explicit-initialization workspace
// singleton of §4.8/§9: one entry per normalized workspace root.
type Registry struct {
	mu      sync.Mutex
	states  map[string]*SharedState
	log     *zap.Logger
	idleTTL time.Duration
}

var (
	registryOnce sync.Once
	registrySing *Registry
)

// GlobalRegistry returns the process-wide singleton, grounded on
// internal/tools/registry.go's globalRegistry/Global() pattern.
func GlobalRegistry(log *zap.Logger) *Registry {
	registryOnce.Do(func() {
		registrySing = NewRegistry(log)
	})
	return registrySing
}

// NewRegistry builds a standalone registry, the override hook tests
// use to avoid the process-wide singleton.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{states: make(map[string]*SharedState), log: log, idleTTL: 10 * time.Minute}
}

// Builder constructs a fresh SharedState for a newly resolved root.
// Wiring (DB open, pipeline construction, watcher start) lives
// outside the registry so tests can substitute a lightweight builder.
type Builder func(root workspace.Root) (*SharedState, error)

// GetOrCreate returns the shared state for root, building it via
// build if absent, and increments its refcount unless trackRef is
// false (§4.8's Session lifecycle step 2).
func (r *Registry) GetOrCreate(root workspace.Root, trackRef bool, build Builder) (*SharedState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.states[root.ID]; ok {
		if trackRef {
			s.mu.Lock()
			s.refCount++
			s.mu.Unlock()
		}
		s.touch()
		return s, nil
	}

	s, err := build(root)
	if err != nil {
		return nil, err
	}
	if trackRef {
		s.refCount = 1
	}
	s.lastActive = time.Now()
	r.states[root.ID] = s
	return s, nil
}

// Release decrements root's refcount; at zero, and unless the shared
// state is persistent, it is stopped and evicted.
func (r *Registry) Release(rootID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[rootID]
	if !ok {
		return
	}

	s.mu.Lock()
	if s.refCount > 0 {
		s.refCount--
	}
	refCount, persistent := s.refCount, s.persistent
	s.mu.Unlock()

	if refCount == 0 && !persistent {
		delete(r.states, rootID)
		s.Stop()
	}
}

// SetIdleTTL overrides the stale-ref reaper's idle horizon.
func (r *Registry) SetIdleTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idleTTL = d
}

// Pin marks rootID persistent: an autostarted workspace whose
// refcount may reach zero without eviction.
func (r *Registry) Pin(rootID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[rootID]; ok {
		s.mu.Lock()
		s.persistent = true
		s.mu.Unlock()
	}
}

// Get returns the shared state for rootID without affecting its
// refcount, or false if absent.
func (r *Registry) Get(rootID string) (*SharedState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[rootID]
	return s, ok
}

// All returns a snapshot of every bound root id, for status/doctor.
func (r *Registry) All() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	return ids
}

// ReapStale evicts zero-refcount, non-persistent entries whose
// lastActive predates the registry's idle horizon — the "stale-ref
// reaper" §4.8 calls for.
func (r *Registry) ReapStale(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reaped []string
	for id, s := range r.states {
		s.mu.Lock()
		idle := s.refCount == 0 && !s.persistent && now.Sub(s.lastActive) > r.idleTTL
		s.mu.Unlock()
		if idle {
			delete(r.states, id)
			s.Stop()
			reaped = append(reaped, id)
		}
	}
	return reaped
}

// Shutdown stops every shared state, for daemon shutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.states {
		s.Stop()
		delete(r.states, id)
	}
}
