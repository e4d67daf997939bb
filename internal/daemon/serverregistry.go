// Package daemon implements the loopback RPC daemon, per-connection
// session, process-wide workspace registry, and cross-process server
// registry of SPEC_FULL §4.8.
package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ServerRegistrySchemaVersion is the current on-disk schema (v2);
// a v1 {instances:...} file is migrated on first read.
const ServerRegistrySchemaVersion = 2

// DaemonEntry describes one live (or recently-live) daemon process.
type DaemonEntry struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	PID        int    `json:"pid"`
	StartTS    int64  `json:"start_ts"`
	LastSeenTS int64  `json:"last_seen_ts"`
	Draining   bool   `json:"draining"`
	Version    string `json:"version"`
}

// WorkspaceEntry records which daemon currently owns a workspace root.
type WorkspaceEntry struct {
	BootID       string `json:"boot_id"`
	LastActiveTS int64  `json:"last_active_ts"`
	HTTPPort     int    `json:"http_port"`
	HTTPHost     string `json:"http_host"`
}

// serverRegistryFile is the JSON document persisted at server.json.
type serverRegistryFile struct {
	Version    int                       `json:"version"`
	Daemons    map[string]DaemonEntry    `json:"daemons"`
	Workspaces map[string]WorkspaceEntry `json:"workspaces"`
}

// legacyV1 is the previous schema this package migrates away from.
type legacyV1 struct {
	Instances map[string]DaemonEntry `json:"instances"`
}

// ServerRegistry is the cross-process file-backed registry at
// ~/.local/share/sari/server.json (or /tmp/sari/server.json if the
// home directory is unwritable), guarded by an OS file lock.
type ServerRegistry struct {
	mu       sync.Mutex
	path     string
	lockPath string
}

var (
	serverRegistryOnce sync.Once
	serverRegistrySing *ServerRegistry
)

// GlobalServerRegistry returns the process-wide singleton, resolving
// its path on first use per §9's explicit-initialization-singleton
// design note.
func GlobalServerRegistry() *ServerRegistry {
	serverRegistryOnce.Do(func() {
		serverRegistrySing = NewServerRegistry(resolveServerRegistryPath())
	})
	return serverRegistrySing
}

// DefaultServerRegistryPath resolves the server registry path the
// same way GlobalServerRegistry does, without the process-wide
// singleton — for short-lived CLI processes that want a fresh
// registry handle per invocation rather than sharing the daemon's
// long-lived singleton.
func DefaultServerRegistryPath() string {
	return resolveServerRegistryPath()
}

func resolveServerRegistryPath() string {
	if p := os.Getenv("SARI_REGISTRY_FILE"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err == nil {
		dir := filepath.Join(home, ".local", "share", "sari")
		if err := os.MkdirAll(dir, 0o755); err == nil {
			return filepath.Join(dir, "server.json")
		}
	}
	dir := filepath.Join(os.TempDir(), "sari")
	os.MkdirAll(dir, 0o755)
	return filepath.Join(dir, "server.json")
}

// NewServerRegistry constructs a registry bound to an explicit path,
// the override hook §9 requires for tests.
func NewServerRegistry(path string) *ServerRegistry {
	return &ServerRegistry{path: path, lockPath: path + ".lock"}
}

// withLock runs fn while holding an exclusive OS file lock on
// path+".lock", bounded by a timeout; on timeout the operation is
// refused rather than blocking indefinitely (§5's locking rule).
func (r *ServerRegistry) withLock(timeout time.Duration, fn func() error) error {
	f, err := os.OpenFile(r.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out acquiring server registry lock")
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}

func (r *ServerRegistry) load() (*serverRegistryFile, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &serverRegistryFile{
				Version:    ServerRegistrySchemaVersion,
				Daemons:    make(map[string]DaemonEntry),
				Workspaces: make(map[string]WorkspaceEntry),
			}, nil
		}
		return nil, err
	}

	var doc serverRegistryFile
	if err := json.Unmarshal(data, &doc); err == nil && doc.Version >= 2 {
		if doc.Daemons == nil {
			doc.Daemons = make(map[string]DaemonEntry)
		}
		if doc.Workspaces == nil {
			doc.Workspaces = make(map[string]WorkspaceEntry)
		}
		return &doc, nil
	}

	// Migrate v1 {instances: {...}} to v2.
	var legacy legacyV1
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("parse server registry: %w", err)
	}
	migrated := &serverRegistryFile{
		Version:    ServerRegistrySchemaVersion,
		Daemons:    legacy.Instances,
		Workspaces: make(map[string]WorkspaceEntry),
	}
	if migrated.Daemons == nil {
		migrated.Daemons = make(map[string]DaemonEntry)
	}
	return migrated, nil
}

// save writes doc atomically: write-to-temp, fsync, rename.
func (r *ServerRegistry) save(doc *serverRegistryFile) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp := r.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// pruneDead removes daemon entries whose pid no longer exists and any
// workspace pointing at them, via kill(pid, 0).
func pruneDead(doc *serverRegistryFile) {
	for bootID, d := range doc.Daemons {
		if !pidAlive(d.PID) {
			delete(doc.Daemons, bootID)
		}
	}
	for root, w := range doc.Workspaces {
		if _, ok := doc.Daemons[w.BootID]; !ok {
			delete(doc.Workspaces, root)
		}
	}
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// dedupeAncestors drops the less-recently-active member of any
// workspace key pair where one path is an ancestor of the other
// (§4.8's "Workspace deduplication").
func dedupeAncestors(doc *serverRegistryFile) {
	keys := make([]string, 0, len(doc.Workspaces))
	for k := range doc.Workspaces {
		keys = append(keys, k)
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			a, b := keys[i], keys[j]
			wa, okA := doc.Workspaces[a]
			wb, okB := doc.Workspaces[b]
			if !okA || !okB {
				continue
			}
			if !isAncestorPath(a, b) && !isAncestorPath(b, a) {
				continue
			}
			if wa.LastActiveTS >= wb.LastActiveTS {
				delete(doc.Workspaces, b)
			} else {
				delete(doc.Workspaces, a)
			}
		}
	}
}

func isAncestorPath(ancestor, descendant string) bool {
	if ancestor == descendant {
		return false
	}
	rel, err := filepath.Rel(ancestor, descendant)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// RegisterDaemon adds or updates bootID's daemon entry, pruning dead
// entries first.
func (r *ServerRegistry) RegisterDaemon(bootID string, entry DaemonEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.withLock(5*time.Second, func() error {
		doc, err := r.load()
		if err != nil {
			return err
		}
		pruneDead(doc)
		doc.Daemons[bootID] = entry
		return r.save(doc)
	})
}

// Heartbeat refreshes last_seen_ts for bootID.
func (r *ServerRegistry) Heartbeat(bootID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.withLock(5*time.Second, func() error {
		doc, err := r.load()
		if err != nil {
			return err
		}
		d, ok := doc.Daemons[bootID]
		if !ok {
			return fmt.Errorf("unknown boot id %s", bootID)
		}
		d.LastSeenTS = now.Unix()
		doc.Daemons[bootID] = d
		return r.save(doc)
	})
}

// SetDraining marks bootID as draining.
func (r *ServerRegistry) SetDraining(bootID string, draining bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.withLock(5*time.Second, func() error {
		doc, err := r.load()
		if err != nil {
			return err
		}
		d, ok := doc.Daemons[bootID]
		if !ok {
			return fmt.Errorf("unknown boot id %s", bootID)
		}
		d.Draining = draining
		doc.Daemons[bootID] = d
		return r.save(doc)
	})
}

// Deregister removes bootID and any workspaces it owned, on clean
// shutdown.
func (r *ServerRegistry) Deregister(bootID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.withLock(5*time.Second, func() error {
		doc, err := r.load()
		if err != nil {
			return err
		}
		delete(doc.Daemons, bootID)
		for root, w := range doc.Workspaces {
			if w.BootID == bootID {
				delete(doc.Workspaces, root)
			}
		}
		return r.save(doc)
	})
}

// FindConflict returns the alive daemon entry bound to (host, port),
// if any, after pruning dead entries — used by Daemon.Start's
// port-conflict check (§4.8 step 1).
func (r *ServerRegistry) FindConflict(host string, port int) (DaemonEntry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found DaemonEntry
	var ok bool
	err := r.withLock(5*time.Second, func() error {
		doc, err := r.load()
		if err != nil {
			return err
		}
		pruneDead(doc)
		if err := r.save(doc); err != nil {
			return err
		}
		for _, d := range doc.Daemons {
			if d.Host == host && d.Port == port && pidAlive(d.PID) {
				found, ok = d, true
				return nil
			}
		}
		return nil
	})
	return found, ok, err
}

// BindWorkspace records that bootID owns normalizedRoot.
func (r *ServerRegistry) BindWorkspace(normalizedRoot string, entry WorkspaceEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.withLock(5*time.Second, func() error {
		doc, err := r.load()
		if err != nil {
			return err
		}
		doc.Workspaces[normalizedRoot] = entry
		dedupeAncestors(doc)
		return r.save(doc)
	})
}

// Snapshot returns a pruned copy of the current document, for
// `sari/identify` and `doctor` reporting.
func (r *ServerRegistry) Snapshot() (map[string]DaemonEntry, map[string]WorkspaceEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var daemons map[string]DaemonEntry
	var workspaces map[string]WorkspaceEntry
	err := r.withLock(5*time.Second, func() error {
		doc, err := r.load()
		if err != nil {
			return err
		}
		pruneDead(doc)
		daemons, workspaces = doc.Daemons, doc.Workspaces
		return nil
	})
	return daemons, workspaces, err
}
