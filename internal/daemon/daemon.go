package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sari/internal/workspace"
)

// ToolDispatcher executes a named tool call against a bound
// workspace's shared state (§6's tool-call list); implemented by
// internal/mcptools and injected here to keep the daemon decoupled
// from the tool registry.
type ToolDispatcher interface {
	Call(ctx context.Context, state *SharedState, name string, args map[string]any) ToolResult
}

// Config configures one Daemon instance from the §6 environment
// variable table.
type Config struct {
	Host string
	Port int

	Autostart     bool
	WorkspaceRoot string

	Autostop         bool
	AutostopGraceSec int
	DrainGraceSec    int
	IdleSec          int

	NDJSON bool

	FollowSymlinks bool
}

// ConfigFromEnv reads SARI_-prefixed environment variables into a
// Config, applying §6's defaults.
func ConfigFromEnv() Config {
	cfg := Config{
		Host:             envStr("DAEMON_HOST", "127.0.0.1"),
		Port:             envInt("DAEMON_PORT", 0),
		Autostart:        envBool("DAEMON_AUTOSTART", false),
		WorkspaceRoot:    os.Getenv("SARI_WORKSPACE_ROOT"),
		Autostop:         envBool("DAEMON_AUTOSTOP", false),
		AutostopGraceSec: envInt("DAEMON_AUTOSTOP_GRACE_SEC", 1800),
		DrainGraceSec:    envInt("DAEMON_DRAIN_GRACE_SEC", 30),
		IdleSec:          envInt("DAEMON_IDLE_SEC", 600),
		NDJSON:           envBool("TRANSPORT_NDJSON", false),
		FollowSymlinks:   envBool("FOLLOW_SYMLINKS", false),
	}
	return cfg
}

func envStr(name, def string) string {
	if v := os.Getenv("SARI_" + name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv("SARI_" + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(name string, def bool) bool {
	if v := os.Getenv("SARI_" + name); v != "" {
		return v == "1" || v == "true"
	}
	return def
}

// Daemon is a single loopback-only TCP listener process that owns
// the workspace Registry and drives one controller goroutine for
// heartbeat, drain, and autostop (§4.8).
type Daemon struct {
	cfg    Config
	log    *zap.Logger
	server *ServerRegistry
	reg    *Registry
	tools  ToolDispatcher

	bootID   string
	listener net.Listener

	draining     atomic.Bool
	shutdown     atomic.Bool
	shutdownOnce sync.Once
	doneCh       chan struct{}

	mu             sync.Mutex
	activeSessions int
	lastActivity   time.Time
}

// New constructs a Daemon bound to the process-wide server and
// workspace registries; build wires each workspace's SharedState (DB,
// pipelines, watcher) once resolved.
func New(cfg Config, log *zap.Logger, tools ToolDispatcher) *Daemon {
	if log == nil {
		log = zap.NewNop()
	}
	return NewWithRegistries(cfg, log, tools, GlobalServerRegistry(), GlobalRegistry(log))
}

// NewWithRegistries is the override hook tests use to avoid the
// process-wide singletons entirely.
func NewWithRegistries(cfg Config, log *zap.Logger, tools ToolDispatcher, server *ServerRegistry, reg *Registry) *Daemon {
	if log == nil {
		log = zap.NewNop()
	}
	return &Daemon{
		cfg:          cfg,
		log:          log,
		server:       server,
		reg:          reg,
		tools:        tools,
		bootID:       uuid.NewString(),
		doneCh:       make(chan struct{}),
		lastActivity: time.Now(),
	}
}

// Start implements §4.8's numbered startup sequence: conflict check,
// ephemeral port fallback, registration, optional autostart, and the
// controller goroutine. It returns once the accept loop and the
// controller are running in the background; they run until Stop.
func (d *Daemon) Start(ctx context.Context, build Builder) error {
	if !isLoopback(d.cfg.Host) {
		return fmt.Errorf("refusing non-loopback bind host %q", d.cfg.Host)
	}

	d.reg.SetIdleTTL(time.Duration(d.cfg.IdleSec) * time.Second)

	if d.cfg.Port != 0 {
		if conflict, ok, err := d.server.FindConflict(d.cfg.Host, d.cfg.Port); err == nil && ok {
			return fmt.Errorf("port %d already owned by daemon pid %d", d.cfg.Port, conflict.PID)
		}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port))
	if err != nil && d.cfg.Port != 0 {
		// Port is busy but uncontested in the server registry (§4.8
		// step 2): fall back to an OS-assigned ephemeral port rather
		// than failing startup outright.
		ln, err = net.Listen("tcp", fmt.Sprintf("%s:0", d.cfg.Host))
	}
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	d.listener = ln

	addr := ln.Addr().(*net.TCPAddr)
	if err := d.server.RegisterDaemon(d.bootID, DaemonEntry{
		Host: d.cfg.Host, Port: addr.Port, PID: os.Getpid(),
		StartTS: time.Now().Unix(), LastSeenTS: time.Now().Unix(),
	}); err != nil {
		ln.Close()
		return fmt.Errorf("register daemon: %w", err)
	}

	if d.cfg.Autostart && d.cfg.WorkspaceRoot != "" {
		root, err := workspace.Resolve(d.cfg.WorkspaceRoot, d.cfg.FollowSymlinks)
		if err != nil {
			d.log.Warn("autostart workspace resolve failed", zap.Error(err))
		} else if _, err := d.reg.GetOrCreate(*root, false, build); err != nil {
			d.log.Warn("autostart workspace build failed", zap.Error(err))
		} else {
			d.reg.Pin(root.ID)
		}
	}

	go d.controllerLoop(ctx)
	go d.acceptLoop(ctx, build)

	return nil
}

// isLoopback reports whether host is safe to bind per §4.8's
// loopback-only requirement. An empty host is a wildcard bind to
// net.Listen (0.0.0.0) and is refused, not treated as loopback.
func isLoopback(host string) bool {
	if host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (d *Daemon) acceptLoop(ctx context.Context, build Builder) {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if d.shutdown.Load() {
				return
			}
			d.log.Warn("accept error", zap.Error(err))
			continue
		}

		d.mu.Lock()
		d.activeSessions++
		d.lastActivity = time.Now()
		d.mu.Unlock()

		go func() {
			defer func() {
				d.mu.Lock()
				d.activeSessions--
				d.lastActivity = time.Now()
				d.mu.Unlock()
			}()
			sess := NewSession(conn, d.reg, d.handle(build), d.log, d.status, d.cfg.NDJSON)
			if err := sess.Run(0); err != nil {
				d.log.Debug("session ended", zap.Error(err))
			}
		}()
	}
}

func (d *Daemon) status() (bool, string) {
	return d.draining.Load(), d.bootID
}

// handle returns the per-session request handler implementing §4.8's
// lifecycle: sari/identify (unbound), initialize (binds a workspace),
// shutdown/exit, and tool-call dispatch.
func (d *Daemon) handle(build Builder) Handler {
	return func(sess *Session, method string, params json.RawMessage) (any, *RPCError) {
		d.mu.Lock()
		d.lastActivity = time.Now()
		d.mu.Unlock()

		switch method {
		case "sari/identify":
			daemons, _, _ := d.server.Snapshot()
			var latest *DaemonEntry
			for id, e := range daemons {
				if id != d.bootID && (latest == nil || e.StartTS > latest.StartTS) {
					cp := e
					latest = &cp
				}
			}
			return map[string]any{
				"name": "sari", "version": "0.1.0", "protocolVersion": "2024-11-05",
				"bootId": d.bootID, "draining": d.draining.Load(), "latest": latest,
			}, nil

		case "initialize":
			var p struct {
				RootURI string `json:"rootUri"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "invalid initialize params"}
			}
			path, err := fileURIToPath(p.RootURI)
			if err != nil {
				return nil, &RPCError{Code: ErrCodeInvalidParams, Message: err.Error()}
			}
			root, err := workspace.Resolve(path, d.cfg.FollowSymlinks)
			if err != nil {
				return nil, &RPCError{Code: ErrCodeInitializationFail, Message: sanitizeError(err)}
			}
			state, err := d.reg.GetOrCreate(*root, true, build)
			if err != nil {
				return nil, &RPCError{Code: ErrCodeInitializationFail, Message: sanitizeError(err)}
			}
			sess.boundRoot = root.ID
			sess.sharedState = state
			return map[string]any{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]any{"tools": true},
			}, nil

		case "shutdown":
			return nil, nil

		case "exit":
			if sess.boundRoot != "" {
				d.reg.Release(sess.boundRoot)
				sess.boundRoot = ""
			}
			return nil, nil

		default:
			return d.handleToolCall(sess, method, params)
		}
	}
}

func (d *Daemon) handleToolCall(sess *Session, method string, params json.RawMessage) (any, *RPCError) {
	if sess.sharedState == nil {
		return nil, &RPCError{Code: ErrCodeNotInitialized, Message: "workspace not initialized"}
	}
	if d.tools == nil {
		return toolError("ERR_INVALID_ARGS", "unknown tool: "+method), nil
	}

	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	name := method
	args := map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err == nil && p.Name != "" {
			name, args = p.Name, p.Arguments
		}
	}

	result := d.tools.Call(context.Background(), sess.sharedState, name, args)
	return result, nil
}

func fileURIToPath(uri string) (string, error) {
	const prefix = "file://"
	if len(uri) < len(prefix) || uri[:len(prefix)] != prefix {
		if uri != "" {
			return uri, nil // bare path, tolerated for convenience
		}
		return "", fmt.Errorf("missing rootUri")
	}
	rest := uri[len(prefix):]

	// host must be empty, localhost, 127.0.0.1, or ::1 (§4.8 step 2).
	slash := 0
	for slash < len(rest) && rest[slash] != '/' {
		slash++
	}
	host := rest[:slash]
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
	default:
		return "", fmt.Errorf("refusing non-loopback rootUri host %q", host)
	}
	return rest[slash:], nil
}

// controllerLoop implements §4.8's controller thread: heartbeat,
// drain, and autostop.
func (d *Daemon) controllerLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	drainStarted := time.Time{}

	for {
		select {
		case <-ctx.Done():
			d.Stop("context canceled")
			return
		case <-d.doneCh:
			return
		case <-ticker.C:
			d.server.Heartbeat(d.bootID, time.Now())

			if d.draining.Load() {
				if drainStarted.IsZero() {
					drainStarted = time.Now()
				}
				d.mu.Lock()
				inFlight := d.activeSessions
				d.mu.Unlock()
				if inFlight == 0 || time.Since(drainStarted) > time.Duration(d.cfg.DrainGraceSec)*time.Second {
					d.Stop("drain complete")
					return
				}
				continue
			}

			if d.cfg.Autostop {
				d.mu.Lock()
				idle := d.activeSessions == 0 && time.Since(d.lastActivity) > time.Duration(d.cfg.AutostopGraceSec)*time.Second
				d.mu.Unlock()
				if idle && len(d.reg.All()) == 0 {
					d.Stop("autostop idle timeout")
					return
				}
			}

			d.reg.ReapStale(time.Now())
		}
	}
}

// Drain marks the daemon draining; the controller will shut down
// once in-flight work reaches zero or the grace timer fires.
func (d *Daemon) Drain() {
	d.draining.Store(true)
	d.server.SetDraining(d.bootID, true)
}

// Stop is idempotent: it logs the reason once and tears down the
// listener, registry, and registration.
func (d *Daemon) Stop(reason string) {
	d.shutdownOnce.Do(func() {
		d.shutdown.Store(true)
		d.log.Info("daemon shutting down", zap.String("reason", reason))
		if d.listener != nil {
			d.listener.Close()
		}
		d.reg.Shutdown()
		d.server.Deregister(d.bootID)
		close(d.doneCh)
	})
}

