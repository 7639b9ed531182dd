// Package daemon implements the SLB notary process: an always-on IPC
// server that lets agents and the CLI exchange request/review events
// without polling the store, plus the scheduler that reconciles timeouts
// and orphaned executions in the background.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/twoperson/slb/internal/config"
	"github.com/twoperson/slb/internal/db"
	"github.com/twoperson/slb/internal/utils"
)

// ErrDaemonUnreachable is returned by callers that require a live daemon
// (watch --realtime, verify_execute) when the PID file/socket probe finds
// no running daemon. Every other caller treats absence as a soft warning
// and falls back to store-direct access per spec.md §4.8/§7.
var ErrDaemonUnreachable = errors.New("daemon unreachable")

// Alive is the daemon_alive() check from spec.md §4.8: PID-file presence
// plus a live socket probe. Non-realtime callers log a warning on false and
// degrade to store-direct reads/writes; realtime callers treat false as
// ErrDaemonUnreachable.
func (c *Client) Alive() bool {
	return c.GetStatusInfo().Status == DaemonRunning
}

// DaemonStatus classifies the daemon's observed process/socket state.
type DaemonStatus int

const (
	// DaemonStopped means no PID file exists, or the recorded process is
	// no longer alive.
	DaemonStopped DaemonStatus = iota
	// DaemonRunning means the recorded process is alive and its socket
	// answers.
	DaemonRunning
	// DaemonStale means the recorded process is alive but its socket
	// doesn't answer (this includes a PID reused by an unrelated process).
	DaemonStale
)

// String renders the status the way daemon status output reports it.
func (s DaemonStatus) String() string {
	switch s {
	case DaemonRunning:
		return "running"
	case DaemonStale:
		return "stale"
	default:
		return "stopped"
	}
}

// pidFileInfo is the JSON document written to the PID file when the daemon
// starts.
type pidFileInfo struct {
	PID        int    `json:"pid"`
	SocketPath string `json:"socket_path"`
	StartedAt  string `json:"started_at"`
}

// DefaultPIDPath returns ~/.slb/daemon.pid.
func DefaultPIDPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "slb-daemon.pid")
	}
	return filepath.Join(home, ".slb", "daemon.pid")
}

// DefaultSocketPath returns ~/.slb/daemon.sock, the Unix socket every CLI
// invocation tries first before falling back to direct store access.
func DefaultSocketPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "slb-daemon.sock")
	}
	return filepath.Join(home, ".slb", "daemon.sock")
}

func readPIDFile(path string) (*pidFileInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info pidFileInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing pid file %s: %w", path, err)
	}
	return &info, nil
}

func writePIDFile(path string, info pidFileInfo) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding pid file: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// processAlive reports whether pid names a live process. On Unix, sending
// signal 0 checks existence and permission without affecting the process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// socketAlive reports whether something is listening and accepting
// connections on a Unix socket at path.
func socketAlive(path string) bool {
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// StatusInfo is the result of a client's status query.
type StatusInfo struct {
	PID         int
	PIDFile     string
	SocketPath  string
	SocketAlive bool
	Status      DaemonStatus
	Message     string
}

// Client queries the daemon's process/socket state from the PID file
// without holding any connection open.
type Client struct {
	pidPath    string
	socketPath string
}

// NewClient constructs a Client pointed at the default PID file and socket
// path.
func NewClient() *Client {
	return &Client{pidPath: DefaultPIDPath(), socketPath: DefaultSocketPath()}
}

// GetStatusInfo reads the PID file and probes the process and socket to
// classify the daemon's current state. A missing or unreadable PID file is
// reported as DaemonStopped, not an error: "never started" and "crashed
// and cleaned up" look identical from here.
func (c *Client) GetStatusInfo() StatusInfo {
	info := StatusInfo{PIDFile: c.pidPath, SocketPath: c.socketPath}

	pf, err := readPIDFile(c.pidPath)
	if err != nil {
		info.Status = DaemonStopped
		info.Message = "daemon is not running"
		return info
	}
	info.PID = pf.PID
	if pf.SocketPath != "" {
		info.SocketPath = pf.SocketPath
	}

	if !processAlive(pf.PID) {
		info.Status = DaemonStopped
		info.Message = fmt.Sprintf("pid file present but process %d is not running", pf.PID)
		return info
	}

	info.SocketAlive = socketAlive(info.SocketPath)
	if !info.SocketAlive {
		info.Status = DaemonStale
		info.Message = fmt.Sprintf("process %d is running but its socket is not responding", pf.PID)
		return info
	}

	info.Status = DaemonRunning
	info.Message = "daemon is running"
	return info
}

// ServerOptions configures RunDaemon. DefaultServerOptions derives these
// from the effective config of the current working directory, which is
// always the project the daemon was started against (daemon start chdirs
// there first).
type ServerOptions struct {
	ProjectPath    string
	SocketPath     string
	TCPAddr        string
	TCPRequireAuth bool
	TCPAllowedIPs  []string
	LogLevel       string
	SchedulerInterval time.Duration
	ClaimTTL          time.Duration
	TimeoutAction     string
	UseFileWatcher    bool
	Notifications     config.NotificationsConfig
	ReplicaEnabled    bool
	ReplicaDSN        string
}

// DefaultServerOptions loads the effective config for the current working
// directory and translates it into ServerOptions.
func DefaultServerOptions() ServerOptions {
	cwd, _ := os.Getwd()
	cfg, err := config.Load(config.LoadOptions{ProjectDir: cwd})
	if err != nil {
		cfg = config.Config{}
	}

	socketPath := cfg.Daemon.IPCSocket
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}

	return ServerOptions{
		ProjectPath:       cwd,
		SocketPath:        socketPath,
		TCPAddr:           cfg.Daemon.TCPAddr,
		TCPRequireAuth:    cfg.Daemon.TCPRequireAuth,
		TCPAllowedIPs:     cfg.Daemon.TCPAllowedIPs,
		LogLevel:          cfg.Daemon.LogLevel,
		SchedulerInterval: time.Duration(cfg.Execution.SchedulerIntervalSecs) * time.Second,
		ClaimTTL:          time.Duration(cfg.Execution.ExecutionClaimTTLSecs) * time.Second,
		TimeoutAction:     cfg.General.TimeoutAction,
		UseFileWatcher:    cfg.Daemon.UseFileWatcher,
		Notifications:     cfg.Notifications,
		ReplicaEnabled:    cfg.Replica.Enabled,
		ReplicaDSN:        cfg.Replica.DSN,
	}
}

// dbPathForProject mirrors internal/db's project-local store convention.
func dbPathForProject(projectPath string) string {
	return filepath.Join(projectPath, ".slb", "state.db")
}

// RunDaemon runs the notary process in the foreground: it opens the
// project's store, starts the Unix-socket IPC server (and, if configured,
// a TCP listener), starts the filesystem watcher (when enabled) that keeps
// the pending-request and active-session counts current (the scheduler also
// refreshes them on each event it emits), and runs the scheduler until ctx
// is done.
// Callers that want a detached daemon use StartDaemon instead, which forks
// a child that calls this same function with --foreground.
func RunDaemon(ctx context.Context, opts ServerOptions) error {
	logger, err := utils.InitDaemonLoggerWithLevel(opts.LogLevel)
	if err != nil {
		return fmt.Errorf("starting daemon logger: %w", err)
	}

	if opts.ProjectPath == "" {
		opts.ProjectPath, _ = os.Getwd()
	}
	dbPath := dbPathForProject(opts.ProjectPath)

	dbConn, err := db.OpenAndMigrate(dbPath)
	if err != nil {
		return fmt.Errorf("opening project store %s: %w", dbPath, err)
	}
	defer dbConn.Close()

	var replica *db.Replica
	if opts.ReplicaEnabled && opts.ReplicaDSN != "" {
		replica, err = db.OpenReplica(ctx, opts.ReplicaDSN)
		if err != nil {
			// Durability-only: a replica outage never blocks the
			// authoritative SQLite store, so this is a warning, not fatal.
			logger.Warn("replica unavailable, continuing without it", "error", err)
			replica = nil
		}
	}
	defer replica.Close()

	pidInfo := pidFileInfo{
		PID:        os.Getpid(),
		SocketPath: opts.SocketPath,
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := writePIDFile(DefaultPIDPath(), pidInfo); err != nil {
		logger.Warn("writing pid file failed", "error", err)
	}
	defer os.Remove(DefaultPIDPath())

	server, err := NewIPCServer(opts.SocketPath, logger)
	if err != nil {
		return fmt.Errorf("starting ipc server: %w", err)
	}
	server.SetVerifier(NewVerifier(dbConn))

	var tcpServer *TCPServer
	if opts.TCPAddr != "" {
		tcpServer, err = NewTCPServer(TCPServerOptions{
			Addr:        opts.TCPAddr,
			RequireAuth: opts.TCPRequireAuth,
			AllowedIPs:  opts.TCPAllowedIPs,
			ValidateAuth: func(ctx context.Context, sessionKey string) (bool, error) {
				return validateSessionKey(dbConn, opts.ProjectPath, sessionKey)
			},
		}, logger)
		if err != nil {
			logger.Warn("starting tcp server failed", "error", err)
			tcpServer = nil
		} else {
			tcpServer.SetVerifier(NewVerifier(dbConn))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- server.Start(runCtx) }()
	if tcpServer != nil {
		go func() {
			if err := tcpServer.Start(runCtx); err != nil {
				logger.Warn("tcp server stopped", "error", err)
			}
		}()
	}

	refreshCounts := func() {
		pending, err := dbConn.ListPendingRequests(opts.ProjectPath)
		if err == nil {
			server.SetPendingCount(len(pending))
			if tcpServer != nil {
				tcpServer.SetPendingCount(len(pending))
			}
		}
		sessions, err := dbConn.ListActiveSessions(opts.ProjectPath)
		if err == nil {
			server.SetActiveSessions(len(sessions))
		}
	}
	refreshCounts()

	if opts.UseFileWatcher {
		watcher := NewWatcher(dbPath, refreshCounts).WithLogger(logger)
		go func() {
			if err := watcher.Run(runCtx); err != nil {
				logger.Warn("file watcher unavailable, relying on scheduler tick", "error", err)
			}
		}()
	}

	scheduler := NewScheduler(dbConn, logger, opts.SchedulerInterval, opts.ClaimTTL, opts.TimeoutAction,
		func(eventType string, req *db.Request) {
			server.BroadcastEvent(eventType, map[string]any{
				"request_id": req.ID,
				"risk_tier":  string(req.RiskTier),
				"command":    req.Command.DisplayRedacted,
				"requestor":  req.RequestorAgent,
			})
			if replica != nil {
				if err := replica.MirrorRequest(runCtx, req); err != nil {
					logger.Warn("mirroring request to replica failed", "request_id", req.ID, "error", err)
				}
			}
			refreshCounts()
		})
	go scheduler.Run(runCtx)

	notifier := NewNotificationManager(opts.ProjectPath, opts.Notifications, nil, nil)
	go notifier.Run(runCtx, defaultCheckInterval)

	logger.Info("daemon started", "project", opts.ProjectPath, "socket", opts.SocketPath)

	select {
	case <-ctx.Done():
		cancel()
		_ = server.Stop()
		if tcpServer != nil {
			_ = tcpServer.Stop()
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// validateSessionKey reports whether sessionKey matches an active
// session's key in the project. There is no indexed lookup by key (session
// keys are secrets, not identifiers), so this scans active sessions, which
// is acceptable given how few are ever concurrently active.
func validateSessionKey(dbConn *db.DB, projectPath, sessionKey string) (bool, error) {
	if sessionKey == "" {
		return false, nil
	}
	sessions, err := dbConn.ListActiveSessions(projectPath)
	if err != nil {
		return false, err
	}
	for _, s := range sessions {
		if constantTimeEqual(s.SessionKey, sessionKey) {
			return true, nil
		}
	}
	return false, nil
}

// constantTimeEqual avoids leaking key-length/prefix information through
// timing, the same concern core's review-signature comparisons address.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// StartDaemon forks a detached child process running `slb daemon start
// --foreground` and waits for it to either write a live PID file or fail
// to start within a short grace period.
func StartDaemon() error {
	existing := NewClient().GetStatusInfo()
	if existing.Status == DaemonRunning {
		return fmt.Errorf("daemon is already running (pid %d)", existing.PID)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding slb executable: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	cmd := exec.Command(exe, "daemon", "start", "--foreground")
	cmd.Dir = cwd
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = detachedSysProcAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting daemon process: %w", err)
	}
	_ = cmd.Process.Release()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info := NewClient().GetStatusInfo()
		if info.Status == DaemonRunning {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not report ready within 5s; check %s", DefaultPIDPath())
}

// StopDaemon reads the PID file, sends SIGTERM, and waits up to timeout
// for the process to exit, force-killing it afterward. A daemon that
// isn't running is a no-op, not an error.
func StopDaemon(timeout time.Duration) error {
	info := NewClient().GetStatusInfo()
	if info.Status == DaemonStopped {
		return nil
	}

	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", info.PID, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signaling process %d: %w", info.PID, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(info.PID) {
			_ = os.Remove(DefaultPIDPath())
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("force-killing process %d: %w", info.PID, err)
	}
	_ = os.Remove(DefaultPIDPath())
	return nil
}

// detachedSysProcAttr starts the forked daemon in its own session so it
// survives the parent CLI process exiting (and isn't killed by a signal
// sent to the parent's process group).
func detachedSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
