package procmanager

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	tferrors "github.com/sudocode-ai/taskforge/internal/errors"
	"github.com/sudocode-ai/taskforge/internal/logging"
)

var log = logging.For("procmanager")

// Config tunes the Manager's lifecycle windows.
type Config struct {
	// GracefulWindow is how long terminateProcess waits for a natural
	// exit after sending the requested signal before force-killing.
	GracefulWindow time.Duration
	// CleanupRetention is how long an exited process id stays visible to
	// getProcess/getActiveProcesses before being removed.
	CleanupRetention time.Duration
}

// DefaultConfig returns sensible defaults (~2s graceful window, ~5s
// cleanup retention).
func DefaultConfig() Config {
	return Config{
		GracefulWindow:   2 * time.Second,
		CleanupRetention: 5 * time.Second,
	}
}

// aggregate tallies totals across every process the Manager has ever
// spawned, for GetMetrics.
type aggregate struct {
	totalSpawned      int
	totalCompleted    int
	totalFailed       int
	totalDurationSum  time.Duration
	totalDurationObs  int
}

// Manager is the Process Manager: it owns the active-process map and is
// the only component that may mutate it.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	active   map[string]*ManagedProcess
	agg      aggregate

	cron    *cron.Cron
	cronIDs []cron.EntryID

	shutdown bool
}

// NewManager constructs a Process Manager and starts its background
// cleanup sweep using a cron.Cron for periodic work.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg:    cfg,
		active: make(map[string]*ManagedProcess),
		cron:   cron.New(),
	}
	id, err := m.cron.AddFunc("@every 1s", m.sweepExpired)
	if err != nil {
		log.WithError(err).Error("failed to schedule cleanup sweep")
	} else {
		m.cronIDs = append(m.cronIDs, id)
	}
	m.cron.Start()
	return m
}

// AcquireProcess spawns a child process under config's workDir/env and
// registers it in the active map. The returned ManagedProcess has status
// busy the moment the OS assigns a pid.
func (m *Manager) AcquireProcess(ctx context.Context, cfg ProcessConfig) (*ManagedProcess, error) {
	cmd := exec.CommandContext(ctx, cfg.Executable, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	if len(cfg.Env) > 0 {
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdin pipe: %w", cfg.Executable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdout pipe: %w", cfg.Executable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stderr pipe: %w", cfg.Executable, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cfg.Executable, err)
	}
	if cmd.Process == nil {
		return nil, fmt.Errorf("spawn %s: no pid produced", cfg.Executable)
	}

	now := time.Now()
	p := &ManagedProcess{
		id:         uuid.NewString(),
		pid:        cmd.Process.Pid,
		spawnedAt:  now,
		lastActive: now,
		status:     StatusBusy,
		config:     cfg,
		cmd:        cmd,
		stdin:      stdin,
		exited:     make(chan struct{}),
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		_ = cmd.Process.Kill()
		return nil, tferrors.ErrShutdown
	}
	m.active[p.id] = p
	m.agg.totalSpawned++
	m.mu.Unlock()

	go streamReader(p, stdout, ChannelStdout)
	go streamReader(p, stderr, ChannelStderr)
	go m.awaitExit(p)

	log.WithField("process_id", p.id).WithField("pid", p.pid).Info("process acquired")
	return p, nil
}

// awaitExit waits for the child to exit and updates status/metrics.
func (m *Manager) awaitExit(p *ManagedProcess) {
	err := p.cmd.Wait()

	code := 0
	signaled := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signaled = ws.Signal().String()
			}
		} else {
			code = -1
		}
	}

	duration := time.Since(p.spawnedAt)

	p.stdinMu.Lock()
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	p.stdinMu.Unlock()

	p.mu.Lock()
	p.exitCode = code
	p.signal = signaled
	p.exitedAt = time.Now()
	if code == 0 && signaled == "" {
		p.status = StatusIdle
	} else {
		p.status = StatusCrashed
	}
	p.metrics.TotalDurationMS = duration.Milliseconds()
	p.metrics.TasksCompleted++
	p.mu.Unlock()

	m.mu.Lock()
	if code == 0 && signaled == "" {
		m.agg.totalCompleted++
	} else {
		m.agg.totalFailed++
	}
	m.agg.totalDurationSum += duration
	m.agg.totalDurationObs++
	m.mu.Unlock()

	close(p.exited)

	log.WithField("process_id", p.id).WithField("exit_code", code).Info("process exited")
}

// GetProcess looks up a process by id. It returns nil once the id has
// passed the cleanup retention window, or was never known.
func (m *Manager) GetProcess(id string) *ManagedProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

// GetActiveProcesses returns a snapshot copy; mutating the returned slice
// never affects Manager state.
func (m *Manager) GetActiveProcesses() []*ManagedProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ManagedProcess, 0, len(m.active))
	for _, p := range m.active {
		out = append(out, p)
	}
	return out
}

// SendInput writes to the child's stdin, using the pipe obtained at spawn
// time (exec.Cmd.StdinPipe may only be called once, before Start). It
// never silently drops: unknown ids and closed streams both return an
// error.
func (m *Manager) SendInput(id string, data []byte) error {
	p := m.GetProcess(id)
	if p == nil {
		return fmt.Errorf("send input to %s: %w", id, tferrors.ErrNotFound)
	}
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil {
		return fmt.Errorf("send input to %s: stdin not available", id)
	}
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("send input to %s: %w", id, err)
	}
	return nil
}

// OnOutput registers a handler that receives every output chunk for a
// process, across every channel, in arrival order per channel. Multiple
// handlers may be registered; each receives every chunk.
func (m *Manager) OnOutput(id string, handler OutputHandler) error {
	p := m.GetProcess(id)
	if p == nil {
		return fmt.Errorf("register output handler for %s: %w", id, tferrors.ErrNotFound)
	}
	p.mu.Lock()
	p.outputHandlers = append(p.outputHandlers, handler)
	p.mu.Unlock()
	return nil
}

// OnError registers a handler that only receives stderr chunks.
func (m *Manager) OnError(id string, handler OutputHandler) error {
	wrapped := func(c OutputChunk) {
		if c.Channel == ChannelStderr {
			handler(c)
		}
	}
	return m.OnOutput(id, wrapped)
}

// OnMessage registers a handler for hybrid-mode structured records.
func (m *Manager) OnMessage(id string, handler MessageHandler) error {
	p := m.GetProcess(id)
	if p == nil {
		return fmt.Errorf("register message handler for %s: %w", id, tferrors.ErrNotFound)
	}
	p.mu.Lock()
	p.messageHandlers = append(p.messageHandlers, handler)
	p.mu.Unlock()
	return nil
}

// TerminateProcess is idempotent: unknown or already-exited ids return
// immediately. Otherwise it signals the process, waits the graceful
// window for natural exit, and force-kills on timeout.
func (m *Manager) TerminateProcess(id string, sig syscall.Signal) error {
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	p := m.GetProcess(id)
	if p == nil {
		return nil
	}

	p.mu.Lock()
	alreadyExited := p.status == StatusCrashed || p.status == StatusIdle
	if !alreadyExited {
		p.status = StatusTerminating
	}
	p.mu.Unlock()

	if alreadyExited {
		return nil
	}

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(sig)
	}

	// awaitExit already has the sole in-flight cmd.Wait() call for this
	// process (started from AcquireProcess); wait on its exited channel
	// rather than calling cmd.Wait() again, which exec.Cmd only permits
	// once.
	select {
	case <-p.exited:
	case <-time.After(m.cfg.GracefulWindow):
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.exited
	}
	return nil
}

// ReleaseProcess is an alias for TerminateProcess with the default signal.
func (m *Manager) ReleaseProcess(id string) error {
	return m.TerminateProcess(id, syscall.SIGTERM)
}

// Shutdown concurrently terminates every active process. Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.TerminateProcess(id, syscall.SIGTERM)
		}(id)
	}
	wg.Wait()

	m.cron.Stop()
	log.Info("process manager shut down")
}

// GetMetrics returns a copy of the Manager's running totals.
func (m *Manager) GetMetrics() ManagerMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	avg := 0.0
	if m.agg.totalDurationObs > 0 {
		avg = float64(m.agg.totalDurationSum.Milliseconds()) / float64(m.agg.totalDurationObs)
	}
	return ManagerMetrics{
		TotalSpawned:      m.agg.totalSpawned,
		CurrentlyActive:   len(m.active),
		TotalCompleted:    m.agg.totalCompleted,
		TotalFailed:       m.agg.totalFailed,
		AverageDurationMS: avg,
	}
}

// ManagerMetrics is a copy of the Manager's running totals; mutating it
// never affects internal state.
type ManagerMetrics struct {
	TotalSpawned      int
	CurrentlyActive   int
	TotalCompleted    int
	TotalFailed       int
	AverageDurationMS float64
}

// sweepExpired removes processes that exited more than CleanupRetention
// ago from the active map. Run on a 1s cron tick.
func (m *Manager) sweepExpired() {
	cutoff := time.Now().Add(-m.cfg.CleanupRetention)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.active {
		p.mu.RLock()
		exited := !p.exitedAt.IsZero() && p.exitedAt.Before(cutoff)
		p.mu.RUnlock()
		if exited {
			delete(m.active, id)
		}
	}
}
