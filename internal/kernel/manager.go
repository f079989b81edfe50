// Package kernel implements the execution manager for one interactive
// Jupyter-protocol kernel session: lifecycle, exclusive execution, output
// classification, cooperative cancellation, and timeout enforcement.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Status is the session-level execution state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// ResultStatus is the protocol-level outcome of one Execute call.
type ResultStatus string

const (
	ResultOK        ResultStatus = "ok"
	ResultCancelled ResultStatus = "cancelled"
	ResultError     ResultStatus = "error"
)

// ErrTimeoutMessage is the error text reported when an execution exceeds the
// configured timeout.
const ErrTimeoutMessage = "Execution timeout exceeded"

const (
	DefaultKernelName     = "python3"
	DefaultStartupTimeout = 30 * time.Second
	DefaultExecTimeout    = 300 * time.Second
	DefaultPollInterval   = 1 * time.Second
)

// Options configures one Manager. Zero-valued timing fields take the stated
// defaults; SandboxRoot and WorkDir are required.
type Options struct {
	KernelName  string
	WorkDir     string
	SandboxRoot string

	StartupTimeout time.Duration
	ExecTimeout    time.Duration
	PollInterval   time.Duration

	// OnOutput, when set, observes each classified output event as it is
	// appended to the in-flight execution record. Called from the polling
	// loop; implementations must not call back into the Manager.
	OnOutput func(OutputEvent)
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.KernelName) == "" {
		o.KernelName = DefaultKernelName
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = DefaultStartupTimeout
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = DefaultExecTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// ExecutionRecord tracks one code submission's progress. Snapshots of it are
// served to status pollers while the execution is still streaming.
type ExecutionRecord struct {
	Status    Status
	StartedAt time.Time
	Elapsed   time.Duration
	Outputs   []OutputEvent
}

// Result is the structured outcome of Execute. Execution-level failures
// (timeout, cancellation, kernel-side errors) are reported here, never as Go
// errors, so callers render them uniformly.
type Result struct {
	Status    ResultStatus
	Outputs   []OutputEvent
	Elapsed   time.Duration
	Timestamp time.Time
	Message   string
}

// StatusSnapshot is a read-only view of the current or most recent execution.
type StatusSnapshot struct {
	Status    Status
	StartedAt time.Time
	Elapsed   time.Duration
	Outputs   []OutputEvent
	Timestamp time.Time
}

// Manager owns the lifecycle of one kernel subprocess and serializes
// executions against it. The execution lock (execMu) is held for the whole
// of initialization and of each Execute call, making at-most-one in-flight
// execution a hard invariant. All public entry points acquire execMu
// themselves and call the *Locked variants; the lock is not re-entrant.
type Manager struct {
	opts         Options
	logger       *log.Logger
	newTransport TransportFactory

	execMu    sync.Mutex
	cancelled atomic.Bool

	mu           sync.RWMutex
	initialized  bool
	status       Status
	lastActivity time.Time
	transport    Transport
	record       *ExecutionRecord
}

// NewManager builds a Manager. The factory is invoked lazily on first
// initialization; construction itself never touches the kernel runtime.
func NewManager(opts Options, logger *log.Logger, factory TransportFactory) *Manager {
	return &Manager{
		opts:         opts.withDefaults(),
		logger:       logger,
		newTransport: factory,
		status:       StatusIdle,
	}
}

// WorkDir returns the session's configured work dir.
func (m *Manager) WorkDir() string { return m.opts.WorkDir }

// KernelName returns the session's kernel runtime identifier.
func (m *Manager) KernelName() string { return m.opts.KernelName }

// Initialized reports whether the kernel subprocess is up.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// LastActivity returns the time of the session's most recent lifecycle or
// execution event.
func (m *Manager) LastActivity() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastActivity
}

// Initialize brings the kernel subprocess up. Idempotent: once initialized,
// subsequent calls return immediately. Configuration and startup failures
// leave the session uninitialized so a later call retries cleanly.
func (m *Manager) Initialize(ctx context.Context) error {
	m.execMu.Lock()
	defer m.execMu.Unlock()
	return m.initializeLocked(ctx)
}

func (m *Manager) initializeLocked(ctx context.Context) error {
	m.mu.RLock()
	ready := m.initialized
	m.mu.RUnlock()
	if ready {
		return nil
	}

	workDir, err := ContainWorkDir(m.opts.WorkDir, m.opts.SandboxRoot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return &StartupError{Err: fmt.Errorf("create work dir %q: %w", workDir, err)}
	}

	tr := m.newTransport(m.opts.KernelName, workDir)
	startCtx, cancel := context.WithTimeout(ctx, m.opts.StartupTimeout)
	defer cancel()
	if err := tr.Start(startCtx); err != nil {
		_ = tr.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w (waited %s)", ErrStartupTimeout, m.opts.StartupTimeout)
		}
		return &StartupError{Err: err}
	}

	// Pin the kernel's cwd so relative file I/O from user code lands in the
	// sandbox. Output from this request is filtered out later by parent id.
	if _, err := tr.Execute(fmt.Sprintf("import os\nos.chdir(%q)", workDir)); err != nil {
		_ = tr.Close()
		return &StartupError{Err: fmt.Errorf("set kernel working directory: %w", err)}
	}

	m.mu.Lock()
	m.transport = tr
	m.initialized = true
	m.status = StatusIdle
	m.lastActivity = time.Now().UTC()
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("kernel initialized", "kernel", m.opts.KernelName, "work_dir", workDir)
	}
	return nil
}

// Execute submits one code string, streams its classified output into a fresh
// ExecutionRecord, and returns a structured result. Only configuration and
// startup failures surface as errors; everything else (timeout, cancellation,
// kernel-side exceptions) lands in the Result.
func (m *Manager) Execute(ctx context.Context, code string) (*Result, error) {
	m.execMu.Lock()
	defer m.execMu.Unlock()

	if err := m.initializeLocked(ctx); err != nil {
		return nil, err
	}

	m.cancelled.Store(false)
	defer m.cancelled.Store(false)

	started := time.Now().UTC()
	rec := &ExecutionRecord{Status: StatusRunning, StartedAt: started}

	m.mu.Lock()
	m.status = StatusRunning
	m.lastActivity = started
	m.record = rec
	tr := m.transport
	m.mu.Unlock()

	msgID, err := tr.Execute(code)
	if err != nil {
		return m.finishExecution(rec, StatusError, err.Error(), started), nil
	}

	outcome := m.pollOutputs(ctx, tr, msgID, rec, started)
	switch outcome.kind {
	case outcomeCompleted:
		return m.finishExecution(rec, StatusIdle, "", started), nil
	case outcomeCancelled:
		return m.finishExecution(rec, StatusCancelled, "Execution cancelled by user", started), nil
	case outcomeTimedOut:
		return m.finishExecution(rec, StatusError, ErrTimeoutMessage, started), nil
	default:
		return m.finishExecution(rec, StatusError, outcome.err.Error(), started), nil
	}
}

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeCancelled
	outcomeTimedOut
	outcomeFailed
)

type loopOutcome struct {
	kind outcomeKind
	err  error
}

// pollOutputs drains the kernel's output channel for one request. Each poll
// is bounded so cancellation and timeout are observed within PollInterval
// even when the kernel is silent.
func (m *Manager) pollOutputs(ctx context.Context, tr Transport, msgID string, rec *ExecutionRecord, started time.Time) loopOutcome {
	for {
		if m.cancelled.Load() || ctx.Err() != nil {
			return loopOutcome{kind: outcomeCancelled}
		}

		msg, err := tr.Recv(m.opts.PollInterval)
		if err != nil {
			return loopOutcome{kind: outcomeFailed, err: err}
		}

		if time.Since(started) > m.opts.ExecTimeout {
			return loopOutcome{kind: outcomeTimedOut}
		}
		if msg == nil {
			// Poll window elapsed without a message; not an error.
			continue
		}
		if msg.ParentID != msgID {
			continue
		}

		if msg.Type == MsgTypeStatus {
			if msg.Content.ExecutionState == "idle" {
				return loopOutcome{kind: outcomeCompleted}
			}
			continue
		}
		if !isOutputMessage(msg.Type) {
			continue
		}

		m.appendOutput(rec, Classify(msg, time.Now().UTC()))
	}
}

func (m *Manager) appendOutput(rec *ExecutionRecord, ev OutputEvent) {
	m.mu.Lock()
	rec.Outputs = append(rec.Outputs, ev)
	rec.Elapsed = time.Since(rec.StartedAt)
	m.mu.Unlock()

	if m.opts.OnOutput != nil {
		m.opts.OnOutput(ev)
	}
}

func (m *Manager) finishExecution(rec *ExecutionRecord, status Status, message string, started time.Time) *Result {
	finished := time.Now().UTC()
	elapsed := finished.Sub(started)

	m.mu.Lock()
	rec.Status = status
	rec.Elapsed = elapsed
	if status == StatusIdle {
		m.status = StatusIdle
	} else {
		m.status = status
	}
	m.lastActivity = finished
	outputs := append([]OutputEvent(nil), rec.Outputs...)
	m.mu.Unlock()

	res := &Result{
		Outputs:   outputs,
		Elapsed:   elapsed,
		Timestamp: finished,
		Message:   message,
	}
	switch status {
	case StatusCancelled:
		res.Status = ResultCancelled
	case StatusError:
		res.Status = ResultError
	default:
		res.Status = ResultOK
	}

	if m.logger != nil {
		m.logger.Info("execution finished",
			"status", string(res.Status),
			"outputs", len(outputs),
			"elapsed", elapsed,
		)
	}
	return res
}

// CancelExecution requests cooperative cancellation of the in-flight
// execution. It deliberately does not take the execution lock: it must be
// able to interrupt a running Execute call. The kernel subprocess also
// receives an interrupt so code already running inside it is asked to stop.
// Calling this with no execution in flight is a no-op success.
func (m *Manager) CancelExecution() error {
	m.cancelled.Store(true)

	m.mu.RLock()
	tr := m.transport
	running := m.status == StatusRunning
	m.mu.RUnlock()

	if tr == nil || !running {
		return nil
	}
	if err := tr.Interrupt(); err != nil {
		if m.logger != nil {
			m.logger.Warn("kernel interrupt failed", "error", err)
		}
		return fmt.Errorf("interrupt kernel: %w", err)
	}
	return nil
}

// ExecutionStatus returns a snapshot of the current or most recent execution.
// Safe to call concurrently with a running Execute, e.g. from a progress
// poller.
func (m *Manager) ExecutionStatus() StatusSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := StatusSnapshot{
		Status:    m.status,
		Timestamp: time.Now().UTC(),
	}
	if m.record != nil {
		snap.StartedAt = m.record.StartedAt
		snap.Outputs = append([]OutputEvent(nil), m.record.Outputs...)
		if m.record.Status == StatusRunning {
			snap.Elapsed = time.Since(m.record.StartedAt)
		} else {
			snap.Elapsed = m.record.Elapsed
		}
	}
	return snap
}

// Shutdown tears the session down: interrupts any in-flight execution, stops
// the transport, terminates the subprocess, and deletes the work dir tree.
// Every step is best effort; failures are logged and never returned, and
// in-memory state is always reset so re-initialization can proceed.
func (m *Manager) Shutdown() {
	// Unblock a running execution promptly before waiting on the lock.
	m.cancelled.Store(true)
	m.execMu.Lock()
	defer m.execMu.Unlock()
	m.shutdownLocked()
	m.cancelled.Store(false)
}

func (m *Manager) shutdownLocked() {
	m.mu.Lock()
	tr := m.transport
	m.transport = nil
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.initialized = false
		m.status = StatusIdle
		m.lastActivity = time.Now().UTC()
		m.mu.Unlock()
	}()

	if tr != nil {
		if err := tr.Close(); err != nil && m.logger != nil {
			m.logger.Warn("kernel shutdown: close transport failed", "error", err)
		}
	}

	workDir, err := ContainWorkDir(m.opts.WorkDir, m.opts.SandboxRoot)
	if err != nil {
		// Never initialized with a valid work dir; nothing to delete.
		return
	}
	if err := os.RemoveAll(workDir); err != nil && m.logger != nil {
		m.logger.Warn("kernel shutdown: remove work dir failed", "work_dir", workDir, "error", err)
	}
}

// Restart shuts the kernel down and brings a fresh one up under a single
// hold of the execution lock.
func (m *Manager) Restart(ctx context.Context) error {
	m.cancelled.Store(true)
	m.execMu.Lock()
	defer m.execMu.Unlock()
	m.shutdownLocked()
	m.cancelled.Store(false)
	return m.initializeLocked(ctx)
}

// ContainWorkDir resolves workDir and verifies it lies strictly inside the
// sandbox root, rejecting traversal out of it.
func ContainWorkDir(workDir, sandboxRoot string) (string, error) {
	if strings.TrimSpace(workDir) == "" {
		return "", &ConfigurationError{Reason: "missing work dir"}
	}
	if strings.TrimSpace(sandboxRoot) == "" {
		return "", &ConfigurationError{Reason: "missing sandbox root"}
	}

	absRoot, err := filepath.Abs(sandboxRoot)
	if err != nil {
		return "", &ConfigurationError{Reason: fmt.Sprintf("resolve sandbox root %q: %v", sandboxRoot, err)}
	}
	absDir := workDir
	if !filepath.IsAbs(absDir) {
		absDir = filepath.Join(absRoot, absDir)
	}
	absDir = filepath.Clean(absDir)

	rel, err := filepath.Rel(absRoot, absDir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &ConfigurationError{
			Reason: fmt.Sprintf("work dir %q escapes sandbox root %q", workDir, sandboxRoot),
		}
	}
	return absDir, nil
}
