// Package sessionhub tracks kernel sessions and their executions for the
// kernelhub daemon. Each session owns one kernel.Manager; the hub layers
// naming, event streaming, history, and idle reaping on top.
package sessionhub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dstutor/kernelhub/internal/hubapi"
	"github.com/dstutor/kernelhub/internal/kernel"
	"github.com/dstutor/kernelhub/internal/recordstore"
	"github.com/dstutor/kernelhub/internal/runtimeconfig"
)

type Service struct {
	Config       runtimeconfig.Config
	SandboxRoot  string
	Logger       *log.Logger
	Store        *recordstore.Store
	NewTransport kernel.TransportFactory

	mu         sync.RWMutex
	sessions   map[string]*sessionState
	executions map[string]*executionState

	reaperOnce sync.Once
	reaperStop chan struct{}
}

type sessionState struct {
	ID                string
	KernelName        string
	WorkDir           string
	Manager           *kernel.Manager
	Status            string
	ActiveExecutionID string
	LastExecutionID   string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Terminated        bool
}

type executionState struct {
	ID               string
	SessionID        string
	Code             string
	Status           string
	Outputs          []hubapi.OutputEvent
	Message          string
	StartedAt        *time.Time
	FinishedAt       *time.Time
	ElapsedMS        int64
	EventHistory     []*hubapi.ExecutionStreamEvent
	EventSubscribers map[int]chan *hubapi.ExecutionStreamEvent
	NextSubID        int
	Done             chan struct{}
	DoneClosed       bool
}

var (
	maxRetainedStoppedSessions    = 64
	maxRetainedFinishedExecutions = 1024
	maxRetainedExecutionEvents    = 2048
	retainedStateMaxAge           = 24 * time.Hour

	ErrExecutionInProgress = errors.New("an execution is already in progress for this session")
)

const defaultMaxSessions = 32

func (s *Service) CreateSession(ctx context.Context, req *hubapi.CreateSessionRequest) (*hubapi.Session, error) {
	if req == nil {
		req = &hubapi.CreateSessionRequest{}
	}

	kernelName := strings.TrimSpace(req.KernelName)
	if kernelName == "" {
		kernelName = s.Config.DefaultKernel
	}

	sessionID := newSessionID()
	workDir := strings.TrimSpace(req.WorkDir)
	if workDir == "" {
		workDir = sessionID
	}
	resolved, err := kernel.ContainWorkDir(workDir, s.SandboxRoot)
	if err != nil {
		return nil, err
	}

	opts := kernel.Options{
		KernelName:     kernelName,
		WorkDir:        resolved,
		SandboxRoot:    s.SandboxRoot,
		StartupTimeout: time.Duration(s.Config.Execution.StartupTimeoutSeconds) * time.Second,
		ExecTimeout:    time.Duration(s.Config.Execution.TimeoutSeconds) * time.Second,
		PollInterval:   time.Duration(s.Config.Execution.PollIntervalMillis) * time.Millisecond,
	}
	if req.StartupTimeoutSeconds > 0 {
		opts.StartupTimeout = time.Duration(req.StartupTimeoutSeconds) * time.Second
	}
	if req.ExecTimeoutSeconds > 0 {
		opts.ExecTimeout = time.Duration(req.ExecTimeoutSeconds) * time.Second
	}
	opts.OnOutput = func(ev kernel.OutputEvent) {
		s.recordExecutionOutput(sessionID, ev)
	}

	mgr := kernel.NewManager(opts, s.Logger, s.NewTransport)

	now := time.Now().UTC()
	sb := &sessionState{
		ID:         sessionID,
		KernelName: mgr.KernelName(),
		WorkDir:    resolved,
		Manager:    mgr,
		Status:     hubapi.SessionStatusIdle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	s.ensureMapsLocked()
	maxSessions := s.Config.Sessions.MaxSessions
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	live := 0
	for _, existing := range s.sessions {
		if !existing.Terminated {
			live++
		}
	}
	if live >= maxSessions {
		s.mu.Unlock()
		return nil, fmt.Errorf("session limit reached (%d)", maxSessions)
	}
	s.sessions[sessionID] = sb
	s.pruneStateLocked(now)
	out := snapshotSessionLocked(sb)
	s.mu.Unlock()

	if s.Logger != nil {
		s.Logger.Info("session created", "session", sessionID, "kernel", sb.KernelName, "work_dir", resolved)
	}
	return out, nil
}

func (s *Service) GetSession(sessionID string) (*hubapi.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	sb, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %q", sessionID)
	}
	return snapshotSessionLocked(sb), nil
}

func (s *Service) ListSessions() []*hubapi.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*hubapi.Session, 0, len(s.sessions))
	for _, sb := range s.sessions {
		out = append(out, snapshotSessionLocked(sb))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Service) RestartSession(ctx context.Context, sessionID string) (*hubapi.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	s.mu.RLock()
	sb, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown session %q", sessionID)
	}
	if sb.Terminated {
		return nil, fmt.Errorf("session %q is terminated", sessionID)
	}

	if err := sb.Manager.Restart(ctx); err != nil {
		s.mu.Lock()
		sb.Status = hubapi.SessionStatusError
		sb.UpdatedAt = time.Now().UTC()
		out := snapshotSessionLocked(sb)
		s.mu.Unlock()
		return out, fmt.Errorf("restart session %q: %w", sessionID, err)
	}

	s.mu.Lock()
	sb.Status = hubapi.SessionStatusIdle
	sb.ActiveExecutionID = ""
	sb.UpdatedAt = time.Now().UTC()
	out := snapshotSessionLocked(sb)
	s.mu.Unlock()

	if s.Logger != nil {
		s.Logger.Info("session restarted", "session", sessionID)
	}
	return out, nil
}

func (s *Service) TerminateSession(sessionID string) (*hubapi.TerminateSessionResponse, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	s.mu.RLock()
	sb, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown session %q", sessionID)
	}
	if sb.Terminated {
		return &hubapi.TerminateSessionResponse{
			SessionID: sessionID,
			Message:   "session already terminated",
		}, nil
	}

	// Shutdown interrupts any in-flight execution; its runExecution goroutine
	// observes the cancellation and finalizes the execution record itself.
	sb.Manager.Shutdown()

	now := time.Now().UTC()
	s.mu.Lock()
	sb.Terminated = true
	sb.Status = hubapi.SessionStatusStopped
	sb.ActiveExecutionID = ""
	sb.UpdatedAt = now
	s.pruneStateLocked(now)
	s.mu.Unlock()

	if s.Logger != nil {
		s.Logger.Info("session terminated", "session", sessionID)
	}
	return &hubapi.TerminateSessionResponse{SessionID: sessionID, Terminated: true}, nil
}

func (s *Service) CreateExecution(req *hubapi.CreateExecutionRequest) (*hubapi.Execution, error) {
	if req == nil {
		return nil, errors.New("missing request")
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, errors.New("missing code")
	}

	s.mu.Lock()
	s.ensureMapsLocked()
	sb, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("unknown session %q", sessionID)
	}
	if sb.Terminated {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %q is terminated", sessionID)
	}
	if sb.ActiveExecutionID != "" {
		s.mu.Unlock()
		return nil, ErrExecutionInProgress
	}

	ex := &executionState{
		ID:        newExecutionID(),
		SessionID: sessionID,
		Code:      req.Code,
		Status:    hubapi.ExecutionStatusPending,
		Done:      make(chan struct{}),
	}
	s.executions[executionKey(sessionID, ex.ID)] = ex
	sb.ActiveExecutionID = ex.ID
	sb.LastExecutionID = ex.ID
	sb.Status = hubapi.SessionStatusRunning
	sb.UpdatedAt = time.Now().UTC()
	out := cloneExecutionLocked(ex)
	s.mu.Unlock()

	go s.runExecution(sessionID, ex.ID, req.Code)

	return out, nil
}

func (s *Service) GetExecution(sessionID, executionID string) (*hubapi.Execution, error) {
	sessionID = strings.TrimSpace(sessionID)
	executionID = strings.TrimSpace(executionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}
	if executionID == "" {
		return nil, errors.New("missing execution_id")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.executions[executionKey(sessionID, executionID)]
	if !ok {
		return nil, fmt.Errorf("unknown execution %q in session %q", executionID, sessionID)
	}
	return cloneExecutionLocked(ex), nil
}

// CancelExecution asks the session's kernel to stop the current execution.
// Cancelling an idle session succeeds with Cancelled=false.
func (s *Service) CancelExecution(req *hubapi.CancelExecutionRequest) (*hubapi.CancelExecutionResponse, error) {
	if req == nil {
		return nil, errors.New("missing request")
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	s.mu.RLock()
	sb, ok := s.sessions[sessionID]
	var active string
	if ok {
		active = sb.ActiveExecutionID
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown session %q", sessionID)
	}

	if active == "" {
		return &hubapi.CancelExecutionResponse{
			SessionID: sessionID,
			Message:   "no execution in progress",
		}, nil
	}
	if req.ExecutionID != "" && req.ExecutionID != active {
		return nil, fmt.Errorf("execution %q is not in progress (active: %q)", req.ExecutionID, active)
	}

	if err := sb.Manager.CancelExecution(); err != nil {
		return nil, err
	}
	return &hubapi.CancelExecutionResponse{SessionID: sessionID, Cancelled: true}, nil
}

func (s *Service) SubscribeExecutionEvents(sessionID, executionID string) ([]*hubapi.ExecutionStreamEvent, <-chan *hubapi.ExecutionStreamEvent, <-chan struct{}, func(), error) {
	sessionID = strings.TrimSpace(sessionID)
	executionID = strings.TrimSpace(executionID)
	if sessionID == "" {
		return nil, nil, nil, nil, errors.New("missing session_id")
	}
	if executionID == "" {
		return nil, nil, nil, nil, errors.New("missing execution_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.executions[executionKey(sessionID, executionID)]
	if !ok {
		return nil, nil, nil, nil, fmt.Errorf("unknown execution %q in session %q", executionID, sessionID)
	}

	history := append([]*hubapi.ExecutionStreamEvent(nil), ex.EventHistory...)
	updates := make(chan *hubapi.ExecutionStreamEvent, 128)
	done := ex.Done

	subID := ex.NextSubID
	ex.NextSubID++
	if ex.EventSubscribers == nil {
		ex.EventSubscribers = map[int]chan *hubapi.ExecutionStreamEvent{}
	}

	select {
	case <-done:
		close(updates)
	default:
		ex.EventSubscribers[subID] = updates
	}

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subEx, ok := s.executions[executionKey(sessionID, executionID)]
		if !ok {
			return
		}
		ch, ok := subEx.EventSubscribers[subID]
		if !ok {
			return
		}
		delete(subEx.EventSubscribers, subID)
		close(ch)
	}

	return history, updates, done, unsubscribe, nil
}

func (s *Service) WaitExecution(ctx context.Context, sessionID, executionID string) (*hubapi.Execution, error) {
	s.mu.RLock()
	ex, ok := s.executions[executionKey(sessionID, executionID)]
	var done chan struct{}
	if ok {
		done = ex.Done
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown execution %q in session %q", executionID, sessionID)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}

	return s.GetExecution(sessionID, executionID)
}

func (s *Service) ExecutionHistory(ctx context.Context, sessionID string, limit int) ([]*hubapi.Execution, error) {
	return s.Store.RecentExecutions(ctx, strings.TrimSpace(sessionID), limit)
}

// StartIdleReaper shuts down sessions whose kernels have been idle longer
// than the configured timeout. No-op when the timeout is zero.
func (s *Service) StartIdleReaper() {
	idle := time.Duration(s.Config.Sessions.IdleTimeoutSeconds) * time.Second
	if idle <= 0 {
		return
	}
	s.reaperOnce.Do(func() {
		s.reaperStop = make(chan struct{})
		go s.reapIdleSessions(idle)
	})
}

// StopIdleReaper stops the reaper goroutine if one was started.
func (s *Service) StopIdleReaper() {
	if s.reaperStop != nil {
		close(s.reaperStop)
	}
}

func (s *Service) reapIdleSessions(idle time.Duration) {
	interval := idle / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.reaperStop:
			return
		case <-ticker.C:
		}

		now := time.Now().UTC()
		s.mu.RLock()
		var expired []*sessionState
		for _, sb := range s.sessions {
			if sb.Terminated || sb.ActiveExecutionID != "" || !sb.Manager.Initialized() {
				continue
			}
			if now.Sub(sb.Manager.LastActivity()) >= idle {
				expired = append(expired, sb)
			}
		}
		s.mu.RUnlock()

		for _, sb := range expired {
			if s.Logger != nil {
				s.Logger.Info("reaping idle session", "session", sb.ID, "idle_timeout", idle)
			}
			if _, err := s.TerminateSession(sb.ID); err != nil && s.Logger != nil {
				s.Logger.Warn("idle session reap failed", "session", sb.ID, "error", err)
			}
		}
	}
}

// Close terminates all sessions. Used on daemon shutdown.
func (s *Service) Close() {
	s.StopIdleReaper()

	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id, sb := range s.sessions {
		if !sb.Terminated {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if _, err := s.TerminateSession(id); err != nil && s.Logger != nil {
			s.Logger.Warn("terminate session on close failed", "session", id, "error", err)
		}
	}
}
