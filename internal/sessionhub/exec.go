package sessionhub

import (
	"context"
	"sort"
	"time"

	"github.com/dstutor/kernelhub/internal/hubapi"
	"github.com/dstutor/kernelhub/internal/kernel"
)

func (s *Service) runExecution(sessionID, executionID, code string) {
	key := executionKey(sessionID, executionID)

	s.mu.Lock()
	ex, ok := s.executions[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	if isFinalExecutionStatus(ex.Status) {
		s.mu.Unlock()
		return
	}
	sb, ok := s.sessions[sessionID]
	if !ok || sb.Terminated {
		s.finalizeExecutionLocked(ex, hubapi.ExecutionStatusFailed, "session no longer exists", time.Now().UTC())
		s.mu.Unlock()
		return
	}
	mgr := sb.Manager

	started := time.Now().UTC()
	ex.StartedAt = &started
	ex.Status = hubapi.ExecutionStatusRunning
	s.recordExecutionEventLocked(ex, &hubapi.ExecutionStreamEvent{
		Execution: cloneExecutionLocked(ex),
	})
	s.mu.Unlock()

	res, err := mgr.Execute(context.Background(), code)

	finished := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.finalizeExecutionLocked(ex, hubapi.ExecutionStatusFailed, err.Error(), finished)
		return
	}

	ex.Outputs = toAPIOutputs(res.Outputs)
	ex.ElapsedMS = res.Elapsed.Milliseconds()
	status := hubapi.ExecutionStatusCompleted
	switch res.Status {
	case kernel.ResultCancelled:
		status = hubapi.ExecutionStatusCancelled
	case kernel.ResultError:
		status = hubapi.ExecutionStatusFailed
	}
	s.finalizeExecutionLocked(ex, status, res.Message, finished)
}

// recordExecutionOutput routes one classified output event from the kernel
// into the session's active execution. Invoked from the manager's polling
// loop via the OnOutput hook.
func (s *Service) recordExecutionOutput(sessionID string, ev kernel.OutputEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sb, ok := s.sessions[sessionID]
	if !ok || sb.ActiveExecutionID == "" {
		return
	}
	ex, ok := s.executions[executionKey(sessionID, sb.ActiveExecutionID)]
	if !ok {
		return
	}

	out := hubapi.OutputEvent{
		Type:      string(ev.Kind),
		Content:   ev.Content,
		Timestamp: ev.Timestamp,
	}
	ex.Outputs = append(ex.Outputs, out)
	s.recordExecutionEventLocked(ex, &hubapi.ExecutionStreamEvent{Output: &out})
}

func (s *Service) finalizeExecutionLocked(ex *executionState, status, message string, finished time.Time) {
	if ex == nil {
		return
	}
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	ex.Status = status
	ex.Message = message
	ex.FinishedAt = &finished
	if ex.ElapsedMS == 0 && ex.StartedAt != nil {
		ex.ElapsedMS = finished.Sub(*ex.StartedAt).Milliseconds()
	}

	if sb, ok := s.sessions[ex.SessionID]; ok && sb.ActiveExecutionID == ex.ID {
		sb.ActiveExecutionID = ""
		sb.UpdatedAt = finished
		if !sb.Terminated {
			if status == hubapi.ExecutionStatusFailed {
				sb.Status = hubapi.SessionStatusError
			} else {
				sb.Status = hubapi.SessionStatusIdle
			}
		}
	}

	final := cloneExecutionLocked(ex)
	s.recordExecutionEventLocked(ex, &hubapi.ExecutionStreamEvent{Execution: final})
	closeExecutionDoneLocked(ex)
	s.pruneStateLocked(finished)

	if s.Store != nil {
		// Persist outside the hub lock; history writes must not stall the
		// event path.
		code := ex.Code
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.Store.SaveExecution(ctx, final, code); err != nil && s.Logger != nil {
				s.Logger.Warn("save execution history failed", "execution", final.ID, "error", err)
			}
		}()
	}
}

func (s *Service) recordExecutionEventLocked(ex *executionState, event *hubapi.ExecutionStreamEvent) {
	if event == nil {
		return
	}
	ex.EventHistory = appendBounded(ex.EventHistory, event, maxRetainedExecutionEvents)

	for id, ch := range ex.EventSubscribers {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(ex.EventSubscribers, id)
		}
	}
}

func (s *Service) ensureMapsLocked() {
	if s.sessions == nil {
		s.sessions = map[string]*sessionState{}
	}
	if s.executions == nil {
		s.executions = map[string]*executionState{}
	}
}

func (s *Service) dropSessionLocked(sessionID string, sb *sessionState) {
	if sb == nil {
		return
	}
	delete(s.sessions, sessionID)
}

func (s *Service) dropExecutionLocked(key string, ex *executionState) {
	if ex == nil {
		return
	}
	closeExecutionSubscribersLocked(ex)
	closeExecutionDoneLocked(ex)
	delete(s.executions, key)
}

func (s *Service) hasActiveExecutionLocked(sessionID string) bool {
	for _, ex := range s.executions {
		if ex.SessionID == sessionID && !isFinalExecutionStatus(ex.Status) {
			return true
		}
	}
	return false
}

func (s *Service) pruneStateLocked(now time.Time) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	s.pruneExecutionsLocked(now)
	s.pruneSessionsLocked(now)
}

func (s *Service) pruneExecutionsLocked(now time.Time) {
	type candidate struct {
		key      string
		finished time.Time
	}

	candidates := make([]candidate, 0, len(s.executions))
	for key, ex := range s.executions {
		if ex == nil || !isFinalExecutionStatus(ex.Status) {
			continue
		}

		finished := executionTerminalTime(ex)
		if retainedStateMaxAge > 0 && !finished.IsZero() && now.Sub(finished) > retainedStateMaxAge {
			s.dropExecutionLocked(key, ex)
			continue
		}

		candidates = append(candidates, candidate{key: key, finished: finished})
	}

	limit := maxRetainedFinishedExecutions
	if limit < 0 {
		limit = 0
	}
	if len(candidates) <= limit {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		left := candidates[i]
		right := candidates[j]
		if left.finished.Equal(right.finished) {
			return left.key < right.key
		}
		if left.finished.IsZero() {
			return true
		}
		if right.finished.IsZero() {
			return false
		}
		return left.finished.Before(right.finished)
	})

	removeCount := len(candidates) - limit
	for i := 0; i < removeCount; i++ {
		key := candidates[i].key
		ex, ok := s.executions[key]
		if !ok || ex == nil || !isFinalExecutionStatus(ex.Status) {
			continue
		}
		s.dropExecutionLocked(key, ex)
	}
}

func (s *Service) pruneSessionsLocked(now time.Time) {
	type candidate struct {
		id      string
		stopped time.Time
	}

	candidates := make([]candidate, 0, len(s.sessions))
	for sessionID, sb := range s.sessions {
		if sb == nil || !sb.Terminated {
			continue
		}
		if s.hasActiveExecutionLocked(sessionID) {
			continue
		}

		stopped := sessionTerminalTime(sb)
		if retainedStateMaxAge > 0 && !stopped.IsZero() && now.Sub(stopped) > retainedStateMaxAge {
			s.dropSessionLocked(sessionID, sb)
			continue
		}

		candidates = append(candidates, candidate{id: sessionID, stopped: stopped})
	}

	limit := maxRetainedStoppedSessions
	if limit < 0 {
		limit = 0
	}
	if len(candidates) <= limit {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		left := candidates[i]
		right := candidates[j]
		if left.stopped.Equal(right.stopped) {
			return left.id < right.id
		}
		if left.stopped.IsZero() {
			return true
		}
		if right.stopped.IsZero() {
			return false
		}
		return left.stopped.Before(right.stopped)
	})

	removeCount := len(candidates) - limit
	for i := 0; i < removeCount; i++ {
		sessionID := candidates[i].id
		sb, ok := s.sessions[sessionID]
		if !ok || sb == nil || !sb.Terminated {
			continue
		}
		if s.hasActiveExecutionLocked(sessionID) {
			continue
		}
		s.dropSessionLocked(sessionID, sb)
	}
}

func isFinalExecutionStatus(status string) bool {
	switch status {
	case hubapi.ExecutionStatusCompleted,
		hubapi.ExecutionStatusCancelled,
		hubapi.ExecutionStatusFailed:
		return true
	default:
		return false
	}
}

func executionKey(sessionID, executionID string) string {
	return sessionID + "/" + executionID
}

func executionTerminalTime(ex *executionState) time.Time {
	if ex == nil {
		return time.Time{}
	}
	if ex.FinishedAt != nil {
		return *ex.FinishedAt
	}
	if ex.StartedAt != nil {
		return *ex.StartedAt
	}
	return time.Time{}
}

func sessionTerminalTime(sb *sessionState) time.Time {
	if sb == nil {
		return time.Time{}
	}
	if !sb.UpdatedAt.IsZero() {
		return sb.UpdatedAt
	}
	return sb.CreatedAt
}

func snapshotSessionLocked(sb *sessionState) *hubapi.Session {
	if sb == nil {
		return nil
	}
	return &hubapi.Session{
		ID:              sb.ID,
		KernelName:      sb.KernelName,
		WorkDir:         sb.WorkDir,
		Status:          sb.Status,
		Initialized:     sb.Manager.Initialized(),
		CreatedAt:       sb.CreatedAt,
		UpdatedAt:       sb.UpdatedAt,
		LastExecutionID: sb.LastExecutionID,
	}
}

func cloneExecutionLocked(ex *executionState) *hubapi.Execution {
	if ex == nil {
		return nil
	}
	out := &hubapi.Execution{
		ID:        ex.ID,
		SessionID: ex.SessionID,
		Status:    ex.Status,
		Outputs:   append([]hubapi.OutputEvent(nil), ex.Outputs...),
		Message:   ex.Message,
		ElapsedMS: ex.ElapsedMS,
	}
	if ex.StartedAt != nil {
		t := *ex.StartedAt
		out.StartedAt = &t
	}
	if ex.FinishedAt != nil {
		t := *ex.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func toAPIOutputs(events []kernel.OutputEvent) []hubapi.OutputEvent {
	if len(events) == 0 {
		return nil
	}
	out := make([]hubapi.OutputEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, hubapi.OutputEvent{
			Type:      string(ev.Kind),
			Content:   ev.Content,
			Timestamp: ev.Timestamp,
		})
	}
	return out
}

func closeExecutionSubscribersLocked(ex *executionState) {
	for id, ch := range ex.EventSubscribers {
		close(ch)
		delete(ex.EventSubscribers, id)
	}
}

func closeExecutionDoneLocked(ex *executionState) {
	if ex.DoneClosed {
		return
	}
	ex.DoneClosed = true
	close(ex.Done)
}

func appendBounded[T any](history []T, item T, limit int) []T {
	if limit <= 0 {
		return nil
	}
	history = append(history, item)
	if len(history) <= limit {
		return history
	}
	trimmed := make([]T, limit)
	copy(trimmed, history[len(history)-limit:])
	return trimmed
}
