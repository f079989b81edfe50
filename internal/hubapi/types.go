// Package hubapi defines the JSON types exchanged between the kernelhub
// daemon and its clients.
package hubapi

import "time"

// Session statuses.
const (
	SessionStatusIdle    = "idle"
	SessionStatusRunning = "running"
	SessionStatusStopped = "stopped"
	SessionStatusError   = "error"
)

// Execution statuses.
const (
	ExecutionStatusPending   = "pending"
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusCancelled = "cancelled"
	ExecutionStatusFailed    = "failed"
)

// Output event types. Image content is a data:image/png;base64 URI.
const (
	OutputTypeText    = "text"
	OutputTypeHTML    = "html"
	OutputTypeImage   = "image"
	OutputTypeError   = "error"
	OutputTypeUnknown = "unknown"
)

type Session struct {
	ID              string    `json:"id"`
	KernelName      string    `json:"kernel_name"`
	WorkDir         string    `json:"work_dir"`
	Status          string    `json:"status"`
	Initialized     bool      `json:"initialized"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastExecutionID string    `json:"last_execution_id,omitempty"`
}

type Execution struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	Status     string        `json:"status"`
	Outputs    []OutputEvent `json:"outputs,omitempty"`
	Message    string        `json:"message,omitempty"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	ElapsedMS  int64         `json:"elapsed_ms"`
}

type OutputEvent struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type CreateSessionRequest struct {
	KernelName            string `json:"kernel_name,omitempty"`
	WorkDir               string `json:"work_dir,omitempty"`
	ExecTimeoutSeconds    int64  `json:"exec_timeout_seconds,omitempty"`
	StartupTimeoutSeconds int64  `json:"startup_timeout_seconds,omitempty"`
}

type CreateSessionResponse struct {
	Session *Session `json:"session"`
}

type GetSessionRequest struct {
	SessionID string `json:"session_id"`
}

type GetSessionResponse struct {
	Session *Session `json:"session"`
}

type ListSessionsRequest struct{}

type ListSessionsResponse struct {
	Sessions []*Session `json:"sessions"`
}

type RestartSessionRequest struct {
	SessionID string `json:"session_id"`
}

type RestartSessionResponse struct {
	Session *Session `json:"session"`
}

type TerminateSessionRequest struct {
	SessionID string `json:"session_id"`
}

type TerminateSessionResponse struct {
	SessionID  string `json:"session_id"`
	Terminated bool   `json:"terminated"`
	Message    string `json:"message,omitempty"`
}

type CreateExecutionRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

type CreateExecutionResponse struct {
	Execution *Execution `json:"execution"`
}

type GetExecutionRequest struct {
	SessionID   string `json:"session_id"`
	ExecutionID string `json:"execution_id"`
}

type GetExecutionResponse struct {
	Execution *Execution `json:"execution"`
}

type CancelExecutionRequest struct {
	SessionID   string `json:"session_id"`
	ExecutionID string `json:"execution_id,omitempty"`
}

type CancelExecutionResponse struct {
	SessionID string `json:"session_id"`
	Cancelled bool   `json:"cancelled"`
	Message   string `json:"message,omitempty"`
}

type WatchExecutionRequest struct {
	SessionID   string `json:"session_id"`
	ExecutionID string `json:"execution_id"`
}

// ExecutionStreamEvent is one frame of the execution watch stream: either an
// output event or an execution state transition. Exactly one field is set.
type ExecutionStreamEvent struct {
	Output    *OutputEvent `json:"output,omitempty"`
	Execution *Execution   `json:"execution,omitempty"`
}

type ExecutionHistoryRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type ExecutionHistoryResponse struct {
	Executions []*Execution `json:"executions"`
}
