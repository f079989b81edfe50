package client

import (
	"github.com/dstutor/kernelhub/internal/hubapi"
)

// Core resource types returned by the API.
type (
	Session     = hubapi.Session
	Execution   = hubapi.Execution
	OutputEvent = hubapi.OutputEvent
)

// Request and response payloads.
type (
	CreateSessionRequest     = hubapi.CreateSessionRequest
	CreateSessionResponse    = hubapi.CreateSessionResponse
	GetSessionRequest        = hubapi.GetSessionRequest
	GetSessionResponse       = hubapi.GetSessionResponse
	ListSessionsRequest      = hubapi.ListSessionsRequest
	ListSessionsResponse     = hubapi.ListSessionsResponse
	RestartSessionRequest    = hubapi.RestartSessionRequest
	RestartSessionResponse   = hubapi.RestartSessionResponse
	TerminateSessionRequest  = hubapi.TerminateSessionRequest
	TerminateSessionResponse = hubapi.TerminateSessionResponse

	CreateExecutionRequest   = hubapi.CreateExecutionRequest
	CreateExecutionResponse  = hubapi.CreateExecutionResponse
	GetExecutionRequest      = hubapi.GetExecutionRequest
	GetExecutionResponse     = hubapi.GetExecutionResponse
	CancelExecutionRequest   = hubapi.CancelExecutionRequest
	CancelExecutionResponse  = hubapi.CancelExecutionResponse
	WatchExecutionRequest    = hubapi.WatchExecutionRequest
	ExecutionStreamEvent     = hubapi.ExecutionStreamEvent
	ExecutionHistoryRequest  = hubapi.ExecutionHistoryRequest
	ExecutionHistoryResponse = hubapi.ExecutionHistoryResponse
)

// Session status values.
const (
	SessionStatusIdle    = hubapi.SessionStatusIdle
	SessionStatusRunning = hubapi.SessionStatusRunning
	SessionStatusStopped = hubapi.SessionStatusStopped
	SessionStatusError   = hubapi.SessionStatusError
)

// Execution status values.
const (
	ExecutionStatusPending   = hubapi.ExecutionStatusPending
	ExecutionStatusRunning   = hubapi.ExecutionStatusRunning
	ExecutionStatusCompleted = hubapi.ExecutionStatusCompleted
	ExecutionStatusCancelled = hubapi.ExecutionStatusCancelled
	ExecutionStatusFailed    = hubapi.ExecutionStatusFailed
)

// Output event types.
const (
	OutputTypeText    = hubapi.OutputTypeText
	OutputTypeHTML    = hubapi.OutputTypeHTML
	OutputTypeImage   = hubapi.OutputTypeImage
	OutputTypeError   = hubapi.OutputTypeError
	OutputTypeUnknown = hubapi.OutputTypeUnknown
)
