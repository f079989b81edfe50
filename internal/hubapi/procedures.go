package hubapi

import "encoding/json"

// Procedure paths for the kernelhub Connect API. Handlers and clients are
// registered per procedure with the JSON codec below, so both sides share
// these constants instead of generated service descriptors.
const (
	ServicePrefix = "/kernelhub.v1.KernelService/"

	ProcedureCreateSession    = ServicePrefix + "CreateSession"
	ProcedureGetSession       = ServicePrefix + "GetSession"
	ProcedureListSessions     = ServicePrefix + "ListSessions"
	ProcedureRestartSession   = ServicePrefix + "RestartSession"
	ProcedureTerminateSession = ServicePrefix + "TerminateSession"
	ProcedureCreateExecution  = ServicePrefix + "CreateExecution"
	ProcedureGetExecution     = ServicePrefix + "GetExecution"
	ProcedureCancelExecution  = ServicePrefix + "CancelExecution"
	ProcedureWatchExecution   = ServicePrefix + "WatchExecution"
	ProcedureExecutionHistory = ServicePrefix + "ExecutionHistory"
)

// Codec marshals Connect messages as plain JSON.
type Codec struct{}

func (Codec) Name() string { return "json" }

func (Codec) Marshal(message any) ([]byte, error) {
	return json.Marshal(message)
}

func (Codec) Unmarshal(data []byte, message any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, message)
}
