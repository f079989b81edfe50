package kernel

import "time"

// Message type identifiers from the kernel's iopub channel.
const (
	MsgTypeStream        = "stream"
	MsgTypeDisplayData   = "display_data"
	MsgTypeExecuteResult = "execute_result"
	MsgTypeError         = "error"
	MsgTypeStatus        = "status"
	MsgTypeExecuteInput  = "execute_input"
)

// Mime types inspected when classifying display_data / execute_result
// messages, in preference order.
const (
	MimeHTML  = "text/html"
	MimePNG   = "image/png"
	MimePlain = "text/plain"
)

// Message is a normalized kernel output-channel message. ParentID carries the
// correlation id of the execute request that produced it; the channel is
// shared across requests, so consumers filter on it.
type Message struct {
	Type     string
	ParentID string
	Content  Content
}

// Content holds the union of payload fields across message types. Only the
// fields relevant to a given Message.Type are populated.
type Content struct {
	// stream
	Name string
	Text string

	// display_data / execute_result mime bundle
	Data map[string]string

	// status
	ExecutionState string

	// error
	ErrName   string
	ErrValue  string
	Traceback []string

	// fallback for unrecognized message types
	Raw string
}

// OutputKind tags a classified output event.
type OutputKind string

const (
	OutputText    OutputKind = "text"
	OutputHTML    OutputKind = "html"
	OutputImage   OutputKind = "image"
	OutputError   OutputKind = "error"
	OutputUnknown OutputKind = "unknown"
)

// OutputEvent is one renderable unit of kernel output. Image content is a
// data:image/png;base64 URI so a frontend can embed it without decoding.
type OutputEvent struct {
	Kind      OutputKind
	Content   string
	Timestamp time.Time
}
