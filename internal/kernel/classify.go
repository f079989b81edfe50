package kernel

import (
	"fmt"
	"strings"
	"time"
)

// Classify converts one raw kernel message into a renderable OutputEvent.
// It is pure: it reads the message and returns an event without touching
// manager state. A malformed mime bundle degrades to an Error event rather
// than failing the surrounding execution.
func Classify(msg *Message, now time.Time) OutputEvent {
	if msg == nil {
		return OutputEvent{Kind: OutputError, Content: "empty kernel message", Timestamp: now}
	}

	switch msg.Type {
	case MsgTypeStream:
		return OutputEvent{Kind: OutputText, Content: msg.Content.Text, Timestamp: now}

	case MsgTypeDisplayData, MsgTypeExecuteResult:
		return classifyMimeBundle(msg, now)

	case MsgTypeError:
		content := strings.Join(msg.Content.Traceback, "\n")
		if content == "" {
			content = strings.TrimSpace(msg.Content.ErrName + ": " + msg.Content.ErrValue)
		}
		return OutputEvent{Kind: OutputError, Content: content, Timestamp: now}

	default:
		content := msg.Content.Raw
		if content == "" {
			content = fmt.Sprintf("unhandled kernel message type %q", msg.Type)
		}
		return OutputEvent{Kind: OutputUnknown, Content: content, Timestamp: now}
	}
}

func classifyMimeBundle(msg *Message, now time.Time) OutputEvent {
	data := msg.Content.Data
	if len(data) == 0 {
		return OutputEvent{
			Kind:      OutputError,
			Content:   fmt.Sprintf("failed to process %s output: missing mime bundle", msg.Type),
			Timestamp: now,
		}
	}

	if html, ok := data[MimeHTML]; ok {
		return OutputEvent{Kind: OutputHTML, Content: html, Timestamp: now}
	}
	if png, ok := data[MimePNG]; ok {
		return OutputEvent{Kind: OutputImage, Content: "data:image/png;base64," + png, Timestamp: now}
	}
	if text, ok := data[MimePlain]; ok {
		return OutputEvent{Kind: OutputText, Content: text, Timestamp: now}
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	return OutputEvent{
		Kind:      OutputError,
		Content:   fmt.Sprintf("failed to process %s output: no renderable mime type in %v", msg.Type, keys),
		Timestamp: now,
	}
}

// isOutputMessage reports whether a message type contributes to an
// execution's output sequence. Status transitions and input echoes are
// control traffic handled by the polling loop itself.
func isOutputMessage(msgType string) bool {
	switch msgType {
	case MsgTypeStatus, MsgTypeExecuteInput:
		return false
	default:
		return true
	}
}
