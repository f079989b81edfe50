package jupyter

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.jetify.com/typeid"
)

// delimiter separates routing identities from the signed message frames.
var delimiter = []byte("<IDS|MSG>")

const protocolVersion = "5.3"

type header struct {
	MsgID    string `json:"msg_id"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// wireMessage is one fully decoded protocol message: identities, the four
// signed JSON frames, and any trailing buffers.
type wireMessage struct {
	Identities   [][]byte
	Header       header
	ParentHeader header
	Metadata     json.RawMessage
	Content      json.RawMessage
	Buffers      [][]byte
}

func newMsgID() string {
	id, err := typeid.WithPrefix("msg")
	if err != nil {
		return fmt.Sprintf("msg_%d", time.Now().UnixNano())
	}
	return id.String()
}

func newHeader(session, msgType string) header {
	return header{
		MsgID:    newMsgID(),
		Session:  session,
		Username: "kernelhub",
		Date:     time.Now().UTC().Format(time.RFC3339Nano),
		MsgType:  msgType,
		Version:  protocolVersion,
	}
}

// signFrames computes the hmac-sha256 hex signature over the four JSON
// frames in protocol order.
func signFrames(key []byte, frames ...[]byte) string {
	mac := hmac.New(sha256.New, key)
	for _, f := range frames {
		mac.Write(f)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// encodeMessage produces the ZeroMQ frame list for msg, signing with key.
func encodeMessage(key []byte, msg *wireMessage) ([][]byte, error) {
	hdr, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	parent, err := json.Marshal(msg.ParentHeader)
	if err != nil {
		return nil, fmt.Errorf("encode parent header: %w", err)
	}
	meta := msg.Metadata
	if meta == nil {
		meta = json.RawMessage("{}")
	}
	content := msg.Content
	if content == nil {
		content = json.RawMessage("{}")
	}

	sig := signFrames(key, hdr, parent, meta, content)

	frames := make([][]byte, 0, len(msg.Identities)+6+len(msg.Buffers))
	frames = append(frames, msg.Identities...)
	frames = append(frames, delimiter, []byte(sig), hdr, parent, meta, content)
	frames = append(frames, msg.Buffers...)
	return frames, nil
}

// decodeMessage parses a received frame list, verifying the signature when a
// key is configured.
func decodeMessage(key []byte, frames [][]byte) (*wireMessage, error) {
	delim := -1
	for i, f := range frames {
		if bytes.Equal(f, delimiter) {
			delim = i
			break
		}
	}
	if delim < 0 || len(frames) < delim+6 {
		return nil, fmt.Errorf("malformed kernel message: %d frames, delimiter at %d", len(frames), delim)
	}

	msg := &wireMessage{Identities: frames[:delim]}
	sig := frames[delim+1]
	hdr := frames[delim+2]
	parent := frames[delim+3]
	meta := frames[delim+4]
	content := frames[delim+5]
	msg.Buffers = frames[delim+6:]

	if len(key) > 0 {
		want := signFrames(key, hdr, parent, meta, content)
		if !hmac.Equal([]byte(want), sig) {
			return nil, fmt.Errorf("kernel message signature mismatch")
		}
	}

	if err := json.Unmarshal(hdr, &msg.Header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if err := json.Unmarshal(parent, &msg.ParentHeader); err != nil {
		return nil, fmt.Errorf("decode parent header: %w", err)
	}
	msg.Metadata = json.RawMessage(meta)
	msg.Content = json.RawMessage(content)
	return msg, nil
}
