package kernel

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Delimiter separates routing identities from the signed message parts.
const Delimiter = "<IDS|MSG>"

// ProtocolVersion is written into every outgoing header.
const ProtocolVersion = "5.3"

// Header identifies a kernel message.
type Header struct {
	MsgID    string `json:"msg_id,omitempty"`
	Session  string `json:"session,omitempty"`
	Username string `json:"username,omitempty"`
	Date     string `json:"date,omitempty"`
	MsgType  string `json:"msg_type,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Message is one decoded kernel message.
type Message struct {
	Identities   [][]byte
	Header       Header
	ParentHeader Header
	Metadata     map[string]any
	Content      json.RawMessage
}

// ProtocolError reports a malformed or unauthenticated frame. The connection stays usable.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kernel protocol: %s: %v", e.Reason, e.Err)
	}
	return "kernel protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Codec encodes and decodes multipart kernel messages, signing them with HMAC-SHA256 when a key
// is configured.
type Codec struct {
	key      []byte
	session  string
	username string
}

// NewCodec returns a codec for one client session. An empty key disables signing.
func NewCodec(key string) *Codec {
	return &Codec{key: []byte(key), session: uuid.NewString(), username: "folio"}
}

// Session returns the session id written into outgoing headers.
func (c *Codec) Session() string { return c.session }

// NewMessage builds an outgoing message with a fresh msg_id.
func (c *Codec) NewMessage(msgType string, content any) (*Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", msgType, err)
	}
	return &Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			Session:  c.session,
			Username: c.username,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			MsgType:  msgType,
			Version:  ProtocolVersion,
		},
		Metadata: map[string]any{},
		Content:  raw,
	}, nil
}

// Encode serializes m into wire frames.
func (c *Codec) Encode(m *Message) ([][]byte, error) {
	header, err := json.Marshal(m.Header)
	if err != nil {
		return nil, err
	}
	parent, err := json.Marshal(m.ParentHeader)
	if err != nil {
		return nil, err
	}
	metadata := m.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	content := []byte(m.Content)
	if len(content) == 0 {
		content = []byte("{}")
	}

	frames := make([][]byte, 0, len(m.Identities)+6)
	frames = append(frames, m.Identities...)
	frames = append(frames, []byte(Delimiter), []byte(c.sign(header, parent, meta, content)))
	frames = append(frames, header, parent, meta, content)
	return frames, nil
}

// Decode parses wire frames, verifying the signature when a key is configured.
func (c *Codec) Decode(frames [][]byte) (*Message, error) {
	at := -1
	for i, f := range frames {
		if bytes.Equal(f, []byte(Delimiter)) {
			at = i
			break
		}
	}
	if at < 0 {
		return nil, &ProtocolError{Reason: "missing delimiter"}
	}
	parts := frames[at+1:]
	if len(parts) < 5 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("expected 5 frames after delimiter, got %d", len(parts))}
	}

	signature, header, parent, meta, content := parts[0], parts[1], parts[2], parts[3], parts[4]
	if len(c.key) > 0 {
		want := c.sign(header, parent, meta, content)
		if !hmac.Equal([]byte(want), signature) {
			return nil, &ProtocolError{Reason: "invalid signature"}
		}
	}

	m := &Message{Identities: frames[:at], Content: json.RawMessage(bytes.Clone(content))}
	if err := json.Unmarshal(header, &m.Header); err != nil {
		return nil, &ProtocolError{Reason: "bad header", Err: err}
	}
	if err := json.Unmarshal(parent, &m.ParentHeader); err != nil {
		return nil, &ProtocolError{Reason: "bad parent header", Err: err}
	}
	if err := json.Unmarshal(meta, &m.Metadata); err != nil {
		return nil, &ProtocolError{Reason: "bad metadata", Err: err}
	}
	if !json.Valid(content) {
		return nil, &ProtocolError{Reason: "bad content"}
	}
	return m, nil
}

func (c *Codec) sign(parts ...[]byte) string {
	if len(c.key) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, c.key)
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}
