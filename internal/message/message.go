// Package message defines the typed inter-agent messages exchanged through a
// transport. Every payload is its own struct; the envelope carries exactly one
// of them and encodes it as {type, content} on the wire.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type names a message variant.
type Type string

const (
	TypeTaskRequest       Type = "task_request"
	TypeTaskAck           Type = "task_ack"
	TypeSubtaskAssignment Type = "subtask_assignment"
	TypeSubtaskResult     Type = "subtask_result"
	TypeTaskStatusUpdate  Type = "task_status_update"
	TypeTaskCompleted     Type = "task_completed"
	TypeAgentControl      Type = "agent_control"
)

// ErrUnknownType is returned when decoding a message type with no registered body.
var ErrUnknownType = errors.New("unknown message type")

// Body is implemented by every typed payload.
type Body interface {
	Type() Type
	Validate() error
}

// Message is the transport envelope. ID is assigned by the delivery medium on
// receipt and is empty on outbound messages.
type Message struct {
	ID          string    `json:"id,omitempty"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Timestamp   time.Time `json:"timestamp"`
	Body        Body      `json:"-"`
}

// Type returns the variant of the carried body.
func (m Message) Type() Type {
	if m.Body == nil {
		return ""
	}
	return m.Body.Type()
}

type wireMessage struct {
	ID          string          `json:"id,omitempty"`
	SenderID    string          `json:"senderId"`
	RecipientID string          `json:"recipientId"`
	Type        Type            `json:"type"`
	Content     json.RawMessage `json:"content"`
	Timestamp   time.Time       `json:"timestamp"`
}

// MarshalJSON encodes the envelope with the body under "content".
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Body == nil {
		return nil, fmt.Errorf("marshal message: nil body")
	}
	content, err := json.Marshal(m.Body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", m.Body.Type(), err)
	}
	return json.Marshal(wireMessage{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Type:        m.Body.Type(),
		Content:     content,
		Timestamp:   m.Timestamp,
	})
}

// UnmarshalJSON decodes the body into the struct registered for its type.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	body, err := DecodeBody(w.Type, w.Content)
	if err != nil {
		return err
	}
	*m = Message{
		ID:          w.ID,
		SenderID:    w.SenderID,
		RecipientID: w.RecipientID,
		Timestamp:   w.Timestamp,
		Body:        body,
	}
	return nil
}

// EncodeBody returns the body's type and JSON content, for stores that keep
// them in separate columns.
func EncodeBody(b Body) (Type, string, error) {
	if b == nil {
		return "", "", fmt.Errorf("encode body: nil body")
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return "", "", fmt.Errorf("encode %s: %w", b.Type(), err)
	}
	return b.Type(), string(raw), nil
}

// DecodeBody parses content as the payload registered for t.
func DecodeBody(t Type, content []byte) (Body, error) {
	var body Body
	switch t {
	case TypeTaskRequest:
		body = &TaskRequest{}
	case TypeTaskAck:
		body = &TaskAck{}
	case TypeSubtaskAssignment:
		body = &SubtaskAssignment{}
	case TypeSubtaskResult:
		body = &SubtaskResult{}
	case TypeTaskStatusUpdate:
		body = &TaskStatusUpdate{}
	case TypeTaskCompleted:
		body = &TaskCompleted{}
	case TypeAgentControl:
		body = &AgentControl{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, body); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
	}
	return deref(body), nil
}

// deref stores bodies by value so handlers can type-switch on the plain struct.
func deref(b Body) Body {
	switch v := b.(type) {
	case *TaskRequest:
		return *v
	case *TaskAck:
		return *v
	case *SubtaskAssignment:
		return *v
	case *SubtaskResult:
		return *v
	case *TaskStatusUpdate:
		return *v
	case *TaskCompleted:
		return *v
	case *AgentControl:
		return *v
	}
	return b
}

// Priority ranks a type for delivery order within one poll batch. Lower runs
// first: control, then task-status traffic, then directives.
func Priority(t Type) int {
	switch t {
	case TypeAgentControl:
		return 0
	case TypeTaskAck, TypeSubtaskResult, TypeTaskStatusUpdate, TypeTaskCompleted:
		return 1
	case TypeTaskRequest, TypeSubtaskAssignment:
		return 2
	default:
		return 3
	}
}
