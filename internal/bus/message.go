package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxContentBytes caps message content so a runaway agent reply cannot flood
// the bus or the persistence log.
const MaxContentBytes = 48 << 10

type MessageType string

const (
	TypeTask               MessageType = "task"
	TypeResponse           MessageType = "response"
	TypeCoordination       MessageType = "coordination"
	TypeCrossCommunication MessageType = "cross_communication"
	TypeImplementation     MessageType = "implementation"
	TypeReview             MessageType = "review"
	TypeConflictResolution MessageType = "conflict_resolution"
	TypeStatusUpdate       MessageType = "status_update"
	TypeError              MessageType = "error"
	TypeSystem             MessageType = "system"
	TypeHeartbeat          MessageType = "heartbeat"
	TypeAutonomousRequest  MessageType = "autonomous_request"
	TypeAutonomousResponse MessageType = "autonomous_response"
	TypeContextEnriched    MessageType = "context_enriched"
	TypeHandoff            MessageType = "handoff"
	TypeProgressUpdate     MessageType = "progress_update"
)

var knownTypes = map[MessageType]struct{}{
	TypeTask: {}, TypeResponse: {}, TypeCoordination: {},
	TypeCrossCommunication: {}, TypeImplementation: {}, TypeReview: {},
	TypeConflictResolution: {}, TypeStatusUpdate: {}, TypeError: {},
	TypeSystem: {}, TypeHeartbeat: {}, TypeAutonomousRequest: {},
	TypeAutonomousResponse: {}, TypeContextEnriched: {}, TypeHandoff: {},
	TypeProgressUpdate: {},
}

// Priority orders messages from low (1) to critical (5).
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityUrgent   Priority = 4
	PriorityCritical Priority = 5
)

// Broadcast recipients deliver to every registered agent except the sender.
const (
	RecipientBoth = "both"
	RecipientAll  = "all"
)

// SenderSystem marks bus-generated messages; they are exempt from the
// sender != recipient rule.
const SenderSystem = "system"

type Message struct {
	ID               string            `json:"id"`
	Type             MessageType       `json:"type"`
	Sender           string            `json:"sender"`
	Recipient        string            `json:"recipient"`
	Content          string            `json:"content"`
	SessionID        string            `json:"session_id"`
	Timestamp        time.Time         `json:"timestamp"`
	Priority         Priority          `json:"priority"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ReplyTo          string            `json:"reply_to,omitempty"`
	RequiresResponse bool              `json:"requires_response,omitempty"`
}

// NewMessage fills in id, timestamp, and normal priority.
func NewMessage(msgType MessageType, sender, recipient, content, sessionID string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
	}
}

// NewSystemMessage creates a high-priority system broadcast.
func NewSystemMessage(content, sessionID, recipient string) *Message {
	if recipient == "" {
		recipient = RecipientAll
	}
	msg := NewMessage(TypeSystem, SenderSystem, recipient, content, sessionID)
	msg.Priority = PriorityHigh
	return msg
}

// NewTaskMessage creates a task assignment that expects an answer.
func NewTaskMessage(content, sender, recipient, sessionID string) *Message {
	msg := NewMessage(TypeTask, sender, recipient, content, sessionID)
	msg.RequiresResponse = true
	return msg
}

// NewCoordinationMessage creates a high-priority broadcast to both agents.
func NewCoordinationMessage(content, sessionID string) *Message {
	msg := NewMessage(TypeCoordination, "orchestrator", RecipientBoth, content, sessionID)
	msg.Priority = PriorityHigh
	return msg
}

var ErrInvalidMessage = errors.New("invalid message")

// Validate enforces the bus admission rules. Every rejection reason wraps
// ErrInvalidMessage.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if m.Type == "" || m.Sender == "" || m.Recipient == "" || m.Content == "" || m.SessionID == "" {
		return fmt.Errorf("%w: missing required field", ErrInvalidMessage)
	}
	if _, ok := knownTypes[m.Type]; !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if len(m.Content) > MaxContentBytes {
		return fmt.Errorf("%w: content %d bytes exceeds %d byte cap", ErrInvalidMessage, len(m.Content), MaxContentBytes)
	}
	if m.Sender == m.Recipient && m.Type != TypeSystem {
		return fmt.Errorf("%w: sender and recipient are both %q", ErrInvalidMessage, m.Sender)
	}
	if m.Priority != 0 && (m.Priority < PriorityLow || m.Priority > PriorityCritical) {
		return fmt.Errorf("%w: priority %d out of range", ErrInvalidMessage, m.Priority)
	}
	return nil
}

// Broadcast reports whether the message fans out to all registered agents.
func (m *Message) Broadcast() bool {
	return m.Recipient == RecipientBoth || m.Recipient == RecipientAll
}

func (m *Message) clone() *Message {
	if m == nil {
		return nil
	}
	dup := *m
	if m.Metadata != nil {
		dup.Metadata = make(map[string]string, len(m.Metadata))
		for key, value := range m.Metadata {
			dup.Metadata[key] = value
		}
	}
	return &dup
}

// Role classifies an agent for transformation and handoff purposes.
type Role string

const (
	RoleFrontend     Role = "frontend"
	RoleBackend      Role = "backend"
	RoleOrchestrator Role = "orchestrator"
)

// InferRole guesses a role from an agent identifier. Registered roles take
// precedence over this fallback.
func InferRole(agentID string) (Role, bool) {
	id := strings.ToLower(agentID)
	switch {
	case strings.Contains(id, "frontend"), strings.Contains(id, "ui"):
		return RoleFrontend, true
	case strings.Contains(id, "backend"), strings.Contains(id, "api"):
		return RoleBackend, true
	case strings.Contains(id, "orchestrator"), strings.Contains(id, "manager"):
		return RoleOrchestrator, true
	default:
		return "", false
	}
}
