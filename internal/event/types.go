package event

import "time"

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

// MessageEvent captures message bus activity: accepted, delivered, rejected,
// broadcast, handoff_triggered.
type MessageEvent struct {
	EventType  string
	MessageID  string
	Sender     string
	Recipient  string
	OccurredAt time.Time
}

func NewMessageEvent(eventType, messageID, sender, recipient string) MessageEvent {
	return MessageEvent{
		EventType:  eventType,
		MessageID:  messageID,
		Sender:     sender,
		Recipient:  recipient,
		OccurredAt: time.Now().UTC(),
	}
}

func (e MessageEvent) Type() string {
	return e.EventType
}

func (e MessageEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// TransportEvent captures transport lifecycle changes: transport_started,
// transport_ready, transport_crashed, transport_restarted, transport_stopped.
type TransportEvent struct {
	EventType   string
	TransportID string
	Status      string
	Detail      string
	OccurredAt  time.Time
}

func NewTransportEvent(transportID, eventType, status string) TransportEvent {
	return TransportEvent{
		EventType:   eventType,
		TransportID: transportID,
		Status:      status,
		OccurredAt:  time.Now().UTC(),
	}
}

func (e TransportEvent) Type() string {
	return e.EventType
}

func (e TransportEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// WorkflowEvent captures workflow state changes: phase_changed, task_updated,
// blocker_detected, workflow_completed.
type WorkflowEvent struct {
	EventType  string
	WorkflowID string
	Phase      string
	TaskID     string
	OccurredAt time.Time
}

func NewWorkflowEvent(workflowID, eventType, phase string) WorkflowEvent {
	return WorkflowEvent{
		EventType:  eventType,
		WorkflowID: workflowID,
		Phase:      phase,
		OccurredAt: time.Now().UTC(),
	}
}

func (e WorkflowEvent) Type() string {
	return e.EventType
}

func (e WorkflowEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// SessionEvent captures orchestration session lifecycle changes.
type SessionEvent struct {
	EventType  string
	SessionID  string
	Detail     string
	OccurredAt time.Time
}

func NewSessionEvent(sessionID, eventType string) SessionEvent {
	return SessionEvent{
		EventType:  eventType,
		SessionID:  sessionID,
		OccurredAt: time.Now().UTC(),
	}
}

func (e SessionEvent) Type() string {
	return e.EventType
}

func (e SessionEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// FileEvent represents a workspace filesystem change.
type FileEvent struct {
	EventType  string
	Path       string
	Operation  string
	OccurredAt time.Time
}

func NewFileEvent(path, operation string) FileEvent {
	return FileEvent{
		EventType:  "file_changed",
		Path:       path,
		Operation:  operation,
		OccurredAt: time.Now().UTC(),
	}
}

func (e FileEvent) Type() string {
	return e.EventType
}

func (e FileEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// LogEvent wraps log data for streaming.
type LogEvent struct {
	EventType  string
	Level      string
	Message    string
	Context    map[string]string
	OccurredAt time.Time
}

func NewLogEvent(level, message string, context map[string]string) LogEvent {
	return LogEvent{
		EventType:  "log_entry",
		Level:      level,
		Message:    message,
		Context:    context,
		OccurredAt: time.Now().UTC(),
	}
}

func (e LogEvent) Type() string {
	return e.EventType
}

func (e LogEvent) Timestamp() time.Time {
	return e.OccurredAt
}
