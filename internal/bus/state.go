package bus

import (
	"strings"
	"sync"
	"time"
)

// CompletionStatus summarizes where a conversation stands.
type CompletionStatus string

const (
	CompletionInProgress CompletionStatus = "in_progress"
	CompletionPartial    CompletionStatus = "partial_complete"
	CompletionBlocked    CompletionStatus = "blocked"
	CompletionCompleted  CompletionStatus = "completed"
)

// ProgressItem records one completion or blocking marker observed in a
// conversation.
type ProgressItem struct {
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	Agent       string    `json:"agent"`
}

// Progress tracks markers for one conversation.
type Progress struct {
	CompletedItems []ProgressItem `json:"completed_items"`
	BlockedItems   []ProgressItem `json:"blocked_items"`
	Percentage     float64        `json:"completion_percentage"`
}

// TurnState is the per-conversation turn bookkeeping.
type TurnState struct {
	CurrentRole  Role             `json:"current_role"`
	TurnCount    int              `json:"turn_count"`
	LastActivity time.Time        `json:"last_activity"`
	Status       CompletionStatus `json:"status"`
}

// TurnDecision is what the state manager recommends after observing one
// message.
type TurnDecision struct {
	ConversationID string           `json:"conversation_id"`
	TurnCount      int              `json:"turn_count"`
	Handoff        HandoffDecision  `json:"-"`
	Progress       Progress         `json:"progress"`
	Completion     CompletionStatus `json:"completion"`
	Action         string           `json:"recommended_action"`
}

// StateManager owns turn counts, progress markers, and handoff evaluation
// for every conversation it observes. One instance watches the whole bus.
type StateManager struct {
	mu            sync.Mutex
	conversations map[string]*TurnState
	progress      map[string]*Progress
	rules         []HandoffRule
	classifier    Classifier
}

func NewStateManager(classifier Classifier) *StateManager {
	if classifier == nil {
		classifier = NewKeywordClassifier()
	}
	return &StateManager{
		conversations: make(map[string]*TurnState),
		progress:      make(map[string]*Progress),
		rules:         DefaultHandoffRules(),
		classifier:    classifier,
	}
}

// SetRules replaces the handoff rule list. Order matters: first match wins.
func (m *StateManager) SetRules(rules []HandoffRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = rules
}

// ObserveTurn advances the conversation state for one message and returns
// the turn decision: handoff, progress, completion, and recommended action.
func (m *StateManager) ObserveTurn(msg *Message, currentRole Role) TurnDecision {
	conversationID := ThreadID(msg.SessionID, msg.Sender, msg.Recipient)

	m.mu.Lock()
	state, ok := m.conversations[conversationID]
	if !ok {
		state = &TurnState{CurrentRole: currentRole, Status: CompletionInProgress}
		m.conversations[conversationID] = state
	}
	state.CurrentRole = currentRole
	state.TurnCount++
	state.LastActivity = time.Now().UTC()
	turnCount := state.TurnCount
	rules := m.rules
	m.mu.Unlock()

	handoff := EvaluateHandoff(rules, msg, currentRole)
	progress := m.trackProgress(msg, conversationID)
	completion := checkCompletion(msg.Content)

	m.mu.Lock()
	state.Status = completion
	m.mu.Unlock()

	return TurnDecision{
		ConversationID: conversationID,
		TurnCount:      turnCount,
		Handoff:        handoff,
		Progress:       progress,
		Completion:     completion,
		Action:         recommendedAction(handoff, progress, completion),
	}
}

// EvaluateHandoff infers the sender's role and runs the rule list.
func (m *StateManager) EvaluateHandoff(msg *Message, roleOf func(agentID string) (Role, bool)) HandoffDecision {
	role, ok := roleOf(msg.Sender)
	if !ok {
		return HandoffDecision{}
	}
	m.mu.Lock()
	rules := m.rules
	m.mu.Unlock()
	return EvaluateHandoff(rules, msg, role)
}

func (m *StateManager) trackProgress(msg *Message, conversationID string) Progress {
	markers := m.classifier.Classify(msg.Content)
	item := ProgressItem{
		Timestamp:   msg.Timestamp,
		Description: clipContent(msg.Content, 100),
		Agent:       msg.Sender,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	progress, ok := m.progress[conversationID]
	if !ok {
		progress = &Progress{}
		m.progress[conversationID] = progress
	}
	if markers.Completed {
		progress.CompletedItems = append(progress.CompletedItems, item)
	}
	if markers.Blocked {
		progress.BlockedItems = append(progress.BlockedItems, item)
	}
	total := len(progress.CompletedItems) + len(progress.BlockedItems)
	if total > 0 {
		progress.Percentage = float64(len(progress.CompletedItems)) / float64(total) * 100
	}

	snapshot := *progress
	return snapshot
}

// ProgressFor returns a copy of the conversation's progress.
func (m *StateManager) ProgressFor(conversationID string) (Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	progress, ok := m.progress[conversationID]
	if !ok {
		return Progress{}, false
	}
	return *progress, true
}

// TurnStateFor returns a copy of the conversation's turn state.
func (m *StateManager) TurnStateFor(conversationID string) (TurnState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.conversations[conversationID]
	if !ok {
		return TurnState{}, false
	}
	return *state, true
}

func checkCompletion(content string) CompletionStatus {
	lower := strings.ToLower(content)
	strong := []string{"task completed", "project finished", "implementation done", "all requirements met"}
	for _, phrase := range strong {
		if strings.Contains(lower, phrase) {
			return CompletionCompleted
		}
	}
	partial := []string{"phase completed", "milestone reached", "ready for next"}
	for _, phrase := range partial {
		if strings.Contains(lower, phrase) {
			return CompletionPartial
		}
	}
	blocking := []string{"cannot proceed", "blocked", "error encountered", "failed to"}
	for _, phrase := range blocking {
		if strings.Contains(lower, phrase) {
			return CompletionBlocked
		}
	}
	return CompletionInProgress
}

func recommendedAction(handoff HandoffDecision, progress Progress, completion CompletionStatus) string {
	switch {
	case completion == CompletionCompleted:
		return "finalize_conversation"
	case completion == CompletionBlocked:
		return "resolve_blocking_issue"
	case handoff.Required:
		return "handoff_to_" + string(handoff.NextRole)
	case len(progress.CompletedItems) > 0:
		return "continue_with_next_task"
	default:
		return "continue_current_work"
	}
}

func clipContent(content string, limit int) string {
	if len(content) <= limit {
		return content
	}
	return content[:limit] + "..."
}
