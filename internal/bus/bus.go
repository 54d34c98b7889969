package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wilsonherrera77/ai-bridge-cli/internal/event"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/logging"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/metrics"
)

const defaultQueueSize = 256

var ErrBusClosed = errors.New("message bus closed")

type Options struct {
	// PersistDir enables JSONL persistence when non-empty.
	PersistDir string
	Logger     *logging.Logger
	Metrics    *metrics.Registry
	Events     *event.Bus[event.Event]
	Classifier Classifier
	QueueSize  int

	// Transformation and handoff are on by default.
	DisableAutoTransform bool
	DisableAutoHandoff   bool
}

type registeredAgent struct {
	role         Role
	active       bool
	registeredAt time.Time
}

// Stats is a snapshot of bus activity.
type Stats struct {
	TotalMessages   int                 `json:"total_messages"`
	MessagesByType  map[MessageType]int `json:"messages_by_type"`
	ActiveThreads   int                 `json:"active_threads"`
	ActiveQueues    int                 `json:"active_queues"`
	Transformations int                 `json:"transformations"`
	Handoffs        int                 `json:"handoffs"`
	Rejected        int                 `json:"rejected"`
	Dropped         int                 `json:"dropped"`
}

// Bus is the sole owner of message transformation and conversation state.
// Agents register with it; every message flows through one pipeline:
// validate, transform, record, evaluate handoff, route, persist.
type Bus struct {
	opts    Options
	engine  *Engine
	state   *StateManager
	journal *Journal

	sendMu sync.Mutex

	mu        sync.Mutex
	agents    map[string]*registeredAgent
	providers map[string]ContextProvider
	queues    map[string]chan *Message
	threads   map[string]*Thread
	messages  []*Message
	stats     Stats
	closed    bool
}

func New(opts Options) (*Bus, error) {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	var journal *Journal
	if opts.PersistDir != "" {
		var err error
		journal, err = NewJournal(opts.PersistDir)
		if err != nil {
			return nil, err
		}
	}

	return &Bus{
		opts:      opts,
		engine:    NewEngine(),
		state:     NewStateManager(opts.Classifier),
		journal:   journal,
		agents:    make(map[string]*registeredAgent),
		providers: make(map[string]ContextProvider),
		queues:    make(map[string]chan *Message),
		threads:   make(map[string]*Thread),
		stats:     Stats{MessagesByType: make(map[MessageType]int)},
	}, nil
}

// Engine exposes the transformation engine for template registration.
func (b *Bus) Engine() *Engine {
	return b.engine
}

// State exposes the conversation state manager.
func (b *Bus) State() *StateManager {
	return b.state
}

// RegisterAgent declares an agent and its context provider. The provider may
// be nil for agents that contribute no transformation context.
func (b *Bus) RegisterAgent(agentID string, role Role, provider ContextProvider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agents[agentID] = &registeredAgent{
		role:         role,
		active:       true,
		registeredAt: time.Now().UTC(),
	}
	if provider != nil {
		b.providers[agentID] = provider
	}
	b.opts.Logger.Info("agent registered", map[string]string{
		"bridge.agent_id": agentID,
		"bridge.role":     string(role),
	})
}

// UnregisterAgent deactivates the agent and drops its provider.
func (b *Bus) UnregisterAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if agent, ok := b.agents[agentID]; ok {
		agent.active = false
	}
	delete(b.providers, agentID)
}

// RegisteredAgents returns the active agents and their roles.
func (b *Bus) RegisteredAgents() map[string]Role {
	b.mu.Lock()
	defer b.mu.Unlock()
	agents := make(map[string]Role)
	for id, agent := range b.agents {
		if agent.active {
			agents[id] = agent.role
		}
	}
	return agents
}

// Send pushes one message through the full pipeline. The pipeline runs
// atomically per message: a second Send does not interleave.
func (b *Bus) Send(msg *Message) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	return b.send(msg, true)
}

// send runs the pipeline. Bus-injected messages pass external=false, which
// skips transformation and handoff evaluation so injections cannot cascade.
func (b *Bus) send(msg *Message, external bool) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	if err := msg.Validate(); err != nil {
		b.opts.Metrics.IncMessageRejected()
		b.mu.Lock()
		b.stats.Rejected++
		b.mu.Unlock()
		b.opts.Logger.Warn("message rejected", map[string]string{
			"bridge.message_id": msg.ID,
			"bridge.error":      err.Error(),
		})
		return err
	}

	delivered := msg
	senderRole, senderKnown := b.roleOf(msg.Sender)

	if external && !b.opts.DisableAutoTransform && senderKnown {
		if recipientRole, ok := b.roleOf(msg.Recipient); ok {
			if templateID := b.engine.SelectTemplate(msg, senderRole, recipientRole); templateID != "" {
				transformed, applied := b.engine.Transform(msg, senderRole, recipientRole, templateID, nil, b.activeProviders())
				if applied {
					delivered = transformed
					b.opts.Metrics.IncMessageTransformed()
					b.mu.Lock()
					b.stats.Transformations++
					b.mu.Unlock()
					b.opts.Logger.Debug("message transformed", map[string]string{
						"bridge.message_id": msg.ID,
						"bridge.template":   templateID,
					})
				}
			}
		}
	}

	b.record(delivered)

	if senderKnown {
		decision := b.state.ObserveTurn(delivered, senderRole)
		b.opts.Logger.Debug("turn observed", map[string]string{
			"bridge.conversation": decision.ConversationID,
			"bridge.action":       decision.Action,
		})
	}

	// Handoff rules run against the original content: rendered template
	// bodies contain default phrases that must not trigger rules.
	if external && !b.opts.DisableAutoHandoff {
		b.maybeHandoff(msg)
	}

	b.route(delivered)

	if b.journal != nil {
		if err := b.journal.Append(delivered); err != nil {
			b.opts.Logger.Error("message persistence failed", map[string]string{
				"bridge.message_id": delivered.ID,
				"bridge.error":      err.Error(),
			})
		}
	}

	b.opts.Metrics.IncMessageSent()
	b.publish(event.NewMessageEvent("message_accepted", delivered.ID, delivered.Sender, delivered.Recipient))
	return nil
}

// maybeHandoff evaluates the handoff rules and, when one fires, injects a
// system handoff message addressed to the agent holding the target role.
// The injected message skips handoff evaluation so rules cannot recurse.
func (b *Bus) maybeHandoff(msg *Message) {
	decision := b.state.EvaluateHandoff(msg, b.roleOf)
	if !decision.Required {
		return
	}

	target, ok := b.agentWithRole(decision.NextRole)
	if !ok {
		b.opts.Logger.Warn("handoff target role has no active agent", map[string]string{
			"bridge.role":   string(decision.NextRole),
			"bridge.reason": decision.Reason,
		})
		return
	}

	handoff := NewMessage(decision.MessageType, SenderSystem, target,
		fmt.Sprintf("Automatic handoff initiated: %s", decision.Reason), msg.SessionID)
	handoff.Metadata = map[string]string{
		"handoff.reason":         decision.Reason,
		"handoff.original_id":    msg.ID,
		"handoff.source_agent":   msg.Sender,
		"handoff.triggered_rule": decision.Reason,
	}

	if err := b.send(handoff, false); err != nil {
		b.opts.Logger.Error("handoff message rejected", map[string]string{
			"bridge.error": err.Error(),
		})
		return
	}

	b.opts.Metrics.IncHandoffTriggered()
	b.mu.Lock()
	b.stats.Handoffs++
	b.mu.Unlock()
	b.publish(event.NewMessageEvent("handoff_triggered", handoff.ID, msg.Sender, target))
}

func (b *Bus) record(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.messages = append(b.messages, msg)
	b.stats.TotalMessages++
	b.stats.MessagesByType[msg.Type]++

	threadID := ThreadID(msg.SessionID, msg.Sender, msg.Recipient)
	thread, ok := b.threads[threadID]
	if !ok {
		thread = newThread(msg.SessionID, msg.Sender, msg.Recipient)
		b.threads[threadID] = thread
		b.stats.ActiveThreads++
	}
	thread.Messages = append(thread.Messages, msg)
}

func (b *Bus) route(msg *Message) {
	if msg.Broadcast() {
		for _, agentID := range b.activeAgentIDs() {
			if agentID == msg.Sender {
				continue
			}
			b.enqueue(agentID, msg.clone())
		}
		b.opts.Metrics.IncMessageBroadcast()
		return
	}
	b.enqueue(msg.Recipient, msg)
}

func (b *Bus) enqueue(recipient string, msg *Message) {
	queue := b.queue(recipient)
	select {
	case queue <- msg:
	default:
		b.mu.Lock()
		b.stats.Dropped++
		b.mu.Unlock()
		b.opts.Logger.Warn("recipient queue full, message dropped", map[string]string{
			"bridge.recipient":  recipient,
			"bridge.message_id": msg.ID,
		})
	}
}

// Receive blocks for the recipient's next message. The queue is created
// lazily, so receivers may start waiting before any message arrives.
func (b *Bus) Receive(ctx context.Context, recipient string) (*Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	queue := b.queue(recipient)
	select {
	case msg := <-queue:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Drain empties the recipient's queue without blocking and returns what was
// pending, oldest first.
func (b *Bus) Drain(recipient string) []*Message {
	queue := b.queue(recipient)
	var drained []*Message
	for {
		select {
		case msg := <-queue:
			drained = append(drained, msg)
		default:
			return drained
		}
	}
}

func (b *Bus) queue(recipient string) chan *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue, ok := b.queues[recipient]
	if !ok {
		queue = make(chan *Message, b.opts.QueueSize)
		b.queues[recipient] = queue
		b.stats.ActiveQueues++
	}
	return queue
}

// Thread returns a copy of the conversation between two participants.
func (b *Bus) Thread(sessionID, a, c string) (Thread, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	thread, ok := b.threads[ThreadID(sessionID, a, c)]
	if !ok {
		return Thread{}, false
	}
	snapshot := *thread
	snapshot.Messages = append([]*Message(nil), thread.Messages...)
	return snapshot, true
}

// RecentMessages returns up to count newest messages, optionally filtered by
// session, newest first.
func (b *Bus) RecentMessages(count int, sessionID string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filtered []*Message
	for _, msg := range b.messages {
		if sessionID == "" || msg.SessionID == sessionID {
			filtered = append(filtered, msg)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.After(filtered[j].Timestamp)
	})
	if count > 0 && len(filtered) > count {
		filtered = filtered[:count]
	}
	return filtered
}

// MessageCount returns how many messages passed the pipeline, optionally for
// one session.
func (b *Bus) MessageCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sessionID == "" {
		return len(b.messages)
	}
	count := 0
	for _, msg := range b.messages {
		if msg.SessionID == sessionID {
			count++
		}
	}
	return count
}

// LoadHistory reads a session's persisted messages from disk.
func (b *Bus) LoadHistory(sessionID string) ([]*Message, error) {
	if b.journal == nil {
		return nil, nil
	}
	return b.journal.LoadHistory(sessionID)
}

// Statistics returns a copy of the bus counters.
func (b *Bus) Statistics() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot := b.stats
	snapshot.MessagesByType = make(map[MessageType]int, len(b.stats.MessagesByType))
	for key, value := range b.stats.MessagesByType {
		snapshot.MessagesByType[key] = value
	}
	return snapshot
}

// ClearSession drops in-memory messages and threads for one session. The
// on-disk journal is left intact.
func (b *Bus) ClearSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.messages[:0]
	for _, msg := range b.messages {
		if msg.SessionID != sessionID {
			kept = append(kept, msg)
		}
	}
	b.messages = kept

	for id, thread := range b.threads {
		if thread.SessionID == sessionID {
			delete(b.threads, id)
			b.stats.ActiveThreads--
		}
	}
}

// Shutdown flushes persistence and rejects further sends. Pending queue
// contents remain readable until receivers drain them.
func (b *Bus) Shutdown() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.journal != nil {
		return b.journal.Close()
	}
	return nil
}

func (b *Bus) roleOf(agentID string) (Role, bool) {
	b.mu.Lock()
	for id, agent := range b.agents {
		if agent.active && (id == agentID || strings.HasSuffix(agentID, "_"+id)) {
			b.mu.Unlock()
			return agent.role, true
		}
	}
	b.mu.Unlock()
	if agentID == "orchestrator" || agentID == SenderSystem {
		return RoleOrchestrator, true
	}
	return InferRole(agentID)
}

func (b *Bus) agentWithRole(role Role) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var candidates []string
	for id, agent := range b.agents {
		if agent.active && agent.role == role {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Strings(candidates)
	return candidates[0], true
}

func (b *Bus) activeAgentIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id, agent := range b.agents {
		if agent.active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (b *Bus) activeProviders() map[string]ContextProvider {
	b.mu.Lock()
	defer b.mu.Unlock()
	providers := make(map[string]ContextProvider)
	for id, provider := range b.providers {
		if agent, ok := b.agents[id]; ok && agent.active {
			providers[id] = provider
		}
	}
	return providers
}

func (b *Bus) publish(evt event.Event) {
	if b.opts.Events == nil {
		return
	}
	b.opts.Events.Publish(evt)
}
