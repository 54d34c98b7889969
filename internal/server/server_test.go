package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonherrera77/ai-bridge-cli/internal/bus"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/event"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/logging"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/metrics"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/orchestrator"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/registry"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/workflow"
)

type fakeSessions struct {
	mu       sync.Mutex
	startErr error
	actions  []string
	sessions map[string]orchestrator.Session
}

func (f *fakeSessions) StartOrchestration(ctx context.Context, objective string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.actions = append(f.actions, "start:"+objective)
	return "session-1", nil
}

func (f *fakeSessions) SessionStatus(sessionID string) (orchestrator.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return orchestrator.Session{}, fmt.Errorf("%w: %s", orchestrator.ErrUnknownSession, sessionID)
	}
	return session, nil
}

func (f *fakeSessions) Sessions() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.sessions))
	for id := range f.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeSessions) record(action, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", orchestrator.ErrUnknownSession, id)
	}
	f.actions = append(f.actions, action+":"+id)
	return nil
}

func (f *fakeSessions) Pause(id string) error  { return f.record("pause", id) }
func (f *fakeSessions) Resume(id string) error { return f.record("resume", id) }
func (f *fakeSessions) Stop(id string) error   { return f.record("stop", id) }

type fakeAgents struct {
	infos []registry.Info
}

func (f *fakeAgents) List() []registry.Info { return f.infos }

type fakeMessages struct {
	messages []*bus.Message
	stats    bus.Stats
}

func (f *fakeMessages) RecentMessages(count int, sessionID string) []*bus.Message {
	if count < len(f.messages) {
		return f.messages[:count]
	}
	return f.messages
}

func (f *fakeMessages) Statistics() bus.Stats { return f.stats }

type fakeWorkflow struct {
	exec     workflow.Execution
	active   bool
	blockers []workflow.Blocker
}

func (f *fakeWorkflow) Execution() (workflow.Execution, bool) { return f.exec, f.active }
func (f *fakeWorkflow) DetectBlockers() []workflow.Blocker    { return f.blockers }

type fixture struct {
	sessions *fakeSessions
	events   *event.Bus[event.Event]
	logger   *logging.Logger
	counters *metrics.Registry
	ts       *httptest.Server
}

func newFixture(t *testing.T, token string, origins []string) *fixture {
	t.Helper()
	sessions := &fakeSessions{
		sessions: map[string]orchestrator.Session{
			"session-1": {ID: "session-1", Objective: "build things", State: orchestrator.SessionRunning},
		},
	}
	events := event.NewBus[event.Event](context.Background(), event.BusOptions{
		Name:     "test",
		Registry: &metrics.Registry{},
	})
	t.Cleanup(events.Close)
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(64), logging.LevelDebug, io.Discard)
	counters := &metrics.Registry{}
	counters.IncMessageSent()

	srv := New(Options{
		AuthToken:      token,
		AllowedOrigins: origins,
		Sessions:       sessions,
		Agents:         &fakeAgents{infos: []registry.Info{{ID: "agent_a", State: "ready"}}},
		Messages: &fakeMessages{
			messages: []*bus.Message{bus.NewMessage(bus.TypeTask, "orchestrator", "agent_a", "work", "s1")},
			stats:    bus.Stats{TotalMessages: 1},
		},
		Workflow: &fakeWorkflow{
			exec:   workflow.Execution{ID: "wf-1", State: workflow.StateRunning, CurrentPhase: workflow.PhasePlanning},
			active: true,
		},
		Logger:  logger,
		Metrics: counters,
		Events:  events,
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &fixture{sessions: sessions, events: events, logger: logger, counters: counters, ts: ts}
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, "secret", nil)

	resp, _ := doJSON(t, http.MethodGet, f.ts.URL+"/api/sessions", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, f.ts.URL+"/api/sessions", "wrong", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for bad token", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, f.ts.URL+"/api/sessions", "secret", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 with valid token", resp.StatusCode)
	}
	// Query-parameter tokens serve WebSocket clients.
	resp, _ = doJSON(t, http.MethodGet, f.ts.URL+"/api/sessions?token=secret", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 with query token", resp.StatusCode)
	}
}

func TestStartSession(t *testing.T) {
	f := newFixture(t, "", nil)

	resp, body := doJSON(t, http.MethodPost, f.ts.URL+"/api/sessions", "", startSessionRequest{Objective: "ship it"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var created startSessionResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.SessionID != "session-1" {
		t.Fatalf("session id = %q", created.SessionID)
	}

	resp, _ = doJSON(t, http.MethodPost, f.ts.URL+"/api/sessions", "", startSessionRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for empty objective", resp.StatusCode)
	}

	f.sessions.startErr = orchestrator.ErrSessionActive
	resp, _ = doJSON(t, http.MethodPost, f.ts.URL+"/api/sessions", "", startSessionRequest{Objective: "again"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409 when a session is active", resp.StatusCode)
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	f := newFixture(t, "", nil)

	for _, action := range []string{"pause", "resume", "stop"} {
		resp, body := doJSON(t, http.MethodPost, f.ts.URL+"/api/sessions/session-1/"+action, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d, body %s", action, resp.StatusCode, body)
		}
		var session orchestrator.Session
		if err := json.Unmarshal(body, &session); err != nil {
			t.Fatalf("decode %s response: %v", action, err)
		}
		if session.ID != "session-1" {
			t.Fatalf("%s returned session %q", action, session.ID)
		}
	}
	f.sessions.mu.Lock()
	actions := strings.Join(f.sessions.actions, ",")
	f.sessions.mu.Unlock()
	if actions != "pause:session-1,resume:session-1,stop:session-1" {
		t.Fatalf("unexpected actions %s", actions)
	}

	resp, _ := doJSON(t, http.MethodPost, f.ts.URL+"/api/sessions/ghost/pause", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unknown session", resp.StatusCode)
	}
}

func TestSessionStatusEndpoint(t *testing.T) {
	f := newFixture(t, "", nil)

	resp, body := doJSON(t, http.MethodGet, f.ts.URL+"/api/sessions/session-1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var session orchestrator.Session
	if err := json.Unmarshal(body, &session); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if session.Objective != "build things" {
		t.Fatalf("objective = %q", session.Objective)
	}

	resp, _ = doJSON(t, http.MethodGet, f.ts.URL+"/api/sessions/ghost", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAgentsAndMessagesEndpoints(t *testing.T) {
	f := newFixture(t, "", nil)

	resp, body := doJSON(t, http.MethodGet, f.ts.URL+"/api/agents", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("agents status = %d", resp.StatusCode)
	}
	var infos []registry.Info
	if err := json.Unmarshal(body, &infos); err != nil {
		t.Fatalf("decode agents: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "agent_a" {
		t.Fatalf("unexpected agents %+v", infos)
	}

	resp, body = doJSON(t, http.MethodGet, f.ts.URL+"/api/messages?count=10", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages status = %d", resp.StatusCode)
	}
	var messages messagesResponse
	if err := json.Unmarshal(body, &messages); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(messages.Messages) != 1 || messages.Statistics.TotalMessages != 1 {
		t.Fatalf("unexpected messages response %+v", messages)
	}

	resp, _ = doJSON(t, http.MethodGet, f.ts.URL+"/api/messages?count=nope", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad count", resp.StatusCode)
	}
}

func TestWorkflowEndpoint(t *testing.T) {
	f := newFixture(t, "", nil)

	resp, body := doJSON(t, http.MethodGet, f.ts.URL+"/api/workflow", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload workflowResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Execution.ID != "wf-1" || payload.Execution.CurrentPhase != workflow.PhasePlanning {
		t.Fatalf("unexpected execution %+v", payload.Execution)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "", nil)

	resp, body := doJSON(t, http.MethodGet, f.ts.URL+"/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "bridge_messages_sent_total 1") {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t, "secret", nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "/ws/events?token=secret&types=session_started"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Filtered out, then matched.
	f.events.Publish(event.NewTransportEvent("agent_a", "transport_started", "ready"))
	f.events.Publish(event.NewSessionEvent("s1", "session_started"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var envelope eventEnvelope
	if err := conn.ReadJSON(&envelope); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if envelope.Type != "session_started" {
		t.Fatalf("event type = %q, want session_started", envelope.Type)
	}
}

func TestEventsStreamRejectsBadToken(t *testing.T) {
	f := newFixture(t, "secret", nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "/ws/events?token=wrong"), nil)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", resp)
	}
}

func TestEventsStreamRejectsOrigin(t *testing.T) {
	f := newFixture(t, "", []string{"trusted.example.com"})

	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	if _, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "/ws/events"), header); err == nil {
		t.Fatal("expected origin rejection")
	}

	header = http.Header{"Origin": []string{"http://trusted.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "/ws/events"), header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}

func TestLogsStreamFiltersLevel(t *testing.T) {
	f := newFixture(t, "", nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "/ws/logs?level=warning"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	f.logger.Debug("too quiet", nil)
	f.logger.Warn("loud enough", map[string]string{"bridge.category": "test"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var entry logging.LogEntry
	if err := conn.ReadJSON(&entry); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if entry.Message != "loud enough" || entry.Level != logging.LevelWarning {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestLogsStreamRejectsUnknownLevel(t *testing.T) {
	f := newFixture(t, "", nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "/ws/logs?level=shouting"), nil)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 handshake response, got %+v", resp)
	}
}
