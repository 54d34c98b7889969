package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SessionState is the orchestration lifecycle.
type SessionState string

const (
	SessionIdle         SessionState = "idle"
	SessionInitializing SessionState = "initializing"
	SessionRunning      SessionState = "running"
	SessionPaused       SessionState = "paused"
	SessionCompleted    SessionState = "completed"
	SessionFailed       SessionState = "failed"
	SessionStopped      SessionState = "stopped"
)

// AgentState tracks one agent inside a session.
type AgentState string

const (
	AgentIdle      AgentState = "idle"
	AgentActive    AgentState = "active"
	AgentReady     AgentState = "ready"
	AgentCompleted AgentState = "completed"
	AgentError     AgentState = "error"
	AgentStopped   AgentState = "stopped"
)

// Session is one orchestration run. It mirrors the workflow execution and is
// persisted as sessions/session_<id>.json so a run can be inspected or
// resumed later.
type Session struct {
	ID            string                `json:"id"`
	Objective     string                `json:"objective"`
	State         SessionState          `json:"state"`
	WorkflowID    string                `json:"workflow_id"`
	WorkspacePath string                `json:"workspace_path"`
	CreatedAt     time.Time             `json:"created_at"`
	StartedAt     *time.Time            `json:"started_at,omitempty"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
	Iteration     int                   `json:"current_iteration"`
	MaxIterations int                   `json:"max_iterations"`
	Agents        map[string]AgentState `json:"agents_status"`
	ErrorMessage  string                `json:"error_message,omitempty"`
}

func (s *Session) clone() Session {
	dup := *s
	dup.Agents = make(map[string]AgentState, len(s.Agents))
	for id, state := range s.Agents {
		dup.Agents[id] = state
	}
	return dup
}

// Store persists sessions as one JSON document each.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, "session_"+sessionID+".json")
}

func (s *Store) Save(session *Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	tmp := s.path(session.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, s.path(session.ID)); err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	return nil
}

func (s *Store) Load(sessionID string) (*Session, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	return &session, nil
}

// writeJSONFile writes a document atomically next to its final path.
func writeJSONFile(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// List returns the ids of every persisted session, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "session_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, "session_"), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
