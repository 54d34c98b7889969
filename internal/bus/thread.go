package bus

import (
	"fmt"
	"sort"
	"time"
)

// Thread is a conversation between two participants within one session.
// Its id is deterministic: session id plus the sorted participant pair.
type Thread struct {
	ID           string     `json:"id"`
	Participants []string   `json:"participants"`
	SessionID    string     `json:"session_id"`
	CreatedAt    time.Time  `json:"created_at"`
	Messages     []*Message `json:"messages"`
	Active       bool       `json:"is_active"`
}

// ThreadID builds the deterministic thread key for a participant pair.
func ThreadID(sessionID, a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return fmt.Sprintf("%s_%s_%s", sessionID, pair[0], pair[1])
}

func newThread(sessionID, a, b string) *Thread {
	participants := []string{a, b}
	if a == b {
		participants = []string{a}
	}
	return &Thread{
		ID:           ThreadID(sessionID, a, b),
		Participants: participants,
		SessionID:    sessionID,
		CreatedAt:    time.Now().UTC(),
		Active:       true,
	}
}
