package bus

import (
	"os"
	"path/filepath"
	"testing"
)

func TestJournalAppendAndLoad(t *testing.T) {
	dir := t.TempDir()
	journal, err := NewJournal(dir)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	defer journal.Close()

	for i := 0; i < 3; i++ {
		msg := NewMessage(TypeStatusUpdate, "frontend", "backend", "update", "s1")
		if err := journal.Append(msg); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := journal.Append(NewMessage(TypeStatusUpdate, "frontend", "backend", "other", "s2")); err != nil {
		t.Fatalf("Append s2: %v", err)
	}

	// LoadHistory flushes pending writes before reading.
	history, err := journal.LoadHistory("s1")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history = %d, want 3", len(history))
	}

	other, err := journal.LoadHistory("s2")
	if err != nil {
		t.Fatalf("LoadHistory s2: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("s2 history = %d, want 1", len(other))
	}
}

func TestLoadHistoryMissingSession(t *testing.T) {
	journal, err := NewJournal(t.TempDir())
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	defer journal.Close()

	history, err := journal.LoadHistory("never-seen")
	if err != nil || history != nil {
		t.Fatalf("LoadHistory = %v, %v; want nil, nil", history, err)
	}
}

func TestLoadHistorySkipsTornRecords(t *testing.T) {
	dir := t.TempDir()
	journal, err := NewJournal(dir)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}

	msg := NewMessage(TypeStatusUpdate, "frontend", "backend", "good record", "s1")
	if err := journal.Append(msg); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a torn tail write.
	path := filepath.Join(dir, "s1", journalFileName)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := file.WriteString(`{"id":"truncat`); err != nil {
		t.Fatalf("write: %v", err)
	}
	file.Close()

	reopened, err := NewJournal(dir)
	if err != nil {
		t.Fatalf("NewJournal reopen: %v", err)
	}
	defer reopened.Close()

	history, err := reopened.LoadHistory("s1")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(history) != 1 || history[0].ID != msg.ID {
		t.Fatalf("history = %+v, want the one good record", history)
	}
}

func TestJournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	journal, err := NewJournal(dir)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	first := NewMessage(TypeStatusUpdate, "frontend", "backend", "first", "s1")
	if err := journal.Append(first); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	journal, err = NewJournal(dir)
	if err != nil {
		t.Fatalf("NewJournal reopen: %v", err)
	}
	defer journal.Close()
	second := NewMessage(TypeStatusUpdate, "frontend", "backend", "second", "s1")
	if err := journal.Append(second); err != nil {
		t.Fatalf("Append: %v", err)
	}

	history, err := journal.LoadHistory("s1")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(history) != 2 || history[0].Content != "first" || history[1].Content != "second" {
		t.Fatalf("history = %+v, want first then second", history)
	}
}

func TestAppendAfterClose(t *testing.T) {
	journal, err := NewJournal(t.TempDir())
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := journal.Append(NewMessage(TypeStatusUpdate, "a", "b", "late", "s1")); err != nil {
		t.Fatalf("Append after close should be a no-op, got %v", err)
	}
}
