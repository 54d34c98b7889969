package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	journalFlushInterval  = time.Second
	journalFlushThreshold = 32 * 1024
	journalChannelSize    = 512
	journalFileName       = "messages.jsonl"
)

// Journal persists every delivered message as JSON-Lines, one file per
// session under dir/<session_id>/messages.jsonl. Writes are asynchronous;
// a full queue drops the oldest pending record rather than stall the bus.
type Journal struct {
	dir string

	mu      sync.Mutex
	writers map[string]*journalWriter
	closed  bool
}

func NewJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &Journal{
		dir:     dir,
		writers: make(map[string]*journalWriter),
	}, nil
}

// Append queues one message for its session's log.
func (j *Journal) Append(msg *Message) error {
	if j == nil || msg == nil {
		return nil
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	writer, ok := j.writers[msg.SessionID]
	if !ok {
		sessionDir := filepath.Join(j.dir, msg.SessionID)
		if err := os.MkdirAll(sessionDir, 0o755); err != nil {
			j.mu.Unlock()
			return fmt.Errorf("create session dir: %w", err)
		}
		path := filepath.Join(sessionDir, journalFileName)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			j.mu.Unlock()
			return fmt.Errorf("open session log: %w", err)
		}
		writer = newJournalWriter(path, file)
		j.writers[msg.SessionID] = writer
	}
	j.mu.Unlock()

	writer.Write(msg)
	return nil
}

// LoadHistory reads a session's log back. Records that fail to parse are
// skipped, so a torn tail write cannot poison the whole history.
func (j *Journal) LoadHistory(sessionID string) ([]*Message, error) {
	// Flush pending writes so the read sees them.
	j.mu.Lock()
	writer := j.writers[sessionID]
	j.mu.Unlock()
	if writer != nil {
		writer.Flush()
	}

	path := filepath.Join(j.dir, sessionID, journalFileName)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer file.Close()

	var messages []*Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), MaxContentBytes*2)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		messages = append(messages, &msg)
	}
	if err := scanner.Err(); err != nil {
		return messages, fmt.Errorf("read session log: %w", err)
	}
	return messages, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	j.closed = true
	writers := make([]*journalWriter, 0, len(j.writers))
	for _, writer := range j.writers {
		writers = append(writers, writer)
	}
	j.writers = make(map[string]*journalWriter)
	j.mu.Unlock()

	var firstErr error
	for _, writer := range writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// journalWriter is an asynchronous buffered appender for one session file.
type journalWriter struct {
	path    string
	file    *os.File
	writer  *bufio.Writer
	writeCh chan *Message
	flushCh chan chan struct{}
	closeCh chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Uint64
	closeErr  error
}

func newJournalWriter(path string, file *os.File) *journalWriter {
	writer := &journalWriter{
		path:    path,
		file:    file,
		writer:  bufio.NewWriterSize(file, journalFlushThreshold),
		writeCh: make(chan *Message, journalChannelSize),
		flushCh: make(chan chan struct{}),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go writer.run()
	return writer
}

func (w *journalWriter) Write(msg *Message) {
	if w == nil || w.closed.Load() {
		return
	}
	select {
	case w.writeCh <- msg:
	default:
		select {
		case <-w.writeCh:
			w.dropped.Add(1)
		default:
		}
		select {
		case w.writeCh <- msg:
		default:
			w.dropped.Add(1)
		}
	}
}

// Flush blocks until everything queued so far is on disk.
func (w *journalWriter) Flush() {
	if w == nil || w.closed.Load() {
		return
	}
	ack := make(chan struct{})
	select {
	case w.flushCh <- ack:
		<-ack
	case <-w.closeCh:
	}
}

func (w *journalWriter) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *journalWriter) Close() error {
	if w == nil {
		return nil
	}
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.closeCh)
		<-w.done
	})
	return w.closeErr
}

func (w *journalWriter) run() {
	defer close(w.done)

	ticker := time.NewTicker(journalFlushInterval)
	defer ticker.Stop()

	pending := 0
	flush := func(force bool) {
		if pending == 0 && !force {
			return
		}
		if err := w.writer.Flush(); err != nil && w.closeErr == nil {
			w.closeErr = err
		}
		pending = 0
	}

	writeRecord := func(msg *Message) {
		payload, err := json.Marshal(msg)
		if err != nil {
			if w.closeErr == nil {
				w.closeErr = err
			}
			return
		}
		payload = append(payload, '\n')
		n, err := w.writer.Write(payload)
		if err != nil && w.closeErr == nil {
			w.closeErr = err
		}
		if err == nil {
			pending += n
		}
		if pending >= journalFlushThreshold {
			flush(false)
		}
	}

	for {
		select {
		case msg := <-w.writeCh:
			writeRecord(msg)
		case ack := <-w.flushCh:
			for drained := false; !drained; {
				select {
				case msg := <-w.writeCh:
					writeRecord(msg)
				default:
					flush(true)
					close(ack)
					drained = true
				}
			}
		case <-ticker.C:
			flush(false)
		case <-w.closeCh:
			for {
				select {
				case msg := <-w.writeCh:
					writeRecord(msg)
				default:
					flush(true)
					if err := w.file.Close(); err != nil && w.closeErr == nil {
						w.closeErr = err
					}
					return
				}
			}
		}
	}
}
