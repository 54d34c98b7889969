package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wilsonherrera77/ai-bridge-cli/internal/logging"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/metrics"
)

const (
	lineChannelSize   = 256
	detectorTickEvery = 50 * time.Millisecond
	maxLineSize       = 1 << 20
)

type Options struct {
	Factory  PtyFactory
	Logger   *logging.Logger
	Registry *metrics.Registry
	// OnCrash fires when the subprocess dies outside of Stop. The callback
	// runs on the reader goroutine; keep it short.
	OnCrash func(err error)
}

// Transport owns one subprocess behind a PTY and turns its free-form output
// into discrete replies. One request is in flight at a time; Send serializes
// callers.
type Transport struct {
	spec     LaunchSpec
	factory  PtyFactory
	logger   *logging.Logger
	registry *metrics.Registry
	onCrash  func(err error)

	sendMu sync.Mutex

	mu    sync.Mutex
	pty   Pty
	cmd   *exec.Cmd
	lines chan string

	status   atomic.Uint32
	closing  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

func New(spec LaunchSpec, opts Options) *Transport {
	if opts.Factory == nil {
		opts.Factory = DefaultPtyFactory()
	}
	if opts.Registry == nil {
		opts.Registry = metrics.Default
	}
	transport := &Transport{
		spec:     spec,
		factory:  opts.Factory,
		logger:   opts.Logger,
		registry: opts.Registry,
		onCrash:  opts.OnCrash,
	}
	transport.status.Store(uint32(StatusStarting))
	return transport
}

func (t *Transport) ID() string {
	return t.spec.ID
}

func (t *Transport) Spec() LaunchSpec {
	return t.spec
}

func (t *Transport) Status() Status {
	return Status(t.status.Load())
}

func (t *Transport) setStatus(status Status) {
	t.status.Store(uint32(status))
}

// Start spawns the subprocess and begins framing its output. Start may be
// called again after a crash; it fails after Stop.
func (t *Transport) Start() error {
	if t.closing.Load() {
		return ErrTransportClosed
	}
	if err := t.spec.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	current := t.Status()
	if current == StatusReady || current == StatusActive || current == StatusWaiting {
		t.mu.Unlock()
		return nil
	}
	t.setStatus(StatusStarting)
	pty, cmd, err := t.factory.Start(t.spec)
	if err != nil {
		t.setStatus(StatusError)
		t.mu.Unlock()
		return &SpawnError{TransportID: t.spec.ID, Command: strings.Join(t.spec.Command, " "), Err: err}
	}
	t.pty = pty
	t.cmd = cmd
	lines := make(chan string, lineChannelSize)
	t.lines = lines
	t.mu.Unlock()

	go t.readLoop(pty, lines)

	t.setStatus(StatusReady)
	t.registry.IncTransportStarted()
	t.logger.Info("transport started", map[string]string{
		"bridge.transport_id": t.spec.ID,
		"bridge.command":      t.spec.Command[0],
	})
	return nil
}

func (t *Transport) readLoop(pty Pty, lines chan string) {
	scanner := bufio.NewScanner(pty)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		select {
		case lines <- line:
		default:
			// Unsolicited output while no request is pending; the oldest
			// backlog is the least interesting, drop the new line instead of
			// blocking the reader.
		}
	}
	close(lines)

	if t.closing.Load() {
		t.setStatus(StatusStopped)
		return
	}

	err := scanner.Err()
	if err == nil {
		err = errors.New("subprocess closed its terminal")
	}

	// Reap the dead process so a later restart does not leak a zombie.
	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()
	_ = waitForProcess(cmd)

	t.setStatus(StatusCrashed)
	t.registry.IncTransportCrashed()
	t.logger.Error("transport crashed", map[string]string{
		"bridge.transport_id": t.spec.ID,
		"bridge.error":        err.Error(),
	})
	if t.onCrash != nil {
		t.onCrash(err)
	}
}

// Send writes one message to the subprocess and blocks until the configured
// detector declares the reply complete, the detector times out, or ctx is
// cancelled.
func (t *Transport) Send(ctx context.Context, text string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	status := t.Status()
	if t.closing.Load() || status == StatusStopped {
		return "", ErrTransportClosed
	}
	if status == StatusCrashed || status == StatusError || status == StatusStarting {
		return "", &TransportError{TransportID: t.spec.ID, Kind: KindCrashed, Err: fmt.Errorf("transport not running (%s)", status)}
	}

	t.mu.Lock()
	pty := t.pty
	lines := t.lines
	t.mu.Unlock()
	if pty == nil || lines == nil {
		return "", &TransportError{TransportID: t.spec.ID, Kind: KindCrashed, Err: errors.New("transport not started")}
	}

	// Anything produced between requests is unsolicited; clear it so the
	// detector only sees output caused by this message.
	drainLines(lines)

	start := time.Now()
	detector, err := NewDetector(t.spec.Detector, start)
	if err != nil {
		return "", err
	}

	t.setStatus(StatusActive)
	defer func() {
		if !t.Status().Terminal() {
			t.setStatus(StatusWaiting)
		}
	}()

	if _, err := pty.Write([]byte(text + "\n")); err != nil {
		t.registry.RecordRequest(t.spec.ID, time.Since(start), err, false)
		return "", &TransportError{TransportID: t.spec.ID, Kind: KindBrokenPipe, Err: err}
	}

	reply, err := t.collectReply(ctx, detector, lines)
	t.registry.RecordRequest(t.spec.ID, time.Since(start), err, IsTimeout(err))
	if err != nil {
		return "", err
	}
	if detector.Truncated() {
		t.logger.Warn("reply truncated at buffer cap", map[string]string{
			"bridge.transport_id": t.spec.ID,
			"bridge.error_kind":   string(KindBufferOverflow),
		})
	}
	if detector.Expired() {
		t.logger.Warn("deadline reached, returning partial reply", map[string]string{
			"bridge.transport_id": t.spec.ID,
			"bridge.bytes":        fmt.Sprintf("%d", len(reply)),
		})
	}
	return reply, nil
}

func (t *Transport) collectReply(ctx context.Context, detector ResponseDetector, lines <-chan string) (string, error) {
	ticker := time.NewTicker(detectorTickEvery)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return "", &TransportError{TransportID: t.spec.ID, Kind: KindCrashed, Err: errors.New("subprocess exited mid-request")}
			}
			if detector.Observe(line, time.Now()) {
				return detector.Reply(), nil
			}
		case now := <-ticker.C:
			switch detector.Tick(now) {
			case tickComplete:
				return detector.Reply(), nil
			case tickTimeout:
				return "", &TransportError{TransportID: t.spec.ID, Kind: KindTimeout, Err: errors.New("no output before deadline")}
			}
		case <-ctx.Done():
			return "", &TransportError{TransportID: t.spec.ID, Kind: KindTimeout, Err: ctx.Err()}
		}
	}
}

// Stop terminates the subprocess and releases the PTY. Stop is idempotent;
// later calls return the first result.
func (t *Transport) Stop() error {
	t.stopOnce.Do(func() {
		t.closing.Store(true)

		t.mu.Lock()
		pty := t.pty
		cmd := t.cmd
		t.mu.Unlock()

		var errs []error
		if pty != nil {
			if err := pty.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close pty: %w", err))
			}
		}
		if cmd != nil {
			if err := terminateProcessTree(cmd, 0, 0, t.spec.stopGrace()); err != nil {
				errs = append(errs, fmt.Errorf("terminate process tree: %w", err))
			}
		}
		t.setStatus(StatusStopped)
		t.stopErr = errors.Join(errs...)
		t.logger.Info("transport stopped", map[string]string{
			"bridge.transport_id": t.spec.ID,
		})
	})
	return t.stopErr
}

func drainLines(lines <-chan string) {
	for {
		select {
		case _, ok := <-lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
