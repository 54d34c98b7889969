package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wilsonherrera77/ai-bridge-cli/internal/event"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/logging"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/metrics"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/transport"
)

var (
	ErrUnknownTransport = errors.New("unknown transport")
	ErrDuplicateID      = errors.New("transport id already registered")
	ErrRegistryClosed   = errors.New("registry closed")
)

const (
	defaultQueueSize      = 32
	defaultRestartBackoff = 500 * time.Millisecond
	maxRestartBackoff     = 30 * time.Second
)

type Options struct {
	Factory        transport.PtyFactory
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	Events         *event.Bus[event.Event]
	QueueSize      int
	RestartBackoff time.Duration
}

// Registry multiplexes transports by id. Each transport gets a bounded
// request queue served by one worker, so concurrent senders to the same
// agent are serialized while different agents proceed in parallel.
type Registry struct {
	opts Options

	mu         sync.RWMutex
	transports map[string]*managed
	closed     bool
}

type managed struct {
	transport *transport.Transport
	spec      transport.LaunchSpec
	requests  chan *request
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	restarts int
}

type request struct {
	ctx   context.Context
	text  string
	reply chan result
}

type result struct {
	reply string
	err   error
}

// Info is a point-in-time view of one managed transport.
type Info struct {
	ID       string           `json:"id"`
	Status   transport.Status `json:"-"`
	State    string           `json:"status"`
	Restarts int              `json:"restarts"`
	Queued   int              `json:"queued"`
}

func New(opts Options) *Registry {
	if opts.Factory == nil {
		opts.Factory = transport.DefaultPtyFactory()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = defaultRestartBackoff
	}
	return &Registry{
		opts:       opts,
		transports: make(map[string]*managed),
	}
}

// Launch starts the subprocess described by spec and begins serving requests
// for it.
func (r *Registry) Launch(spec transport.LaunchSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if _, exists := r.transports[spec.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, spec.ID)
	}

	entry := &managed{
		spec:     spec,
		requests: make(chan *request, r.opts.QueueSize),
		done:     make(chan struct{}),
	}
	entry.transport = transport.New(spec, transport.Options{
		Factory:  r.opts.Factory,
		Logger:   r.opts.Logger,
		Registry: r.opts.Metrics,
		OnCrash: func(err error) {
			go r.handleCrash(entry, err)
		},
	})
	r.transports[spec.ID] = entry
	r.mu.Unlock()

	if err := entry.transport.Start(); err != nil {
		r.mu.Lock()
		delete(r.transports, spec.ID)
		r.mu.Unlock()
		return err
	}

	go r.serve(entry)
	r.publish(event.NewTransportEvent(spec.ID, "transport_started", entry.transport.Status().String()))
	return nil
}

// Send routes one message to the transport's queue and waits for the reply.
// Queue backpressure blocks the caller until a slot frees or ctx expires.
func (r *Registry) Send(ctx context.Context, id, text string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	entry, err := r.lookup(id)
	if err != nil {
		return "", err
	}

	req := &request{ctx: ctx, text: text, reply: make(chan result, 1)}
	select {
	case entry.requests <- req:
	case <-entry.done:
		return "", transport.ErrTransportClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.reply, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Registry) serve(entry *managed) {
	for {
		select {
		case <-entry.done:
			r.drainQueue(entry)
			return
		case req := <-entry.requests:
			reply, err := entry.transport.Send(req.ctx, req.text)
			req.reply <- result{reply: reply, err: err}
		}
	}
}

func (r *Registry) drainQueue(entry *managed) {
	for {
		select {
		case req := <-entry.requests:
			req.reply <- result{err: transport.ErrTransportClosed}
		default:
			return
		}
	}
}

func (r *Registry) handleCrash(entry *managed, cause error) {
	r.publish(event.NewTransportEvent(entry.spec.ID, "transport_crashed", transport.StatusCrashed.String()))

	if !entry.spec.AutoRestart {
		return
	}

	entry.mu.Lock()
	attempt := entry.restarts + 1
	entry.mu.Unlock()
	if entry.spec.MaxRestarts > 0 && attempt > entry.spec.MaxRestarts {
		r.opts.Logger.Error("transport restart budget exhausted", map[string]string{
			"bridge.transport_id": entry.spec.ID,
		})
		return
	}

	backoff := restartBackoff(r.opts.RestartBackoff, attempt)

	select {
	case <-entry.done:
		return
	case <-time.After(backoff):
	}

	if err := entry.transport.Start(); err != nil {
		r.opts.Logger.Error("transport restart failed", map[string]string{
			"bridge.transport_id": entry.spec.ID,
			"bridge.error":        err.Error(),
		})
		return
	}

	entry.mu.Lock()
	entry.restarts = attempt
	entry.mu.Unlock()

	r.opts.Metrics.IncTransportRestarted()
	r.opts.Logger.Info("transport restarted", map[string]string{
		"bridge.transport_id": entry.spec.ID,
		"bridge.attempt":      fmt.Sprintf("%d", attempt),
	})
	r.publish(event.NewTransportEvent(entry.spec.ID, "transport_restarted", entry.transport.Status().String()))
}

// restartBackoff doubles the base delay per attempt, capped so unlimited
// restart runs cannot overflow the duration.
func restartBackoff(base time.Duration, attempt int) time.Duration {
	backoff := base
	for i := 1; i < attempt && backoff < maxRestartBackoff; i++ {
		backoff *= 2
	}
	if backoff > maxRestartBackoff {
		backoff = maxRestartBackoff
	}
	return backoff
}

// Status returns the transport's current status.
func (r *Registry) Status(id string) (transport.Status, error) {
	entry, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	return entry.transport.Status(), nil
}

// List returns a snapshot of all managed transports sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	entries := make([]*managed, 0, len(r.transports))
	for _, entry := range r.transports {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		restarts := entry.restarts
		entry.mu.Unlock()
		status := entry.transport.Status()
		infos = append(infos, Info{
			ID:       entry.spec.ID,
			Status:   status,
			State:    status.String(),
			Restarts: restarts,
			Queued:   len(entry.requests),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Stop terminates one transport and removes it from the registry.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	entry, ok := r.transports[id]
	if ok {
		delete(r.transports, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransport, id)
	}

	entry.closeOnce.Do(func() { close(entry.done) })
	err := entry.transport.Stop()
	r.publish(event.NewTransportEvent(id, "transport_stopped", transport.StatusStopped.String()))
	return err
}

// StopAll terminates every transport. Errors are joined; StopAll keeps going
// past individual failures.
func (r *Registry) StopAll() error {
	r.mu.Lock()
	r.closed = true
	entries := make([]*managed, 0, len(r.transports))
	for _, entry := range r.transports {
		entries = append(entries, entry)
	}
	r.transports = make(map[string]*managed)
	r.mu.Unlock()

	var errs []error
	for _, entry := range entries {
		entry.closeOnce.Do(func() { close(entry.done) })
		if err := entry.transport.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", entry.spec.ID, err))
		}
		r.publish(event.NewTransportEvent(entry.spec.ID, "transport_stopped", transport.StatusStopped.String()))
	}
	return errors.Join(errs...)
}

func (r *Registry) lookup(id string) (*managed, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	entry, ok := r.transports[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, id)
	}
	return entry, nil
}

func (r *Registry) publish(evt event.Event) {
	if r.opts.Events == nil {
		return
	}
	r.opts.Events.Publish(evt)
}
