package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Registry holds the process-wide counters. All methods are safe on a nil
// receiver so callers can pass nil to disable metrics.
type Registry struct {
	messagesSent        atomic.Int64
	messagesRejected    atomic.Int64
	messagesTransformed atomic.Int64
	messagesBroadcast   atomic.Int64
	handoffsTriggered   atomic.Int64

	transportsStarted   atomic.Int64
	transportsRestarted atomic.Int64
	transportsCrashed   atomic.Int64

	workflowsStarted   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	workflowsPaused    atomic.Int64

	sessionsStarted   atomic.Int64
	sessionsCompleted atomic.Int64
	sessionsFailed    atomic.Int64
	conflictsResolved atomic.Int64

	requests sync.Map
	buses    sync.Map
}

type requestStats struct {
	count         atomic.Int64
	failures      atomic.Int64
	timeouts      atomic.Int64
	durationNanos atomic.Int64
}

type busStats struct {
	published             atomic.Int64
	dropped               atomic.Int64
	subscribersFiltered   atomic.Int64
	subscribersUnfiltered atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncMessageSent() {
	if r == nil {
		return
	}
	r.messagesSent.Add(1)
}

func (r *Registry) IncMessageRejected() {
	if r == nil {
		return
	}
	r.messagesRejected.Add(1)
}

func (r *Registry) IncMessageTransformed() {
	if r == nil {
		return
	}
	r.messagesTransformed.Add(1)
}

func (r *Registry) IncMessageBroadcast() {
	if r == nil {
		return
	}
	r.messagesBroadcast.Add(1)
}

func (r *Registry) IncHandoffTriggered() {
	if r == nil {
		return
	}
	r.handoffsTriggered.Add(1)
}

func (r *Registry) IncTransportStarted() {
	if r == nil {
		return
	}
	r.transportsStarted.Add(1)
}

func (r *Registry) IncTransportRestarted() {
	if r == nil {
		return
	}
	r.transportsRestarted.Add(1)
}

func (r *Registry) IncTransportCrashed() {
	if r == nil {
		return
	}
	r.transportsCrashed.Add(1)
}

func (r *Registry) IncWorkflowStarted() {
	if r == nil {
		return
	}
	r.workflowsStarted.Add(1)
}

func (r *Registry) IncWorkflowCompleted() {
	if r == nil {
		return
	}
	r.workflowsCompleted.Add(1)
}

func (r *Registry) IncWorkflowFailed() {
	if r == nil {
		return
	}
	r.workflowsFailed.Add(1)
}

func (r *Registry) IncWorkflowPaused() {
	if r == nil {
		return
	}
	r.workflowsPaused.Add(1)
}

func (r *Registry) IncSessionStarted() {
	if r == nil {
		return
	}
	r.sessionsStarted.Add(1)
}

func (r *Registry) IncSessionCompleted() {
	if r == nil {
		return
	}
	r.sessionsCompleted.Add(1)
}

func (r *Registry) IncSessionFailed() {
	if r == nil {
		return
	}
	r.sessionsFailed.Add(1)
}

func (r *Registry) IncConflictResolved() {
	if r == nil {
		return
	}
	r.conflictsResolved.Add(1)
}

// RecordRequest records one transport send/receive round trip keyed by
// transport id.
func (r *Registry) RecordRequest(transportID string, duration time.Duration, err error, timedOut bool) {
	if r == nil {
		return
	}
	if strings.TrimSpace(transportID) == "" {
		transportID = "unknown"
	}
	stats := r.requestStats(transportID)
	stats.count.Add(1)
	stats.durationNanos.Add(duration.Nanoseconds())
	if err != nil {
		stats.failures.Add(1)
	}
	if timedOut {
		stats.timeouts.Add(1)
	}
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	r.busStats(bus).published.Add(1)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	r.busStats(bus).dropped.Add(1)
}

func (r *Registry) SetEventSubscriberCounts(bus string, filtered, unfiltered int) {
	if r == nil {
		return
	}
	stats := r.busStats(bus)
	stats.subscribersFiltered.Store(int64(filtered))
	stats.subscribersUnfiltered.Store(int64(unfiltered))
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "bridge_messages_sent_total", "Total messages accepted by the bus", r.messagesSent.Load())
	writeCounter(writer, "bridge_messages_rejected_total", "Total messages rejected by validation", r.messagesRejected.Load())
	writeCounter(writer, "bridge_messages_transformed_total", "Total messages transformed before delivery", r.messagesTransformed.Load())
	writeCounter(writer, "bridge_messages_broadcast_total", "Total broadcast deliveries", r.messagesBroadcast.Load())
	writeCounter(writer, "bridge_handoffs_triggered_total", "Total handoff rules triggered", r.handoffsTriggered.Load())
	writeCounter(writer, "bridge_transports_started_total", "Total transport processes started", r.transportsStarted.Load())
	writeCounter(writer, "bridge_transports_restarted_total", "Total transport restarts after crash", r.transportsRestarted.Load())
	writeCounter(writer, "bridge_transports_crashed_total", "Total transport crashes", r.transportsCrashed.Load())
	writeCounter(writer, "bridge_workflows_started_total", "Total workflows started", r.workflowsStarted.Load())
	writeCounter(writer, "bridge_workflows_completed_total", "Total workflows completed", r.workflowsCompleted.Load())
	writeCounter(writer, "bridge_workflows_failed_total", "Total workflows failed", r.workflowsFailed.Load())
	writeCounter(writer, "bridge_workflows_paused_total", "Total workflow pauses", r.workflowsPaused.Load())
	writeCounter(writer, "bridge_sessions_started_total", "Total orchestration sessions started", r.sessionsStarted.Load())
	writeCounter(writer, "bridge_sessions_completed_total", "Total orchestration sessions completed", r.sessionsCompleted.Load())
	writeCounter(writer, "bridge_sessions_failed_total", "Total orchestration sessions failed", r.sessionsFailed.Load())
	writeCounter(writer, "bridge_conflicts_resolved_total", "Total agent conflicts resolved", r.conflictsResolved.Load())

	transportIDs := r.requestTransportIDs()
	sort.Strings(transportIDs)

	writeHelp(writer, "bridge_request_duration_seconds", "Transport request duration in seconds")
	fmt.Fprintln(writer, "# TYPE bridge_request_duration_seconds summary")
	writeHelp(writer, "bridge_request_failures_total", "Transport request failures")
	fmt.Fprintln(writer, "# TYPE bridge_request_failures_total counter")
	writeHelp(writer, "bridge_request_timeouts_total", "Transport request timeouts")
	fmt.Fprintln(writer, "# TYPE bridge_request_timeouts_total counter")

	for _, id := range transportIDs {
		stats := r.requestStats(id)
		label := formatLabel(id)
		durationSeconds := float64(stats.durationNanos.Load()) / float64(time.Second)
		fmt.Fprintf(writer, "bridge_request_duration_seconds_sum{transport=%s} %.6f\n", label, durationSeconds)
		fmt.Fprintf(writer, "bridge_request_duration_seconds_count{transport=%s} %d\n", label, stats.count.Load())
		fmt.Fprintf(writer, "bridge_request_failures_total{transport=%s} %d\n", label, stats.failures.Load())
		fmt.Fprintf(writer, "bridge_request_timeouts_total{transport=%s} %d\n", label, stats.timeouts.Load())
	}

	busNames := r.busNames()
	sort.Strings(busNames)

	writeHelp(writer, "bridge_events_published_total", "Events published per bus")
	fmt.Fprintln(writer, "# TYPE bridge_events_published_total counter")
	writeHelp(writer, "bridge_events_dropped_total", "Events dropped per bus")
	fmt.Fprintln(writer, "# TYPE bridge_events_dropped_total counter")
	writeHelp(writer, "bridge_event_subscribers", "Current subscribers per bus")
	fmt.Fprintln(writer, "# TYPE bridge_event_subscribers gauge")

	for _, name := range busNames {
		stats := r.busStats(name)
		label := formatLabel(name)
		fmt.Fprintf(writer, "bridge_events_published_total{bus=%s} %d\n", label, stats.published.Load())
		fmt.Fprintf(writer, "bridge_events_dropped_total{bus=%s} %d\n", label, stats.dropped.Load())
		subscribers := stats.subscribersFiltered.Load() + stats.subscribersUnfiltered.Load()
		fmt.Fprintf(writer, "bridge_event_subscribers{bus=%s} %d\n", label, subscribers)
	}

	return nil
}

func (r *Registry) busStats(name string) *busStats {
	if strings.TrimSpace(name) == "" {
		name = "event_bus"
	}
	value, _ := r.buses.LoadOrStore(name, &busStats{})
	return value.(*busStats)
}

func (r *Registry) busNames() []string {
	if r == nil {
		return nil
	}
	var names []string
	r.buses.Range(func(key, value interface{}) bool {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
		return true
	})
	return names
}

func (r *Registry) requestStats(transportID string) *requestStats {
	value, _ := r.requests.LoadOrStore(transportID, &requestStats{})
	return value.(*requestStats)
}

func (r *Registry) requestTransportIDs() []string {
	if r == nil {
		return nil
	}
	var ids []string
	r.requests.Range(func(key, value interface{}) bool {
		if id, ok := key.(string); ok {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
