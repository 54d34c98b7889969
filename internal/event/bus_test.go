package event

import (
	"context"
	"testing"
	"time"

	"github.com/wilsonherrera77/ai-bridge-cli/internal/metrics"
)

func newTestBus(t *testing.T, opts BusOptions) *Bus[Event] {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = &metrics.Registry{}
	}
	bus := NewBus[Event](context.Background(), opts)
	t.Cleanup(bus.Close)
	return bus
}

func TestPublishReachesSubscriber(t *testing.T) {
	bus := newTestBus(t, BusOptions{Name: "test"})
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(NewTransportEvent("agent_a", "transport_started", "starting"))

	select {
	case received := <-ch:
		if received.Type() != "transport_started" {
			t.Fatalf("unexpected event type %q", received.Type())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeTypesFilters(t *testing.T) {
	bus := newTestBus(t, BusOptions{Name: "test"})
	ch, cancel := bus.SubscribeTypes("transport_crashed")
	defer cancel()

	bus.Publish(NewTransportEvent("agent_a", "transport_started", "starting"))
	bus.Publish(NewTransportEvent("agent_a", "transport_crashed", "crashed"))

	select {
	case received := <-ch:
		if received.Type() != "transport_crashed" {
			t.Fatalf("filter passed %q", received.Type())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case unexpected := <-ch:
		t.Fatalf("unexpected second event %q", unexpected.Type())
	default:
	}
}

func TestNonBlockingSendDropsWhenFull(t *testing.T) {
	bus := newTestBus(t, BusOptions{Name: "test", SubscriberBufferSize: 1})
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(NewSessionEvent("s1", "session_started"))
	bus.Publish(NewSessionEvent("s1", "session_paused"))

	first := <-ch
	if first.Type() != "session_started" {
		t.Fatalf("unexpected first event %q", first.Type())
	}
	select {
	case second := <-ch:
		t.Fatalf("expected drop, got %q", second.Type())
	default:
	}
	if bus.dropped.Load() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", bus.dropped.Load())
	}
}

func TestReplayLast(t *testing.T) {
	bus := newTestBus(t, BusOptions{Name: "test", HistorySize: 4})
	for _, eventType := range []string{"a", "b", "c", "d", "e"} {
		bus.Publish(NewSessionEvent("s1", eventType))
	}

	sink := make(chan Event, 8)
	bus.ReplayLast(3, sink)
	close(sink)

	var got []string
	for received := range sink {
		got = append(got, received.Type())
	}
	want := []string{"c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := newTestBus(t, BusOptions{Name: "test"})
	ch, _ := bus.Subscribe()

	bus.Close()
	bus.Close()

	if _, open := <-ch; open {
		t.Fatal("subscriber channel should be closed")
	}
	bus.Publish(NewSessionEvent("s1", "session_started"))
}
