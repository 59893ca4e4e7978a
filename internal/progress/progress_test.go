package progress

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewBus(rdb, slog.Default())
}

// TestSubscribeDeliversEvents checks the connected handshake and fan-out of
// a published progress event.
func TestSubscribeDeliversEvents(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := bus.Subscribe(ctx)

	first := recvEvent(t, events)
	if first.Kind != KindConnected {
		t.Fatalf("first event kind = %s, want connected", first.Kind)
	}

	bus.Publish(ctx, Event{
		Kind:         KindProgress,
		ChannelID:    1,
		ModelID:      2,
		ModelName:    "gpt-4o",
		Status:       "SUCCESS",
		Latency:      120,
		EndpointType: "CHAT",
	})

	ev := recvEvent(t, events)
	if ev.Kind != KindProgress || ev.ModelID != 2 || ev.Status != "SUCCESS" || ev.EndpointType != "CHAT" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.At.IsZero() {
		t.Error("publish must stamp the event time")
	}
}

// TestSubscribeClosesOnCancel verifies the channel terminates with the
// subscriber context.
func TestSubscribeClosesOnCancel(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	events := bus.Subscribe(ctx)
	recvEvent(t, events) // connected

	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel did not close after cancel")
		}
	}
}

func recvEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed early")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}
