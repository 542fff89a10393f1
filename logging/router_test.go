package logging_test

import (
	"context"
	"testing"
	"time"

	"driftspace/server/logging"
	"driftspace/server/logging/sinks"
)

func newTestRouter(t *testing.T, cfg logging.Config) (*logging.Router, *sinks.Memory) {
	t.Helper()
	memory := sinks.NewMemory()
	router, err := logging.NewRouter(nil, cfg, []logging.NamedSink{{Name: "memory", Sink: memory}})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		router.Close(ctx)
	})
	return router, memory
}

func waitForEvents(t *testing.T, memory *sinks.Memory, want int) []logging.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		events := memory.Events()
		if len(events) >= want {
			return events
		}
		select {
		case <-deadline:
			t.Fatalf("got %d events, want %d", len(events), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRouterDeliversToSink(t *testing.T) {
	router, memory := newTestRouter(t, logging.DefaultConfig())

	router.Publish(context.Background(), logging.Event{
		Type:     "replication.object_spawned",
		Tick:     3,
		Subject:  logging.Ref{ID: "obj-1", Kind: logging.RefKindObject},
		Severity: logging.SeverityInfo,
	})

	events := waitForEvents(t, memory, 1)
	if events[0].Type != "replication.object_spawned" || events[0].Tick != 3 {
		t.Fatalf("event = %+v", events[0])
	}
	if events[0].Time.IsZero() {
		t.Fatal("router did not stamp event time")
	}

	stats := router.Stats()
	if stats.EventsTotal != 1 || stats.DroppedTotal != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRouterFiltersBelowMinimumSeverity(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = logging.SeverityWarn
	router, memory := newTestRouter(t, cfg)

	router.Publish(context.Background(), logging.Event{Type: "noise", Severity: logging.SeverityInfo})
	router.Publish(context.Background(), logging.Event{Type: "signal", Severity: logging.SeverityError})

	events := waitForEvents(t, memory, 1)
	if len(events) != 1 || events[0].Type != "signal" {
		t.Fatalf("events = %+v", events)
	}
}

func TestRouterAppliesAmbientFields(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.Fields = map[string]any{"session": "test-1"}
	router, memory := newTestRouter(t, cfg)

	router.Publish(context.Background(), logging.Event{Type: "ev", Severity: logging.SeverityInfo})

	events := waitForEvents(t, memory, 1)
	if events[0].Extra["session"] != "test-1" {
		t.Fatalf("extra = %v", events[0].Extra)
	}
}

func TestRouterIgnoresUntypedEvents(t *testing.T) {
	router, memory := newTestRouter(t, logging.DefaultConfig())

	router.Publish(context.Background(), logging.Event{Severity: logging.SeverityError})
	router.Publish(context.Background(), logging.Event{Type: "typed", Severity: logging.SeverityInfo})

	events := waitForEvents(t, memory, 1)
	if len(events) != 1 || events[0].Type != "typed" {
		t.Fatalf("events = %+v", events)
	}
}

func TestPublishAfterCloseIsSafe(t *testing.T) {
	memory := sinks.NewMemory()
	router, err := logging.NewRouter(nil, logging.DefaultConfig(), []logging.NamedSink{{Name: "memory", Sink: memory}})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	router.Publish(context.Background(), logging.Event{Type: "late", Severity: logging.SeverityInfo})
}

func TestWithFieldsDecoratesPublisher(t *testing.T) {
	var got logging.Event
	base := logging.PublisherFunc(func(_ context.Context, event logging.Event) {
		got = event
	})

	decorated := logging.WithFields(base, map[string]any{"node": "relay-1"})
	decorated.Publish(context.Background(), logging.Event{Type: "ev"})

	if got.Extra["node"] != "relay-1" {
		t.Fatalf("extra = %v", got.Extra)
	}

	// Event-level values win over ambient fields.
	decorated.Publish(context.Background(), logging.Event{Type: "ev"}.WithExtra("node", "override"))
	if got.Extra["node"] != "override" {
		t.Fatalf("extra = %v", got.Extra)
	}
}
