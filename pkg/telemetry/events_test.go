package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mintflow/mintflow/pkg/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu     sync.Mutex
	events []engine.Event
}

func (c *collector) add(ev engine.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.ID
	}
	return out
}

func testEvent(id string, disposition engine.Disposition) engine.Event {
	return engine.Event{
		ID:            id,
		Type:          engine.EventTypeOrchestration,
		OperationType: "token.deploy",
		CorrelationID: "corr-" + id,
		Disposition:   disposition,
	}
}

func TestEventPublisher_Sync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10, MaxBatchSize: 10})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	all := &collector{}
	failures := &collector{}
	ep.Subscribe(all.add, nil)
	ep.Subscribe(failures.add, FilterFailures())

	for _, ev := range []engine.Event{
		testEvent("e1", engine.DispositionSucceeded),
		testEvent("e2", engine.DispositionRejected),
		testEvent("e3", engine.DispositionAttempted),
	} {
		if err := ep.Publish(ev); err != nil {
			t.Fatalf("Publish(%s) error = %v", ev.ID, err)
		}
	}

	if got := all.ids(); len(got) != 3 {
		t.Errorf("all subscriber got %v, want 3 events", got)
	}
	if got := failures.ids(); len(got) != 2 || got[0] != "e2" || got[1] != "e3" {
		t.Errorf("failure subscriber got %v, want [e2 e3]", got)
	}

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := ep.Publish(testEvent("e4", engine.DispositionSucceeded)); err != ErrPublisherStopped {
		t.Errorf("Publish after Shutdown error = %v, want ErrPublisherStopped", err)
	}
}

func TestEventPublisher_AsyncDeliversOnShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    10,
		MaxBatchSize:  100,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	c := &collector{}
	ep.Subscribe(c.add, nil)

	for _, id := range []string{"a", "b", "c"} {
		if err := ep.Publish(testEvent(id, engine.DispositionSucceeded)); err != nil {
			t.Fatalf("Publish(%s) error = %v", id, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	got := c.ids()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivered[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestEventPublisher_AsyncFlushesFullBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    10,
		MaxBatchSize:  2,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	defer ep.Shutdown(context.Background())

	delivered := make(chan engine.Event, 2)
	ep.Subscribe(func(ev engine.Event) { delivered <- ev }, nil)

	_ = ep.Publish(testEvent("x", engine.DispositionSucceeded))
	_ = ep.Publish(testEvent("y", engine.DispositionSucceeded))

	for _, want := range []string{"x", "y"} {
		select {
		case ev := <-delivered:
			if ev.ID != want {
				t.Errorf("delivered %s, want %s", ev.ID, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("batch was not flushed")
		}
	}
}

func TestEventPublisher_BufferFull(t *testing.T) {
	ep := &EventPublisher{
		config: EventsConfig{Enabled: true, EnableAsync: true},
		buffer: make(chan engine.Event, 1),
	}
	ep.ctx, ep.cancel = context.WithCancel(context.Background())
	defer ep.cancel()

	if err := ep.Publish(testEvent("1", engine.DispositionSucceeded)); err != nil {
		t.Fatalf("first Publish error = %v", err)
	}
	if err := ep.Publish(testEvent("2", engine.DispositionSucceeded)); err != ErrBufferFull {
		t.Errorf("second Publish error = %v, want ErrBufferFull", err)
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	if err := ep.Publish(testEvent("1", engine.DispositionSucceeded)); err != nil {
		t.Errorf("Publish() on disabled publisher error = %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() on disabled publisher error = %v", err)
	}
}

func TestEventFilters(t *testing.T) {
	ev := testEvent("e1", engine.DispositionRejected)

	tests := []struct {
		name   string
		filter EventFilter
		want   bool
	}{
		{"failures", FilterFailures(), true},
		{"disposition match", FilterByDisposition(engine.DispositionRejected, engine.DispositionAttempted), true},
		{"disposition miss", FilterByDisposition(engine.DispositionSucceeded), false},
		{"operation match", FilterByOperation("token.deploy"), true},
		{"operation miss", FilterByOperation("token.transfer"), false},
		{"correlation match", FilterByCorrelationID("corr-e1"), true},
		{"correlation miss", FilterByCorrelationID("corr-e2"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter(ev); got != tt.want {
				t.Errorf("filter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventPublisher_GlobalFilter(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, MaxBatchSize: 1})
	ep.AddFilter(FilterByOperation("token.deploy"))

	c := &collector{}
	ep.Subscribe(c.add, nil)

	ev := testEvent("kept", engine.DispositionSucceeded)
	dropped := testEvent("dropped", engine.DispositionSucceeded)
	dropped.OperationType = "token.transfer"

	_ = ep.Publish(ev)
	_ = ep.Publish(dropped)

	if got := c.ids(); len(got) != 1 || got[0] != "kept" {
		t.Errorf("delivered %v, want [kept]", got)
	}
	_ = ep.Shutdown(context.Background())
}
