package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mintflow/mintflow/pkg/engine"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// ErrBufferFull is returned when an asynchronous publish finds the buffer
// full. The event is dropped.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber handles delivered events. Subscribers are called from a
// single delivery goroutine and must not block for long.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventPublisher fans orchestration events out to in-process subscribers.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan engine.Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish delivers an event to all matching subscribers, or queues it when
// the publisher is asynchronous.
func (ep *EventPublisher) Publish(event engine.Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if ep.ctx.Err() != nil {
		return ErrPublisherStopped
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case ep.buffer <- event:
		return nil
	case <-ep.ctx.Done():
		return ErrPublisherStopped
	default:
		return ErrBufferFull
	}
}

// Subscribe adds a new event subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents batches buffered events and delivers them when the batch is
// full or the flush interval elapses.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]engine.Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, ev := range batch {
			ep.deliverEvent(ev)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-ep.buffer:
			batch = append(batch, ev)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-tick:
			flush()

		case <-ep.ctx.Done():
			// Drain what was accepted before shutdown.
			for {
				select {
				case ev := <-ep.buffer:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event engine.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering queued events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("event publisher shutdown timeout")
	}
}

// FilterFailures only allows events of runs that did not succeed.
func FilterFailures() EventFilter {
	return func(event engine.Event) bool {
		return !event.Succeeded()
	}
}

// FilterByDisposition only allows events with one of the given dispositions.
func FilterByDisposition(dispositions ...engine.Disposition) EventFilter {
	set := make(map[engine.Disposition]bool, len(dispositions))
	for _, d := range dispositions {
		set[d] = true
	}
	return func(event engine.Event) bool {
		return set[event.Disposition]
	}
}

// FilterByOperation only allows events of the given operation types.
func FilterByOperation(operations ...string) EventFilter {
	set := make(map[string]bool, len(operations))
	for _, op := range operations {
		set[op] = true
	}
	return func(event engine.Event) bool {
		return set[event.OperationType]
	}
}

// FilterByCorrelationID only allows events for a single request.
func FilterByCorrelationID(id string) EventFilter {
	return func(event engine.Event) bool {
		return event.CorrelationID == id
	}
}
