package notify

import (
	"context"
	"encoding/json"
	"sync"

	"backend-homeservice/internal/shared/logger"
	"backend-homeservice/internal/tracking"
)

// Sink delivers one event synchronously.
type Sink interface {
	Publish(ctx context.Context, ev tracking.Event) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, appointmentID string, payload []byte)
}

// HubSink pushes events to the WebSocket hub as JSON.
type HubSink struct {
	Hub Broadcaster
}

func (h HubSink) Publish(ctx context.Context, ev tracking.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.Hub.Broadcast(ctx, ev.AppointmentID, payload)
	return nil
}

type queued struct {
	ctx context.Context
	ev  tracking.Event
}

// Dispatcher is the tracking Notifier: Notify never blocks, events are handed
// to every sink from a background goroutine and dropped when the queue is full.
type Dispatcher struct {
	sinks []Sink
	log   *logger.Logger

	queue   chan queued
	closing chan struct{}
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	dropped int
}

func NewDispatcher(size int, log *logger.Logger, sinks ...Sink) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = logger.Nop()
	}
	d := &Dispatcher{
		sinks:   sinks,
		log:     log,
		queue:   make(chan queued, size),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Notify(ctx context.Context, ev tracking.Event) {
	select {
	case <-d.closing:
		return
	default:
	}
	select {
	case d.queue <- queued{ctx: context.WithoutCancel(ctx), ev: ev}:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.log.Info(ctx, "event_dropped", "notification queue full", map[string]any{"type": ev.Type})
	}
}

// Dropped counts events lost to a full queue.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close delivers what is already queued and stops the dispatcher.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.closing) })
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case q := <-d.queue:
			d.deliver(q)
		case <-d.closing:
			for {
				select {
				case q := <-d.queue:
					d.deliver(q)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(q queued) {
	for _, sink := range d.sinks {
		if err := sink.Publish(q.ctx, q.ev); err != nil {
			d.log.Error(q.ctx, "event_publish_failed", "could not deliver attendance event", err, map[string]any{
				"type": q.ev.Type,
			})
		}
	}
}
