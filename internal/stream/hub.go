// Package stream pushes simulation progress to live clients over
// server-sent events.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/trafficjam/simengine/internal/event"
)

const DefaultBufferSize = 256

type topic map[chan event.Event]struct{}

// Hub fans the events of each job out to the clients streaming it.
// Publishing never blocks: a subscriber whose buffer is full misses events.
type Hub struct {
	mx         sync.RWMutex
	topics     map[string]topic
	bufferSize int
	dropped    atomic.Uint64
}

func NewHub(bufferSize int) *Hub {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		topics:     make(map[string]topic),
		bufferSize: bufferSize,
	}
}

// Open creates the topic of job id. Opening an open topic is a no-op.
func (h *Hub) Open(id string) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if _, ok := h.topics[id]; !ok {
		h.topics[id] = make(topic)
	}
}

// Subscribe returns the events published for id from now on. The channel
// is closed when the topic is closed or ctx is done. Subscribing to an
// unknown topic returns a closed channel.
func (h *Hub) Subscribe(ctx context.Context, id string) <-chan event.Event {
	h.mx.Lock()
	defer h.mx.Unlock()

	t, ok := h.topics[id]
	if !ok {
		ch := make(chan event.Event)
		close(ch)
		return ch
	}
	sub := make(chan event.Event, h.bufferSize)
	t[sub] = struct{}{}

	context.AfterFunc(ctx, func() {
		h.mx.Lock()
		defer h.mx.Unlock()
		t, ok := h.topics[id]
		if !ok {
			return
		}
		if _, ok := t[sub]; ok {
			delete(t, sub)
			close(sub)
		}
	})
	return sub
}

func (h *Hub) Publish(id string, batch []event.Event) {
	h.mx.RLock()
	defer h.mx.RUnlock()
	for sub := range h.topics[id] {
		for _, e := range batch {
			select {
			case sub <- e:
			default:
				h.dropped.Add(1)
			}
		}
	}
}

// Sink returns an event.Sink publishing to the topic of id.
func (h *Hub) Sink(id string) event.Sink {
	return event.SinkFunc(func(_ context.Context, batch []event.Event) {
		h.Publish(id, batch)
	})
}

// Close closes the topic of id and all its subscriptions.
func (h *Hub) Close(id string) {
	h.mx.Lock()
	defer h.mx.Unlock()
	for sub := range h.topics[id] {
		close(sub)
	}
	delete(h.topics, id)
}

// Subscribers returns the number of live subscriptions of id.
func (h *Hub) Subscribers(id string) int {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return len(h.topics[id])
}

// Dropped returns the number of events lost to full subscriber buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
