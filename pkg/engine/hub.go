package engine

import (
	"context"
	"sync/atomic"

	"orientlink/pkg/protocol"
)

// Hub fans readings out to subscribers. A subscriber whose buffer is full
// misses the reading instead of stalling the others.
type Hub struct {
	broadcast  chan protocol.Reading
	register   chan chan protocol.Reading
	unregister chan chan protocol.Reading
	done       chan struct{}
	subs       map[chan protocol.Reading]struct{}
	subBuf     int

	published atomic.Uint64
	dropped   atomic.Uint64
}

type Option func(*Hub)

func WithBroadcastBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.broadcast = make(chan protocol.Reading, size)
		}
	}
}

func WithSubscriberBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.subBuf = size
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		broadcast:  make(chan protocol.Reading, 256),
		register:   make(chan chan protocol.Reading),
		unregister: make(chan chan protocol.Reading),
		done:       make(chan struct{}),
		subs:       make(map[chan protocol.Reading]struct{}),
		subBuf:     64,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run owns the subscriber set until ctx ends, then flushes queued readings
// and closes every subscription.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.drain()
			for ch := range h.subs {
				close(ch)
			}
			h.subs = nil
			return
		case ch := <-h.register:
			h.subs[ch] = struct{}{}
		case ch := <-h.unregister:
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		case reading := <-h.broadcast:
			h.fanOut(reading)
		}
	}
}

// drain delivers readings that were queued before the hub stopped.
func (h *Hub) drain() {
	for {
		select {
		case reading := <-h.broadcast:
			h.fanOut(reading)
		default:
			return
		}
	}
}

func (h *Hub) fanOut(reading protocol.Reading) {
	for ch := range h.subs {
		select {
		case ch <- reading:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribe() chan protocol.Reading {
	return h.SubscribeWithBuffer(h.subBuf)
}

// SubscribeWithBuffer returns a closed channel once the hub has stopped.
func (h *Hub) SubscribeWithBuffer(size int) chan protocol.Reading {
	if size <= 0 {
		size = h.subBuf
	}
	ch := make(chan protocol.Reading, size)
	select {
	case h.register <- ch:
	case <-h.done:
		close(ch)
	}
	return ch
}

func (h *Hub) Unsubscribe(ch chan protocol.Reading) {
	select {
	case h.unregister <- ch:
	case <-h.done:
	}
}

// Publish queues a reading; it returns false if ctx ended or the hub stopped first.
func (h *Hub) Publish(ctx context.Context, reading protocol.Reading) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.broadcast <- reading:
		h.published.Add(1)
		return true
	case <-ctx.Done():
		return false
	case <-h.done:
		return false
	}
}

// Pump publishes everything read from in until it closes or ctx ends.
// Readings already queued in in when ctx ends are still published, so
// Pump waits for room in the hub rather than for ctx.
func (h *Hub) Pump(ctx context.Context, in <-chan protocol.Reading) {
	for {
		select {
		case <-ctx.Done():
			h.drainInput(in)
			return
		case reading, ok := <-in:
			if !ok {
				return
			}
			if !h.Publish(context.Background(), reading) {
				return
			}
		}
	}
}

// drainInput publishes whatever in holds right now without waiting for more.
func (h *Hub) drainInput(in <-chan protocol.Reading) {
	for {
		select {
		case reading, ok := <-in:
			if !ok {
				return
			}
			if !h.Publish(context.Background(), reading) {
				return
			}
		default:
			return
		}
	}
}

func (h *Hub) Published() uint64 {
	return h.published.Load()
}

func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
