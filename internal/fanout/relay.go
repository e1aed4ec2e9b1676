// Package fanout implements the raw shred fan-out hook: a non-blocking
// broadcast of every accepted datagram to whatever else wants to see the
// wire bytes (a capture writer, a dashboard feed), independent of the
// decode pipeline. A Relay implements receiver.FanoutSink.
package fanout

import (
	"log/slog"
	"sync"
	"time"

	"github.com/malbeclabs/shredrace/internal/receiver"
)

// Packet is one raw datagram delivered to a subscriber, carrying the
// receiver's kernel or fallback timestamp.
type Packet struct {
	Data       []byte
	ReceivedAt time.Time
	Source     string
}

// Relay fans out accepted datagrams from one or more receivers to any
// number of subscribers without ever blocking the receive hot path: a
// subscriber whose channel is full simply misses the packet.
type Relay struct {
	log *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan<- Packet]struct{}
}

// New builds an empty Relay. log defaults to slog.Default().
func New(log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:         log,
		subscribers: make(map[chan<- Packet]struct{}),
	}
}

// Subscribe registers a channel to receive every emitted packet. The
// channel should be buffered; an unbuffered or saturated channel just
// drops packets rather than stalling the relay. Returns a function to
// unsubscribe.
func (r *Relay) Subscribe(ch chan<- Packet) func() {
	r.mu.Lock()
	r.subscribers[ch] = struct{}{}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subscribers, ch)
		r.mu.Unlock()
	}
}

// SubscriberCount returns the current number of subscribers.
func (r *Relay) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// Emit implements receiver.FanoutSink. It never blocks: every subscriber
// send is a non-blocking attempt, and a full channel just drops the
// packet for that one subscriber.
func (r *Relay) Emit(raw receiver.RawDatagram) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.subscribers) == 0 {
		return true
	}

	pkt := Packet{Data: raw.Data, ReceivedAt: raw.RecvAt, Source: raw.Source}
	delivered := false
	for ch := range r.subscribers {
		select {
		case ch <- pkt:
			delivered = true
		default:
			r.log.Warn("dropping fan-out packet for slow subscriber", "source", raw.Source)
		}
	}
	return delivered
}
