// Package bus implements the fan-out correlation bus: the Orchestrator
// writes every Output onto a single broadcast input, and a bridge goroutine
// forwards a copy to each currently-registered subscriber. A subscriber
// whose buffer is full is treated as disconnected and dropped rather than
// allowed to stall the broadcast.
package bus

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/tmzt/genius/pkg/protocol"
)

// DefaultSubscriberBuffer is the bounded channel size given to each new
// subscriber.
const DefaultSubscriberBuffer = 64

// Bus owns the single supervisor goroutine and the subscriber collection.
// The zero value is not usable; construct with New.
type Bus struct {
	publish chan protocol.Output

	mu      sync.Mutex
	subs    map[string]chan protocol.Output
	nextID  uint64
	closing chan struct{}
}

// New starts the bridge goroutine and returns a ready Bus.
func New() *Bus {
	b := &Bus{
		publish: make(chan protocol.Output, 256),
		subs:    make(map[string]chan protocol.Output),
		closing: make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish enqueues out for broadcast to every current subscriber. It never
// blocks on a slow subscriber — delivery is via a bounded internal queue
// drained by the bridge goroutine.
func (b *Bus) Publish(out protocol.Output) {
	select {
	case b.publish <- out:
	case <-b.closing:
	}
}

// Subscribe registers a new subscriber and returns its id, its receive-only
// channel, and a cancel function that unregisters it. Registration must
// happen before the Input whose Output stream the caller wants to observe
// is enqueued, so no envelopes are missed.
func (b *Bus) Subscribe() (id string, ch <-chan protocol.Output, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id = b.allocID()
	subCh := make(chan protocol.Output, DefaultSubscriberBuffer)
	b.subs[id] = subCh

	cancel = func() { b.unsubscribe(id) }
	return id, subCh, cancel
}

func (b *Bus) allocID() string {
	n := atomic.AddUint64(&b.nextID, 1)
	return "sub-" + strconv.FormatUint(n, 10)
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Close stops the bridge goroutine and closes every remaining subscriber
// channel. Call once, after the orchestrator's outbound writer has
// stopped.
func (b *Bus) Close() {
	close(b.closing)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Bus) run() {
	for {
		select {
		case out := <-b.publish:
			b.broadcast(out)
		case <-b.closing:
			return
		}
	}
}

// broadcast attempts a non-blocking send to every subscriber. A subscriber
// whose buffer is full is treated as disconnected: its channel is closed
// and it is removed, without stalling delivery to the rest.
func (b *Bus) broadcast(out protocol.Output) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- out:
		default:
			log.Debug().Str("subscriber", id).Msg("dropping slow bus subscriber")
			delete(b.subs, id)
			close(ch)
		}
	}
}
