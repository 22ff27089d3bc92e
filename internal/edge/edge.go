// Package edge implements the HTTP and WebSocket clients of the core:
// both adapters only ever enqueue protocol.Input envelopes onto the
// orchestrator's inbound channel and read matching protocol.Output
// envelopes back off the bus. Neither adapter touches the engine or the
// Asset Authority directly, mirroring spec.md §6's "merely clients of the
// core" framing.
package edge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tmzt/genius/internal/bus"
	"github.com/tmzt/genius/pkg/protocol"
)

// Edge holds the two core boundary handles every adapter needs: the
// inbound channel to submit commands on, and the bus to subscribe to for
// the resulting Output stream.
type Edge struct {
	inbound chan<- protocol.Input
	bus     *bus.Bus
}

// New builds an Edge bound to the orchestrator's inbound channel and bus.
func New(inbound chan<- protocol.Input, b *bus.Bus) *Edge {
	return &Edge{inbound: inbound, bus: b}
}

// newRequestID mints a correlation id for an edge-originated command, the
// way the teacher's chimw.RequestID assigns one per inbound HTTP request.
func newRequestID() string {
	return uuid.NewString()
}

// submit enqueues cmd under a fresh id, subscribing to the bus first so no
// envelope is missed, and returns the id plus the per-request Output
// stream. Callers must invoke cancel once done draining.
func (e *Edge) submit(ctx context.Context, cmd protocol.Command) (id string, events <-chan protocol.Output, cancel func()) {
	_, subCh, busCancel := e.bus.Subscribe()
	id = newRequestID()

	filtered := make(chan protocol.Output, bus.DefaultSubscriberBuffer)
	go func() {
		defer close(filtered)
		for out := range subCh {
			if out.ID != nil && *out.ID == id {
				select {
				case filtered <- out:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	select {
	case e.inbound <- protocol.Input{ID: &id, Command: cmd}:
	case <-ctx.Done():
	}

	return id, filtered, busCancel
}

// collectTerminal drains events until a terminal condition (as decided by
// isTerminal) is observed or ctx is done, returning every Output seen.
func collectTerminal(ctx context.Context, events <-chan protocol.Output, isTerminal func(protocol.Output) bool, timeout time.Duration) ([]protocol.Output, error) {
	deadline := time.After(timeout)
	var out []protocol.Output
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out, nil
			}
			out = append(out, ev)
			if isTerminal(ev) {
				return out, nil
			}
		case <-ctx.Done():
			return out, ctx.Err()
		case <-deadline:
			return out, fmt.Errorf("timed out waiting for a terminal response")
		}
	}
}

func isTerminalOutput(o protocol.Output) bool {
	switch o.Body.Kind {
	case protocol.BodyError, protocol.BodyModelList:
		return true
	case protocol.BodyEvent:
		return o.Body.Event.Kind == protocol.EventComplete
	default:
		return false
	}
}

// requestTimeout bounds how long an HTTP handler waits for a core response
// before giving up; the orchestrator itself enforces no timeouts (spec.md
// §5), so the edge is the layer responsible for one.
const requestTimeout = 60 * time.Second
