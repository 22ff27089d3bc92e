package edge

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tmzt/genius/pkg/protocol"
)

// NewWSRouter builds the mux for the dedicated ws-addr listener: a single
// route handling the upgrade, matching spec.md §6's `ws://<ws-addr>/`.
func NewWSRouter(e *Edge) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", e.ServeWS)
	return mux
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn serializes writes to a single websocket connection; gorilla's
// Conn forbids concurrent writers, and each in-flight command's forwarder
// goroutine writes independently.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// ServeWS upgrades the connection and streams inference events framed as
// JSON, per spec.md §6's `ws://<ws-addr>/`. Each incoming client message is
// a protocol.Input; the edge assigns an id if the client omitted one,
// forwards the command to the core, and relays every matching Output back
// to the client until that request's stream ends, without blocking
// concurrent commands on the same connection.
func (e *Edge) ServeWS(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws: upgrade failed")
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	ctx := r.Context()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var in protocol.Input
		if err := raw.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("ws: read error")
			}
			return
		}

		wg.Add(1)
		go func(in protocol.Input) {
			defer wg.Done()
			e.pumpCommand(ctx, conn, in)
		}(in)
	}
}

// pumpCommand submits in.Command under in.ID (minting one if absent) and
// relays every Output the core emits for that id to conn, in order, until
// the stream reaches a terminal event.
func (e *Edge) pumpCommand(ctx context.Context, conn *wsConn, in protocol.Input) {
	_, subCh, busCancel := e.bus.Subscribe()
	defer busCancel()

	id := in.ID
	if id == nil {
		fresh := newRequestID()
		id = &fresh
	}

	select {
	case e.inbound <- protocol.Input{ID: id, Command: in.Command}:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case out, ok := <-subCh:
			if !ok {
				return
			}
			if out.ID == nil || *out.ID != *id {
				continue
			}
			if err := conn.writeJSON(out); err != nil {
				log.Warn().Err(err).Msg("ws: write failed, dropping connection's command relay")
				return
			}
			if isTerminalOutput(out) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
