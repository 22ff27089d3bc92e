package edge_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmzt/genius/internal/edge"
	"github.com/tmzt/genius/pkg/protocol"
)

func TestServeWS_StreamsInferenceEvents(t *testing.T) {
	e, _ := startStack(t)

	wsServer := httptest.NewServer(edge.NewWSRouter(e))
	defer wsServer.Close()
	wsURL := "ws" + strings.TrimPrefix(wsServer.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.Input{
		ID:      strPtr("ws1"),
		Command: protocol.InferCommand(nil, "Hello", protocol.DefaultInferenceConfig()),
	}))

	var events []protocol.Output
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var out protocol.Output
		if err := conn.ReadJSON(&out); err != nil {
			t.Fatalf("reading ws event: %v", err)
		}
		events = append(events, out)
		if out.Body.Kind == protocol.BodyEvent && out.Body.Event.Kind == protocol.EventComplete {
			break
		}
	}

	require.Len(t, events, 6)
	assert.Equal(t, protocol.EventProcessStart, events[0].Body.Event.Kind)
	assert.Equal(t, protocol.EventContent, events[4].Body.Event.Kind)
	assert.Equal(t, "Pinky says: Hello", events[4].Body.Event.Content)
	for _, ev := range events {
		require.NotNil(t, ev.ID)
		assert.Equal(t, "ws1", *ev.ID)
	}
}

func TestServeWS_MintsIDWhenClientOmitsOne(t *testing.T) {
	e, _ := startStack(t)

	wsServer := httptest.NewServer(edge.NewWSRouter(e))
	defer wsServer.Close()
	wsURL := "ws" + strings.TrimPrefix(wsServer.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.Input{
		Command: protocol.InferCommand(nil, "Hi", protocol.DefaultInferenceConfig()),
	}))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var first protocol.Output
	require.NoError(t, conn.ReadJSON(&first))
	require.NotNil(t, first.ID)
	assert.NotEmpty(t, *first.ID)
}
