package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmzt/genius/pkg/protocol"
)

func strPtr(s string) *string { return &s }

func recvWithin(t *testing.T, ch <-chan protocol.Output, d time.Duration) (protocol.Output, bool) {
	t.Helper()
	select {
	case out, ok := <-ch:
		return out, ok
	case <-time.After(d):
		return protocol.Output{}, false
	}
}

func TestSubscribe_ReceivesBroadcastEvents(t *testing.T) {
	b := New()
	defer b.Close()

	_, ch, cancel := b.Subscribe()
	defer cancel()

	want := protocol.Output{ID: strPtr("r1"), Body: protocol.EventBody(protocol.CompleteEvent())}
	b.Publish(want)

	got, ok := recvWithin(t, ch, time.Second)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestSubscribe_MultipleSubscribersEachReceiveEveryEnvelope(t *testing.T) {
	b := New()
	defer b.Close()

	_, chA, cancelA := b.Subscribe()
	defer cancelA()
	_, chB, cancelB := b.Subscribe()
	defer cancelB()

	out := protocol.Output{ID: strPtr("A"), Body: protocol.EventBody(protocol.ProcessStartEvent())}
	b.Publish(out)

	gotA, ok := recvWithin(t, chA, time.Second)
	require.True(t, ok)
	assert.Equal(t, out, gotA)

	gotB, ok := recvWithin(t, chB, time.Second)
	require.True(t, ok)
	assert.Equal(t, out, gotB)
}

func TestCancel_UnregistersSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	_, ch, cancel := b.Subscribe()
	cancel()

	_, ok := recvWithin(t, ch, 100*time.Millisecond)
	assert.False(t, ok, "channel should be closed after cancel")

	b.Publish(protocol.Output{ID: strPtr("x"), Body: protocol.EventBody(protocol.CompleteEvent())})
}

func TestSlowSubscriberIsDroppedWithoutStallingOthers(t *testing.T) {
	b := New()
	defer b.Close()

	_, slow, cancelSlow := b.Subscribe()
	defer cancelSlow()
	_, fast, cancelFast := b.Subscribe()
	defer cancelFast()

	// Fill the slow subscriber's buffer without draining it, while the fast
	// subscriber takes each envelope as it arrives.
	for i := 0; i < DefaultSubscriberBuffer+5; i++ {
		b.Publish(protocol.Output{ID: strPtr("flood"), Body: protocol.EventBody(protocol.ContentEvent("x"))})
		_, ok := recvWithin(t, fast, time.Second)
		require.True(t, ok, "fast subscriber should receive every flood envelope")
	}

	// The fast subscriber must still see envelopes arriving after the flood.
	marker := protocol.Output{ID: strPtr("marker"), Body: protocol.EventBody(protocol.CompleteEvent())}
	b.Publish(marker)

	var sawMarker bool
	deadline := time.After(2 * time.Second)
drain:
	for {
		select {
		case out, ok := <-fast:
			if !ok {
				break drain
			}
			if out.ID != nil && *out.ID == "marker" {
				sawMarker = true
				break drain
			}
		case <-deadline:
			break drain
		}
	}
	assert.True(t, sawMarker, "fast subscriber should keep receiving despite a flooded peer")

	// The slow subscriber was dropped on overflow: its buffered envelopes
	// drain and then its channel reports closed.
	for i := 0; i < DefaultSubscriberBuffer; i++ {
		_, ok := recvWithin(t, slow, 100*time.Millisecond)
		require.True(t, ok)
	}
	_, ok := recvWithin(t, slow, 100*time.Millisecond)
	assert.False(t, ok, "slow subscriber should have been dropped")
}
