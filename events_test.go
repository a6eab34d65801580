package upload

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxscribe/upload/uptypes"
)

func TestBroker_DeliversToAllListeners(t *testing.T) {
	b := newBroker()

	ch1, cancel1 := b.subscribe()
	ch2, cancel2 := b.subscribe()
	defer cancel1()
	defer cancel2()

	ev := uptypes.Event{Type: uptypes.EventProgress, SessionID: "s1"}
	b.publish(ev)

	assert.Equal(t, ev, <-ch1)
	assert.Equal(t, ev, <-ch2)
}

func TestBroker_NewListenerSeesOnlyFutureEvents(t *testing.T) {
	b := newBroker()

	b.publish(uptypes.Event{Type: uptypes.EventProgress, SessionID: "old"})

	ch, cancel := b.subscribe()
	defer cancel()

	b.publish(uptypes.Event{Type: uptypes.EventProgress, SessionID: "new"})

	got := <-ch
	assert.Equal(t, "new", got.SessionID)
	assert.Empty(t, ch)
}

func TestBroker_UnsubscribeClosesChannelWithoutAffectingOthers(t *testing.T) {
	b := newBroker()

	ch1, cancel1 := b.subscribe()
	ch2, cancel2 := b.subscribe()
	defer cancel2()

	cancel1()
	_, open := <-ch1
	assert.False(t, open)

	// cancel is idempotent
	cancel1()

	b.publish(uptypes.Event{Type: uptypes.EventProgress, SessionID: "s1"})
	got := <-ch2
	assert.Equal(t, "s1", got.SessionID)
}

func TestBroker_PreservesOrderPerListener(t *testing.T) {
	b := newBroker()

	ch, cancel := b.subscribe()
	defer cancel()

	for i := 0; i < 10; i++ {
		b.publish(uptypes.Event{
			Type:       uptypes.EventChunkCompleted,
			SessionID:  "s1",
			PartNumber: int32(i + 1),
		})
	}

	for i := 0; i < 10; i++ {
		ev := <-ch
		require.Equal(t, int32(i+1), ev.PartNumber)
	}
}

func TestBroker_SlowListenerDoesNotBlockPublish(t *testing.T) {
	b := newBroker()

	_, cancel := b.subscribe()
	defer cancel()

	// Nobody drains the listener; publishing far past its buffer must not
	// block.
	for i := 0; i < listenerBuffer*2; i++ {
		b.publish(uptypes.Event{
			Type:      uptypes.EventProgress,
			SessionID: fmt.Sprintf("s%d", i),
		})
	}
}

func TestBroker_CloseShutsDownListeners(t *testing.T) {
	b := newBroker()

	ch, cancel := b.subscribe()
	defer cancel()

	b.close()

	_, open := <-ch
	assert.False(t, open)

	// Publishing and closing again after shutdown are harmless.
	b.publish(uptypes.Event{Type: uptypes.EventProgress})
	b.close()

	late, lateCancel := b.subscribe()
	defer lateCancel()
	_, open = <-late
	assert.False(t, open)
}
