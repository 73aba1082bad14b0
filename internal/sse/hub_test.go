package sse

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldermay/pathforge-backend/internal/logger"
)

func newTestHub(t *testing.T) *SSEHub {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	return NewSSEHub(log)
}

func drain(c *SSEClient) []SSEMessage {
	var out []SSEMessage
	for {
		select {
		case msg := <-c.Outbound:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestBroadcast_OnlyReachesSubscribedChannel(t *testing.T) {
	hub := newTestHub(t)

	a := hub.NewSSEClient()
	b := hub.NewSSEClient()
	hub.AddChannel(a, "job-1")
	hub.AddChannel(b, "job-2")

	hub.Broadcast(SSEMessage{Channel: "job-1", Event: SSEEventJobProgress, Data: "step done"})

	gotA := drain(a)
	require.Len(t, gotA, 1)
	assert.Equal(t, "job-1", gotA[0].Channel)
	assert.Equal(t, SSEEventJobProgress, gotA[0].Event)
	assert.Empty(t, drain(b))
}

func TestBroadcast_MultipleSubscribersSameChannel(t *testing.T) {
	hub := newTestHub(t)

	a := hub.NewSSEClient()
	b := hub.NewSSEClient()
	hub.AddChannel(a, "job-1")
	hub.AddChannel(b, "job-1")

	hub.Broadcast(SSEMessage{Channel: "job-1", Event: SSEEventJobProgress})

	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
}

func TestBroadcast_EmptyChannelIsIgnored(t *testing.T) {
	hub := newTestHub(t)
	a := hub.NewSSEClient()
	hub.AddChannel(a, "job-1")

	hub.Broadcast(SSEMessage{Event: SSEEventJobProgress})
	assert.Empty(t, drain(a))
}

func TestRemoveChannel_StopsDelivery(t *testing.T) {
	hub := newTestHub(t)
	a := hub.NewSSEClient()
	hub.AddChannel(a, "job-1")
	hub.RemoveChannel(a, "job-1")

	hub.Broadcast(SSEMessage{Channel: "job-1", Event: SSEEventJobProgress})
	assert.Empty(t, drain(a))
	assert.NotContains(t, a.Channels, "job-1")
}

func TestRemoveClient_DropsAllSubscriptions(t *testing.T) {
	hub := newTestHub(t)
	a := hub.NewSSEClient()
	hub.AddChannel(a, "job-1")
	hub.AddChannel(a, "path-9")
	hub.RemoveClient(a)

	hub.Broadcast(SSEMessage{Channel: "job-1", Event: SSEEventJobProgress})
	hub.Broadcast(SSEMessage{Channel: "path-9", Event: SSEEventClassroomUpdated})
	assert.Empty(t, drain(a))
	assert.Empty(t, a.Channels)
}

func TestBroadcast_SlowClientDropsInsteadOfBlocking(t *testing.T) {
	hub := newTestHub(t)
	a := hub.NewSSEClient()
	hub.AddChannel(a, "job-1")

	// Nobody reads Outbound; overflow past the buffer must not block.
	for i := 0; i < cap(a.Outbound)+10; i++ {
		hub.Broadcast(SSEMessage{Channel: "job-1", Event: SSEEventJobProgress, Data: fmt.Sprintf("msg %d", i)})
	}
	assert.Len(t, drain(a), cap(a.Outbound))
}

func TestAddChannel_BlankChannelIgnored(t *testing.T) {
	hub := newTestHub(t)
	a := hub.NewSSEClient()
	hub.AddChannel(a, "   ")
	assert.Empty(t, a.Channels)

	hub.Broadcast(SSEMessage{Channel: "   ", Event: SSEEventJobProgress})
	assert.Empty(t, drain(a))
}
