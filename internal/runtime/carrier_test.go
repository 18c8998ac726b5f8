package runtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/stretchr/testify/require"
)

func TestCarrierQueuesResponsesBeyondBuffer(t *testing.T) {
	ch := make(chan flowhs.Response, 1)
	c := newSpeakerCarrier(context.Background(), nil, nil, ch, logging.Noop())

	for i := 0; i < 5; i++ {
		c.SendNorthboundResponse(context.Background(), flowhs.Response{Key: fmt.Sprintf("k%d", i)})
	}

	for i := 0; i < 5; i++ {
		select {
		case resp := <-ch:
			require.Equal(t, fmt.Sprintf("k%d", i), resp.Key)
		case <-time.After(5 * time.Second):
			t.Fatalf("response k%d was not delivered", i)
		}
	}
	require.Eventually(t, func() bool { return c.queued() == 0 }, 5*time.Second, time.Millisecond)

	c.SendNorthboundResponse(context.Background(), flowhs.Response{Key: "after"})
	require.Equal(t, "after", (<-ch).Key)
}

func TestCarrierDropsQueuedResponsesAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan flowhs.Response, 1)
	c := newSpeakerCarrier(ctx, nil, nil, ch, logging.Noop())

	c.SendNorthboundResponse(ctx, flowhs.Response{Key: "k0"})
	c.SendNorthboundResponse(ctx, flowhs.Response{Key: "k1"})
	c.SendNorthboundResponse(ctx, flowhs.Response{Key: "k2"})
	cancel()

	require.Eventually(t, func() bool { return c.queued() == 0 }, 5*time.Second, time.Millisecond)
	require.Equal(t, "k0", (<-ch).Key)
}
