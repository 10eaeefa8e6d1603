package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcanvas/internal/protocol"
)

// newTestBus builds a relay whose client points nowhere; these tests only
// exercise the node-local queueing and lifecycle.
func newTestBus() *Redis {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	return NewRedis(rdb, "node-1", nil)
}

func TestPublishOperationEnqueuesTaggedEnvelope(t *testing.T) {
	b := newTestBus()
	b.PublishOperation(protocol.Operation{CanvasID: "c1", Kind: protocol.KindClear, ServerSeq: 7})

	req := <-b.out
	assert.Equal(t, opChannelPrefix+"c1", req.channel)
	var env envelope
	require.NoError(t, json.Unmarshal(req.payload, &env))
	assert.Equal(t, "node-1", env.Node)
	require.NotNil(t, env.Op)
	assert.Equal(t, uint64(7), env.Op.ServerSeq)
}

func TestRunClosesSubscriptionsOnShutdown(t *testing.T) {
	b := newTestBus()
	b.SubscribeCanvas("c1")
	b.SubscribeCanvas("c2")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Empty(t, b.subs)
}
