// Package bus relays sequenced operations and presence between canvasd
// nodes over redis pub/sub, so rooms for the same canvas on different
// nodes stay in sync. Operations on the bus are already sequenced; the
// receiving engine only advances its materialized state.
package bus

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"collabcanvas/internal/protocol"
)

const (
	opChannelPrefix       = "canvas.ops."
	presenceChannelPrefix = "canvas.presence."
)

// Handler receives relayed traffic from peer nodes. The engine implements
// it.
type Handler interface {
	ApplyRemote(op protocol.Operation)
	RemotePresence(canvasID, connectionID string, payload json.RawMessage, removed bool)
}

type envelope struct {
	Node     string              `json:"node"`
	Op       *protocol.Operation `json:"op,omitempty"`
	Presence *presenceEnvelope   `json:"presence,omitempty"`
}

type presenceEnvelope struct {
	CanvasID     string          `json:"canvasId"`
	ConnectionID string          `json:"connectionId"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Removed      bool            `json:"removed,omitempty"`
}

// Redis is the pub/sub relay. Publishes go through a single goroutine so
// the on-wire order per canvas matches serverSeq order.
type Redis struct {
	rdb     *redis.Client
	nodeID  string
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	out    chan publishReq

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

type publishReq struct {
	channel string
	payload []byte
}

func NewRedis(rdb *redis.Client, nodeID string, handler Handler) *Redis {
	ctx, cancel := context.WithCancel(context.Background())
	return &Redis{
		rdb:     rdb,
		nodeID:  nodeID,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan publishReq, 1024),
		subs:    map[string]*redis.PubSub{},
	}
}

// Run drives the publisher loop until ctx is done.
func (b *Redis) Run(ctx context.Context) error {
	for {
		select {
		case req := <-b.out:
			if err := b.rdb.Publish(ctx, req.channel, req.payload).Err(); err != nil {
				log.Printf("bus: publish to %s failed: %v", req.channel, err)
			}
		case <-ctx.Done():
			b.cancel()
			b.closeSubs()
			return ctx.Err()
		}
	}
}

// closeSubs tears down every live subscription so the consume goroutines
// drain out when the relay stops.
func (b *Redis) closeSubs() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ps := range b.subs {
		ps.Close()
		delete(b.subs, id)
	}
}

func (b *Redis) enqueue(channel string, env envelope) {
	env.Node = b.nodeID
	raw, err := json.Marshal(env)
	if err != nil {
		log.Printf("bus: encode for %s failed: %v", channel, err)
		return
	}
	select {
	case b.out <- publishReq{channel: channel, payload: raw}:
	default:
		// Peers heal from the shared store on the next op they see.
		log.Printf("bus: outbound queue full, dropping message for %s", channel)
	}
}

func (b *Redis) PublishOperation(op protocol.Operation) {
	b.enqueue(opChannelPrefix+op.CanvasID, envelope{Op: &op})
}

func (b *Redis) PublishPresence(canvasID, connectionID string, payload json.RawMessage, removed bool) {
	b.enqueue(presenceChannelPrefix+canvasID, envelope{Presence: &presenceEnvelope{
		CanvasID:     canvasID,
		ConnectionID: connectionID,
		Payload:      payload,
		Removed:      removed,
	}})
}

// SubscribeCanvas starts consuming both relay channels for a canvas. Called
// by the engine when it creates a room.
func (b *Redis) SubscribeCanvas(canvasID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[canvasID]; ok {
		return
	}
	ps := b.rdb.Subscribe(b.ctx, opChannelPrefix+canvasID, presenceChannelPrefix+canvasID)
	b.subs[canvasID] = ps
	go b.consume(ps)
}

func (b *Redis) UnsubscribeCanvas(canvasID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ps, ok := b.subs[canvasID]; ok {
		delete(b.subs, canvasID)
		ps.Close()
	}
}

func (b *Redis) consume(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Printf("bus: bad envelope on %s: %v", msg.Channel, err)
			continue
		}
		if env.Node == b.nodeID {
			continue
		}
		switch {
		case env.Op != nil:
			b.handler.ApplyRemote(*env.Op)
		case env.Presence != nil:
			p := env.Presence
			b.handler.RemotePresence(p.CanvasID, p.ConnectionID, p.Payload, p.Removed)
		}
	}
}
