package engine

import (
	"context"
	"encoding/json"
	"log"

	"collabcanvas/internal/protocol"
)

// ApplyRemote feeds an operation sequenced by a peer node into the local
// room. Remote operations are already ordered; they bypass the sequencer
// and only advance the local materialized state. Gaps (missed bus
// messages) are healed from the shared store.
func (e *Engine) ApplyRemote(op protocol.Operation) {
	e.mu.Lock()
	cs := e.canvases[op.CanvasID]
	e.mu.Unlock()
	if cs == nil {
		return
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.doc == nil || op.ServerSeq <= cs.seq {
		// Not materialized here, or we already have it (our own publish
		// echoed back, or a duplicate delivery).
		return
	}
	if op.ServerSeq == cs.seq+1 {
		cs.doc.Apply(op.Kind, op.Payload)
		cs.seq = op.ServerSeq
		e.broadcast(op.CanvasID, protocol.OperationBroadcast(op))
		return
	}

	// Gap: replay the durable suffix instead of applying out of order.
	ops, err := e.store.LoadSince(context.Background(), op.CanvasID, cs.seq)
	if err != nil {
		log.Printf("engine: gap heal on %s failed: %v", op.CanvasID, err)
		return
	}
	for _, missed := range ops {
		if missed.ServerSeq != cs.seq+1 {
			break
		}
		cs.doc.Apply(missed.Kind, missed.Payload)
		cs.seq = missed.ServerSeq
		e.broadcast(op.CanvasID, protocol.OperationBroadcast(missed))
	}
}

// RemotePresence mirrors a peer node's presence traffic into the local
// room.
func (e *Engine) RemotePresence(canvasID, connectionID string, payload json.RawMessage, removed bool) {
	e.mu.Lock()
	r := e.rooms[canvasID]
	if r == nil {
		e.mu.Unlock()
		return
	}
	if removed {
		delete(r.presence, connectionID)
	} else {
		r.presence[connectionID] = payload
	}
	peers := make([]Conn, 0, len(r.conns))
	for _, peer := range r.conns {
		peers = append(peers, peer)
	}
	e.mu.Unlock()

	msg := protocol.ServerMessage{Type: protocol.MsgPresenceBroadcast, ConnectionID: connectionID, Payload: payload}
	if removed {
		msg = protocol.ServerMessage{Type: protocol.MsgPresenceRemoved, ConnectionID: connectionID}
	}
	for _, peer := range peers {
		peer.Send(msg)
	}
}
