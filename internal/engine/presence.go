package engine

import (
	"encoding/json"

	"collabcanvas/internal/protocol"
)

// Presence records the connection's latest ephemeral state (cursor, tool,
// selection) and fans it out to the other room members. Presence bypasses
// the sequencer entirely: no serverSeq, no persistence, most recent write
// wins.
func (e *Engine) Presence(c Conn, payload json.RawMessage) error {
	e.mu.Lock()
	m := e.conns[c.ID()]
	if m == nil || m.room == nil {
		e.mu.Unlock()
		return ErrNotAMember
	}
	r := m.room
	r.presence[c.ID()] = payload
	peers := make([]Conn, 0, len(r.conns))
	for id, peer := range r.conns {
		if id == c.ID() {
			continue
		}
		peers = append(peers, peer)
	}
	canvasID := r.canvasID
	e.mu.Unlock()

	msg := protocol.ServerMessage{
		Type:         protocol.MsgPresenceBroadcast,
		ConnectionID: c.ID(),
		Payload:      payload,
	}
	for _, peer := range peers {
		peer.Send(msg)
	}
	if e.bus != nil {
		e.bus.PublishPresence(canvasID, c.ID(), payload, false)
	}
	return nil
}
