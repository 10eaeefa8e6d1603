// Package engine implements the collaborative canvas synchronization core:
// room membership, per-canvas operation sequencing, state reconciliation
// and presence fan-out. The transport hands it connections; the store is
// the durability collaborator.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"collabcanvas/internal/canvas"
	"collabcanvas/internal/protocol"
	"collabcanvas/internal/store"
)

var (
	ErrCanvasNotFound     = errors.New("canvas not found")
	ErrNotAMember         = errors.New("not a member of a canvas")
	ErrServiceUnavailable = errors.New("canvas temporarily unavailable")
)

// Conn is what the engine needs from a transport connection. Send must not
// block; it reports false once the connection is gone.
type Conn interface {
	ID() string
	UserID() string
	Send(msg protocol.ServerMessage) bool
}

// Publisher relays sequenced operations and presence to peer nodes. The
// redis bus implements it; a nil Publisher means single-node operation.
type Publisher interface {
	PublishOperation(op protocol.Operation)
	PublishPresence(canvasID, connectionID string, payload json.RawMessage, removed bool)
	SubscribeCanvas(canvasID string)
	UnsubscribeCanvas(canvasID string)
}

// Config carries the engine tunables. Zero values fall back to defaults.
type Config struct {
	// RoomGrace is how long an empty room lingers before teardown, to
	// ride out reconnect churn.
	RoomGrace time.Duration

	// SnapshotEvery persists a document snapshot after this many applied
	// operations.
	SnapshotEvery int

	// PersistRetry bounds how long one operation's append is retried
	// before the canvas is marked degraded.
	PersistRetry time.Duration

	// DegradedRetry is how long a degraded canvas waits before
	// re-materializing from the store.
	DegradedRetry time.Duration

	// CreateOnJoin makes join lazily create unknown canvases. When false,
	// joining an unknown canvas fails with ErrCanvasNotFound.
	CreateOnJoin bool
}

func (c Config) withDefaults() Config {
	if c.RoomGrace <= 0 {
		c.RoomGrace = 10 * time.Second
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 50
	}
	if c.PersistRetry <= 0 {
		c.PersistRetry = 15 * time.Second
	}
	if c.DegradedRetry <= 0 {
		c.DegradedRetry = 30 * time.Second
	}
	return c
}

// DefaultConfig enables lazy canvas creation on join.
func DefaultConfig() Config {
	return Config{CreateOnJoin: true}
}

// room is the live membership of one canvas.
type room struct {
	canvasID string
	members  mapset.Set[string]
	conns    map[string]Conn
	presence map[string]json.RawMessage
	grace    *time.Timer
}

// member tracks which room a connection currently belongs to. A connection
// belongs to at most one canvas at a time.
type member struct {
	conn Conn
	room *room
}

type Engine struct {
	store store.Store
	cfg   Config
	bus   Publisher

	// mu guards the three maps. It is never held while calling into the
	// store; canvasState.mu may be held when acquiring it, never the
	// other way around.
	mu       sync.Mutex
	rooms    map[string]*room
	conns    map[string]*member
	canvases map[string]*canvasState
}

func New(st store.Store, cfg Config) *Engine {
	return &Engine{
		store:    st,
		cfg:      cfg.withDefaults(),
		rooms:    map[string]*room{},
		conns:    map[string]*member{},
		canvases: map[string]*canvasState{},
	}
}

// SetBus attaches the cross-node relay. Call before serving connections.
func (e *Engine) SetBus(b Publisher) { e.bus = b }

// Join adds the connection to the canvas's room and sends it the joined
// snapshot. If the connection was in another room it leaves that one first.
// The snapshot and the membership registration happen inside the canvas
// critical section, so no operation broadcast can fall between the snapshot
// seq and the first broadcast the joiner receives.
func (e *Engine) Join(c Conn, canvasID string) error {
	cs, err := e.materialize(canvasID, e.cfg.CreateOnJoin)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	e.register(c, canvasID, cs)

	doc, err := json.Marshal(cs.doc)
	if err != nil {
		return err
	}
	c.Send(protocol.ServerMessage{
		Type:      protocol.MsgJoined,
		Document:  doc,
		ServerSeq: cs.seq,
	})
	log.Printf("engine: %s joined canvas %s at seq %d", c.ID(), canvasID, cs.seq)
	return nil
}

// register puts the connection into the canvas's room, creating the room if
// needed. Caller holds cs.mu. The grace timer can tear the room down between
// materialize and here, evicting the state the caller resolved; the state is
// re-registered so membership and the sequencer always agree.
func (e *Engine) register(c Conn, canvasID string, cs *canvasState) {
	e.mu.Lock()
	if m := e.conns[c.ID()]; m != nil && m.room != nil {
		e.removeLocked(c.ID(), m)
	}
	r := e.rooms[canvasID]
	if r == nil {
		r = &room{
			canvasID: canvasID,
			members:  mapset.NewSet[string](),
			conns:    map[string]Conn{},
			presence: map[string]json.RawMessage{},
		}
		e.rooms[canvasID] = r
		if e.bus != nil {
			e.bus.SubscribeCanvas(canvasID)
		}
	}
	if e.canvases[canvasID] != cs {
		e.canvases[canvasID] = cs
	}
	if r.grace != nil {
		r.grace.Stop()
		r.grace = nil
	}
	r.members.Add(c.ID())
	r.conns[c.ID()] = c
	e.conns[c.ID()] = &member{conn: c, room: r}

	// Let the joiner see who is already here.
	for id, p := range r.presence {
		c.Send(protocol.ServerMessage{
			Type:         protocol.MsgPresenceBroadcast,
			ConnectionID: id,
			Payload:      p,
		})
	}
	e.mu.Unlock()
}

// Leave removes the connection from its room. It is safe to call more than
// once; the transport may detect a disconnect on both the error and the
// heartbeat path.
func (e *Engine) Leave(c Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.conns[c.ID()]
	if m == nil || m.room == nil {
		return
	}
	canvasID := m.room.canvasID
	e.removeLocked(c.ID(), m)
	log.Printf("engine: %s left canvas %s", c.ID(), canvasID)
}

// removeLocked takes a connection out of its room, broadcasts the presence
// removal and schedules room teardown when the room empties. Caller holds
// e.mu.
func (e *Engine) removeLocked(connID string, m *member) {
	r := m.room
	m.room = nil
	delete(e.conns, connID)
	r.members.Remove(connID)
	delete(r.conns, connID)
	if _, had := r.presence[connID]; had {
		delete(r.presence, connID)
	}

	gone := protocol.ServerMessage{Type: protocol.MsgPresenceRemoved, ConnectionID: connID}
	for _, peer := range r.conns {
		peer.Send(gone)
	}
	if e.bus != nil {
		e.bus.PublishPresence(r.canvasID, connID, nil, true)
	}

	if r.members.Cardinality() == 0 {
		canvasID := r.canvasID
		r.grace = time.AfterFunc(e.cfg.RoomGrace, func() { e.teardown(canvasID) })
	}
}

// teardown destroys an empty room after the grace period, evicting the
// canvas state. The document stays durable in the store.
func (e *Engine) teardown(canvasID string) {
	e.mu.Lock()
	r := e.rooms[canvasID]
	if r == nil || r.members.Cardinality() > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.rooms, canvasID)
	cs := e.canvases[canvasID]
	delete(e.canvases, canvasID)
	if e.bus != nil {
		e.bus.UnsubscribeCanvas(canvasID)
	}
	e.mu.Unlock()

	if cs != nil {
		cs.mu.Lock()
		if cs.sinceSnapshot > 0 && !cs.degraded {
			e.saveSnapshot(canvasID, cs.doc.Clone(), cs.seq)
			cs.sinceSnapshot = 0
		}
		cs.mu.Unlock()
	}
	log.Printf("engine: room %s torn down", canvasID)
}

// MembersOf returns the connection ids currently joined to a canvas.
func (e *Engine) MembersOf(canvasID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.rooms[canvasID]
	if r == nil {
		return nil
	}
	return r.members.ToSlice()
}

// roomAndStateFor resolves the caller's membership. Both return values are
// nil when the connection is not joined anywhere.
func (e *Engine) roomAndStateFor(c Conn) (*room, *canvasState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.conns[c.ID()]
	if m == nil || m.room == nil {
		return nil, nil
	}
	return m.room, e.canvases[m.room.canvasID]
}

// broadcast sends msg to every current member of the canvas's room. Called
// with the canvas lock held, so per-connection enqueue order follows
// serverSeq order.
func (e *Engine) broadcast(canvasID string, msg protocol.ServerMessage) {
	e.mu.Lock()
	r := e.rooms[canvasID]
	if r == nil {
		e.mu.Unlock()
		return
	}
	conns := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()
	for _, c := range conns {
		c.Send(msg)
	}
}

// DebugState returns a point-in-time copy of room membership and sequencer
// positions, for the debug endpoint.
func (e *Engine) DebugState() map[string]any {
	e.mu.Lock()
	type pair struct {
		entry map[string]any
		cs    *canvasState
	}
	pairs := map[string]pair{}
	for id, r := range e.rooms {
		pairs[id] = pair{
			entry: map[string]any{
				"members":  r.members.ToSlice(),
				"presence": len(r.presence),
			},
			cs: e.canvases[id],
		}
	}
	e.mu.Unlock()

	out := map[string]any{}
	for id, p := range pairs {
		if p.cs != nil {
			p.cs.mu.Lock()
			p.entry["serverSeq"] = p.cs.seq
			p.entry["degraded"] = p.cs.degraded
			if p.cs.doc != nil {
				p.entry["shapes"] = p.cs.doc.Len()
			}
			p.cs.mu.Unlock()
		}
		out[id] = p.entry
	}
	return out
}

func (e *Engine) saveSnapshot(canvasID string, doc *canvas.Document, seq uint64) {
	if err := e.store.SaveSnapshot(context.Background(), canvasID, doc, seq); err != nil {
		log.Printf("engine: snapshot for %s at seq %d failed: %v", canvasID, seq, err)
	}
}
