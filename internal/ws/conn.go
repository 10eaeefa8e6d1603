package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabcanvas/internal/protocol"
)

// Conn is one client connection. A reconnect is a brand new Conn with a
// new id; continuity is the catch-up protocol's job, not the transport's.
type Conn struct {
	id     string
	userID string
	sock   *websocket.Conn
	gw     *Gateway

	send chan protocol.ServerMessage
	done chan struct{}
	once sync.Once
}

func newConn(id, userID string, sock *websocket.Conn, gw *Gateway) *Conn {
	return &Conn{
		id:     id,
		userID: userID,
		sock:   sock,
		gw:     gw,
		send:   make(chan protocol.ServerMessage, gw.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

// Send enqueues a message for the write pump. A consumer too slow to keep
// its buffer drained is disconnected; it will rejoin and catch up by
// serverSeq rather than stall the room.
func (c *Conn) Send(msg protocol.ServerMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.close()
		return false
	}
}

// close is idempotent: the read error path and the heartbeat timeout can
// both land here, but the engine sees exactly one leave. The leave runs on
// its own goroutine because close can be reached from inside an engine
// fan-out (via a failed Send) that already holds engine locks.
func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		go c.gw.engine.Leave(c)
		c.sock.Close()
	})
}

// readPump parses client messages and dispatches them until the socket
// errors or times out. The read deadline doubles as the heartbeat: a
// connection silent past PongWait is treated as disconnected.
func (c *Conn) readPump() {
	defer c.close()
	c.sock.SetReadLimit(c.gw.cfg.MaxMessageBytes)
	c.sock.SetReadDeadline(time.Now().Add(c.gw.cfg.PongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(c.gw.cfg.PongWait))
	})
	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		c.sock.SetReadDeadline(time.Now().Add(c.gw.cfg.PongWait))
		c.gw.dispatch(c, raw)
	}
}

// writePump owns all writes to the socket: queued messages in enqueue
// order, plus the heartbeat pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.gw.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case msg := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteWait))
			if err := c.sock.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.sock.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}
