// Package ws is the transport gateway: it upgrades handshakes, assigns
// connection identities and pumps messages between sockets and the engine.
package ws

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabcanvas/internal/auth"
	"collabcanvas/internal/engine"
	"collabcanvas/internal/protocol"
)

type Config struct {
	PongWait        time.Duration
	PingPeriod      time.Duration
	WriteWait       time.Duration
	SendBuffer      int
	MaxMessageBytes int64
}

func (c Config) withDefaults() Config {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 {
		// Must fire well inside PongWait.
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	return c
}

type Gateway struct {
	engine   *engine.Engine
	auth     auth.Authenticator
	cfg      Config
	upgrader websocket.Upgrader
}

func NewGateway(eng *engine.Engine, authn auth.Authenticator, cfg Config) *Gateway {
	return &Gateway{
		engine: eng,
		auth:   authn,
		cfg:    cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS is the /ws endpoint. A rejected handshake never becomes a
// connection; every accepted one gets a fresh uuid identity.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "auth rejected", http.StatusUnauthorized)
		return
	}
	sock, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}
	c := newConn(uuid.NewString(), userID, sock, g)
	log.Printf("ws: %s connected (user %s)", c.id, userID)
	go c.writePump()
	c.readPump()
	log.Printf("ws: %s disconnected", c.id)
}

// dispatch routes one client message. Errors are scoped to the sending
// connection; peers never see them.
func (g *Gateway) dispatch(c *Conn, raw []byte) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.Send(protocol.Error(protocol.CodeBadMessage, "unparseable message"))
		return
	}
	var err error
	switch msg.Type {
	case protocol.MsgJoin:
		if msg.CanvasID == "" {
			c.Send(protocol.Error(protocol.CodeBadMessage, "join requires canvasId"))
			return
		}
		err = g.engine.Join(c, msg.CanvasID)
	case protocol.MsgOperation:
		err = g.engine.Submit(c, msg.ClientSeq, msg.Kind, msg.Payload)
	case protocol.MsgPresence:
		err = g.engine.Presence(c, msg.Payload)
	case protocol.MsgSync:
		err = g.engine.CatchUp(c, msg.SinceServerSeq)
	case protocol.MsgLeave:
		g.engine.Leave(c)
	default:
		c.Send(protocol.Error(protocol.CodeBadMessage, "unknown message type "+msg.Type))
		return
	}
	if err != nil {
		c.Send(protocol.Error(errCode(err), err.Error()))
	}
}

func errCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrCanvasNotFound):
		return protocol.CodeCanvasNotFound
	case errors.Is(err, engine.ErrNotAMember):
		return protocol.CodeNotAMember
	case errors.Is(err, protocol.ErrMalformed):
		return protocol.CodeMalformedOperation
	case errors.Is(err, engine.ErrServiceUnavailable):
		return protocol.CodeServiceUnavailable
	default:
		return protocol.CodeBadMessage
	}
}
