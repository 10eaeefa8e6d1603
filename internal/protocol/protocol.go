// Package protocol defines the wire messages exchanged with canvas clients
// and the durable operation record shared with the store.
package protocol

import "encoding/json"

// Operation kinds accepted by the sequencer.
const (
	KindAddShape    = "add-shape"
	KindModifyShape = "modify-shape"
	KindDeleteShape = "delete-shape"
	KindClear       = "clear"
)

// Client -> server message types.
const (
	MsgJoin      = "join"
	MsgOperation = "operation"
	MsgPresence  = "presence"
	MsgSync      = "sync"
	MsgLeave     = "leave"
)

// Server -> client message types.
const (
	MsgJoined             = "joined"
	MsgOperationBroadcast = "operationBroadcast"
	MsgPresenceBroadcast  = "presenceBroadcast"
	MsgPresenceRemoved    = "presenceRemoved"
	MsgError              = "error"
)

// Error codes carried in error messages.
const (
	CodeBadMessage         = "bad_message"
	CodeCanvasNotFound     = "canvas_not_found"
	CodeNotAMember         = "not_a_member"
	CodeMalformedOperation = "malformed_operation"
	CodeServiceUnavailable = "service_unavailable"
)

// Operation is the immutable record of one canvas mutation. ServerSeq is
// zero until the sequencer admits the operation; once assigned it is never
// reused, even if persistence is retried.
type Operation struct {
	CanvasID           string          `json:"canvasId"`
	AuthorConnectionID string          `json:"authorConnectionId"`
	ClientSeq          uint64          `json:"clientSeq"`
	Kind               string          `json:"kind"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	ServerSeq          uint64          `json:"serverSeq"`
}

// ClientMessage is the envelope for everything a client sends. Fields beyond
// Type are populated depending on the message type.
type ClientMessage struct {
	Type           string          `json:"type"`
	CanvasID       string          `json:"canvasId,omitempty"`
	ClientSeq      uint64          `json:"clientSeq,omitempty"`
	Kind           string          `json:"kind,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SinceServerSeq uint64          `json:"sinceServerSeq,omitempty"`
}

// ServerMessage is the envelope for everything the server sends.
type ServerMessage struct {
	Type string `json:"type"`

	// joined
	Document json.RawMessage `json:"document,omitempty"`

	// ServerSeq is meaningful on joined and operationBroadcast and is
	// always emitted: zero means "no operations yet".
	ServerSeq uint64 `json:"serverSeq"`

	// operationBroadcast
	AuthorConnectionID string          `json:"authorConnectionId,omitempty"`
	ClientSeq          uint64          `json:"clientSeq,omitempty"`
	Kind               string          `json:"kind,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`

	// presenceBroadcast / presenceRemoved
	ConnectionID string `json:"connectionId,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// OperationBroadcast wraps a sequenced operation for fan-out. The author
// matches its own broadcast via ClientSeq as the commit acknowledgment.
func OperationBroadcast(op Operation) ServerMessage {
	return ServerMessage{
		Type:               MsgOperationBroadcast,
		ServerSeq:          op.ServerSeq,
		AuthorConnectionID: op.AuthorConnectionID,
		ClientSeq:          op.ClientSeq,
		Kind:               op.Kind,
		Payload:            op.Payload,
	}
}

func Error(code, message string) ServerMessage {
	return ServerMessage{Type: MsgError, Code: code, Message: message}
}
