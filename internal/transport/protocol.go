// Package transport implements the multiplexed session attach/stream
// protocol. One long-lived websocket per client carries any number of
// concurrent session attachments; per session, events arrive in strict
// seq order with no gaps.
package transport

import (
	"encoding/json"

	"github.com/sessionmux/sessionmux/pkg/types"
)

// ProtocolVersion is the wire protocol version carried in every message.
const ProtocolVersion = 1

// Wire operation names.
const (
	OpHello   = "hello"
	OpWelcome = "welcome"
	OpAttach  = "attach"
	OpDetach  = "detach"
	OpInput   = "input"
	OpOp      = "op"
	OpEvent   = "event"
	OpAck     = "ack"
	OpError   = "error"
	OpPing    = "ping"
	OpPong    = "pong"
	OpClose   = "close"
)

// Message is the single frame shape: {v: 1, op: <string>, ...fields}.
// Which fields are meaningful depends on op. Binary payloads (pty
// bytes) ride base64-encoded inside Data / the event payload, which is
// what encoding/json produces for []byte.
type Message struct {
	V  int    `json:"v"`
	Op string `json:"op"`

	// hello
	ClientID        string `json:"clientId,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`

	// welcome
	Caps *Capabilities `json:"caps,omitempty"`

	// attach / detach / input / op / close / event / ack / error
	SessionID string `json:"sessionId,omitempty"`

	// attach
	FromSeq int64 `json:"fromSeq,omitempty"`

	// input
	Data []byte `json:"data,omitempty"`

	// op
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`

	// event
	Event *types.Event `json:"event,omitempty"`

	// ack
	Seq int64 `json:"seq,omitempty"`

	// error / close
	Kind    types.ErrorKind `json:"kind,omitempty"`
	Message string          `json:"message,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Capabilities advertises what the server supports in welcome.
type Capabilities struct {
	Kinds           []string `json:"kinds"`
	MaxQueue        int      `json:"maxQueue"`
	ProtocolVersion int      `json:"protocolVersion"`
}

func errorMessage(sessionID string, err error) Message {
	return Message{
		V:         ProtocolVersion,
		Op:        OpError,
		SessionID: sessionID,
		Kind:      types.KindOf(err),
		Message:   err.Error(),
	}
}
