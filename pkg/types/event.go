package types

import "encoding/json"

// Channel partitions session events by direction and semantics.
type Channel string

const (
	ChannelStdout           Channel = "stdout"
	ChannelStderr           Channel = "stderr"
	ChannelStdinEcho        Channel = "stdin-echo"
	ChannelResize           Channel = "resize"
	ChannelStatus           Channel = "status"
	ChannelAssistantMessage Channel = "assistant-message"
	ChannelToolCall         Channel = "tool-call"
	ChannelToolResult       Channel = "tool-result"
	ChannelError            Channel = "error"
)

// Status event types emitted on ChannelStatus.
const (
	StatusCreated            = "created"
	StatusExited             = "exited"
	StatusError              = "error"
	StatusRecoveredAsStopped = "recovered-as-stopped"
	StatusStorageError       = "storage-error"
)

// Event is an immutable, sequenced record of something that happened in
// a session. Seq is assigned by the recorder at append time; it is
// strictly increasing and dense per session, starting at 1.
type Event struct {
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Channel   Channel         `json:"channel"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
}

// ExitPayload is the payload of a status:exited event.
type ExitPayload struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// ErrorPayload is the payload of a status:error event.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ResizePayload is the payload of a resize event.
type ResizePayload struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// BytesPayload wraps raw process output. encoding/json base64-encodes
// []byte, which is the wire representation the protocol requires.
type BytesPayload struct {
	Data []byte `json:"data"`
}

// MarshalPayload encodes v as an event payload, panicking only on
// unmarshalable types (a programming error, not a runtime condition).
func MarshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("types: unmarshalable event payload: " + err.Error())
	}
	return data
}
