package event

import "github.com/sessionmux/sessionmux/pkg/types"

// SessionCreatedData is the data for session.created events.
type SessionCreatedData struct {
	Info *types.Session `json:"info"`
}

// SessionUpdatedData is the data for session.updated events.
type SessionUpdatedData struct {
	Info *types.Session `json:"info"`
}

// SessionDeletedData is the data for session.deleted events.
type SessionDeletedData struct {
	SessionID string `json:"sessionId"`
}

// SessionStatusData is the data for session.status events, published on
// every state-machine transition.
type SessionStatusData struct {
	SessionID string              `json:"sessionId"`
	Status    types.SessionStatus `json:"status"`
}
