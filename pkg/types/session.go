// Package types provides the core data types for the sessionmux server.
package types

import "encoding/json"

// SessionStatus is the persisted lifecycle state of a session.
type SessionStatus string

const (
	// StatusRunning means a live process is bound to the session.
	StatusRunning SessionStatus = "running"

	// StatusIdle means the session exists as metadata only; no process.
	StatusIdle SessionStatus = "idle"

	// StatusStopped means the process exited, crashed, or was closed.
	StatusStopped SessionStatus = "stopped"
)

// Session kinds shipped with the server. Additional kinds may be
// registered at startup.
const (
	KindPTY        = "pty"
	KindAssistant  = "assistant"
	KindFileEditor = "file-editor"
)

// Session represents a supervised interactive process with an event log.
// The persisted record never references runtime structures; the live
// process handle lives only in the orchestrator's in-memory table.
type Session struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Cwd      string          `json:"cwd"`
	Status   SessionStatus   `json:"status"`
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// Unix milliseconds.
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Workspace is a keyed record collecting sessions by cwd. The kernel
// consults it only for default-cwd resolution and last-active tracking.
type Workspace struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	LastActiveAt int64  `json:"lastActiveAt"`
}

// SessionMetadata holds the kind-specific options recognized by the
// built-in adapters. Unknown fields are preserved for custom kinds.
type SessionMetadata struct {
	// PTY options.
	Shell string            `json:"shell,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
	Cols  uint16            `json:"cols,omitempty"`
	Rows  uint16            `json:"rows,omitempty"`

	// Assistant options.
	Model          string `json:"model,omitempty"`
	Command        string `json:"command,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"` // bypassPermissions | default | acceptEdits

	// File-editor options.
	File string `json:"file,omitempty"`
}

// ParseMetadata decodes the session's opaque metadata into the
// recognized option set. A nil or empty payload yields zero options.
func (s *Session) ParseMetadata() (SessionMetadata, error) {
	var md SessionMetadata
	if len(s.Metadata) == 0 {
		return md, nil
	}
	if err := json.Unmarshal(s.Metadata, &md); err != nil {
		return md, err
	}
	return md, nil
}
