// Package adapter defines the process-supervision contract implemented
// by every session kind, and the registry mapping kind strings to
// adapters.
package adapter

import (
	"context"
	"encoding/json"

	"github.com/sessionmux/sessionmux/pkg/types"
)

// EmitFunc receives events produced by an adapter. Seq and timestamp
// are assigned downstream by the recorder; adapters fill sessionID,
// channel, type, and payload. Emit never blocks on subscribers.
type EmitFunc func(ev types.Event)

// Operation names understood by the built-in adapters.
const (
	OpResize = "resize"
	OpSignal = "signal"
	OpRead   = "read"
	OpWrite  = "write"
	OpDiff   = "diff"
	OpGlob   = "glob"
)

// Close reason codes.
const (
	ReasonClientClose  = "client-close"
	ReasonCreateFailed = "create-failed"
	ReasonShutdown     = "server-shutdown"
	ReasonStorage      = "storage-error"
	ReasonJobComplete  = "job-complete"
)

// Adapter supervises processes of one session kind.
type Adapter interface {
	// Kind returns the discriminator this adapter is registered under.
	Kind() string

	// Create spawns the underlying process for a new session. It blocks
	// until the process is usable or the context expires; the caller
	// bounds it with the spawn timeout. Fails with ErrSpawnFailed or
	// ErrSpawnTimeout.
	Create(ctx context.Context, sess *types.Session, emit EmitFunc) (Handle, error)

	// Resume re-attaches or reconstructs a previously stopped session.
	// lastSeq is the highest persisted seq, letting the adapter replay
	// prior context. Kinds that cannot be re-attached fail with
	// ErrResumeUnsupported.
	Resume(ctx context.Context, sess *types.Session, lastSeq int64, emit EmitFunc) (Handle, error)
}

// Handle is the in-memory reference to one live session process. It is
// owned exclusively by the adapter invocation that created it; the
// orchestrator holds it as an opaque token.
type Handle interface {
	// SendInput delivers raw input to the process. Fails with
	// ErrClosedSink once the process is gone.
	SendInput(ctx context.Context, data []byte) error

	// Perform executes a kind-specific operation. Fails with
	// ErrUnsupportedOperation or ErrBadArgs.
	Perform(ctx context.Context, op string, args json.RawMessage) error

	// Close tears the process down. Idempotent; the adapter eventually
	// emits a terminal status event (exited or error) before Done fires.
	Close(ctx context.Context, reason string) error

	// Done is closed once the producer has drained and the terminal
	// status event has been emitted.
	Done() <-chan struct{}
}
