// Package orchestrator coordinates session lifecycle. It owns the live
// table mapping session ids to adapter handles, enforces the state
// machine (running, idle, stopped), routes input and operations to the
// owning adapter, and turns terminal adapter status events into
// persisted state transitions.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sessionmux/sessionmux/internal/adapter"
	"github.com/sessionmux/sessionmux/internal/event"
	"github.com/sessionmux/sessionmux/internal/logging"
	"github.com/sessionmux/sessionmux/internal/recorder"
	"github.com/sessionmux/sessionmux/internal/store"
	"github.com/sessionmux/sessionmux/internal/workspace"
	"github.com/sessionmux/sessionmux/pkg/types"
)

// Orchestrator drives session lifecycle for one server process.
type Orchestrator struct {
	registry   *adapter.Registry
	store      *store.Store
	rec        *recorder.Recorder
	workspaces *workspace.Service
	bus        *event.Bus

	spawnTimeout time.Duration

	mu   sync.RWMutex
	live map[string]*liveSession
}

// liveSession binds a running session to its adapter handle.
type liveSession struct {
	cwd    string
	kind   string
	handle adapter.Handle
}

// New creates the orchestrator. spawnTimeoutMS bounds adapter create
// and resume calls.
func New(reg *adapter.Registry, st *store.Store, rec *recorder.Recorder, ws *workspace.Service, bus *event.Bus, spawnTimeoutMS int) *Orchestrator {
	if spawnTimeoutMS <= 0 {
		spawnTimeoutMS = 10000
	}
	return &Orchestrator{
		registry:     reg,
		store:        st,
		rec:          rec,
		workspaces:   ws,
		bus:          bus,
		spawnTimeout: time.Duration(spawnTimeoutMS) * time.Millisecond,
		live:         make(map[string]*liveSession),
	}
}

// Recorder exposes the event stream for the transport layer.
func (o *Orchestrator) Recorder() *recorder.Recorder { return o.rec }

// Kinds lists the registered session kinds.
func (o *Orchestrator) Kinds() []string { return o.registry.Kinds() }

// Create spawns a new session of the given kind. The adapter is spawned
// first; only once the process is up is the row persisted, so a spawn
// failure leaves no trace. A persist failure closes the fresh handle.
func (o *Orchestrator) Create(ctx context.Context, kind, cwd string, metadata []byte) (*types.Session, error) {
	ad := o.registry.Get(kind)
	if ad == nil {
		return nil, types.NewError(types.ErrBadArgs, "unknown session kind %q", kind)
	}

	resolved, err := o.workspaces.Resolve(ctx, cwd)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	sess := &types.Session{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Cwd:       resolved,
		Status:    types.StatusRunning,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	spawnCtx, cancel := context.WithTimeout(ctx, o.spawnTimeout)
	defer cancel()

	// The gate holds back anything the fresh process emits (a shell
	// prompt, say) until status:created has taken the first seq.
	gate := &emitGate{}
	handle, err := ad.Create(spawnCtx, sess, o.emitFunc(sess.ID, gate))
	if err != nil {
		if spawnCtx.Err() != nil {
			return nil, types.WrapError(types.ErrSpawnTimeout, err, "create %s session", kind)
		}
		return nil, err
	}

	if err := o.store.CreateSession(ctx, sess); err != nil {
		// The gate never opens: whatever the doomed process emitted
		// stays out of the log, matching the no-trace guarantee.
		_ = handle.Close(ctx, adapter.ReasonCreateFailed)
		return nil, types.WrapError(types.ErrStorageError, err, "persist session %s", sess.ID)
	}

	o.mu.Lock()
	o.live[sess.ID] = &liveSession{cwd: resolved, kind: kind, handle: handle}
	o.mu.Unlock()

	if err := o.rec.Publish(ctx, &types.Event{
		SessionID: sess.ID,
		Channel:   types.ChannelStatus,
		Type:      types.StatusCreated,
	}); err != nil {
		logging.Error().Err(err).Str("sessionID", sess.ID).Msg("created event not recorded")
	}
	o.openGate(sess.ID, gate)

	o.bus.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionCreatedData{Info: sess}})

	logging.Info().Str("sessionID", sess.ID).Str("kind", kind).Str("cwd", resolved).Msg("session created")
	return sess, nil
}

// ResumeResult reports the outcome of Resume.
type ResumeResult struct {
	Resumed bool   `json:"resumed"`
	Reason  string `json:"reason,omitempty"`
}

// Resume restarts a stopped or idle session through its adapter.
// Resuming an already-running session is a no-op.
func (o *Orchestrator) Resume(ctx context.Context, id string) (ResumeResult, error) {
	o.mu.RLock()
	_, isLive := o.live[id]
	o.mu.RUnlock()
	if isLive {
		return ResumeResult{Resumed: false, Reason: "already-running"}, nil
	}

	sess, err := o.findSession(ctx, id)
	if err != nil {
		return ResumeResult{}, err
	}
	if sess.Status == types.StatusRunning {
		// Persisted running without a handle: a stale row recovery has
		// not reconciled yet.
		return ResumeResult{Resumed: false, Reason: "already-running"}, nil
	}

	ad := o.registry.Get(sess.Kind)
	if ad == nil {
		return ResumeResult{}, types.NewError(types.ErrBadArgs, "unknown session kind %q", sess.Kind)
	}

	lastSeq, err := o.store.LatestSeq(ctx, id)
	if err != nil {
		return ResumeResult{}, types.WrapError(types.ErrStorageError, err, "latest seq for %s", id)
	}

	spawnCtx, cancel := context.WithTimeout(ctx, o.spawnTimeout)
	defer cancel()

	gate := &emitGate{}
	handle, err := ad.Resume(spawnCtx, sess, lastSeq, o.emitFunc(id, gate))
	if err != nil {
		if spawnCtx.Err() != nil && !types.IsKind(err, types.ErrResumeUnsupported) {
			return ResumeResult{}, types.WrapError(types.ErrSpawnTimeout, err, "resume %s", id)
		}
		return ResumeResult{}, err
	}

	if err := o.store.UpdateStatus(ctx, id, types.StatusRunning); err != nil {
		_ = handle.Close(ctx, adapter.ReasonCreateFailed)
		return ResumeResult{}, types.WrapError(types.ErrStorageError, err, "mark %s running", id)
	}

	o.mu.Lock()
	o.live[id] = &liveSession{cwd: sess.Cwd, kind: sess.Kind, handle: handle}
	o.mu.Unlock()

	// The new epoch opens with its own status:created at the next seq,
	// continuing the session's sequence.
	if err := o.rec.Publish(ctx, &types.Event{
		SessionID: id,
		Channel:   types.ChannelStatus,
		Type:      types.StatusCreated,
	}); err != nil {
		logging.Error().Err(err).Str("sessionID", id).Msg("resume event not recorded")
	}
	o.openGate(id, gate)

	o.bus.Publish(event.Event{Type: event.SessionStatus, Data: event.SessionStatusData{SessionID: id, Status: types.StatusRunning}})

	logging.Info().Str("sessionID", id).Str("kind", sess.Kind).Msg("session resumed")
	return ResumeResult{Resumed: true}, nil
}

// SendInput forwards raw input to a running session.
func (o *Orchestrator) SendInput(ctx context.Context, id string, data []byte) error {
	ls, err := o.requireLive(ctx, id)
	if err != nil {
		return err
	}
	o.workspaces.Touch(ctx, ls.cwd)
	return ls.handle.SendInput(ctx, data)
}

// PerformOperation forwards a named operation to a running session.
func (o *Orchestrator) PerformOperation(ctx context.Context, id, op string, args []byte) error {
	ls, err := o.requireLive(ctx, id)
	if err != nil {
		return err
	}
	o.workspaces.Touch(ctx, ls.cwd)
	return ls.handle.Perform(ctx, op, args)
}

// Close asks the adapter to terminate the session. The transition to
// stopped happens when the adapter emits its terminal status event, not
// here. Closing a session that is not live is a no-op.
func (o *Orchestrator) Close(ctx context.Context, id string) error {
	o.mu.RLock()
	ls, ok := o.live[id]
	o.mu.RUnlock()
	if !ok {
		_, err := o.findSession(ctx, id)
		return err
	}
	return ls.handle.Close(ctx, adapter.ReasonClientClose)
}

// Delete purges a stopped or idle session: its events, its row, and any
// remaining fan-out state.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	o.mu.RLock()
	_, isLive := o.live[id]
	o.mu.RUnlock()
	if isLive {
		return types.NewError(types.ErrBadArgs, "session %s is running; close it first", id)
	}

	sess, err := o.findSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == types.StatusRunning {
		return types.NewError(types.ErrBadArgs, "session %s is running; close it first", id)
	}

	if err := o.store.DeleteSession(ctx, id); err != nil {
		return types.WrapError(types.ErrStorageError, err, "delete session %s", id)
	}
	o.rec.Forget(id)
	o.bus.Publish(event.Event{Type: event.SessionDeleted, Data: event.SessionDeletedData{SessionID: id}})

	logging.Info().Str("sessionID", id).Msg("session deleted")
	return nil
}

// Get returns the persisted session record.
func (o *Orchestrator) Get(ctx context.Context, id string) (*types.Session, error) {
	return o.findSession(ctx, id)
}

// List returns sessions, optionally filtered by cwd.
func (o *Orchestrator) List(ctx context.Context, cwd string) ([]*types.Session, error) {
	return o.store.ListByCwd(ctx, cwd)
}

// History returns persisted events with seq > fromSeq.
func (o *Orchestrator) History(ctx context.Context, id string, fromSeq int64, limit int) ([]types.Event, error) {
	if _, err := o.findSession(ctx, id); err != nil {
		return nil, err
	}
	return o.store.EventsSince(ctx, id, fromSeq, limit)
}

// Shutdown closes every live session and waits for the adapters to
// drain, bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.RLock()
	handles := make(map[string]adapter.Handle, len(o.live))
	for id, ls := range o.live {
		handles[id] = ls.handle
	}
	o.mu.RUnlock()

	for id, h := range handles {
		if err := h.Close(ctx, adapter.ReasonShutdown); err != nil {
			logging.Warn().Err(err).Str("sessionID", id).Msg("close on shutdown failed")
		}
	}
	for id, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			logging.Warn().Str("sessionID", id).Msg("session did not drain before shutdown deadline")
			return
		}
	}
}

func (o *Orchestrator) findSession(ctx context.Context, id string) (*types.Session, error) {
	sess, err := o.store.FindByID(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, types.NewError(types.ErrSessionNotFound, "session %s not found", id)
		}
		return nil, types.WrapError(types.ErrStorageError, err, "load session %s", id)
	}
	return sess, nil
}

func (o *Orchestrator) requireLive(ctx context.Context, id string) (*liveSession, error) {
	o.mu.RLock()
	ls, ok := o.live[id]
	o.mu.RUnlock()
	if ok {
		return ls, nil
	}
	if _, err := o.findSession(ctx, id); err != nil {
		return nil, err
	}
	return nil, types.NewError(types.ErrSessionNotLive, "session %s is not running", id)
}

// emitGate buffers adapter emissions for a freshly spawned process
// until the epoch's initial status event has been appended. Producers
// start at spawn, before the orchestrator writes status:created; the
// gate keeps that event at the epoch's first seq.
type emitGate struct {
	mu      sync.Mutex
	opened  bool
	pending []types.Event
}

// emitFunc builds the adapter's event callback. Events pass the gate,
// then are persisted and fanned out through the recorder; terminal
// status events also drive the transition to stopped.
func (o *Orchestrator) emitFunc(id string, gate *emitGate) adapter.EmitFunc {
	return func(ev types.Event) {
		gate.mu.Lock()
		if !gate.opened {
			gate.pending = append(gate.pending, ev)
			gate.mu.Unlock()
			return
		}
		gate.mu.Unlock()
		o.record(id, ev)
	}
}

// openGate releases buffered emissions in arrival order. The lock is
// held across the flush so an emission racing the open cannot overtake
// the buffer.
func (o *Orchestrator) openGate(id string, gate *emitGate) {
	gate.mu.Lock()
	defer gate.mu.Unlock()
	gate.opened = true
	for _, ev := range gate.pending {
		o.record(id, ev)
	}
	gate.pending = nil
}

// record persists one adapter event and reacts to its outcome. A
// failing append is fatal for the session: subscribers get an
// unpersisted storage-error notice and the handle is closed.
func (o *Orchestrator) record(id string, ev types.Event) {
	ev.SessionID = id
	ctx := context.Background()

	if err := o.rec.Publish(ctx, &ev); err != nil {
		logging.Error().Err(err).Str("sessionID", id).Msg("event append failed, stopping session")
		o.rec.NotifyLocal(types.Event{
			SessionID: id,
			Channel:   types.ChannelStatus,
			Type:      types.StatusStorageError,
			Timestamp: time.Now().UnixMilli(),
		})
		o.stopOnFailure(ctx, id)
		return
	}

	if ev.Channel == types.ChannelStatus && isTerminalStatus(ev.Type) {
		o.markStopped(ctx, id)
	}
}

func isTerminalStatus(typ string) bool {
	switch typ {
	case types.StatusExited, types.StatusError, types.StatusRecoveredAsStopped:
		return true
	}
	return false
}

// markStopped removes the live entry and persists the stopped status.
func (o *Orchestrator) markStopped(ctx context.Context, id string) {
	o.mu.Lock()
	delete(o.live, id)
	o.mu.Unlock()

	if err := o.store.UpdateStatus(ctx, id, types.StatusStopped); err != nil {
		logging.Error().Err(err).Str("sessionID", id).Msg("mark stopped failed")
	}
	o.bus.Publish(event.Event{Type: event.SessionStatus, Data: event.SessionStatusData{SessionID: id, Status: types.StatusStopped}})
}

// stopOnFailure tears a session down after a fatal storage error.
func (o *Orchestrator) stopOnFailure(ctx context.Context, id string) {
	o.mu.Lock()
	ls, ok := o.live[id]
	delete(o.live, id)
	o.mu.Unlock()

	if ok {
		_ = ls.handle.Close(ctx, adapter.ReasonStorage)
	}
	if err := o.store.UpdateStatus(ctx, id, types.StatusStopped); err != nil {
		logging.Error().Err(err).Str("sessionID", id).Msg("mark stopped failed")
	}
	o.bus.Publish(event.Event{Type: event.SessionStatus, Data: event.SessionStatusData{SessionID: id, Status: types.StatusStopped}})
}
