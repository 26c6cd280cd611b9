package orchestrator

import (
	"context"

	"github.com/sessionmux/sessionmux/internal/logging"
	"github.com/sessionmux/sessionmux/pkg/types"
)

// Recover reconciles persisted state with reality after a restart. Rows
// stuck in running from a previous process either get a live handle
// back through the adapter's resume path, or are marked stopped with a
// recovered-as-stopped event appended. Runs synchronously at boot,
// before the transport accepts attachments.
func (o *Orchestrator) Recover(ctx context.Context) error {
	orphans, err := o.store.ListByStatus(ctx, types.StatusRunning)
	if err != nil {
		return types.WrapError(types.ErrStorageError, err, "list orphaned sessions")
	}
	if len(orphans) == 0 {
		return nil
	}
	logging.Info().Int("count", len(orphans)).Msg("recovering orphaned sessions")

	for _, sess := range orphans {
		if o.recoverOne(ctx, sess) {
			logging.Info().Str("sessionID", sess.ID).Str("kind", sess.Kind).Msg("session resumed after restart")
		} else {
			logging.Info().Str("sessionID", sess.ID).Str("kind", sess.Kind).Msg("session recovered as stopped")
		}
	}
	return nil
}

// recoverOne tries to resume one orphan, reporting whether it is live
// again. Any failure path demotes the row to stopped.
func (o *Orchestrator) recoverOne(ctx context.Context, sess *types.Session) bool {
	ad := o.registry.Get(sess.Kind)
	if ad == nil {
		o.demote(ctx, sess.ID)
		return false
	}

	lastSeq, err := o.store.LatestSeq(ctx, sess.ID)
	if err != nil {
		o.demote(ctx, sess.ID)
		return false
	}

	spawnCtx, cancel := context.WithTimeout(ctx, o.spawnTimeout)
	defer cancel()

	gate := &emitGate{}
	handle, err := ad.Resume(spawnCtx, sess, lastSeq, o.emitFunc(sess.ID, gate))
	if err != nil {
		if !types.IsKind(err, types.ErrResumeUnsupported) {
			logging.Warn().Err(err).Str("sessionID", sess.ID).Msg("resume failed during recovery")
		}
		o.demote(ctx, sess.ID)
		return false
	}

	o.mu.Lock()
	o.live[sess.ID] = &liveSession{cwd: sess.Cwd, kind: sess.Kind, handle: handle}
	o.mu.Unlock()

	if err := o.rec.Publish(ctx, &types.Event{
		SessionID: sess.ID,
		Channel:   types.ChannelStatus,
		Type:      types.StatusCreated,
	}); err != nil {
		logging.Error().Err(err).Str("sessionID", sess.ID).Msg("recovery resume event not recorded")
	}
	o.openGate(sess.ID, gate)
	return true
}

// demote marks a stale running row stopped and records why in the log.
func (o *Orchestrator) demote(ctx context.Context, id string) {
	if err := o.rec.Publish(ctx, &types.Event{
		SessionID: id,
		Channel:   types.ChannelStatus,
		Type:      types.StatusRecoveredAsStopped,
	}); err != nil {
		logging.Error().Err(err).Str("sessionID", id).Msg("recovery event not recorded")
	}
	if err := o.store.UpdateStatus(ctx, id, types.StatusStopped); err != nil {
		logging.Error().Err(err).Str("sessionID", id).Msg("mark stopped failed during recovery")
	}
}
