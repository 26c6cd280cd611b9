// Package recorder is the single write path into session event logs.
// Every event flows through Publish: it is appended to durable storage
// first, then fanned out to live subscribers, so nothing a client sees
// can be missing from the log. Attaching replays history and joins the
// live stream with no gap and no duplicate.
package recorder

import (
	"context"
	"sync"

	"github.com/sessionmux/sessionmux/internal/logging"
	"github.com/sessionmux/sessionmux/internal/store"
	"github.com/sessionmux/sessionmux/pkg/types"
)

const replayPage = 256

// Recorder serializes appends per session and fans events out to
// bounded subscriber queues.
type Recorder struct {
	store     *store.Store
	queueSize int

	mu      sync.Mutex
	streams map[string]*stream
}

// stream is the per-session fan-out state. appendMu serializes every
// append for the session; subscription joins take it too, which makes
// the replay-then-join handover atomic with respect to publishes.
type stream struct {
	appendMu sync.Mutex

	subMu sync.Mutex
	subs  map[*Subscription]struct{}
}

// New creates a recorder writing through st. queueSize bounds each
// subscriber queue; a subscriber whose queue is full when an event
// arrives is evicted rather than allowed to stall the session.
func New(st *store.Store, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Recorder{
		store:     st,
		queueSize: queueSize,
		streams:   make(map[string]*stream),
	}
}

// QueueSize reports the per-subscriber queue bound.
func (r *Recorder) QueueSize() int { return r.queueSize }

func (r *Recorder) stream(sessionID string) *stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[sessionID]
	if !ok {
		s = &stream{subs: make(map[*Subscription]struct{})}
		r.streams[sessionID] = s
	}
	return s
}

// Publish appends ev to the session log and delivers it to live
// subscribers. The append assigns ev.Seq and, if unset, ev.Timestamp.
// Persistence strictly precedes notification; on storage failure no
// subscriber sees the event and the error is returned.
func (r *Recorder) Publish(ctx context.Context, ev *types.Event) error {
	s := r.stream(ev.SessionID)

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if _, err := r.store.AppendEvent(ctx, ev); err != nil {
		return types.WrapError(types.ErrStorageError, err, "append event for %s", ev.SessionID)
	}

	s.deliver(*ev)
	return nil
}

// deliver fans one committed event out to the session's subscribers.
// Callers hold appendMu. A full queue evicts its subscriber.
func (s *stream) deliver(ev types.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(s.subs, sub)
			sub.evict()
			logging.Warn().
				Str("sessionID", ev.SessionID).
				Int64("seq", ev.Seq).
				Msg("evicting slow subscriber")
		}
	}
}

// NotifyLocal delivers ev to live subscribers without persisting it.
// Used only for status the log must not record, such as the
// storage-error notice sent when appends themselves are failing. ev
// carries no seq.
func (r *Recorder) NotifyLocal(ev types.Event) {
	s := r.stream(ev.SessionID)
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	s.deliver(ev)
}

// Subscribe attaches to a session's event stream from seq > fromSeq.
// History is replayed in pages, then the subscription joins the live
// fan-out under the session append lock so the switch is seamless:
// every event after fromSeq is delivered exactly once, in seq order.
// Replay applies backpressure; once live, the queue bound applies and
// a stalled reader is evicted.
func (r *Recorder) Subscribe(ctx context.Context, sessionID string, fromSeq int64) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		recorder:  r,
		ch:        make(chan types.Event, r.queueSize),
		done:      make(chan struct{}),
		live:      make(chan struct{}),
	}
	go r.feed(ctx, sub, fromSeq)
	return sub
}

func (r *Recorder) feed(ctx context.Context, sub *Subscription, fromSeq int64) {
	s := r.stream(sub.sessionID)
	cursor := fromSeq

	// Paged replay without the append lock: long histories must not
	// stall the session's writers.
	for {
		events, err := r.store.EventsSince(ctx, sub.sessionID, cursor, replayPage)
		if err != nil {
			sub.fail(types.WrapError(types.ErrStorageError, err, "replay %s", sub.sessionID))
			return
		}
		for i := range events {
			select {
			case sub.ch <- events[i]:
			case <-ctx.Done():
				sub.fail(ctx.Err())
				return
			case <-sub.done:
				return
			}
			cursor = events[i].Seq
		}
		if len(events) < replayPage {
			break
		}
	}

	// Near the tail now. Take the append lock: publishes pause, the
	// final catch-up closes the remaining gap, and the subscription
	// joins the live set before any further event can commit.
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tail, err := r.store.EventsSince(ctx, sub.sessionID, cursor, 0)
	if err != nil {
		sub.fail(types.WrapError(types.ErrStorageError, err, "replay %s", sub.sessionID))
		return
	}
	for i := range tail {
		select {
		case sub.ch <- tail[i]:
		case <-sub.done:
			return
		default:
			// The reader fell behind by a full queue during replay.
			sub.evict()
			return
		}
	}

	select {
	case <-sub.done:
		return
	default:
	}

	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	sub.markLive()
}

// Unsubscribe detaches sub from the live fan-out and closes its queue.
func (r *Recorder) Unsubscribe(sub *Subscription) {
	s := r.stream(sub.sessionID)
	s.subMu.Lock()
	delete(s.subs, sub)
	s.subMu.Unlock()
	sub.close(nil)
}

// LatestSeq reports the highest committed seq for the session.
func (r *Recorder) LatestSeq(ctx context.Context, sessionID string) (int64, error) {
	return r.store.LatestSeq(ctx, sessionID)
}

// Forget drops the fan-out state for a deleted session. Remaining
// subscribers are closed.
func (r *Recorder) Forget(sessionID string) {
	r.mu.Lock()
	s, ok := r.streams[sessionID]
	if ok {
		delete(r.streams, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		delete(s.subs, sub)
		sub.close(nil)
	}
}

// Subscription is one attached consumer of a session's event stream.
type Subscription struct {
	sessionID string
	recorder  *Recorder
	ch        chan types.Event

	once sync.Once
	done chan struct{}
	err  error

	liveOnce sync.Once
	live     chan struct{}
}

// Events delivers replayed then live events in seq order. Consumers
// select on Events and Done together; the channel itself stays open so
// a concurrent replay send can never race a teardown.
func (sub *Subscription) Events() <-chan types.Event { return sub.ch }

// Done is closed when the subscription ends for any reason.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }

// Live is closed once replay has caught up and the subscription has
// joined the live fan-out.
func (sub *Subscription) Live() <-chan struct{} { return sub.live }

// Err reports why the subscription ended: a SlowConsumer error on
// eviction, a storage or context error from replay, nil on clean
// unsubscribe.
func (sub *Subscription) Err() error {
	<-sub.done
	return sub.err
}

func (sub *Subscription) markLive() {
	sub.liveOnce.Do(func() { close(sub.live) })
}

func (sub *Subscription) evict() {
	sub.close(types.NewError(types.ErrSlowConsumer, "subscriber queue overflow on %s", sub.sessionID))
}

func (sub *Subscription) fail(err error) {
	sub.close(err)
}

func (sub *Subscription) close(err error) {
	sub.once.Do(func() {
		sub.err = err
		close(sub.done)
	})
}
