package recorder

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionmux/sessionmux/internal/store"
	"github.com/sessionmux/sessionmux/pkg/types"
)

func newRecorder(t *testing.T, queueSize int) (*Recorder, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "recorder.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, queueSize), st
}

func statusEvent(sessionID, typ string) *types.Event {
	return &types.Event{
		SessionID: sessionID,
		Channel:   types.ChannelStatus,
		Type:      typ,
	}
}

func collect(t *testing.T, sub *Subscription, n int, timeout time.Duration) []types.Event {
	t.Helper()
	var out []types.Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("collected %d of %d events before timeout", len(out), n)
		}
	}
	return out
}

func TestPublish_PersistsBeforeNotify(t *testing.T) {
	r, st := newRecorder(t, 16)
	ctx := context.Background()

	sub := r.Subscribe(ctx, "s1", 0)
	defer r.Unsubscribe(sub)
	<-sub.Live()

	ev := statusEvent("s1", types.StatusCreated)
	require.NoError(t, r.Publish(ctx, ev))
	assert.Equal(t, int64(1), ev.Seq)

	got := collect(t, sub, 1, 2*time.Second)[0]
	assert.Equal(t, int64(1), got.Seq)

	// The delivered event is already durable.
	stored, err := st.EventsSince(ctx, "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, got.Seq, stored[0].Seq)
}

func TestSubscribe_ReplayThenLiveNoGapNoDup(t *testing.T) {
	r, _ := newRecorder(t, 2048)
	ctx := context.Background()

	// History much larger than one replay page.
	const history = 700
	for i := 0; i < history; i++ {
		require.NoError(t, r.Publish(ctx, statusEvent("s1", fmt.Sprintf("h%d", i))))
	}

	sub := r.Subscribe(ctx, "s1", 0)
	defer r.Unsubscribe(sub)

	// Publish concurrently while replay is in flight.
	const liveN = 50
	go func() {
		for i := 0; i < liveN; i++ {
			_ = r.Publish(ctx, statusEvent("s1", fmt.Sprintf("l%d", i)))
		}
	}()

	events := collect(t, sub, history+liveN, 10*time.Second)
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.Seq, "dense seq order across replay/live boundary")
	}
}

func TestSubscribe_FromSeqSkipsReplayed(t *testing.T) {
	r, _ := newRecorder(t, 16)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Publish(ctx, statusEvent("s1", fmt.Sprintf("e%d", i))))
	}

	sub := r.Subscribe(ctx, "s1", 3)
	defer r.Unsubscribe(sub)

	events := collect(t, sub, 2, 2*time.Second)
	assert.Equal(t, int64(4), events[0].Seq)
	assert.Equal(t, int64(5), events[1].Seq)
}

func TestPublish_EvictsSlowConsumer(t *testing.T) {
	r, _ := newRecorder(t, 2)
	ctx := context.Background()

	slow := r.Subscribe(ctx, "s1", 0)
	fast := r.Subscribe(ctx, "s1", 0)
	<-slow.Live()
	<-fast.Live()

	// Never read from slow; its 2-slot queue overflows on the third
	// publish. fast is drained after every publish and stays attached.
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Publish(ctx, statusEvent("s1", fmt.Sprintf("e%d", i))))
		select {
		case <-fast.Events():
		case <-time.After(2 * time.Second):
			t.Fatal("fast subscriber starved")
		}
	}

	select {
	case <-slow.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber was not evicted")
	}
	assert.True(t, types.IsKind(slow.Err(), types.ErrSlowConsumer), "got %v", slow.Err())
	select {
	case <-fast.Done():
		t.Fatal("fast subscriber must survive the slow one's eviction")
	default:
	}
	r.Unsubscribe(fast)
}

func TestPublish_ConcurrentWritersStayDense(t *testing.T) {
	r, st := newRecorder(t, 16)
	ctx := context.Background()

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = r.Publish(ctx, statusEvent("s1", fmt.Sprintf("w%d-%d", w, i)))
			}
		}(w)
	}
	wg.Wait()

	events, err := st.EventsSince(ctx, "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestUnsubscribe_CleanClose(t *testing.T) {
	r, _ := newRecorder(t, 16)
	sub := r.Subscribe(context.Background(), "s1", 0)
	<-sub.Live()

	r.Unsubscribe(sub)
	<-sub.Done()
	assert.NoError(t, sub.Err())

	// Idempotent.
	r.Unsubscribe(sub)
}

func TestForget_ClosesSubscribers(t *testing.T) {
	r, _ := newRecorder(t, 16)
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, statusEvent("s1", types.StatusCreated)))
	sub := r.Subscribe(ctx, "s1", 0)
	<-sub.Live()

	r.Forget("s1")
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not closed on forget")
	}
}
