package event

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sessionmux/sessionmux/pkg/types"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var received Event
	var wg sync.WaitGroup
	wg.Add(1)

	unsub := bus.Subscribe(SessionCreated, func(e Event) {
		received = e
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{
		Type: SessionCreated,
		Data: SessionCreatedData{Info: &types.Session{ID: "s1"}},
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Type != SessionCreated {
			t.Errorf("expected SessionCreated, got %v", received.Type)
		}
		data, ok := received.Data.(SessionCreatedData)
		if !ok || data.Info.ID != "s1" {
			t.Errorf("unexpected data: %#v", received.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: SessionCreated})
	bus.Publish(Event{Type: SessionStatus})
	bus.Publish(Event{Type: SessionDeleted})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if n := atomic.LoadInt32(&count); n != 3 {
			t.Errorf("expected 3 deliveries, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for events")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	unsub := bus.Subscribe(SessionUpdated, func(e Event) {
		atomic.AddInt32(&count, 1)
	})
	unsub()

	bus.PublishSync(Event{Type: SessionUpdated})

	if n := atomic.LoadInt32(&count); n != 0 {
		t.Errorf("expected 0 deliveries after unsubscribe, got %d", n)
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus()

	var count int32
	bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Must not panic or deliver.
	bus.PublishSync(Event{Type: SessionCreated})
	if n := atomic.LoadInt32(&count); n != 0 {
		t.Errorf("expected no deliveries after close, got %d", n)
	}

	if unsub := bus.Subscribe(SessionCreated, func(Event) {}); unsub == nil {
		t.Error("subscribe after close should return a no-op unsubscribe")
	}
}
