package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	received := make(chan Event, 1)
	unsub := bus.Subscribe(TurnFailed, func(e Event) { received <- e })
	defer unsub()

	bus.Publish(Event{Type: TurnFailed, Data: TurnFailedData{SessionID: "s1", Error: "boom"}})

	select {
	case e := <-received:
		assert.Equal(t, TurnFailed, e.Type)
		assert.Equal(t, "boom", e.Data.(TurnFailedData).Error)
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
	unsub := bus.SubscribeAll(func(Event) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: TurnStarted})
	bus.Publish(Event{Type: TraceUpdated})
	bus.Publish(Event{Type: DraftSaved})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		assert.Equal(t, int32(3), atomic.LoadInt32(&count))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for events")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	unsub := bus.Subscribe(DraftSaved, func(Event) { atomic.AddInt32(&count, 1) })

	bus.PublishSync(Event{Type: DraftSaved})
	unsub()
	bus.PublishSync(Event{Type: DraftSaved})

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestBus_PublishSyncPreservesOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var got []uint64
	bus.Subscribe(SessionMessagesUpdated, func(e Event) {
		got = append(got, e.Data.(SessionMessagesUpdatedData).Version)
	})

	for v := uint64(1); v <= 5; v++ {
		bus.PublishSync(Event{Type: SessionMessagesUpdated, Data: SessionMessagesUpdatedData{Version: v}})
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
}

func TestBus_Closed(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	called := false
	unsub := bus.Subscribe(TurnStarted, func(Event) { called = true })
	unsub()
	bus.PublishSync(Event{Type: TurnStarted})

	assert.False(t, called)
}

func TestBus_Tap(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := bus.Tap(ctx)
	require.NoError(t, err)

	bus.PublishSync(Event{Type: DraftCleared, Data: DraftData{SessionID: "s1"}})

	select {
	case msg := <-msgs:
		msg.Ack()
		assert.Equal(t, string(DraftCleared), msg.Metadata.Get(MetaType))
		assert.NotEmpty(t, msg.Metadata.Get(MetaSeq))

		var decoded struct {
			Type string    `json:"type"`
			Data DraftData `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
		assert.Equal(t, "s1", decoded.Data.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for mirrored message")
	}
}
