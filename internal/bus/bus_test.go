package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitAndWait(t *testing.T) {
	r := NewRing()
	start := r.NextID()

	r.Emit(Message{Type: "tick_update", Payload: "day 1"})
	r.Emit(Message{Type: "new_announcement", Payload: "hello"})

	msgs := r.Wait(context.Background(), start)
	require.Len(t, msgs, 2)
	assert.Equal(t, start, msgs[0].ID)
	assert.Equal(t, "tick_update", msgs[0].Type)
	assert.Equal(t, "new_announcement", msgs[1].Type)
}

func TestWaitBlocksUntilEmit(t *testing.T) {
	r := NewRing()
	start := r.NextID()

	done := make(chan []Message, 1)
	go func() {
		done <- r.Wait(context.Background(), start)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before any message was emitted")
	case <-time.After(50 * time.Millisecond):
	}

	r.Emit(Message{Type: "heartbeat_sent"})

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
		assert.Equal(t, "heartbeat_sent", msgs[0].Type)
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake up after Emit")
	}
}

func TestWaitCancel(t *testing.T) {
	r := NewRing()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan []Message, 1)
	go func() {
		done <- r.Wait(ctx, r.NextID())
	}()

	cancel()

	select {
	case msgs := <-done:
		assert.Nil(t, msgs)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after cancel")
	}
}

func TestSlowConsumerLosesOldMessages(t *testing.T) {
	r := NewRing()
	start := r.NextID()

	const n = 100
	for i := 0; i < n; i++ {
		r.Emit(Message{Type: "tick_update", Payload: fmt.Sprintf("msg %d", i)})
	}

	msgs := r.Wait(context.Background(), start)
	require.Len(t, msgs, 32, "only one ring of messages is retained")
	assert.Equal(t, fmt.Sprintf("msg %d", n-32), msgs[0].Payload)
	assert.Equal(t, fmt.Sprintf("msg %d", n-1), msgs[len(msgs)-1].Payload)
}
