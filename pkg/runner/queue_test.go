package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelrun/nodeagent/pkg/types"
)

func TestMultiplexer_FirstAttachedRunIsActiveImmediately(t *testing.T) {
	m := NewMultiplexer()
	_, waiter := m.Attach("run-1")

	select {
	case <-waiter:
	default:
		t.Fatal("first attached run-id should become active immediately")
	}
}

func TestMultiplexer_SecondAttachedRunWaitsUntilPromoted(t *testing.T) {
	m := NewMultiplexer()
	_, _ = m.Attach("run-1")
	ch2, waiter2 := m.Attach("run-2")
	require.NotNil(t, ch2)

	select {
	case <-waiter2:
		t.Fatal("second attached run-id should not be active yet")
	default:
	}

	m.Dispatch(types.RunRecord{Kind: types.MsgStdout, Payload: []byte("hello")})

	select {
	case rec := <-m.queues["run-1"]:
		assert.Equal(t, "hello", string(rec.Payload))
	default:
		t.Fatal("expected record dispatched to the active run-1 queue")
	}

	m.NextQueue()

	select {
	case <-waiter2:
	case <-time.After(time.Second):
		t.Fatal("run-2 should become active after run-1 is dropped")
	}
}

func TestMultiplexer_AttachReusesExistingQueue(t *testing.T) {
	m := NewMultiplexer()
	ch1, _ := m.Attach("run-1")
	ch2, _ := m.Attach("run-1")
	assert.Equal(t, ch1, ch2, "re-attaching the same run-id must reuse its queue")
}

func TestMultiplexer_DispatchWithNoActiveQueueDropsSilently(t *testing.T) {
	m := NewMultiplexer()
	assert.NotPanics(t, func() {
		m.Dispatch(types.RunRecord{Kind: types.MsgStdout, Payload: []byte("x")})
	})
}

func TestMultiplexer_DispatchDropsWhenQueueFull(t *testing.T) {
	m := NewMultiplexer()
	ch, _ := m.Attach("run-1")

	for i := 0; i < outputQueueCapacity; i++ {
		m.Dispatch(types.RunRecord{Kind: types.MsgStdout, Payload: []byte("x")})
	}
	// One more dispatch past capacity must not block or panic.
	assert.NotPanics(t, func() {
		m.Dispatch(types.RunRecord{Kind: types.MsgStdout, Payload: []byte("overflow")})
	})
	assert.Equal(t, outputQueueCapacity, len(ch))
}

func TestMultiplexer_NextQueueWithNoPendingRunIsNoop(t *testing.T) {
	m := NewMultiplexer()
	_, _ = m.Attach("run-1")
	assert.NotPanics(t, func() {
		m.NextQueue()
		m.NextQueue()
	})
}

func TestMultiplexer_NextQueueFIFOOrder(t *testing.T) {
	m := NewMultiplexer()
	_, w1 := m.Attach("run-1")
	_, w2 := m.Attach("run-2")
	_, w3 := m.Attach("run-3")
	<-w1

	m.NextQueue()
	select {
	case <-w2:
	default:
		t.Fatal("run-2 should be promoted before run-3")
	}
	select {
	case <-w3:
		t.Fatal("run-3 should not be active while run-2 is still pending")
	default:
	}

	m.NextQueue()
	select {
	case <-w3:
	default:
		t.Fatal("run-3 should be promoted once run-2 is dropped")
	}
}

func TestSideChannel_PushAndReceive(t *testing.T) {
	s := newSideChannel()
	s.Push(types.RunRecord{Kind: types.MsgCompletion, Payload: []byte("ok")})

	select {
	case rec := <-s.C():
		assert.Equal(t, "ok", string(rec.Payload))
	case <-time.After(time.Second):
		t.Fatal("expected pushed record")
	}
}

func TestSideChannel_DropsWhenFull(t *testing.T) {
	s := newSideChannel()
	for i := 0; i < sideChannelCapacity; i++ {
		s.Push(types.RunRecord{Kind: types.MsgCompletion})
	}
	assert.NotPanics(t, func() {
		s.Push(types.RunRecord{Kind: types.MsgCompletion})
	})
	assert.Equal(t, sideChannelCapacity, len(s.ch))
}
