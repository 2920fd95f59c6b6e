package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openclaw/openclaw-relay/internal/types"
)

func msg(id string) types.InboundMessage {
	return types.InboundMessage{MessageID: id, Input: types.TaskInput{Kind: types.TaskKindChat, SessionKey: "s"}}
}

func TestProcessesAllEnqueued(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{}, 16)

	q := New(Config{Concurrency: 2, MaxQueue: 16, Processor: func(_ context.Context, m types.InboundMessage) {
		mu.Lock()
		seen = append(seen, m.MessageID)
		mu.Unlock()
		done <- struct{}{}
	}}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(msg(id)))
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for processing")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, seen)
}

func TestEnqueueFullAndClosed(t *testing.T) {
	block := make(chan struct{})
	q := New(Config{Concurrency: 1, MaxQueue: 1, Processor: func(_ context.Context, m types.InboundMessage) {
		<-block
	}}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer close(block)
	q.Start(ctx)

	// First message occupies the worker, second fills the FIFO slot.
	require.NoError(t, q.Enqueue(msg("m1")))
	require.Eventually(t, func() bool { return q.GetState().InFlight == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Enqueue(msg("m2")))

	err := q.Enqueue(msg("m3"))
	var full *FullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, 1, full.MaxQueue)

	q.StopAccepting()
	assert.ErrorIs(t, q.Enqueue(msg("m4")), ErrClosed)
}

func TestConcurrencyBound(t *testing.T) {
	var running, peak atomic.Int32
	q := New(Config{Concurrency: 3, MaxQueue: 64, Processor: func(_ context.Context, m types.InboundMessage) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
	}}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(msg("m")))
	}
	require.True(t, q.Drain(5*time.Second))
	assert.LessOrEqual(t, peak.Load(), int32(3))

	st := q.GetState()
	assert.Zero(t, st.QueueLength)
	assert.Zero(t, st.InFlight)
}

func TestDrainTimesOut(t *testing.T) {
	block := make(chan struct{})
	q := New(Config{Concurrency: 1, MaxQueue: 4, Processor: func(_ context.Context, m types.InboundMessage) {
		<-block
	}}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer close(block)
	q.Start(ctx)

	require.NoError(t, q.Enqueue(msg("m1")))
	// Minimum drain deadline is one second even when asked for less.
	start := time.Now()
	assert.False(t, q.Drain(time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestProcessorPanicReleasesSlot(t *testing.T) {
	q := New(Config{Concurrency: 1, MaxQueue: 4, Processor: func(_ context.Context, m types.InboundMessage) {
		if m.MessageID == "boom" {
			panic("kaboom")
		}
	}}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.Enqueue(msg("boom")))
	require.NoError(t, q.Enqueue(msg("ok")))
	assert.True(t, q.Drain(2*time.Second))
}

func TestStopAcceptingMonotoneDrain(t *testing.T) {
	q := New(Config{Concurrency: 2, MaxQueue: 32, Processor: func(_ context.Context, m types.InboundMessage) {
		time.Sleep(5 * time.Millisecond)
	}}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(msg("m")))
	}
	q.StopAccepting()

	// queueLength + inFlight never grows after StopAccepting.
	last := 11
	for {
		st := q.GetState()
		total := st.QueueLength + st.InFlight
		assert.LessOrEqual(t, total, last)
		last = total
		if total == 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
}
