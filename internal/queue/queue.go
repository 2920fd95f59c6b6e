// Package queue implements the bounded in-memory work queue feeding the
// message processor. It is strictly volatile: messages accepted here are
// lost on restart, and redelivery is the backend's responsibility.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/openclaw-relay/internal/types"
)

// ErrClosed is returned by Enqueue after StopAccepting.
var ErrClosed = errors.New("queue closed")

// FullError is returned by Enqueue when the FIFO is at capacity.
type FullError struct {
	MaxQueue int
}

func (e *FullError) Error() string {
	return fmt.Sprintf("queue full (max %d)", e.MaxQueue)
}

// Processor handles one dequeued message. Errors and panics are swallowed
// by the worker — the processor owns error callbacks to the backend, and
// the HTTP caller that enqueued the message has long since been answered.
type Processor func(ctx context.Context, msg types.InboundMessage)

// State is a point-in-time snapshot of the queue counters.
type State struct {
	QueueLength int  `json:"queueLength"`
	InFlight    int  `json:"inFlight"`
	Accepting   bool `json:"accepting"`
	MaxQueue    int  `json:"maxQueue"`
}

// Config parameterises a Queue.
type Config struct {
	Concurrency int
	MaxQueue    int
	Processor   Processor
}

// Queue is a bounded FIFO drained by a fixed pool of workers.
// queueLength ≤ MaxQueue and inFlight ≤ Concurrency hold at every
// observation point; both counters are guarded by one mutex.
type Queue struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	items     []types.InboundMessage
	inFlight  int
	accepting bool

	// wake nudges one idle worker after an enqueue. Capacity one is
	// enough: workers re-check the FIFO before sleeping.
	wake chan struct{}
}

// New creates a Queue. Call Start to launch the worker pool.
func New(cfg Config, logger *zap.Logger) *Queue {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxQueue < 1 {
		cfg.MaxQueue = 1
	}
	return &Queue{
		cfg:       cfg,
		logger:    logger.Named("queue"),
		accepting: true,
		wake:      make(chan struct{}, 1),
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled and
// the FIFO is empty; in-flight processors always run to completion.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Concurrency; i++ {
		go q.worker(ctx)
	}
}

// Enqueue appends msg to the FIFO. It fails with ErrClosed after
// StopAccepting and with *FullError at capacity.
func (q *Queue) Enqueue(msg types.InboundMessage) error {
	q.mu.Lock()
	if !q.accepting {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(q.items) >= q.cfg.MaxQueue {
		q.mu.Unlock()
		return &FullError{MaxQueue: q.cfg.MaxQueue}
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// StopAccepting rejects further enqueues while letting queued and
// in-flight work finish.
func (q *Queue) StopAccepting() {
	q.mu.Lock()
	q.accepting = false
	q.mu.Unlock()
}

// Drain blocks until the FIFO is empty and no processor is running, or
// until timeout (floored at one second). Returns true when fully drained.
func (q *Queue) Drain(timeout time.Duration) bool {
	if timeout < time.Second {
		timeout = time.Second
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		st := q.GetState()
		if st.QueueLength == 0 && st.InFlight == 0 {
			return true
		}
		if time.Now().After(deadline) {
			q.logger.Warn("drain deadline exceeded",
				zap.Int("queue_length", st.QueueLength),
				zap.Int("in_flight", st.InFlight),
			)
			return false
		}
		<-ticker.C
	}
}

// GetState returns a snapshot of the queue counters.
func (q *Queue) GetState() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return State{
		QueueLength: len(q.items),
		InFlight:    q.inFlight,
		Accepting:   q.accepting,
		MaxQueue:    q.cfg.MaxQueue,
	}
}

// worker pops and processes messages until ctx is cancelled.
func (q *Queue) worker(ctx context.Context) {
	for {
		msg, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				// Final sweep: anything enqueued between cancellation
				// and StopAccepting still gets processed.
				if msg, ok := q.pop(); ok {
					q.process(ctx, msg)
					continue
				}
				return
			case <-q.wake:
				continue
			}
		}
		q.process(ctx, msg)
	}
}

// pop shifts the head of the FIFO and claims a worker slot.
func (q *Queue) pop() (types.InboundMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return types.InboundMessage{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	q.inFlight++
	return msg, true
}

// process runs the processor for one message, swallowing panics, and
// releases the worker slot. The processor context survives shutdown
// cancellation: drained messages run to their own task deadline, and the
// Drain caller bounds the total wait.
func (q *Queue) process(ctx context.Context, msg types.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("processor panicked",
				zap.String("message_id", msg.MessageID),
				zap.Any("panic", r),
			)
		}
		q.mu.Lock()
		q.inFlight--
		q.mu.Unlock()
	}()
	q.cfg.Processor(context.WithoutCancel(ctx), msg)
}
