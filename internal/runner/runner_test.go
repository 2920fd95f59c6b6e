package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openclaw/openclaw-relay/internal/gateway"
	"github.com/openclaw/openclaw-relay/internal/media"
	"github.com/openclaw/openclaw-relay/internal/types"
)

// fakeGateway scripts gateway responses per method. Terminal events are
// emitted by the per-send hook through the runner's event sink, exactly
// as the real client would deliver them.
type fakeGateway struct {
	t *testing.T

	mu     sync.Mutex
	sends  []map[string]any
	aborts []map[string]any

	// onSend is invoked per chat.send with the 1-based send count.
	onSend   func(n int, params map[string]any) (json.RawMessage, error)
	usageErr error
	usageN   int
}

func (g *fakeGateway) Request(_ context.Context, method string, params any, _ time.Duration) (json.RawMessage, error) {
	b, err := json.Marshal(params)
	require.NoError(g.t, err)
	var p map[string]any
	require.NoError(g.t, json.Unmarshal(b, &p))

	g.mu.Lock()
	defer g.mu.Unlock()

	switch method {
	case "sessions.usage":
		if g.usageErr != nil {
			return nil, g.usageErr
		}
		g.usageN++
		return json.RawMessage(fmt.Sprintf(
			`{"totals":{"input":%d,"output":%d,"totalTokens":%d},
			  "aggregates":{"byModel":[{"provider":"anthropic","model":"claw-1"}]}}`,
			100*g.usageN, 10*g.usageN, 110*g.usageN)), nil
	case "chat.send":
		g.sends = append(g.sends, p)
		return g.onSend(len(g.sends), p)
	case "chat.abort":
		g.aborts = append(g.aborts, p)
		return json.RawMessage(`{}`), nil
	default:
		return nil, fmt.Errorf("unexpected method %s", method)
	}
}

func (g *fakeGateway) sendCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sends)
}

func (g *fakeGateway) abortCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.aborts)
}

func newTestRunner(t *testing.T, g *fakeGateway) *Runner {
	cfg := Config{Attempts: 3}
	return New(cfg, g, nil, nil, nil, zaptest.NewLogger(t))
}

// emit delivers a chat event through the runner's sink after the send
// returns, mimicking the gateway read loop.
func emit(r *Runner, payload string) {
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.HandleGatewayEvent(gateway.Event{Name: "chat", Payload: json.RawMessage(payload)})
	}()
}

func TestRunChatTaskReply(t *testing.T) {
	g := &fakeGateway{t: t}
	var r *Runner
	g.onSend = func(n int, params map[string]any) (json.RawMessage, error) {
		emit(r, `{"runId":"r1","sessionKey":"s1","state":"delta"}`)
		emit(r, `{"runId":"r1","sessionKey":"s1","state":"final","message":{"text":"ok"}}`)
		return json.RawMessage(`{"runId":"r1"}`), nil
	}
	r = newTestRunner(t, g)

	res, meta := r.RunChatTask(context.Background(), "m1", "s1", "hi", nil, 5*time.Second)
	require.Equal(t, types.OutcomeReply, res.Outcome)
	require.NotNil(t, res.Reply)
	assert.Equal(t, "r1", res.Reply.RunID)
	assert.Equal(t, "ok", res.Reply.Message.Text)

	require.NotNil(t, meta.UsageIncoming)
	require.NotNil(t, meta.UsageOutgoing)
	assert.Equal(t, "r1", meta.RunID)

	g.mu.Lock()
	defer g.mu.Unlock()
	require.Len(t, g.sends, 1)
	assert.Equal(t, "m1", g.sends[0]["idempotencyKey"])
	assert.Equal(t, "s1", g.sends[0]["sessionKey"])
	assert.Equal(t, "hi", g.sends[0]["message"])
}

func TestRunChatTaskNoReply(t *testing.T) {
	g := &fakeGateway{t: t}
	var r *Runner
	g.onSend = func(n int, params map[string]any) (json.RawMessage, error) {
		emit(r, `{"runId":"r1","sessionKey":"s1","state":"final"}`)
		return json.RawMessage(`{"runId":"r1"}`), nil
	}
	r = newTestRunner(t, g)

	res, meta := r.RunChatTask(context.Background(), "m1", "s1", "hi", nil, 5*time.Second)
	require.Equal(t, types.OutcomeNoReply, res.Outcome)
	assert.Equal(t, "r1", res.NoReply.RunID)
	assert.NotNil(t, meta.UsageOutgoing)
}

func TestRunChatTaskRetriesRetryableError(t *testing.T) {
	g := &fakeGateway{t: t}
	var r *Runner
	g.onSend = func(n int, params map[string]any) (json.RawMessage, error) {
		if n == 1 {
			emit(r, `{"runId":"r2","sessionKey":"s1","state":"error",`+
				`"errorMessage":"JSON error injected into SSE stream\n{\"error\":{\"code\":500,\"status\":\"INTERNAL\"}}"}`)
			return json.RawMessage(`{"runId":"r2"}`), nil
		}
		emit(r, `{"runId":"r3","sessionKey":"s1","state":"final","message":{"text":"recovered"}}`)
		return json.RawMessage(`{"runId":"r3"}`), nil
	}
	r = newTestRunner(t, g)

	res, _ := r.RunChatTask(context.Background(), "m1", "s1", "hi", nil, 30*time.Second)
	require.Equal(t, types.OutcomeReply, res.Outcome)
	assert.Equal(t, "r3", res.Reply.RunID)

	g.mu.Lock()
	defer g.mu.Unlock()
	require.Len(t, g.sends, 2)
	// Idempotency key is stable across retries.
	assert.Equal(t, g.sends[0]["idempotencyKey"], g.sends[1]["idempotencyKey"])
}

func TestRunChatTaskNonRetryableError(t *testing.T) {
	g := &fakeGateway{t: t}
	var r *Runner
	g.onSend = func(n int, params map[string]any) (json.RawMessage, error) {
		emit(r, `{"runId":"r1","sessionKey":"s1","state":"error","errorMessage":"model refused"}`)
		return json.RawMessage(`{"runId":"r1"}`), nil
	}
	r = newTestRunner(t, g)

	res, _ := r.RunChatTask(context.Background(), "m1", "s1", "hi", nil, 5*time.Second)
	require.Equal(t, types.OutcomeError, res.Outcome)
	assert.Equal(t, types.CodeGatewayError, res.Error.Code)
	assert.Equal(t, "model refused", res.Error.Message)
	assert.Equal(t, "r1", res.Error.RunID)
	assert.Equal(t, 1, g.sendCount())
}

func TestRunChatTaskAborted(t *testing.T) {
	g := &fakeGateway{t: t}
	var r *Runner
	g.onSend = func(n int, params map[string]any) (json.RawMessage, error) {
		emit(r, `{"runId":"r1","sessionKey":"s1","state":"aborted"}`)
		return json.RawMessage(`{"runId":"r1"}`), nil
	}
	r = newTestRunner(t, g)

	res, _ := r.RunChatTask(context.Background(), "m1", "s1", "hi", nil, 5*time.Second)
	require.Equal(t, types.OutcomeError, res.Outcome)
	assert.Equal(t, types.CodeAborted, res.Error.Code)
	assert.Equal(t, 1, g.sendCount())
}

func TestRunChatTaskTimeoutAborts(t *testing.T) {
	g := &fakeGateway{t: t}
	g.onSend = func(n int, params map[string]any) (json.RawMessage, error) {
		// Never emit a terminal event.
		return json.RawMessage(`{"runId":"r4"}`), nil
	}
	r := New(Config{Attempts: 1}, g, nil, nil, nil, zaptest.NewLogger(t))

	res, _ := r.RunChatTask(context.Background(), "m1", "s1", "hi", nil, 700*time.Millisecond)
	require.Equal(t, types.OutcomeError, res.Outcome)
	assert.Equal(t, types.CodeGatewayTimeout, res.Error.Code)
	assert.Equal(t, "r4", res.Error.RunID)

	require.Equal(t, 1, g.abortCount())
	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, "r4", g.aborts[0]["runId"])
	assert.Equal(t, "s1", g.aborts[0]["sessionKey"])

	// No waiter leaks.
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.waiters)
	assert.Empty(t, r.runSession)
}

func TestRunChatTaskUsageRequired(t *testing.T) {
	g := &fakeGateway{t: t, usageErr: fmt.Errorf("usage unavailable")}
	r := newTestRunner(t, g)

	res, _ := r.RunChatTask(context.Background(), "m1", "s1", "hi", nil, 5*time.Second)
	require.Equal(t, types.OutcomeError, res.Outcome)
	assert.Equal(t, types.CodeUsageRequired, res.Error.Code)
	assert.Zero(t, g.sendCount(), "no chat.send without a usage snapshot")
}

func TestRunChatTaskNoRunID(t *testing.T) {
	g := &fakeGateway{t: t}
	g.onSend = func(n int, params map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}
	r := newTestRunner(t, g)

	res, _ := r.RunChatTask(context.Background(), "m1", "s1", "hi", nil, 5*time.Second)
	require.Equal(t, types.OutcomeError, res.Outcome)
	assert.Equal(t, types.CodeNoRunID, res.Error.Code)
	assert.Equal(t, 1, g.sendCount())
}

func TestTerminalEventWithoutWaiterDropped(t *testing.T) {
	g := &fakeGateway{t: t}
	r := newTestRunner(t, g)
	// Must not panic or block.
	r.HandleGatewayEvent(gateway.Event{Name: "chat",
		Payload: json.RawMessage(`{"runId":"ghost","state":"final"}`)})
	r.HandleGatewayEvent(gateway.Event{Name: "presence",
		Payload: json.RawMessage(`{}`)})
}

func TestStartNewSessionForAll(t *testing.T) {
	stateDir := t.TempDir()
	dir := filepath.Join(stateDir, "agents", "main", "sessions")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	idx := map[string]map[string]string{
		"agent:main:s1": {"sessionFile": "a.jsonl"},
		"agent:main:s2": {"sessionFile": "b.jsonl"},
	}
	data, err := json.Marshal(idx)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sessions.json"), data, 0o640))

	g := &fakeGateway{t: t}
	g.onSend = func(n int, params map[string]any) (json.RawMessage, error) {
		if params["sessionKey"] == "s2" {
			return nil, fmt.Errorf("session busy")
		}
		return json.RawMessage(`{"runId":"rot"}`), nil
	}
	collector := media.NewCollector(stateDir, zaptest.NewLogger(t))
	r := New(Config{Attempts: 1}, g, nil, nil, collector, zaptest.NewLogger(t))

	rotated, failed, err := r.StartNewSessionForAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rotated)
	assert.Equal(t, 1, failed)

	g.mu.Lock()
	defer g.mu.Unlock()
	require.Len(t, g.sends, 2)
	for _, s := range g.sends {
		assert.Equal(t, "/new", s["message"])
		assert.NotEmpty(t, s["idempotencyKey"])
	}
	assert.NotEqual(t, g.sends[0]["idempotencyKey"], g.sends[1]["idempotencyKey"])
}

func TestMaintenanceLockBlocksChats(t *testing.T) {
	var l maintenanceLock
	require.NoError(t, l.Acquire(context.Background()))

	waited := make(chan struct{})
	go func() {
		_ = l.Wait(context.Background())
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("Wait returned while the slot was held")
	case <-time.After(50 * time.Millisecond):
	}

	l.Release()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after release")
	}

	// Cancellation unblocks a waiter too.
	require.NoError(t, l.Acquire(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx))
	l.Release()
}
