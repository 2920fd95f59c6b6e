// Package runner drives one chat task through the gateway: idempotent
// send, a per-run waiter for the terminal event, bounded retries with
// retryability classification, best-effort abort on timeout, and the
// usage-snapshot discipline around each run.
package runner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw-relay/internal/gateway"
	"github.com/openclaw/openclaw-relay/internal/media"
	"github.com/openclaw/openclaw-relay/internal/metrics"
	"github.com/openclaw/openclaw-relay/internal/resilience"
	"github.com/openclaw/openclaw-relay/internal/transcribe"
	"github.com/openclaw/openclaw-relay/internal/types"
	"github.com/openclaw/openclaw-relay/internal/usage"
)

const (
	// minSlack is the least useful remaining time: below this the task
	// times out instead of racing a doomed attempt.
	minSlack = 500 * time.Millisecond

	usageTimeout = 10 * time.Second
	abortTimeout = 5 * time.Second

	// sessionRotateTimeout bounds each /new send during maintenance.
	sessionRotateTimeout = 30 * time.Second
)

// Gateway is the slice of the gateway client the runner needs. The event
// direction is inverted: the client pushes events into HandleGatewayEvent
// via its registered sink, so the runner never appears on the client.
type Gateway interface {
	Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// Config tunes the retry behaviour of one Runner.
type Config struct {
	// Attempts is the chat.send attempt budget per task.
	Attempts int
	// Schedule paces retries; a backoff sleep is taken only when the task
	// deadline still leaves room for another attempt after it, otherwise
	// the retry is abandoned.
	Schedule resilience.Schedule
}

// DefaultConfig is the production retry posture.
func DefaultConfig() Config {
	return Config{
		Attempts: 3,
		Schedule: resilience.Schedule{
			Base:   []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second},
			Jitter: 250 * time.Millisecond,
		},
	}
}

// Result is the terminal outcome of one chat task. Exactly one of Reply,
// NoReply and Error is set, matching Outcome.
type Result struct {
	Outcome types.Outcome
	Reply   *types.ReplyOutcome
	NoReply *types.NoReplyOutcome
	Error   *types.ErrorOutcome
}

// Meta carries the usage snapshots captured around the run, for the
// processor's accounting.
type Meta struct {
	UsageIncoming *usage.Snapshot
	UsageOutgoing *usage.Snapshot
	RunID         string
}

// terminalEvent is a resolved chat event for a registered waiter.
type terminalEvent struct {
	state        string
	message      string
	hasMessage   bool
	errorMessage string
}

// waiter is the single receiver for a run's first terminal event.
type waiter struct {
	ch chan terminalEvent
}

// Runner owns the waiter registry and the session-maintenance lock.
// Safe for concurrent use by all queue workers.
type Runner struct {
	cfg         Config
	gw          Gateway
	transcriber transcribe.Provider // nil when not configured
	staging     *media.Staging
	collector   *media.Collector
	logger      *zap.Logger

	mu         sync.Mutex
	waiters    map[string]*waiter // runId → waiter
	runSession map[string]string  // runId → sessionKey

	maint maintenanceLock
}

// New creates a Runner. transcriber may be nil.
func New(cfg Config, gw Gateway, transcriber transcribe.Provider, staging *media.Staging, collector *media.Collector, logger *zap.Logger) *Runner {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &Runner{
		cfg:         cfg,
		gw:          gw,
		transcriber: transcriber,
		staging:     staging,
		collector:   collector,
		logger:      logger.Named("runner"),
		waiters:     make(map[string]*waiter),
		runSession:  make(map[string]string),
	}
}

// HandleGatewayEvent is the gateway client's event sink. Terminal chat
// events resolve their waiter; everything else — deltas, unknown runs,
// non-chat events — is dropped. Must not block: it runs on the socket
// read loop.
func (r *Runner) HandleGatewayEvent(e gateway.Event) {
	if e.Name != "chat" {
		return
	}

	var ev struct {
		RunID        string          `json:"runId"`
		SessionKey   string          `json:"sessionKey"`
		State        string          `json:"state"`
		Message      json.RawMessage `json:"message"`
		ErrorMessage string          `json:"errorMessage"`
	}
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		r.logger.Debug("malformed chat event", zap.Error(err))
		return
	}

	switch ev.State {
	case "final", "error", "aborted":
	default:
		return // intermediate delta
	}

	r.mu.Lock()
	w := r.waiters[ev.RunID]
	delete(r.waiters, ev.RunID)
	delete(r.runSession, ev.RunID)
	r.mu.Unlock()

	if w == nil {
		// Late terminal for a run whose waiter timed out or was never
		// ours. Dropped by policy.
		r.logger.Debug("terminal event without waiter", zap.String("run_id", ev.RunID))
		return
	}

	text, hasText := messageText(ev.Message)
	w.ch <- terminalEvent{
		state:        ev.State,
		message:      text,
		hasMessage:   hasText,
		errorMessage: ev.ErrorMessage,
	}
}

// RunChatTask executes one chat task end to end. taskID doubles as the
// chat.send idempotency key and must be the inbound messageId so backend
// redeliveries dedupe on the gateway.
func (r *Runner) RunChatTask(ctx context.Context, taskID, sessionKey, messageText string, mediaItems []types.MediaItem, timeout time.Duration) (Result, Meta) {
	deadline := time.Now().Add(timeout)

	// New chat tasks queue behind an in-flight session maintenance pass.
	if err := r.maint.Wait(ctx); err != nil {
		return errorResult(types.CodeRelayInternalError, err.Error(), ""), Meta{}
	}

	outgoing := r.prepareMessage(ctx, messageText, mediaItems)

	incoming, err := r.usageSnapshot(ctx, sessionKey)
	if err != nil {
		r.logger.Warn("incoming usage snapshot failed",
			zap.String("task_id", taskID), zap.Error(err))
		return errorResult(types.CodeUsageRequired, "usage snapshot unavailable before send: "+err.Error(), ""), Meta{}
	}
	meta := Meta{UsageIncoming: incoming}

	var lastErr *types.ErrorOutcome
	for attempt := 0; attempt < r.cfg.Attempts; attempt++ {
		remaining := time.Until(deadline)
		if remaining < minSlack {
			if lastErr != nil {
				return Result{Outcome: types.OutcomeError, Error: lastErr}, meta
			}
			return errorResult(types.CodeGatewayTimeout, "task deadline exhausted", ""), meta
		}
		remaining = clampTimeout(remaining, r.logger)
		if attempt > 0 {
			metrics.ChatRetries.Inc()
		}

		res, retryable, done := r.attempt(ctx, taskID, sessionKey, outgoing, remaining, deadline, &meta)
		if done {
			if res.Outcome != types.OutcomeError {
				out, err := r.usageSnapshot(ctx, sessionKey)
				if err != nil {
					r.logger.Warn("outgoing usage snapshot failed",
						zap.String("task_id", taskID), zap.Error(err))
					return errorResult(types.CodeUsageRequired, "usage snapshot unavailable after run: "+err.Error(), meta.RunID), meta
				}
				meta.UsageOutgoing = out
			}
			return res, meta
		}

		lastErr = res.Error
		if !retryable {
			return res, meta
		}
		if attempt == r.cfg.Attempts-1 {
			break
		}

		// Only sleep when a later attempt still fits inside the deadline.
		delay := r.cfg.Schedule.Delay(attempt)
		if time.Until(deadline)-delay < minSlack {
			return res, meta
		}
		if err := resilience.Sleep(ctx, delay); err != nil {
			return res, meta
		}
	}

	if lastErr != nil {
		return Result{Outcome: types.OutcomeError, Error: lastErr}, meta
	}
	return errorResult(types.CodeGatewayError, "retries exhausted", meta.RunID), meta
}

// attempt performs one chat.send plus terminal wait. done=true means the
// result is final (success or non-retryable classification handled by the
// caller via retryable).
func (r *Runner) attempt(ctx context.Context, taskID, sessionKey, message string, remaining time.Duration, deadline time.Time, meta *Meta) (res Result, retryable, done bool) {
	payload, err := r.gw.Request(ctx, "chat.send", map[string]any{
		"sessionKey":     sessionKey,
		"message":        message,
		"idempotencyKey": taskID,
		"timeoutMs":      remaining.Milliseconds(),
	}, remaining)
	if err != nil {
		return r.classifySendError(err, meta.RunID)
	}

	var sent struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(payload, &sent); err != nil || sent.RunID == "" {
		return errorResult(types.CodeNoRunID, "gateway accepted send without a runId", ""), false, true
	}
	runID := sent.RunID
	meta.RunID = runID

	w := &waiter{ch: make(chan terminalEvent, 1)}
	r.mu.Lock()
	r.waiters[runID] = w
	r.runSession[runID] = sessionKey
	r.mu.Unlock()

	// The send already consumed part of the window; the terminal wait is
	// bounded by what is left of the task deadline.
	wait := time.Until(deadline)
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ev := <-w.ch:
		return r.classifyTerminal(ev, runID, sessionKey)

	case <-timer.C:
		r.unregister(runID)
		r.abortRun(sessionKey, runID)
		return errorResult(types.CodeGatewayTimeout, "no terminal event before deadline", runID), true, false

	case <-ctx.Done():
		r.unregister(runID)
		r.abortRun(sessionKey, runID)
		return errorResult(types.CodeGatewayTimeout, ctx.Err().Error(), runID), false, true
	}
}

// classifyTerminal maps a terminal event onto the outcome space.
func (r *Runner) classifyTerminal(ev terminalEvent, runID, sessionKey string) (Result, bool, bool) {
	switch ev.state {
	case "final":
		if !ev.hasMessage {
			return Result{Outcome: types.OutcomeNoReply, NoReply: &types.NoReplyOutcome{RunID: runID}}, false, true
		}
		reply := &types.ReplyOutcome{
			RunID:   runID,
			Message: types.ReplyMessage{Text: ev.message},
		}
		if r.collector != nil {
			reply.Media = r.collector.Collect(sessionKey)
		}
		return Result{Outcome: types.OutcomeReply, Reply: reply}, false, true

	case "aborted":
		return errorResult(types.CodeAborted, "run aborted", runID), false, true

	default: // "error"
		res := errorResult(types.CodeGatewayError, ev.errorMessage, runID)
		return res, retryableErrorMessage(ev.errorMessage), false
	}
}

// classifySendError maps a chat.send failure. Gateway-declared
// retryability wins; transport-level failures (socket closed) retry.
func (r *Runner) classifySendError(err error, runID string) (Result, bool, bool) {
	switch e := err.(type) {
	case *gateway.TimeoutError:
		return errorResult(types.CodeGatewayTimeout, err.Error(), runID), true, false
	case *gateway.ClosedError:
		return errorResult(types.CodeGatewayError, err.Error(), runID), true, false
	case *gateway.Error:
		res := errorResult(types.CodeGatewayError, e.Message, runID)
		return res, e.Retryable || retryableErrorMessage(e.Message), false
	default:
		return errorResult(types.CodeGatewayError, err.Error(), runID), false, true
	}
}

// prepareMessage runs the pre-flight media handling: audio is
// transcribed (failures keep the original message), files are staged and
// referenced by absolute path, and stale staged uploads are rotated.
func (r *Runner) prepareMessage(ctx context.Context, messageText string, items []types.MediaItem) string {
	if len(items) == 0 {
		return messageText
	}
	if r.staging != nil {
		r.staging.Rotate()
	}

	var transcripts, fileLines []string
	for _, item := range items {
		switch item.Kind {
		case types.MediaKindAudio:
			if r.transcriber == nil {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(item.DataBase64)
			if err != nil {
				r.logger.Warn("audio attachment not base64", zap.Error(err))
				continue
			}
			text, err := r.transcriber.Transcribe(ctx, audio, item.MimeType)
			if err != nil {
				r.logger.Warn("transcription failed",
					zap.String("provider", r.transcriber.Name()), zap.Error(err))
				continue
			}
			transcripts = append(transcripts, text)

		case types.MediaKindFile:
			if r.staging == nil {
				continue
			}
			path, err := r.staging.Save(item)
			if err != nil {
				r.logger.Warn("file staging failed",
					zap.String("filename", item.Filename), zap.Error(err))
				continue
			}
			fileLines = append(fileLines, "File uploaded to: "+path)
		}
	}

	parts := make([]string, 0, 3)
	if len(transcripts) > 0 {
		parts = append(parts, strings.Join(transcripts, "\n"))
	}
	if messageText != "" {
		parts = append(parts, messageText)
	}
	if len(fileLines) > 0 {
		parts = append(parts, strings.Join(fileLines, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// usageSnapshot issues a bounded sessions.usage request.
func (r *Runner) usageSnapshot(ctx context.Context, sessionKey string) (*usage.Snapshot, error) {
	payload, err := r.gw.Request(ctx, "sessions.usage", map[string]any{
		"sessionKey": sessionKey,
	}, usageTimeout)
	if err != nil {
		return nil, err
	}
	return usage.Parse(payload)
}

// abortRun issues a best-effort chat.abort; errors are ignored.
func (r *Runner) abortRun(sessionKey, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if _, err := r.gw.Request(ctx, "chat.abort", map[string]any{
		"sessionKey": sessionKey,
		"runId":      runID,
	}, abortTimeout); err != nil {
		r.logger.Debug("chat.abort failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func (r *Runner) unregister(runID string) {
	r.mu.Lock()
	delete(r.waiters, runID)
	delete(r.runSession, runID)
	r.mu.Unlock()
}

// StartNewSessionForAll aborts every outstanding run, then issues a /new
// chat to every session known to the gateway's on-disk store. Exclusive:
// concurrent maintenance passes queue, and new chat tasks wait until the
// pass finishes. Returns the rotated and failed session counts.
func (r *Runner) StartNewSessionForAll(ctx context.Context) (rotated, failed int, err error) {
	if err := r.maint.Acquire(ctx); err != nil {
		return 0, 0, err
	}
	defer r.maint.Release()

	// Abort in-flight runs first so rotation does not race active chats.
	r.mu.Lock()
	active := make(map[string]string, len(r.runSession))
	for runID, sessionKey := range r.runSession {
		active[runID] = sessionKey
	}
	r.mu.Unlock()
	for runID, sessionKey := range active {
		r.abortRun(sessionKey, runID)
	}

	keys, err := r.collector.SessionKeys()
	if err != nil {
		return 0, 0, fmt.Errorf("runner: enumerate sessions: %w", err)
	}

	for _, key := range keys {
		_, sendErr := r.gw.Request(ctx, "chat.send", map[string]any{
			"sessionKey":     key,
			"message":        "/new",
			"idempotencyKey": uuid.NewString(),
		}, sessionRotateTimeout)
		if sendErr != nil {
			failed++
			r.logger.Warn("session rotation failed",
				zap.String("session_key", key), zap.Error(sendErr))
			continue
		}
		rotated++
	}

	r.logger.Info("session maintenance finished",
		zap.Int("rotated", rotated), zap.Int("failed", failed))
	return rotated, failed, nil
}

// messageText extracts the assistant text from a terminal event message,
// which may be a bare string or an object with a text field.
func messageText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Text, true
	}
	return "", false
}

func errorResult(code, message, runID string) Result {
	return Result{
		Outcome: types.OutcomeError,
		Error:   &types.ErrorOutcome{Code: code, Message: message, RunID: runID},
	}
}

// maxTaskTimeout mirrors the 32-bit millisecond ceiling applied to all
// wall-clock timers.
const maxTaskTimeout = time.Duration(1<<31-1) * time.Millisecond

// clampTimeout caps d and logs when a clamp happens.
func clampTimeout(d time.Duration, logger *zap.Logger) time.Duration {
	if d > maxTaskTimeout {
		logger.Warn("timeout clamped to platform maximum",
			zap.Duration("requested", d), zap.Duration("clamped", maxTaskTimeout))
		return maxTaskTimeout
	}
	return d
}
