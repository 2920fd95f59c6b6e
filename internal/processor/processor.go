// Package processor is the per-message pipeline between the work queue
// and the backend: it mints the relay-side message identity, routes the
// task variant to the runner or the gateway, computes usage accounting,
// and delivers exactly one terminal callback per processed message.
package processor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw-relay/internal/gateway"
	"github.com/openclaw/openclaw-relay/internal/metrics"
	"github.com/openclaw/openclaw-relay/internal/runner"
	"github.com/openclaw/openclaw-relay/internal/types"
	"github.com/openclaw/openclaw-relay/internal/usage"
)

// Hello is the slice of the gateway client the handshake probe reads.
type Hello interface {
	Hello() *gateway.HelloOk
}

// Submitter delivers one outcome report. Implemented by backend.Client.
type Submitter interface {
	SubmitOutcome(ctx context.Context, report types.OutcomeReport) error
}

// Config parameterises a Processor.
type Config struct {
	InstanceID  string
	TaskTimeout time.Duration
	// FlowLog enables verbose per-message flow logging for diagnosing
	// stuck deliveries in production.
	FlowLog bool
}

// Processor processes inbound messages end to end.
type Processor struct {
	cfg     Config
	runner  *runner.Runner
	hello   Hello
	backend Submitter
	logger  *zap.Logger
}

// New creates a Processor.
func New(cfg Config, r *runner.Runner, hello Hello, submitter Submitter, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:     cfg,
		runner:  r,
		hello:   hello,
		backend: submitter,
		logger:  logger.Named("processor"),
	}
}

// Process handles one inbound message. Exactly one callback is attempted
// per message: a panic or unexpected failure degrades to an error
// callback, and a callback that cannot be delivered is logged and
// dropped.
func (p *Processor) Process(ctx context.Context, msg types.InboundMessage) {
	relayMessageID := uuid.NewString()
	flow := p.flowLogger(msg.MessageID, relayMessageID)
	flow("processing started", zap.String("kind", string(msg.Input.Kind)))

	report := types.OutcomeReport{
		RelayInstanceID: p.cfg.InstanceID,
		RelayMessageID:  relayMessageID,
	}

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("processor panic",
				zap.String("message_id", msg.MessageID),
				zap.Any("panic", rec),
			)
			report.Outcome = types.OutcomeError
			report.Reply, report.NoReply = nil, nil
			report.Error = &types.ErrorOutcome{
				Code:    types.CodeRelayInternalError,
				Message: "unexpected processing failure",
			}
			p.deliver(ctx, msg, report)
		}
	}()

	meta := map[string]any{}
	switch msg.Input.Kind {
	case types.TaskKindChat:
		p.processChat(ctx, msg, &report, meta)
	case types.TaskKindHandshake:
		p.processHandshake(msg, &report)
	case types.TaskKindSessionNew:
		p.processSessionNew(ctx, &report)
	default:
		report.Outcome = types.OutcomeError
		report.Error = &types.ErrorOutcome{
			Code:    types.CodeRelayInternalError,
			Message: "unknown task kind " + string(msg.Input.Kind),
		}
	}

	meta["trace"] = p.trace(msg, relayMessageID, &report)
	report.OpenclawMeta = meta

	flow("processing finished", zap.String("outcome", string(report.Outcome)))
	p.deliver(ctx, msg, report)
}

// processChat runs the chat task and folds the runner's result and usage
// snapshots into the report.
func (p *Processor) processChat(ctx context.Context, msg types.InboundMessage, report *types.OutcomeReport, meta map[string]any) {
	res, runMeta := p.runner.RunChatTask(ctx,
		msg.MessageID,
		msg.Input.SessionKey,
		msg.Input.MessageText,
		msg.Input.Media,
		p.cfg.TaskTimeout,
	)

	report.Outcome = res.Outcome
	switch res.Outcome {
	case types.OutcomeReply:
		report.Reply = res.Reply
	case types.OutcomeNoReply:
		report.NoReply = res.NoReply
	case types.OutcomeError:
		report.Error = res.Error
	}

	if runMeta.UsageIncoming != nil {
		meta["usageIncoming"] = json.RawMessage(runMeta.UsageIncoming.Raw)
	}
	if runMeta.UsageOutgoing != nil {
		meta["usageOutgoing"] = json.RawMessage(runMeta.UsageOutgoing.Raw)
	}
	if runMeta.UsageIncoming != nil && runMeta.UsageOutgoing != nil {
		meta["usage"] = usage.Diff(runMeta.UsageIncoming, runMeta.UsageOutgoing)
	}
}

// processHandshake answers a link probe from the connection-scoped hello.
func (p *Processor) processHandshake(msg types.InboundMessage, report *types.OutcomeReport) {
	hello := p.hello.Hello()
	if hello == nil {
		report.Outcome = types.OutcomeError
		report.Error = &types.ErrorOutcome{
			Code:    types.CodeGatewayError,
			Message: "gateway not connected",
		}
		return
	}

	reply := &types.HandshakeReply{
		Nonce:     msg.Input.Nonce,
		HelloType: "hello-ok",
		Protocol:  hello.Protocol,
		Policy:    map[string]any{"tickIntervalMs": hello.Policy.TickIntervalMs},
	}
	if hello.Features != nil {
		reply.Features.MethodsCount = len(hello.Features.Methods)
		reply.Features.EventsCount = len(hello.Features.Events)
	}
	if hello.Auth != nil {
		reply.Auth.Role = hello.Auth.Role
		reply.Auth.Scopes = hello.Auth.Scopes
	}

	report.Outcome = types.OutcomeReply
	report.Reply = reply
}

// processSessionNew rotates every known session.
func (p *Processor) processSessionNew(ctx context.Context, report *types.OutcomeReport) {
	rotated, failed, err := p.runner.StartNewSessionForAll(ctx)
	if err != nil {
		report.Outcome = types.OutcomeError
		report.Error = &types.ErrorOutcome{
			Code:    types.CodeRelayInternalError,
			Message: err.Error(),
		}
		return
	}
	report.Outcome = types.OutcomeReply
	report.Reply = &types.SessionNewReply{Rotated: rotated, Failed: failed}
}

// deliver attempts the single terminal callback for this message.
func (p *Processor) deliver(ctx context.Context, msg types.InboundMessage, report types.OutcomeReport) {
	report.FinishedAtMs = time.Now().UnixMilli()
	metrics.MessagesProcessed.WithLabelValues(string(report.Outcome)).Inc()

	if err := p.backend.SubmitOutcome(ctx, report); err != nil {
		// No durability and no retry storm: the failure is logged and the
		// message is gone.
		p.logger.Error("terminal callback dropped",
			zap.String("message_id", msg.MessageID),
			zap.String("relay_message_id", report.RelayMessageID),
			zap.String("outcome", string(report.Outcome)),
			zap.Error(err),
		)
	}
}

// trace is the provenance block attached to every callback.
func (p *Processor) trace(msg types.InboundMessage, relayMessageID string, report *types.OutcomeReport) map[string]any {
	t := map[string]any{
		"backendMessageId": msg.MessageID,
		"relayMessageId":   relayMessageID,
		"relayInstanceId":  p.cfg.InstanceID,
	}
	if reply, ok := report.Reply.(*types.ReplyOutcome); ok && reply.RunID != "" {
		t["openclawRunId"] = reply.RunID
	} else if report.Error != nil && report.Error.RunID != "" {
		t["openclawRunId"] = report.Error.RunID
	} else if report.NoReply != nil && report.NoReply.RunID != "" {
		t["openclawRunId"] = report.NoReply.RunID
	}
	return t
}

// flowLogger returns a leveled logging helper active only when FlowLog is
// enabled.
func (p *Processor) flowLogger(messageID, relayMessageID string) func(string, ...zap.Field) {
	if !p.cfg.FlowLog {
		return func(string, ...zap.Field) {}
	}
	base := []zap.Field{
		zap.String("message_id", messageID),
		zap.String("relay_message_id", relayMessageID),
	}
	return func(msg string, fields ...zap.Field) {
		p.logger.Info(msg, append(base, fields...)...)
	}
}
