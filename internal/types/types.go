// Package types defines the wire-level domain types shared by the push
// server, the message processor, and the backend client.
package types

// ─── Inbound ─────────────────────────────────────────────────────────────────

// TaskKind discriminates the TaskInput variant carried by an inbound message.
type TaskKind string

const (
	// TaskKindChat delivers a user message into an agent session.
	TaskKindChat TaskKind = "chat"
	// TaskKindHandshake probes the relay↔gateway link and echoes a nonce.
	TaskKindHandshake TaskKind = "handshake"
	// TaskKindSessionNew rotates every known agent session.
	TaskKindSessionNew TaskKind = "session_new"
)

// MediaKind discriminates inbound media attachments.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindFile  MediaKind = "file"
)

// MediaItem is a single attachment on a chat task. Payload bytes travel
// base64-encoded; Filename is advisory and is sanitised before staging.
type MediaItem struct {
	Kind       MediaKind `json:"kind" validate:"required,oneof=audio file"`
	Filename   string    `json:"filename,omitempty"`
	MimeType   string    `json:"mimeType,omitempty"`
	DataBase64 string    `json:"dataBase64" validate:"required"`
}

// TaskInput is the tagged variant describing what an inbound message asks
// the relay to do. Exactly one kind is set; the validator enforces the
// per-kind required fields at the HTTP boundary.
type TaskInput struct {
	Kind TaskKind `json:"kind" validate:"required,oneof=chat handshake session_new"`

	// chat
	SessionKey  string      `json:"sessionKey,omitempty" validate:"required_if=Kind chat"`
	MessageText string      `json:"messageText,omitempty"`
	Media       []MediaItem `json:"media,omitempty" validate:"omitempty,dive"`

	// handshake
	Nonce string `json:"nonce,omitempty" validate:"required_if=Kind handshake"`
}

// InboundMessage is the unit of work posted by the backend. MessageID is the
// backend's sole identity for the message and doubles as the chat.send
// idempotency key so redeliveries dedupe on the gateway.
type InboundMessage struct {
	MessageID string    `json:"messageId" validate:"required"`
	SentAtMs  int64     `json:"sentAtMs,omitempty"`
	Input     TaskInput `json:"input" validate:"required"`
}

// ─── Outcome ─────────────────────────────────────────────────────────────────

// Outcome names the terminal disposition of one processed message.
type Outcome string

const (
	OutcomeReply   Outcome = "reply"
	OutcomeNoReply Outcome = "no_reply"
	OutcomeError   Outcome = "error"
)

// Error codes surfaced to the backend in error outcomes.
const (
	CodeRelayInternalError = "RELAY_INTERNAL_ERROR"
	CodeGatewayTimeout     = "GATEWAY_TIMEOUT"
	CodeGatewayError       = "GATEWAY_ERROR"
	CodeAborted            = "ABORTED"
	CodeNoRunID            = "NO_RUN_ID"
	CodeUsageRequired      = "USAGE_REQUIRED"
)

// ReplyMessage is the assistant message delivered on a reply outcome.
type ReplyMessage struct {
	Text string `json:"text"`
}

// ReplyMedia is one file scraped from the session transcript via a MEDIA
// directive, delivered inline to the backend.
type ReplyMedia struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	DataBase64  string `json:"dataBase64"`
}

// ReplyOutcome carries the assistant reply and its provenance.
type ReplyOutcome struct {
	RunID   string       `json:"runId"`
	Message ReplyMessage `json:"message"`
	Media   []ReplyMedia `json:"media,omitempty"`
}

// NoReplyOutcome records a run that finished without producing a message.
type NoReplyOutcome struct {
	RunID string `json:"runId"`
}

// ErrorOutcome records a failed run. Message carries the upstream error
// verbatim for diagnostics.
type ErrorOutcome struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RunID   string `json:"runId,omitempty"`
}

// Usage is the canonical per-message token accounting computed from the
// before/after gateway usage snapshots.
type Usage struct {
	InputTokens     int64  `json:"inputTokens"`
	OutputTokens    int64  `json:"outputTokens"`
	CacheReadTokens int64  `json:"cacheReadTokens"`
	TotalTokens     int64  `json:"totalTokens"`
	Model           string `json:"model,omitempty"`
}

// OutcomeReport is the terminal callback body posted to the backend at
// {baseUrl}/api/v1/relays/messages. Exactly one of Reply, NoReply and
// Error is set, matching Outcome. Reply is *ReplyOutcome for chat tasks,
// *HandshakeReply for handshake probes and *SessionNewReply for session
// rotation.
type OutcomeReport struct {
	RelayInstanceID string          `json:"relayInstanceId"`
	RelayMessageID  string          `json:"relayMessageId"`
	FinishedAtMs    int64           `json:"finishedAtMs"`
	Outcome         Outcome         `json:"outcome"`
	Reply           any             `json:"reply,omitempty"`
	NoReply         *NoReplyOutcome `json:"noReply,omitempty"`
	Error           *ErrorOutcome   `json:"error,omitempty"`
	OpenclawMeta    map[string]any  `json:"openclawMeta,omitempty"`
}

// SessionNewReply reports the result of a session_new maintenance task.
type SessionNewReply struct {
	Rotated int `json:"rotated"`
	Failed  int `json:"failed"`
}

// HandshakeReply is the payload echoed for a handshake probe. Counts are
// reported instead of the raw method/event lists to keep the callback small.
type HandshakeReply struct {
	Nonce     string         `json:"nonce"`
	HelloType string         `json:"helloType"`
	Protocol  int            `json:"protocol"`
	Policy    map[string]any `json:"policy"`
	Features  struct {
		MethodsCount int `json:"methodsCount"`
		EventsCount  int `json:"eventsCount"`
	} `json:"features"`
	Auth struct {
		Role   string   `json:"role"`
		Scopes []string `json:"scopes"`
	} `json:"auth"`
}
