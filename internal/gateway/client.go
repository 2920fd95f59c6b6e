package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// protocolVersion is the single frame-protocol revision the relay speaks.
	protocolVersion = 3

	clientID   = "openclaw-relay"
	clientMode = "backend"
	clientRole = "operator"

	// maxFramePayload bounds incoming frames. Chat media travels inline as
	// base64, so the limit is generous.
	maxFramePayload = 64 << 20

	dialTimeout    = 10 * time.Second
	connectTimeout = 15 * time.Second

	// challengeWait is the short grace for a connect.challenge event before
	// connecting anyway — gateways without device auth never challenge.
	challengeWait = 50 * time.Millisecond

	// closeCodePolicy is sent when the handshake response is unacceptable.
	closeCodePolicy = websocket.ClosePolicyViolation
	// closeCodeTickTimeout is the private close code the watchdog sends
	// when it drops a silent connection. The teardown path handles it like
	// any other close and schedules the usual reconnect.
	closeCodeTickTimeout = 4002

	reconnectInitial = 1 * time.Second
	reconnectMax     = 30 * time.Second
	reconnectFactor  = 1.5
)

// Identity signs the connect payload with the relay's long-term device key.
// It is implemented by the identity package; the client only consumes the
// interface so tests can stub it.
type Identity interface {
	DeviceID() string
	PublicKeyBase64() string
	Sign(payload string) string
}

// Config carries the connection parameters for the gateway client.
type Config struct {
	URL        string
	Token      string
	Password   string
	InstanceID string
	Version    string
	// Scopes must arrive sorted and deduped (config.ParseScopes does both);
	// the device signature canonicalises over the same ordering.
	Scopes []string
}

// EventHandler receives server-push events that are not consumed by the
// handshake or the tick watchdog. Handlers must not block: they run on the
// socket read loop so that per-run event order is preserved.
type EventHandler func(Event)

// pending is one in-flight request awaiting its response frame.
type pending struct {
	method string
	ch     chan result
}

type result struct {
	payload json.RawMessage
	err     error
}

// Client is the duplex correlated-frame gateway client.
//
// Lifecycle: Start dials, performs the authenticated handshake and blocks
// until a HelloOk is validated or an error occurs. After the first HelloOk,
// socket closes trigger background reconnects with multiplicative backoff
// until Stop is called. Stop rejects every pending request, cancels the
// reconnect timer and the tick watchdog, and leaves the client reusable for
// a later Start.
type Client struct {
	cfg      Config
	identity Identity
	logger   *zap.Logger

	// onEvent is set once before Start; holding the runner behind a plain
	// function keeps the client free of upward references.
	onEvent EventHandler

	// startMu serialises Start and the reconnect worker so only one
	// connection attempt runs at a time.
	startMu sync.Mutex

	// writeMu serialises socket writes — gorilla connections do not allow
	// concurrent writers.
	writeMu sync.Mutex

	mu             sync.Mutex
	conn           *websocket.Conn
	hello          *HelloOk
	epochHello     bool
	pending        map[string]*pending
	stopped        bool
	reconnectDelay time.Duration
	reconnectTimer *time.Timer
	watchdogCancel context.CancelFunc
	lastTick       time.Time
	tickSeen       bool
}

// New creates a disconnected Client. identity may be nil when the gateway
// does not require device auth.
func New(cfg Config, identity Identity, logger *zap.Logger) *Client {
	return &Client{
		cfg:            cfg,
		identity:       identity,
		logger:         logger.Named("gateway"),
		pending:        make(map[string]*pending),
		reconnectDelay: reconnectInitial,
	}
}

// SetEventHandler registers the event sink. Must be called before Start.
func (c *Client) SetEventHandler(h EventHandler) {
	c.onEvent = h
}

// Ready reports whether a validated HelloOk is currently published.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello != nil
}

// Hello returns the hello of the current connection epoch, or nil.
func (c *Client) Hello() *HelloOk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// Start connects and performs the handshake. It is idempotent while
// connected and reentrant after Stop. It blocks until a HelloOk is
// received or the attempt fails.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
	return c.connect(ctx)
}

// Stop closes the socket and makes the client quiescent: all pending
// requests are rejected, the reconnect timer and tick watchdog are
// cancelled, and the hello is cleared.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.hello = nil
	c.epochHello = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stop"),
			time.Now().Add(time.Second))
		conn.Close()
		// teardown runs on the read loop and rejects pending requests.
	}
}

// Request sends a req frame and awaits the matching res. It fails with
// *TimeoutError when timeout elapses, *Error on ok=false, *ClosedError if
// the socket closes first, and ctx.Err() on caller cancellation.
func (c *Client) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return c.rawRequest(ctx, method, params, timeout)
}

// ─── Connection lifecycle ────────────────────────────────────────────────────

// connect performs one dial + handshake attempt. Single-flight: concurrent
// callers (Start vs reconnect worker) queue on startMu.
func (c *Client) connect(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("gateway: client stopped")
	}
	if c.hello != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("gateway: dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(maxFramePayload)

	challengeCh := make(chan string, 1)

	c.mu.Lock()
	c.conn = conn
	c.epochHello = false
	c.tickSeen = false
	c.mu.Unlock()

	go c.readLoop(conn, challengeCh)

	if err := c.handshake(ctx, conn, challengeCh); err != nil {
		return err
	}
	return nil
}

// handshake waits briefly for a connect.challenge, sends the connect
// request and publishes the validated HelloOk.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn, challengeCh <-chan string) error {
	var nonce string
	wait := time.NewTimer(challengeWait)
	defer wait.Stop()
	select {
	case nonce = <-challengeCh:
	case <-wait.C:
		// No challenge — connect anyway.
	case <-ctx.Done():
		c.closeWith(conn, websocket.CloseNormalClosure, "cancelled")
		return ctx.Err()
	}

	payload, err := c.rawRequest(ctx, "connect", c.connectParams(nonce), connectTimeout)
	if err != nil {
		c.closeWith(conn, closeCodePolicy, "handshake failed")
		return fmt.Errorf("gateway: handshake: %w", err)
	}

	var hello HelloOk
	if err := json.Unmarshal(payload, &hello); err != nil {
		c.closeWith(conn, closeCodePolicy, "invalid hello")
		return fmt.Errorf("gateway: invalid hello payload: %w", err)
	}
	if err := hello.validate(); err != nil {
		c.closeWith(conn, closeCodePolicy, "invalid hello")
		return fmt.Errorf("gateway: %w", err)
	}

	c.mu.Lock()
	if c.conn != conn {
		// The socket died while the hello was in flight.
		c.mu.Unlock()
		return fmt.Errorf("gateway: connection closed during handshake")
	}
	c.hello = &hello
	c.epochHello = true
	c.reconnectDelay = reconnectInitial
	c.mu.Unlock()

	c.startWatchdog(conn, time.Duration(hello.Policy.TickIntervalMs)*time.Millisecond)

	c.logger.Info("connected",
		zap.String("url", c.cfg.URL),
		zap.Int("protocol", hello.Protocol),
		zap.Int64("tick_interval_ms", hello.Policy.TickIntervalMs),
	)
	return nil
}

// connectParams assembles the connect request, including the signed device
// block when an identity is configured. The signature covers the canonical
// payload v2|deviceId|clientId|clientMode|role|scopesCsv|signedAtMs|token|nonce.
func (c *Client) connectParams(nonce string) map[string]any {
	params := map[string]any{
		"minProtocol": protocolVersion,
		"maxProtocol": protocolVersion,
		"client": map[string]any{
			"id":         clientID,
			"version":    c.cfg.Version,
			"platform":   runtime.GOOS,
			"mode":       clientMode,
			"instanceId": c.cfg.InstanceID,
		},
		"role":   clientRole,
		"scopes": c.cfg.Scopes,
		"caps":   []string{},
	}
	if c.cfg.Token != "" || c.cfg.Password != "" {
		auth := map[string]any{}
		if c.cfg.Token != "" {
			auth["token"] = c.cfg.Token
		}
		if c.cfg.Password != "" {
			auth["password"] = c.cfg.Password
		}
		params["auth"] = auth
	}
	if c.identity != nil {
		signedAt := time.Now().UnixMilli()
		canonical := strings.Join([]string{
			"v2",
			c.identity.DeviceID(),
			clientID,
			clientMode,
			clientRole,
			strings.Join(c.cfg.Scopes, ","),
			fmt.Sprintf("%d", signedAt),
			c.cfg.Token,
			nonce,
		}, "|")
		device := map[string]any{
			"id":        c.identity.DeviceID(),
			"publicKey": c.identity.PublicKeyBase64(),
			"signature": c.identity.Sign(canonical),
			"signedAt":  signedAt,
		}
		if nonce != "" {
			device["nonce"] = nonce
		}
		params["device"] = device
	}
	return params
}

// readLoop reads frames until the socket dies, then tears the epoch down.
func (c *Client) readLoop(conn *websocket.Conn, challengeCh chan<- string) {
	closeCode := websocket.CloseAbnormalClosure
	closeReason := ""

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				closeCode = ce.Code
				closeReason = ce.Text
			}
			break
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			// Malformed text never faults the connection.
			c.logger.Debug("malformed frame", zap.Error(err))
			continue
		}

		switch f.Type {
		case "res":
			c.resolvePending(f)
		case "event":
			c.handleEvent(f, challengeCh)
		default:
			c.logger.Debug("unknown frame type", zap.String("type", f.Type))
		}
	}

	c.teardown(conn, closeCode, closeReason)
}

// handleEvent consumes handshake and liveness events and forwards the rest
// to the sink.
func (c *Client) handleEvent(f frame, challengeCh chan<- string) {
	switch f.Event {
	case "connect.challenge":
		var body struct {
			Nonce string `json:"nonce"`
		}
		_ = json.Unmarshal(f.Payload, &body)
		select {
		case challengeCh <- body.Nonce:
		default:
		}
	case "tick":
		c.mu.Lock()
		c.lastTick = time.Now()
		c.tickSeen = true
		c.mu.Unlock()
	default:
		if c.onEvent != nil {
			c.onEvent(Event{Name: f.Event, Payload: f.Payload, Seq: f.Seq})
		}
	}
}

// teardown ends one connection epoch: hello is cleared before any pending
// is rejected, then a reconnect is scheduled if this epoch had published a
// hello and Stop was not called.
func (c *Client) teardown(conn *websocket.Conn, code int, reason string) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.hello = nil
	hadHello := c.epochHello
	c.epochHello = false
	stopped := c.stopped
	cancel := c.watchdogCancel
	c.watchdogCancel = nil
	orphans := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()

	conn.Close()
	if cancel != nil {
		cancel()
	}

	closeErr := &ClosedError{Code: code, Reason: reason}
	for _, p := range orphans {
		p.ch <- result{err: closeErr}
	}

	if hadHello {
		c.logger.Warn("disconnected",
			zap.Int("code", code),
			zap.String("reason", reason),
			zap.Int("rejected_pending", len(orphans)),
		)
	}

	if hadHello && !stopped {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms the backoff timer for the next connect attempt.
// The delay grows by reconnectFactor up to reconnectMax and resets to one
// second on the next successful hello.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	delay := c.reconnectDelay
	next := time.Duration(float64(delay) * reconnectFactor)
	if next > reconnectMax {
		next = reconnectMax
	}
	c.reconnectDelay = next
	c.reconnectTimer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout+dialTimeout)
		defer cancel()
		if err := c.connect(ctx); err != nil {
			c.mu.Lock()
			stopped := c.stopped
			c.mu.Unlock()
			if stopped {
				return
			}
			c.logger.Warn("reconnect failed", zap.Error(err))
			c.scheduleReconnect()
		}
	})
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled", zap.Duration("delay", delay))
}

// ─── Tick watchdog ───────────────────────────────────────────────────────────

// startWatchdog closes the socket when the gateway goes silent for more
// than twice its declared tick interval. The check only fires after at
// least one tick was observed, so gateways that never tick are tolerated.
func (c *Client) startWatchdog(conn *websocket.Conn, interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.watchdogCancel = cancel
	c.mu.Unlock()

	period := interval / 2
	if period < time.Second {
		period = time.Second
	}

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				stale := c.tickSeen && time.Since(c.lastTick) > 2*interval
				c.mu.Unlock()
				if stale {
					c.logger.Warn("tick timeout, closing connection",
						zap.Duration("interval", interval))
					c.closeWith(conn, closeCodeTickTimeout, "tick timeout")
					return
				}
			}
		}
	}()
}

// ─── Request plumbing ────────────────────────────────────────────────────────

// rawRequest registers a pending entry, writes the req frame and waits for
// resolution. It does not require a published hello — the connect request
// itself travels through here.
func (c *Client) rawRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = connectTimeout
	}
	if clamped, ok := clampTimeout(timeout); !ok {
		c.logger.Warn("request timeout clamped to platform maximum",
			zap.String("method", method),
			zap.Duration("requested", timeout),
			zap.Duration("clamped", clamped))
		timeout = clamped
	}

	f := frame{Type: "req", ID: uuid.NewString(), Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("gateway: marshal %s params: %w", method, err)
		}
		f.Params = b
	}

	p := &pending{method: method, ch: make(chan result, 1)}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, &ClosedError{Code: websocket.CloseAbnormalClosure, Reason: "not connected"}
	}
	c.pending[f.ID] = p
	c.mu.Unlock()

	if err := c.writeFrame(conn, f); err != nil {
		c.removePending(f.ID)
		return nil, fmt.Errorf("gateway: write %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-p.ch:
		return res.payload, res.err
	case <-timer.C:
		c.removePending(f.ID)
		return nil, &TimeoutError{Method: method}
	case <-ctx.Done():
		c.removePending(f.ID)
		return nil, ctx.Err()
	}
}

// resolvePending removes and resolves the pending entry for a response
// frame. Removal and resolution happen under one critical section so a
// racing timeout cannot double-resolve. Unknown ids are dropped.
func (c *Client) resolvePending(f frame) {
	c.mu.Lock()
	p := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()

	if p == nil {
		return
	}
	if f.OK {
		p.ch <- result{payload: f.Payload}
		return
	}
	gwErr := &Error{Code: "UNKNOWN", Message: "unknown gateway error"}
	if f.Error != nil {
		gwErr = &Error{
			Code:         f.Error.Code,
			Message:      f.Error.Message,
			Retryable:    f.Error.Retryable,
			RetryAfterMs: f.Error.RetryAfterMs,
		}
	}
	p.ch <- result{err: gwErr}
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) writeFrame(conn *websocket.Conn, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(f)
}

// closeWith sends a close frame with the given code and closes the socket.
func (c *Client) closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	conn.Close()
}

// maxTimeout mirrors the 32-bit millisecond timer ceiling shared with the
// runner's deadline arithmetic.
const maxTimeout = time.Duration(1<<31-1) * time.Millisecond

// clampTimeout caps d to maxTimeout. The second return is false when a
// clamp was applied.
func clampTimeout(d time.Duration) (time.Duration, bool) {
	if d > maxTimeout {
		return maxTimeout, false
	}
	return d, true
}
