package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeGateway is a scriptable WebSocket peer implementing just enough of
// the gateway protocol to exercise the client.
type fakeGateway struct {
	t         *testing.T
	challenge bool
	hello     map[string]any
	onRequest func(g *fakeGateway, conn *websocket.Conn, f frame)

	srv *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	connects []frame
	connCh   chan *websocket.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{
		t:      t,
		connCh: make(chan *websocket.Conn, 4),
		hello: map[string]any{
			"protocol": 3,
			"policy":   map[string]any{"tickIntervalMs": 30000},
			"features": map[string]any{
				"methods": []string{"connect", "chat.send", "chat.abort", "sessions.usage"},
				"events":  []string{"tick", "chat", "connect.challenge"},
			},
			"auth": map[string]any{"role": "operator", "scopes": []string{"operator.admin"}},
		},
	}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, conn)
		g.mu.Unlock()
		g.connCh <- conn

		if g.challenge {
			g.write(conn, frame{Type: "event", Event: "connect.challenge",
				Payload: json.RawMessage(`{"nonce":"n-1"}`)})
		}
		g.serve(conn)
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) write(conn *websocket.Conn, f frame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_ = conn.WriteJSON(f)
}

func (g *fakeGateway) serve(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Type != "req" {
			continue
		}
		if f.Method == "connect" {
			g.mu.Lock()
			g.connects = append(g.connects, f)
			g.mu.Unlock()
			if g.hello == nil {
				g.write(conn, frame{Type: "res", ID: f.ID, OK: false,
					Error: &wireError{Code: "UNAUTHORIZED", Message: "bad token"}})
				continue
			}
			payload, _ := json.Marshal(g.hello)
			g.write(conn, frame{Type: "res", ID: f.ID, OK: true, Payload: payload})
			continue
		}
		if g.onRequest != nil {
			g.onRequest(g, conn, f)
		}
	}
}

func (g *fakeGateway) lastConnect() frame {
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(g.t, g.connects)
	return g.connects[len(g.connects)-1]
}

type stubIdentity struct{}

func (stubIdentity) DeviceID() string        { return "dev-1" }
func (stubIdentity) PublicKeyBase64() string { return "pk" }
func (stubIdentity) Sign(payload string) string {
	return "sig:" + payload
}

func newTestClient(t *testing.T, g *fakeGateway) *Client {
	return New(Config{
		URL:        g.url(),
		Token:      "tok",
		InstanceID: "inst-1",
		Version:    "test",
		Scopes:     []string{"operator.admin"},
	}, stubIdentity{}, zaptest.NewLogger(t))
}

func TestStartWithChallengeSignsNonce(t *testing.T) {
	g := newFakeGateway(t)
	g.challenge = true
	c := newTestClient(t, g)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Ready())

	hello := c.Hello()
	require.NotNil(t, hello)
	assert.Equal(t, 3, hello.Protocol)
	assert.Equal(t, int64(30000), hello.Policy.TickIntervalMs)

	var params struct {
		Device struct {
			ID        string `json:"id"`
			Nonce     string `json:"nonce"`
			Signature string `json:"signature"`
		} `json:"device"`
		Auth struct {
			Token string `json:"token"`
		} `json:"auth"`
	}
	require.NoError(t, json.Unmarshal(g.lastConnect().Params, &params))
	assert.Equal(t, "dev-1", params.Device.ID)
	assert.Equal(t, "n-1", params.Device.Nonce)
	assert.Equal(t, "tok", params.Auth.Token)
	// Canonical payload embeds the challenge nonce as its final segment.
	assert.True(t, strings.HasPrefix(params.Device.Signature, "sig:v2|dev-1|"))
	assert.True(t, strings.HasSuffix(params.Device.Signature, "|tok|n-1"))
}

func TestStartWithoutChallengeConnectsAnyway(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Ready())

	var params struct {
		Device struct {
			Nonce *string `json:"nonce"`
		} `json:"device"`
	}
	require.NoError(t, json.Unmarshal(g.lastConnect().Params, &params))
	assert.Nil(t, params.Device.Nonce)
}

func TestStartRejectedOnHandshakeError(t *testing.T) {
	g := newFakeGateway(t)
	g.hello = nil // respond ok=false
	c := newTestClient(t, g)
	defer c.Stop()

	err := c.Start(context.Background())
	require.Error(t, err)
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "UNAUTHORIZED", gwErr.Code)
	assert.False(t, c.Ready())
}

func TestStartRejectsInvalidHello(t *testing.T) {
	g := newFakeGateway(t)
	g.hello = map[string]any{"protocol": 3, "policy": map[string]any{}}
	c := newTestClient(t, g)
	defer c.Stop()

	err := c.Start(context.Background())
	require.ErrorContains(t, err, "tickIntervalMs")
	assert.False(t, c.Ready())
}

func TestRequestCorrelation(t *testing.T) {
	g := newFakeGateway(t)
	g.onRequest = func(g *fakeGateway, conn *websocket.Conn, f frame) {
		switch f.Method {
		case "echo":
			// An unknown id first — the client must drop it silently.
			g.write(conn, frame{Type: "res", ID: "bogus", OK: true,
				Payload: json.RawMessage(`{"x":1}`)})
			g.write(conn, frame{Type: "res", ID: f.ID, OK: true, Payload: f.Params})
		case "fail":
			g.write(conn, frame{Type: "res", ID: f.ID, OK: false,
				Error: &wireError{Code: "NOT_FOUND", Message: "no such session", Retryable: false}})
		}
	}
	c := newTestClient(t, g)
	defer c.Stop()
	require.NoError(t, c.Start(context.Background()))

	payload, err := c.Request(context.Background(), "echo", map[string]any{"a": "b"}, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"b"}`, string(payload))

	_, err = c.Request(context.Background(), "fail", nil, 2*time.Second)
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "NOT_FOUND", gwErr.Code)
}

func TestRequestTimeout(t *testing.T) {
	g := newFakeGateway(t) // never answers non-connect requests
	c := newTestClient(t, g)
	defer c.Stop()
	require.NoError(t, c.Start(context.Background()))

	_, err := c.Request(context.Background(), "chat.send", nil, 50*time.Millisecond)
	var to *TimeoutError
	require.ErrorAs(t, err, &to)
	assert.Equal(t, "chat.send", to.Method)

	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	assert.Zero(t, n, "timed out request must not leak a pending entry")
}

func TestPendingRejectedOnClose(t *testing.T) {
	g := newFakeGateway(t)
	g.onRequest = func(g *fakeGateway, conn *websocket.Conn, f frame) {
		conn.Close() // hang up instead of answering
	}
	c := newTestClient(t, g)
	defer c.Stop()
	require.NoError(t, c.Start(context.Background()))

	_, err := c.Request(context.Background(), "chat.send", nil, 5*time.Second)
	var closed *ClosedError
	require.ErrorAs(t, err, &closed)
	// Hello is cleared strictly before any pending is rejected.
	assert.False(t, c.Ready())
}

func TestStopThenStartIsReentrant(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g)

	require.NoError(t, c.Start(context.Background()))
	require.True(t, c.Ready())

	c.Stop()
	require.Eventually(t, func() bool { return !c.Ready() }, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Ready())
	c.Stop()
}

func TestStartIdempotentWhileConnected(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))

	g.mu.Lock()
	n := len(g.connects)
	g.mu.Unlock()
	assert.Equal(t, 1, n, "second Start must not redial")
}

func TestEventsForwardedTicksConsumed(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g)
	defer c.Stop()

	events := make(chan Event, 4)
	c.SetEventHandler(func(e Event) { events <- e })
	require.NoError(t, c.Start(context.Background()))

	conn := <-g.connCh
	g.write(conn, frame{Type: "event", Event: "tick", Payload: json.RawMessage(`{}`)})
	g.write(conn, frame{Type: "event", Event: "chat", Seq: 7,
		Payload: json.RawMessage(`{"runId":"r1","state":"final"}`)})

	select {
	case e := <-events:
		assert.Equal(t, "chat", e.Name)
		assert.Equal(t, int64(7), e.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("chat event not delivered")
	}
	select {
	case e := <-events:
		t.Fatalf("unexpected extra event %q", e.Name)
	case <-time.After(100 * time.Millisecond):
	}

	c.mu.Lock()
	tickSeen := c.tickSeen
	c.mu.Unlock()
	assert.True(t, tickSeen)
}

func TestMalformedFrameIgnored(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g)
	defer c.Stop()
	require.NoError(t, c.Start(context.Background()))

	conn := <-g.connCh
	g.mu.Lock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	g.mu.Unlock()

	// The connection survives malformed text.
	_, err := c.Request(context.Background(), "noop", nil, 100*time.Millisecond)
	var to *TimeoutError
	assert.ErrorAs(t, err, &to)
	assert.True(t, c.Ready())
}
