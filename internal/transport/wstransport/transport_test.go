package wstransport

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

	"github.com/rickgao/livesync/internal/errs"
	"github.com/rickgao/livesync/internal/transport"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// backend is a scripted server speaking the frame protocol.
type backend struct {
	mu     sync.Mutex
	frames []Frame

	// dropOn closes the socket when a request for this path arrives.
	dropOn string
	// silent never answers requests for this path.
	silent string
}

func (b *backend) received() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Frame(nil), b.frames...)
}

func (b *backend) serve(conn *websocket.Conn) {
	write := func(f Frame) {
		data, _ := json.Marshal(f)
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		b.mu.Lock()
		b.frames = append(b.frames, f)
		b.mu.Unlock()

		switch f.Type {
		case FrameRequest:
			if f.Path == b.dropOn {
				return
			}
			if f.Path == b.silent {
				continue
			}
			if f.Path == "fail" {
				write(Frame{Type: FrameResponse, ID: f.ID, OK: boolPtr(false), ErrorMessage: "boom", ErrorCode: "E1"})
				continue
			}
			value, _ := json.Marshal(map[string]any{"path": f.Path, "args": f.Args})
			write(Frame{Type: FrameResponse, ID: f.ID, OK: boolPtr(true), Value: value})
		case FrameSubscribe:
			write(Frame{Type: FrameResponse, ID: f.ID, OK: boolPtr(true)})
			write(Frame{Type: FramePush, SubscriptionID: f.SubscriptionID, Value: json.RawMessage(`[{"id":1}]`)})
			write(Frame{Type: FramePush, SubscriptionID: f.SubscriptionID, Error: "not allowed"})
		case FrameUnsubscribe:
			write(Frame{Type: FrameResponse, ID: f.ID, OK: boolPtr(true)})
		}
	}
}

func nextEvent(t *testing.T, tr *Transport) transport.Event {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return transport.Event{}
	}
}

func openTransport(t *testing.T, b *backend, cfg Config) *Transport {
	t.Helper()
	server := mockWSServer(t, b.serve)
	cfg.URL = wsURL(server)
	tr := New(cfg)
	require.NoError(t, tr.Open(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })

	assert.Equal(t, transport.EventOpened, nextEvent(t, tr).Type)
	return tr
}

func TestOpenSendsSessionID(t *testing.T) {
	b := &backend{}
	tr := openTransport(t, b, Config{SessionID: "session-1"})

	require.Eventually(t, func() bool { return len(b.received()) > 0 }, time.Second, 10*time.Millisecond)
	first := b.received()[0]
	assert.Equal(t, FrameConnect, first.Type)
	assert.Equal(t, "session-1", first.SessionID)
	assert.Equal(t, "session-1", tr.SessionID())
}

func TestSessionIDGenerated(t *testing.T) {
	tr := New(Config{URL: "ws://unused"})
	assert.Len(t, tr.SessionID(), 36)
}

func TestSendRequest(t *testing.T) {
	b := &backend{}
	tr := openTransport(t, b, Config{})

	ctx := transport.WithMetadata(context.Background(), transport.Metadata{"authorization": "Bearer t"})
	value, err := tr.SendRequest(ctx, "messages:list", json.RawMessage(`{"channel":"a"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"messages:list","args":{"channel":"a"}}`, string(value))

	frames := b.received()
	last := frames[len(frames)-1]
	assert.Equal(t, FrameRequest, last.Type)
	assert.Len(t, last.ID, 26, "ulid request id")
	assert.Equal(t, "Bearer t", last.Metadata["authorization"])
}

func TestSendRequestFunctionError(t *testing.T) {
	tr := openTransport(t, &backend{}, Config{})

	_, err := tr.SendRequest(context.Background(), "fail", nil)
	var fe *errs.FunctionError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "boom", fe.Message)
	assert.Equal(t, "E1", fe.Code)
}

func TestSendRequestNotConnected(t *testing.T) {
	tr := New(Config{URL: "ws://127.0.0.1:1"})

	_, err := tr.SendRequest(context.Background(), "x", nil)
	var ce *errs.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.False(t, ce.MaybeDelivered)
}

func TestOpenFailure(t *testing.T) {
	tr := New(Config{URL: "ws://127.0.0.1:1", HandshakeTimeout: 200 * time.Millisecond})
	err := tr.Open(context.Background())
	assert.True(t, errs.IsConnection(err))
}

func TestRequestTimeout(t *testing.T) {
	tr := openTransport(t, &backend{silent: "slow"}, Config{RequestTimeout: 50 * time.Millisecond})

	_, err := tr.SendRequest(context.Background(), "slow", nil)
	var te *errs.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ErrRequestTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.SendRequest(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribeAndPush(t *testing.T) {
	tr := openTransport(t, &backend{}, Config{})

	require.NoError(t, tr.Subscribe(context.Background(), "sub-1", "messages:list", json.RawMessage(`{}`)))

	ev := nextEvent(t, tr)
	assert.Equal(t, transport.EventPushed, ev.Type)
	assert.Equal(t, "sub-1", ev.SubscriptionID)
	assert.JSONEq(t, `[{"id":1}]`, string(ev.Value))

	ev = nextEvent(t, tr)
	assert.Equal(t, transport.EventPushError, ev.Type)
	assert.EqualError(t, ev.Err, "not allowed")

	require.NoError(t, tr.Unsubscribe(context.Background(), "sub-1"))
}

func TestServerDropFailsInFlightRequest(t *testing.T) {
	tr := openTransport(t, &backend{dropOn: "explode"}, Config{})

	_, err := tr.SendRequest(context.Background(), "explode", nil)
	var ce *errs.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.MaybeDelivered)

	ev := nextEvent(t, tr)
	assert.Equal(t, transport.EventClosed, ev.Type)
	assert.True(t, errs.IsConnection(ev.Err))

	// reopen on a fresh connection
	require.NoError(t, tr.Open(context.Background()))
	assert.Equal(t, transport.EventOpened, nextEvent(t, tr).Type)
	_, err = tr.SendRequest(context.Background(), "ok", nil)
	assert.NoError(t, err)
}

func TestCloseDoesNotEmitClosed(t *testing.T) {
	tr := openTransport(t, &backend{}, Config{})
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	select {
	case ev := <-tr.Events():
		t.Fatalf("unexpected event %v", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}

	assert.NoError(t, tr.Unsubscribe(context.Background(), "gone"))
}

func TestPingKeepsConnectionAlive(t *testing.T) {
	tr := openTransport(t, &backend{}, Config{
		PingInterval: 20 * time.Millisecond,
		PingTimeout:  time.Second,
	})

	time.Sleep(100 * time.Millisecond)
	_, err := tr.SendRequest(context.Background(), "still:alive", nil)
	assert.NoError(t, err)
}

func TestDecodeFrame(t *testing.T) {
	_, err := decodeFrame([]byte(`{"id":"x"}`))
	assert.Error(t, err)
	_, err = decodeFrame([]byte(`not json`))
	assert.Error(t, err)

	f, err := decodeFrame([]byte(`{"type":"response","id":"x","ok":true,"value":null}`))
	require.NoError(t, err)
	assert.True(t, f.Succeeded())
	assert.Nil(t, f.PushError())
}
