// Package wstransport implements transport.Transport over a single
// gorilla/websocket connection carrying JSON frames.
//
// Requests and subscription commands are correlated with their responses by
// a ULID request id. Each dialled connection owns its pending requests, so a
// dropped connection fails exactly the requests that were in flight on it.
// One-shot requests can optionally be routed over HTTP instead (see
// Requester).
package wstransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/rickgao/livesync/internal/errs"
	"github.com/rickgao/livesync/internal/transport"
)

var (
	ErrConnectionLost = errors.New("connection lost before response")
	ErrRequestTimeout = errors.New("request timeout")
)

// Config configures a Transport.
type Config struct {
	URL    string
	Header http.Header

	// SessionID identifies this client across reconnects. Generated when
	// empty.
	SessionID string

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration

	// RequestTimeout bounds the wait for a response frame. Zero waits for
	// the caller's context only.
	RequestTimeout time.Duration

	BufferSize  int
	EventBuffer int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     15 * time.Second,
		PingTimeout:      45 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
		EventBuffer:      4096,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.BufferSize == 0 {
		c.BufferSize = d.BufferSize
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
}

// Transport is a reconnectable WebSocket transport.
type Transport struct {
	cfg       Config
	logger    *slog.Logger
	requester *Requester

	events chan transport.Event

	mu      sync.Mutex
	current *conn
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithRequester routes one-shot requests over HTTP.
func WithRequester(r *Requester) Option {
	return func(t *Transport) {
		t.requester = r
	}
}

// New creates a Transport. No connection is made until Open.
func New(cfg Config, opts ...Option) *Transport {
	cfg.applyDefaults()
	t := &Transport{
		cfg:    cfg,
		logger: slog.Default(),
		events: make(chan transport.Event, cfg.EventBuffer),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("session_id", cfg.SessionID)
	return t
}

// SessionID returns the id sent in the connect frame.
func (t *Transport) SessionID() string { return t.cfg.SessionID }

// Open dials a fresh connection, replacing any current one.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	old := t.current
	t.current = nil
	t.mu.Unlock()
	if old != nil {
		_ = old.close()
	}

	c := newConn(t.cfg, t.logger)
	if err := c.dial(ctx, t.cfg.Header); err != nil {
		return &errs.ConnectionError{Op: "open", Err: err}
	}

	hello, _ := json.Marshal(Frame{Type: FrameConnect, SessionID: t.cfg.SessionID})
	if err := c.send(hello); err != nil {
		_ = c.close()
		return &errs.ConnectionError{Op: "open", Err: err}
	}

	t.mu.Lock()
	t.current = c
	t.mu.Unlock()

	t.events <- transport.Event{Type: transport.EventOpened}
	go t.dispatch(c)

	t.logger.Info("transport opened", "url", t.cfg.URL)
	return nil
}

// Close closes the current connection without emitting EventClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	c := t.current
	t.current = nil
	t.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.close()
}

// Events returns the event channel. It is never closed.
func (t *Transport) Events() <-chan transport.Event { return t.events }

// SendRequest executes a function call over the socket, or over HTTP when a
// Requester is configured.
func (t *Transport) SendRequest(ctx context.Context, path string, args json.RawMessage) (json.RawMessage, error) {
	if t.requester != nil {
		return t.requester.Run(ctx, path, args)
	}

	resp, err := t.roundTrip(ctx, "request "+path, Frame{Type: FrameRequest, Path: path, Args: args})
	if err != nil {
		return nil, err
	}
	if !resp.Succeeded() {
		return nil, &errs.FunctionError{Function: path, Message: resp.ErrorMessage, Code: resp.ErrorCode}
	}
	if len(resp.Value) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Value, nil
}

// Subscribe registers subscription id for path and waits for the ack.
func (t *Transport) Subscribe(ctx context.Context, id, path string, args json.RawMessage) error {
	resp, err := t.roundTrip(ctx, "subscribe "+path, Frame{
		Type:           FrameSubscribe,
		SubscriptionID: id,
		Path:           path,
		Args:           args,
	})
	if err != nil {
		return err
	}
	if !resp.Succeeded() {
		return &errs.FunctionError{Function: path, Message: resp.ErrorMessage, Code: resp.ErrorCode}
	}
	return nil
}

// Unsubscribe cancels subscription id. It is a no-op while disconnected
// since the server drops subscriptions with the connection.
func (t *Transport) Unsubscribe(ctx context.Context, id string) error {
	if t.conn() == nil {
		return nil
	}
	resp, err := t.roundTrip(ctx, "unsubscribe", Frame{Type: FrameUnsubscribe, SubscriptionID: id})
	if err != nil {
		return err
	}
	if !resp.Succeeded() {
		return &errs.FunctionError{Function: "unsubscribe", Message: resp.ErrorMessage, Code: resp.ErrorCode}
	}
	return nil
}

func (t *Transport) conn() *conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// roundTrip sends f with a fresh request id and waits for its response.
func (t *Transport) roundTrip(ctx context.Context, op string, f Frame) (Frame, error) {
	c := t.conn()
	if c == nil || !c.isConnected() {
		return Frame{}, &errs.ConnectionError{Op: op, Err: ErrNotConnected}
	}

	f.ID = ulid.Make().String()
	if md := transport.MetadataFrom(ctx); len(md) > 0 {
		f.Metadata = md
	}
	data, err := json.Marshal(f)
	if err != nil {
		return Frame{}, &errs.SerializationError{Op: op, Err: err}
	}

	respCh := c.register(f.ID)
	defer c.unregister(f.ID)

	if err := c.send(data); err != nil {
		return Frame{}, &errs.ConnectionError{Op: op, Err: err}
	}

	var timeout <-chan time.Time
	if t.cfg.RequestTimeout > 0 {
		timer := time.NewTimer(t.cfg.RequestTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-c.done:
		return Frame{}, &errs.ConnectionError{Op: op, Err: ErrConnectionLost, MaybeDelivered: true}
	case <-ctx.Done():
		return Frame{}, errs.Timeout(op, ctx.Err())
	case <-timeout:
		return Frame{}, &errs.TimeoutError{Op: op, Err: ErrRequestTimeout}
	}
}

// dispatch routes frames from c until it fails or is closed.
func (t *Transport) dispatch(c *conn) {
	for {
		select {
		case <-c.done:
			return

		case err := <-c.errors:
			t.logger.Warn("connection error", "error", err)
			t.drain(c)
			_ = c.close()

			t.mu.Lock()
			if t.current == c {
				t.current = nil
			}
			t.mu.Unlock()

			t.events <- transport.Event{Type: transport.EventClosed, Err: &errs.ConnectionError{Op: "read", Err: err}}
			return

		case msg := <-c.messages:
			if !t.handle(c, msg) {
				return
			}
		}
	}
}

// drain handles frames that were read before the connection failed.
func (t *Transport) drain(c *conn) {
	for {
		select {
		case msg := <-c.messages:
			if !t.handle(c, msg) {
				return
			}
		default:
			return
		}
	}
}

// handle routes one frame. It returns false once c is closed.
func (t *Transport) handle(c *conn, msg timestampedMessage) bool {
	f, err := decodeFrame(msg.Data)
	if err != nil {
		t.logger.Warn("dropping malformed frame", "error", err, "size", len(msg.Data))
		return true
	}

	switch f.Type {
	case FrameResponse:
		if !c.routeResponse(f) {
			t.logger.Debug("response without pending request", "id", f.ID)
		}
	case FramePush:
		ev := transport.Event{Type: transport.EventPushed, SubscriptionID: f.SubscriptionID, Value: f.Value}
		if perr := f.PushError(); perr != nil {
			ev = transport.Event{Type: transport.EventPushError, SubscriptionID: f.SubscriptionID, Err: perr}
		}
		select {
		case t.events <- ev:
		case <-c.done:
			return false
		}
	default:
		t.logger.Debug("ignoring frame", "type", f.Type)
	}
	return true
}

var _ transport.Transport = (*Transport)(nil)
