// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/rickgao/livesync/internal/errs"
	"github.com/rickgao/livesync/internal/transport"
)

// ErrNotConnected is wrapped in the ConnectionError returned while closed.
var ErrNotConnected = errors.New("fake transport not connected")

// Request is a recorded SendRequest call.
type Request struct {
	Path     string
	Args     json.RawMessage
	Metadata transport.Metadata
}

// SubscribeCall is a recorded Subscribe call.
type SubscribeCall struct {
	ID   string
	Path string
	Args json.RawMessage
}

// RequestHandler answers SendRequest calls.
type RequestHandler func(ctx context.Context, req Request) (json.RawMessage, error)

// Fake is a scriptable transport.Transport. The zero value is not usable;
// call New.
type Fake struct {
	mu         sync.Mutex
	connected  bool
	opens      int
	openErr    func(attempt int) error
	subTries   int
	subErr     func(attempt int) error
	handler    RequestHandler
	requests   []Request
	subscribes []SubscribeCall
	unsubs     []string
	active     map[string]SubscribeCall
	events     chan transport.Event
}

// New creates a Fake with a large event buffer.
func New() *Fake {
	return &Fake{
		active: make(map[string]SubscribeCall),
		events: make(chan transport.Event, 1024),
	}
}

// SetOpenError makes Open fail while fn returns non-nil. attempt counts
// every Open call starting at 1.
func (f *Fake) SetOpenError(fn func(attempt int) error) {
	f.mu.Lock()
	f.openErr = fn
	f.mu.Unlock()
}

// SetSubscribeError makes Subscribe fail while fn returns non-nil. attempt
// counts every Subscribe call from 1.
func (f *Fake) SetSubscribeError(fn func(attempt int) error) {
	f.mu.Lock()
	f.subErr = fn
	f.mu.Unlock()
}

// SetHandler installs the SendRequest handler.
func (f *Fake) SetHandler(h RequestHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *Fake) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	f.opens++
	if f.openErr != nil {
		if err := f.openErr(f.opens); err != nil {
			f.mu.Unlock()
			return &errs.ConnectionError{Op: "open", Err: err}
		}
	}
	f.connected = true
	f.active = make(map[string]SubscribeCall)
	f.mu.Unlock()

	f.emit(transport.Event{Type: transport.EventOpened})
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.connected = false
	f.active = make(map[string]SubscribeCall)
	f.mu.Unlock()
	return nil
}

func (f *Fake) SendRequest(ctx context.Context, path string, args json.RawMessage) (json.RawMessage, error) {
	req := Request{Path: path, Args: args, Metadata: transport.MetadataFrom(ctx)}

	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return nil, &errs.ConnectionError{Op: "request " + path, Err: ErrNotConnected}
	}
	f.requests = append(f.requests, req)
	h := f.handler
	f.mu.Unlock()

	if h == nil {
		return json.RawMessage("null"), nil
	}
	return h(ctx, req)
}

func (f *Fake) Subscribe(ctx context.Context, id, path string, args json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return &errs.ConnectionError{Op: "subscribe " + path, Err: ErrNotConnected}
	}
	f.subTries++
	if f.subErr != nil {
		if err := f.subErr(f.subTries); err != nil {
			return err
		}
	}
	call := SubscribeCall{ID: id, Path: path, Args: args}
	f.subscribes = append(f.subscribes, call)
	f.active[id] = call
	return nil
}

func (f *Fake) Unsubscribe(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.unsubs = append(f.unsubs, id)
	delete(f.active, id)
	return nil
}

func (f *Fake) Events() <-chan transport.Event { return f.events }

// Drop simulates a lost connection.
func (f *Fake) Drop(err error) {
	f.mu.Lock()
	f.connected = false
	f.active = make(map[string]SubscribeCall)
	f.mu.Unlock()

	f.emit(transport.Event{Type: transport.EventClosed, Err: err})
}

// Push emits a value for subscription id.
func (f *Fake) Push(id string, value json.RawMessage) {
	f.emit(transport.Event{Type: transport.EventPushed, SubscriptionID: id, Value: value})
}

// PushError emits a server error for subscription id.
func (f *Fake) PushError(id string, err error) {
	f.emit(transport.Event{Type: transport.EventPushError, SubscriptionID: id, Err: err})
}

// PushPath pushes value to every active subscription on path and returns
// how many received it.
func (f *Fake) PushPath(path string, value json.RawMessage) int {
	ids := f.activeIDs(path)
	for _, id := range ids {
		f.Push(id, value)
	}
	return len(ids)
}

// Connected reports whether the fake is open.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// OpenCalls returns the number of Open calls.
func (f *Fake) OpenCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Requests returns recorded SendRequest calls.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

// Subscribes returns recorded Subscribe calls.
func (f *Fake) Subscribes() []SubscribeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SubscribeCall(nil), f.subscribes...)
}

// Unsubscribes returns recorded Unsubscribe ids.
func (f *Fake) Unsubscribes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubs...)
}

// Active returns the active subscriptions sorted by id.
func (f *Fake) Active() []SubscribeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SubscribeCall, 0, len(f.active))
	for _, c := range f.active {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Fake) activeIDs(path string) []string {
	var ids []string
	for _, c := range f.Active() {
		if c.Path == path {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func (f *Fake) emit(ev transport.Event) {
	f.events <- ev
}

var _ transport.Transport = (*Fake)(nil)
