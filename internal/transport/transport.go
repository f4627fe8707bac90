// Package transport defines the contract between the livesync core and the
// byte-level connection to the backend.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

// EventType identifies a transport event.
type EventType int

const (
	EventOpened EventType = iota
	EventClosed
	EventPushed
	EventPushError
)

func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventPushed:
		return "pushed"
	case EventPushError:
		return "push_error"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is emitted by a Transport on its Events channel.
type Event struct {
	Type EventType

	// SubscriptionID is set for EventPushed and EventPushError.
	SubscriptionID string

	// Value is the pushed value for EventPushed.
	Value json.RawMessage

	// Err carries the close reason for EventClosed and the server error for
	// EventPushError.
	Err error
}

// Transport is one persistent connection to the backend.
//
// Open and Close may be called repeatedly; each successful Open is followed
// by an EventOpened and each loss of the connection by an EventClosed.
// Subscriptions do not survive a reconnect. Events must be delivered in
// the order the server produced them.
type Transport interface {
	Open(ctx context.Context) error
	Close() error

	// SendRequest executes a one-shot function call. Connection failures
	// are reported as *errs.ConnectionError, server-side failures as
	// *errs.FunctionError.
	SendRequest(ctx context.Context, path string, args json.RawMessage) (json.RawMessage, error)

	Subscribe(ctx context.Context, id, path string, args json.RawMessage) error
	Unsubscribe(ctx context.Context, id string) error

	Events() <-chan Event
}
