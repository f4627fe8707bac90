package wstransport

import (
	"encoding/json"
	"errors"
)

// Frame types.
const (
	FrameConnect     = "connect"
	FrameRequest     = "request"
	FrameResponse    = "response"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePush        = "push"
)

// Frame is the single JSON envelope exchanged in both directions.
//
// Client to server: connect {sessionId}, request {id, path, args},
// subscribe {id, subscriptionId, path, args}, unsubscribe {id, subscriptionId}.
// Server to client: response {id, ok, value | errorMessage, errorCode},
// push {subscriptionId, value | error}.
type Frame struct {
	Type           string            `json:"type"`
	ID             string            `json:"id,omitempty"`
	SessionID      string            `json:"sessionId,omitempty"`
	SubscriptionID string            `json:"subscriptionId,omitempty"`
	Path           string            `json:"path,omitempty"`
	Args           json.RawMessage   `json:"args,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	OK           *bool           `json:"ok,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	ErrorCode    string          `json:"errorCode,omitempty"`

	// Error is set on a push whose subscription failed server-side.
	Error string `json:"error,omitempty"`
}

// Succeeded reports whether a response frame carries a value.
func (f Frame) Succeeded() bool {
	return f.OK != nil && *f.OK
}

// PushError returns the server error carried by a push frame, or nil.
func (f Frame) PushError() error {
	if f.Error == "" {
		return nil
	}
	return errors.New(f.Error)
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	if f.Type == "" {
		return Frame{}, errors.New("frame without type")
	}
	return f, nil
}

func boolPtr(b bool) *bool { return &b }
