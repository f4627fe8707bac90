// Package middleware composes interceptors around every query, mutation
// and action a client executes.
//
// Interceptors run in registration order: the first registered is the
// outermost. An interceptor may inspect or rewrite the request, call next
// zero or more times, and inspect or replace the response. Once a pipeline
// has built a handler it is sealed and rejects further registration.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rickgao/livesync/internal/transport"
)

// ErrSealed is returned by Use once an operation has run.
var ErrSealed = errors.New("middleware: pipeline sealed after first operation")

// Kind is the operation category.
type Kind int

const (
	KindQuery Kind = iota
	KindMutation
	KindAction
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindMutation:
		return "mutation"
	case KindAction:
		return "action"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Request is the operation as seen by interceptors.
type Request struct {
	Kind     Kind
	Function string
	Args     json.RawMessage

	// Metadata is sent alongside the request by the transport.
	Metadata transport.Metadata
}

// SetMetadata sets one metadata entry.
func (r *Request) SetMetadata(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(transport.Metadata)
	}
	r.Metadata[key] = value
}

// Response is the raw result of an operation.
type Response struct {
	Value json.RawMessage
}

// Handler executes a request.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Interceptor wraps the rest of the chain.
type Interceptor func(ctx context.Context, req *Request, next Handler) (*Response, error)

// Pipeline is an ordered list of interceptors.
type Pipeline struct {
	mu           sync.Mutex
	interceptors []Interceptor
	sealed       bool
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Use appends interceptors. It fails with ErrSealed after Build.
func (p *Pipeline) Use(interceptors ...Interceptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sealed {
		return ErrSealed
	}
	for _, i := range interceptors {
		if i != nil {
			p.interceptors = append(p.interceptors, i)
		}
	}
	return nil
}

// Sealed reports whether Build has been called.
func (p *Pipeline) Sealed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sealed
}

// Len returns the number of registered interceptors.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.interceptors)
}

// Build seals the pipeline and wraps terminal with every interceptor.
func (p *Pipeline) Build(terminal Handler) Handler {
	p.mu.Lock()
	p.sealed = true
	chain := append([]Interceptor(nil), p.interceptors...)
	p.mu.Unlock()

	h := terminal
	for i := len(chain) - 1; i >= 0; i-- {
		h = wrap(chain[i], h)
	}
	return h
}

func wrap(i Interceptor, next Handler) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		return i(ctx, req, next)
	}
}
