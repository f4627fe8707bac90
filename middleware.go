package livesync

import (
	"github.com/rickgao/livesync/internal/middleware"
)

// Interceptors wrap every query, mutation and action. The first registered
// is outermost; an interceptor may short-circuit by not calling next.
type (
	Interceptor = middleware.Interceptor
	Handler     = middleware.Handler
	Request     = middleware.Request
	Response    = middleware.Response
	Kind        = middleware.Kind

	RetryPolicy     = middleware.RetryPolicy
	TokenSource     = middleware.TokenSource
	TokenSourceFunc = middleware.TokenSourceFunc
	AuthOptions     = middleware.AuthOptions
)

const (
	KindQuery    = middleware.KindQuery
	KindMutation = middleware.KindMutation
	KindAction   = middleware.KindAction
)

// Built-in interceptors.
var (
	LoggingInterceptor   = middleware.Logging
	RetryInterceptor     = middleware.Retry
	AuthInterceptor      = middleware.Auth
	RateLimitInterceptor = middleware.RateLimit
)
