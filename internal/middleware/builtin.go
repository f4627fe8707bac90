package middleware

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	gojwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/rickgao/livesync/internal/errs"
)

// Logging logs every operation with its duration and outcome. Failures are
// logged at warn level.
func Logging(logger *slog.Logger) Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req *Request, next Handler) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		attrs := []any{
			"kind", req.Kind.String(),
			"function", req.Function,
			"duration", time.Since(start),
		}
		if err != nil {
			logger.Warn("operation failed", append(attrs, "outcome", errs.Category(err), "error", err)...)
		} else {
			logger.Debug("operation completed", attrs...)
		}
		return resp, err
	}
}

// RetryPolicy configures the Retry interceptor.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Clock       clock.Clock
}

// Retry re-runs queries and actions that failed with a timeout or
// connection error while the caller's context is still live. Actions are
// only retried when the request provably never reached the server.
// Mutations pass through untouched.
func Retry(policy RetryPolicy) Interceptor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 3
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 100 * time.Millisecond
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay * 10
	}
	if policy.Clock == nil {
		policy.Clock = clock.New()
	}

	return func(ctx context.Context, req *Request, next Handler) (*Response, error) {
		if req.Kind == KindMutation {
			return next(ctx, req)
		}

		var lastErr error
		backoff := policy.BaseDelay
		for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
			if attempt > 0 {
				jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
				timer := policy.Clock.Timer(jitter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, errs.Timeout(req.Function, ctx.Err())
				case <-timer.C:
				}
				backoff *= 2
				if backoff > policy.MaxDelay {
					backoff = policy.MaxDelay
				}
			}

			resp, err := next(ctx, req)
			if err == nil {
				return resp, nil
			}
			lastErr = err
			if ctx.Err() != nil || !errs.IsRetryable(err, req.Kind == KindQuery) {
				return nil, err
			}
		}
		return nil, lastErr
	}
}

// TokenSource supplies bearer tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// AuthOptions configures the Auth interceptor.
type AuthOptions struct {
	// Skew refreshes a JWT this long before its exp claim.
	Skew  time.Duration
	Clock clock.Clock
}

type tokenCache struct {
	mu      sync.Mutex
	src     TokenSource
	token   string
	expires time.Time
	skew    time.Duration
	clock   clock.Clock
}

func (c *tokenCache) get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && (c.expires.IsZero() || c.clock.Now().Add(c.skew).Before(c.expires)) {
		return c.token, nil
	}

	token, err := c.src.Token(ctx)
	if err != nil {
		return "", &errs.RejectedError{Reason: "token source: " + err.Error()}
	}
	c.token = token
	c.expires = expiry(token)
	return token, nil
}

// expiry returns the exp claim of a JWT without verifying its signature.
// Opaque tokens never expire.
func expiry(token string) time.Time {
	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// Auth attaches an "authorization: Bearer <token>" metadata entry. Tokens
// are cached and re-fetched when a JWT's exp claim is within the skew
// window.
func Auth(src TokenSource, opts AuthOptions) Interceptor {
	if opts.Skew <= 0 {
		opts.Skew = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	cache := &tokenCache{src: src, skew: opts.Skew, clock: opts.Clock}

	return func(ctx context.Context, req *Request, next Handler) (*Response, error) {
		token, err := cache.get(ctx)
		if err != nil {
			return nil, err
		}
		req.SetMetadata("authorization", "Bearer "+token)
		return next(ctx, req)
	}
}

// RateLimit delays operations to the limiter's rate. When the caller's
// context cannot accommodate the wait the operation fails with a
// TimeoutError without being sent.
func RateLimit(limiter *rate.Limiter) Interceptor {
	return func(ctx context.Context, req *Request, next Handler) (*Response, error) {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, errs.Timeout("rate limit "+req.Function, ctx.Err())
			}
			return nil, &errs.TimeoutError{Op: "rate limit " + req.Function, Err: err}
		}
		return next(ctx, req)
	}
}

// RequestObserver records finished operations.
type RequestObserver interface {
	ObserveRequest(kind, outcome string, d time.Duration)
}

// Metrics reports every operation's kind, outcome and duration to obs.
func Metrics(obs RequestObserver) Interceptor {
	return func(ctx context.Context, req *Request, next Handler) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		obs.ObserveRequest(req.Kind.String(), errs.Category(err), time.Since(start))
		return resp, err
	}
}
