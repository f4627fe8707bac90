package wstransport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/livesync/internal/errs"
	"github.com/rickgao/livesync/internal/transport"
)

func newTestRequester(t *testing.T, handler http.HandlerFunc) (*Requester, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	r, err := NewRequester(server.URL+"/",
		WithHTTPClient(server.Client()),
		WithRetries(2, 5*time.Millisecond),
	)
	require.NoError(t, err)
	return r, server
}

func TestNewRequesterDefaults(t *testing.T) {
	r, err := NewRequester("https://backend.example.com/", WithHTTPTimeout(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "https://backend.example.com", r.baseURL)
	assert.Equal(t, 5*time.Second, r.httpClient.Timeout)
	assert.Equal(t, 3, r.maxRetries)
	assert.NotNil(t, r.logger)
}

func TestRequesterRun(t *testing.T) {
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, RunPath, req.URL.Path)
		assert.Equal(t, "Bearer abc", req.Header.Get("authorization"))

		body, _ := io.ReadAll(req.Body)
		var in runRequest
		require.NoError(t, json.Unmarshal(body, &in))
		assert.Equal(t, "messages:list", in.Path)
		assert.JSONEq(t, `{"channel":"a"}`, string(in.Args))

		_, _ = w.Write([]byte(`{"ok":true,"value":[1,2]}`))
	})

	ctx := transport.WithMetadata(context.Background(), transport.Metadata{"authorization": "Bearer abc"})
	value, err := r.Run(ctx, "messages:list", json.RawMessage(`{"channel":"a"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(value))
}

func TestRequesterFunctionError(t *testing.T) {
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"errorMessage":"no such channel","errorCode":"NOT_FOUND"}`))
	})

	_, err := r.Run(context.Background(), "messages:list", nil)
	var fe *errs.FunctionError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "no such channel", fe.Message)
	assert.Equal(t, "NOT_FOUND", fe.Code)
}

func TestRequesterRetries(t *testing.T) {
	var calls atomic.Int32
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"value":"done"}`))
	})

	value, err := r.Run(context.Background(), "jobs:run", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(value))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRequesterGivesUp(t *testing.T) {
	var calls atomic.Int32
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := r.Run(context.Background(), "jobs:run", nil)
	var ce *errs.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRequesterClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := r.Run(context.Background(), "jobs:run", nil)
	var fe *errs.FunctionError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "400", fe.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRequesterContextCancelled(t *testing.T) {
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, "jobs:run", nil)
	var te *errs.TimeoutError
	assert.ErrorAs(t, err, &te)
}

func TestTransportUsesRequester(t *testing.T) {
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	tr := New(Config{URL: "ws://unused"}, WithRequester(r))

	value, err := tr.SendRequest(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(value))
}

func TestAPIErrorRetryable(t *testing.T) {
	assert.True(t, (&APIError{StatusCode: 500}).IsRetryable())
	assert.True(t, (&APIError{StatusCode: 429}).IsRetryable())
	assert.False(t, (&APIError{StatusCode: 404}).IsRetryable())
	assert.Equal(t, "http api error 404: Not Found", (&APIError{StatusCode: 404, Message: "Not Found"}).Error())
}
