package jsonrpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	upstream, method string
	err              error
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (o *recordingObserver) ObserveUpstreamCall(upstream, method string, err error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, recordedCall{upstream, method, err})
}

func TestCallSendsEnvelopeAndHeaders(t *testing.T) {
	var got Request
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0xabc"}`))
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	c := NewClient(Options{
		Name:        "bundler",
		URL:         srv.URL,
		APIKey:      "secret",
		BearerToken: "token",
		Observer:    obs,
	})

	result, err := c.Call(context.Background(), "eth_sendUserOperation", map[string]any{"nonce": "0x0"}, "0xentry")
	require.NoError(t, err)
	assert.JSONEq(t, `"0xabc"`, string(result))

	assert.Equal(t, "2.0", got.JSONRPC)
	assert.Equal(t, "eth_sendUserOperation", got.Method)
	assert.JSONEq(t, `[{"nonce":"0x0"},"0xentry"]`, string(got.Params))
	assert.Equal(t, "secret", headers.Get("x-api-key"))
	assert.Equal(t, "Bearer token", headers.Get("Authorization"))

	require.Len(t, obs.calls, 1)
	assert.Equal(t, recordedCall{"bundler", "eth_sendUserOperation", nil}, obs.calls[0])
}

func TestCallWithoutCredentialsSendsNoAuthHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("x-api-key"))
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
	}))
	defer srv.Close()

	result, err := NewClient(Options{URL: srv.URL}).Call(context.Background(), "eth_getUserOperationReceipt", "0x01")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestCallProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"AA21 didn't pay prefund"}}`))
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	_, err := NewClient(Options{URL: srv.URL, Observer: obs}).Call(context.Background(), "eth_sendUserOperation")

	var rpcErr *Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
	assert.Equal(t, "AA21 didn't pay prefund", rpcErr.Error())
	require.Len(t, obs.calls, 1)
	assert.Error(t, obs.calls[0].err)
}

func TestCallTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	_, err := NewClient(Options{URL: srv.URL}).Call(context.Background(), "pm_getPaymasterData")

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.Equal(t, "upstream down", httpErr.Body)
	assert.Equal(t, "503 Service Unavailable", httpErr.Error())
}

func TestCallDoesNotRetry(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(Options{URL: srv.URL}).Call(context.Background(), "eth_sendUserOperation")
	assert.Error(t, err)
	assert.Equal(t, 1, hits)
}

func TestCallMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	_, err := NewClient(Options{URL: srv.URL}).Call(context.Background(), "eth_sendUserOperation")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed JSON-RPC response")
}

func TestCallRequestIDsIncrease(t *testing.T) {
	var ids []float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		ids = append(ids, req["id"].(float64))
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":true}`))
	}))
	defer srv.Close()

	c := NewClient(Options{URL: srv.URL})
	for i := 0; i < 3; i++ {
		_, err := c.Call(context.Background(), "eth_chainId")
		require.NoError(t, err)
	}
	assert.Equal(t, []float64{1, 2, 3}, ids)
}
