// Package jsonrpc is a small JSON-RPC 2.0 client for the paymaster and
// bundler upstreams. It performs exactly one HTTP request per call and never
// retries.
package jsonrpc

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"

	"github.com/AvaProtocol/userop-gateway/pkg/logger"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

const defaultTimeout = 30 * time.Second

// Request is the 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the 2.0 response envelope as received by the client.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a protocol level failure: the upstream answered with an `error`
// member.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// HTTPError is a transport level failure: the upstream answered with a
// non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Observer is told about every upstream call once it finishes.
type Observer interface {
	ObserveUpstreamCall(upstream, method string, err error, elapsed time.Duration)
}

// Options configures a Client. Name labels logs and metrics.
type Options struct {
	Name        string
	URL         string
	APIKey      string
	BearerToken string
	Timeout     time.Duration
	Logger      sdklogging.Logger
	Observer    Observer
}

type Client struct {
	http     *resty.Client
	name     string
	url      string
	logger   sdklogging.Logger
	observer Observer
	nextID   atomic.Uint64
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")
	client.JSONMarshal = json.Marshal
	client.JSONUnmarshal = json.Unmarshal
	if opts.APIKey != "" {
		client.SetHeader("x-api-key", opts.APIKey)
	}
	if opts.BearerToken != "" {
		client.SetAuthToken(opts.BearerToken)
	}

	return &Client{
		http:     client,
		name:     opts.Name,
		url:      opts.URL,
		logger:   logger.EnsureLogger(opts.Logger),
		observer: opts.Observer,
	}
}

// URL returns the upstream endpoint.
func (c *Client) URL() string {
	return c.url
}

// Call issues method with params and returns the raw result member. A null
// or missing result is returned as nil with no error. The returned error is
// an *HTTPError, an *Error or a transport error from the HTTP client.
func (c *Client) Call(ctx context.Context, method string, params ...any) (result json.RawMessage, err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveUpstreamCall(c.name, method, err, time.Since(start))
		}
	}()

	if params == nil {
		params = []any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s params: %w", method, err)
	}

	req := Request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  encoded,
	}

	c.logger.Debug("upstream request", "upstream", c.name, "method", method, "params", string(encoded))

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post(c.url)
	if err != nil {
		c.logger.Warn("upstream request failed", "upstream", c.name, "method", method, "error", err)
		return nil, err
	}

	body := resp.Body()
	c.logger.Debug("upstream response", "upstream", c.name, "method", method, "status", resp.StatusCode(), "body", string(body))

	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode(), Body: string(body)}
	}

	var envelope Response
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("malformed JSON-RPC response: %w", err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil, nil
	}
	return envelope.Result, nil
}
