// Package apiclient talks to the gateway REST surface. It is what a
// frontend uses to get sponsorship, submit and follow an operation.
package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"

	"github.com/AvaProtocol/userop-gateway/core/lifecycle"
	"github.com/AvaProtocol/userop-gateway/core/transport"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/aaerr"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/codec"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-gateway/pkg/logger"
)

const defaultTimeout = 30 * time.Second

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type userOpRequest struct {
	UserOp  map[string]any `json:"userOp"`
	ChainID uint64         `json:"chainId"`
}

type Client struct {
	http   *resty.Client
	logger sdklogging.Logger
}

var (
	_ lifecycle.Sponsor = (*Client)(nil)
	_ transport.Backend = (*Client)(nil)
)

// New returns a client of the gateway at baseURL, e.g.
// http://localhost:3001.
func New(baseURL string, timeout time.Duration, log sdklogging.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	client.JSONMarshal = json.Marshal
	client.JSONUnmarshal = json.Unmarshal

	return &Client{http: client, logger: logger.EnsureLogger(log)}
}

// Sponsor calls POST /api/user-operations/sponsor.
func (c *Client) Sponsor(ctx context.Context, op *userop.UserOperation, chainID uint64) (*userop.SponsorResult, error) {
	data, err := c.do(ctx, http.MethodPost, "/api/user-operations/sponsor", &userOpRequest{UserOp: op.Wire(), ChainID: chainID})
	if err != nil {
		return nil, err
	}
	wire, err := codec.Unmarshal(data)
	if err != nil {
		return nil, aaerr.Wrap(aaerr.InternalError, err, "malformed sponsorship response")
	}
	return userop.ParseSponsorResult(wire)
}

// Submit calls POST /api/user-operations and returns the operation hash.
func (c *Client) Submit(ctx context.Context, op *userop.UserOperation, chainID uint64) (string, error) {
	data, err := c.do(ctx, http.MethodPost, "/api/user-operations", &userOpRequest{UserOp: op.Wire(), ChainID: chainID})
	if err != nil {
		return "", err
	}
	var out struct {
		UserOpHash string `json:"userOpHash"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", aaerr.Wrap(aaerr.InternalError, err, "malformed submission response")
	}
	return out.UserOpHash, nil
}

// Status calls GET /api/user-operations/:hash. A malformed hash fails
// locally without a request.
func (c *Client) Status(ctx context.Context, hash string) (*userop.OperationStatus, error) {
	if err := userop.ValidateHash(hash); err != nil {
		return nil, err
	}
	data, err := c.do(ctx, http.MethodGet, "/api/user-operations/"+hash, nil)
	if err != nil {
		return nil, err
	}
	wire, err := codec.Unmarshal(data)
	if err != nil {
		return nil, aaerr.Wrap(aaerr.InternalError, err, "malformed status response")
	}
	return userop.ParseOperationStatus(wire)
}

// do sends the request and unwraps the {success, data | error} envelope.
// A failure envelope comes back as a StructuredError with the gateway code.
func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var env envelope
	req := c.http.R().SetContext(ctx).SetResult(&env).SetError(&env)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, aaerr.Wrap(aaerr.InternalError, err, fmt.Sprintf("gateway request failed: %v", err))
	}

	if env.Error != nil {
		c.logger.Debug("gateway returned an error", "path", path, "code", env.Error.Code, "message", env.Error.Message)
		code := aaerr.ErrorCode(env.Error.Code)
		if !aaerr.Known(code) {
			code = aaerr.InternalError
		}
		return nil, aaerr.New(code, env.Error.Message)
	}
	if !env.Success || resp.IsError() {
		return nil, aaerr.New(aaerr.InternalError, fmt.Sprintf("gateway request failed: %s", resp.Status()))
	}
	return env.Data, nil
}
