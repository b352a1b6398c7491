package transport

import (
	"bytes"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/aaerr"
	"github.com/AvaProtocol/userop-gateway/pkg/jsonrpc"
)

// maxRequestBody bounds a single JSON-RPC request.
const maxRequestBody = 1 << 20

type rpcSuccess struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result"`
}

type rpcFailure struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id"`
	Error   *jsonrpc.Error `json:"error"`
}

// Handler serves the adapter as a JSON-RPC 2.0 endpoint. Failures are
// reported inside the envelope with HTTP 200; the gateway error code is put
// in error.data.code so a client can recover it.
func (a *Adapter) Handler(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBody))
	if err != nil {
		return c.JSON(http.StatusOK, failure(nil, jsonrpc.CodeParseError, "cannot read request", ""))
	}

	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		return c.JSON(http.StatusOK, failure(nil, jsonrpc.CodeInvalidRequest, "batch requests are not supported", ""))
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return c.JSON(http.StatusOK, failure(nil, jsonrpc.CodeParseError, "parse error", ""))
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return c.JSON(http.StatusOK, failure(req.ID, jsonrpc.CodeInvalidRequest, "invalid request", ""))
	}

	var params []json.RawMessage
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return c.JSON(http.StatusOK, failure(req.ID, jsonrpc.CodeInvalidParams, "params must be an array", string(aaerr.ValidationError)))
		}
	}

	result, err := a.Request(c.Request().Context(), req.Method, params)
	if err != nil {
		code := aaerr.CodeOf(err)
		message := err.Error()
		if code == aaerr.InternalError {
			a.logger.Error("provider call failed", "method", req.Method, "error", err)
			message = "An unexpected error occurred"
		}
		return c.JSON(http.StatusOK, failure(req.ID, rpcCode(code), message, string(code)))
	}

	return c.JSON(http.StatusOK, rpcSuccess{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func failure(id any, code int, message, gatewayCode string) rpcFailure {
	e := &jsonrpc.Error{Code: code, Message: message}
	if gatewayCode != "" {
		e.Data = map[string]string{"code": gatewayCode}
	}
	return rpcFailure{JSONRPC: "2.0", ID: id, Error: e}
}

func rpcCode(code aaerr.ErrorCode) int {
	switch code {
	case aaerr.UnsupportedMethod:
		return jsonrpc.CodeMethodNotFound
	case aaerr.ValidationError, aaerr.InvalidHash, aaerr.InvalidChain:
		return jsonrpc.CodeInvalidParams
	case aaerr.SponsorshipDenied, aaerr.PaymasterError, aaerr.BundlerError:
		return -32000
	}
	return jsonrpc.CodeInternalError
}
