// Package bundler submits signed UserOperations to an ERC-4337 bundler and
// reads back their settlement. The bundler RPC is stateless; this client
// keeps no record of what it submitted.
package bundler

import (
	"context"
	"errors"
	"fmt"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"

	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/aaerr"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/codec"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-gateway/pkg/jsonrpc"
	"github.com/AvaProtocol/userop-gateway/pkg/logger"
)

const (
	MethodSendUserOperation       = "eth_sendUserOperation"
	MethodGetUserOperationReceipt = "eth_getUserOperationReceipt"
	MethodGetUserOperationByHash  = "eth_getUserOperationByHash"
)

// BundlerClient defines a client for interacting with an EIP-4337 bundler RPC endpoint.
type BundlerClient struct {
	rpc        *jsonrpc.Client
	entryPoint common.Address
	logger     sdklogging.Logger
}

// NewBundlerClient wraps rpc. Every operation is submitted against
// entryPoint.
func NewBundlerClient(rpc *jsonrpc.Client, entryPoint common.Address, log sdklogging.Logger) *BundlerClient {
	return &BundlerClient{
		rpc:        rpc,
		entryPoint: entryPoint,
		logger:     logger.EnsureLogger(log),
	}
}

func (bc *BundlerClient) EntryPoint() common.Address {
	return bc.entryPoint
}

// SendUserOperation submits a signed operation and returns the hash the
// bundler assigned to it, unchanged. The operation must be complete; an
// incomplete one fails with ValidationError before any request is made.
func (bc *BundlerClient) SendUserOperation(ctx context.Context, op *userop.UserOperation) (string, error) {
	if op == nil {
		return "", aaerr.NewValidationError("userOp", "required")
	}
	if err := op.Validate(userop.Full); err != nil {
		return "", err
	}

	raw, err := bc.rpc.Call(ctx, MethodSendUserOperation, op.Wire(), bc.entryPoint.Hex())
	if err != nil {
		bc.logger.Warn("eth_sendUserOperation failed", "sender", op.Sender.Hex(), "nonce", op.Nonce, "error", err)
		return "", upstreamError(err)
	}

	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil || hash == "" {
		return "", aaerr.New(aaerr.BundlerError, fmt.Sprintf("Bundler error: unexpected eth_sendUserOperation result %s", string(raw)))
	}

	bc.logger.Info("user operation submitted", "sender", op.Sender.Hex(), "nonce", op.Nonce, "userOpHash", hash)
	return hash, nil
}

// GetUserOperationReceipt returns nil, nil while the operation is pending.
func (bc *BundlerClient) GetUserOperationReceipt(ctx context.Context, hash string) (*userop.Receipt, error) {
	raw, err := bc.rpc.Call(ctx, MethodGetUserOperationReceipt, hash)
	if err != nil {
		return nil, upstreamError(err)
	}
	if raw == nil {
		return nil, nil
	}

	wire, err := codec.Unmarshal(raw)
	if err != nil {
		return nil, malformed(MethodGetUserOperationReceipt, err)
	}
	receipt, err := userop.ParseReceipt(wire)
	if err != nil {
		return nil, malformed(MethodGetUserOperationReceipt, err)
	}
	return receipt, nil
}

// GetUserOperationByHash returns nil, nil when the bundler does not know the
// hash.
func (bc *BundlerClient) GetUserOperationByHash(ctx context.Context, hash string) (*userop.OperationInfo, error) {
	raw, err := bc.rpc.Call(ctx, MethodGetUserOperationByHash, hash)
	if err != nil {
		return nil, upstreamError(err)
	}
	if raw == nil {
		return nil, nil
	}

	wire, err := codec.Unmarshal(raw)
	if err != nil {
		return nil, malformed(MethodGetUserOperationByHash, err)
	}
	info, err := userop.ParseOperationInfo(wire)
	if err != nil {
		return nil, malformed(MethodGetUserOperationByHash, err)
	}
	return info, nil
}

func malformed(method string, err error) error {
	return aaerr.Wrap(aaerr.BundlerError, err, fmt.Sprintf("Bundler error: malformed %s result: %v", method, err))
}

func upstreamError(err error) error {
	var httpErr *jsonrpc.HTTPError
	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &httpErr):
		return aaerr.Wrap(aaerr.BundlerError, err, fmt.Sprintf("Bundler request failed: %s", httpErr.Error()))
	case errors.As(err, &rpcErr):
		// the gateway's own /rpc endpoint reports its error code in data
		if data, ok := rpcErr.Data.(map[string]any); ok {
			if code, ok := data["code"].(string); ok && aaerr.Known(aaerr.ErrorCode(code)) {
				return aaerr.Wrap(aaerr.ErrorCode(code), err, rpcErr.Message)
			}
		}
		return aaerr.Wrap(aaerr.BundlerError, err, fmt.Sprintf("Bundler error: %s", rpcErr.Message))
	}
	return aaerr.Wrap(aaerr.BundlerError, err, fmt.Sprintf("Bundler request failed: %v", err))
}
