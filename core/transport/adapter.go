// Package transport exposes the three bundler RPC methods an account
// abstraction client needs, answered by the gateway backend instead of a
// public bundler. The method set is closed: anything else is rejected.
package transport

import (
	"context"
	"fmt"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/goccy/go-json"

	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/aaerr"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/bundler"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/codec"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-gateway/pkg/logger"
)

// Backend is the gateway seen from the adapter. The in-process gateway
// service and the HTTP API client both satisfy it.
type Backend interface {
	Submit(ctx context.Context, op *userop.UserOperation, chainID uint64) (string, error)
	Status(ctx context.Context, hash string) (*userop.OperationStatus, error)
}

// Methods lists the methods the adapter answers.
var Methods = []string{
	bundler.MethodSendUserOperation,
	bundler.MethodGetUserOperationReceipt,
	bundler.MethodGetUserOperationByHash,
}

type Adapter struct {
	backend Backend
	chainID uint64
	logger  sdklogging.Logger
}

func NewAdapter(backend Backend, chainID uint64, log sdklogging.Logger) *Adapter {
	return &Adapter{backend: backend, chainID: chainID, logger: logger.EnsureLogger(log)}
}

// Request dispatches one provider call. The result is already in wire form
// and is nil for a pending receipt or an unknown hash.
func (a *Adapter) Request(ctx context.Context, method string, params []json.RawMessage) (any, error) {
	switch method {
	case bundler.MethodSendUserOperation:
		return a.sendUserOperation(ctx, params)
	case bundler.MethodGetUserOperationReceipt:
		return a.getUserOperationReceipt(ctx, params)
	case bundler.MethodGetUserOperationByHash:
		return a.getUserOperationByHash(ctx, params)
	}

	a.logger.Warn("rejected provider call", "method", method)
	return nil, aaerr.NewUnsupportedMethodError(method)
}

// sendUserOperation takes [op, entryPoint]. The entry point is accepted for
// compatibility; the backend submits against its own configured one.
func (a *Adapter) sendUserOperation(ctx context.Context, params []json.RawMessage) (any, error) {
	if len(params) < 1 {
		return nil, aaerr.NewValidationError("params", "expected [userOp, entryPoint]")
	}
	op, err := userop.ParseUserOperationJSON(params[0], userop.Full)
	if err != nil {
		return nil, err
	}
	return a.backend.Submit(ctx, op, a.chainID)
}

func (a *Adapter) getUserOperationReceipt(ctx context.Context, params []json.RawMessage) (any, error) {
	status, err := a.lookup(ctx, params)
	if err != nil || !status.Settled() {
		return nil, err
	}
	return codec.ToWire(status.Receipt), nil
}

func (a *Adapter) getUserOperationByHash(ctx context.Context, params []json.RawMessage) (any, error) {
	status, err := a.lookup(ctx, params)
	if err != nil {
		return nil, err
	}
	return codec.ToWire(status), nil
}

func (a *Adapter) lookup(ctx context.Context, params []json.RawMessage) (*userop.OperationStatus, error) {
	if len(params) < 1 {
		return nil, aaerr.NewValidationError("params", "expected [userOpHash]")
	}
	var hash string
	if err := json.Unmarshal(params[0], &hash); err != nil {
		return nil, aaerr.NewInvalidHashError(string(params[0]))
	}
	if err := userop.ValidateHash(hash); err != nil {
		return nil, err
	}

	status, err := a.backend.Status(ctx, hash)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, fmt.Errorf("backend returned no status for %s", hash)
	}
	return status, nil
}
