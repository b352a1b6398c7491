// Package paymaster requests gas sponsorship for UserOperations from an
// external ERC-7677 style paymaster service.
package paymaster

import (
	"context"
	"errors"
	"fmt"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/aaerr"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/codec"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-gateway/pkg/jsonrpc"
	"github.com/AvaProtocol/userop-gateway/pkg/logger"
)

const MethodGetPaymasterData = "pm_getPaymasterData"

// SponsorshipContext is the fourth pm_getPaymasterData parameter.
type SponsorshipContext struct {
	PaymasterID        string `json:"paymasterId"`
	CalculateGasLimits bool   `json:"calculateGasLimits"`
}

type Config struct {
	ChainID            uint64
	EntryPoint         common.Address
	PaymasterID        string
	CalculateGasLimits bool
}

// Outcome receives the result of every Sponsor call: "sponsored", "denied",
// "invalid_chain" or "error".
type Outcome interface {
	ObserveSponsorship(outcome string)
}

// Client is stateless apart from its configuration and may be shared by
// concurrent callers.
type Client struct {
	rpc         *jsonrpc.Client
	config      Config
	eligibility Eligibility
	outcome     Outcome
	logger      sdklogging.Logger
}

type Option func(*Client)

// WithEligibility replaces the default PermitAll policy.
func WithEligibility(e Eligibility) Option {
	return func(c *Client) {
		if e != nil {
			c.eligibility = e
		}
	}
}

func WithOutcome(o Outcome) Option {
	return func(c *Client) { c.outcome = o }
}

func NewClient(rpc *jsonrpc.Client, config Config, log sdklogging.Logger, opts ...Option) *Client {
	c := &Client{
		rpc:         rpc,
		config:      config,
		eligibility: PermitAll{},
		logger:      logger.EnsureLogger(log),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ChainID() uint64 {
	return c.config.ChainID
}

func (c *Client) observe(outcome string) {
	if c.outcome != nil {
		c.outcome.ObserveSponsorship(outcome)
	}
}

// Sponsor asks the paymaster to cover op on chainID. The chain guard and the
// eligibility policy run first and neither makes a network call. Upstream
// failures come back as PaymasterError carrying the upstream message; no
// retry is attempted.
func (c *Client) Sponsor(ctx context.Context, op *userop.UserOperation, chainID uint64) (*userop.SponsorResult, error) {
	if chainID != c.config.ChainID {
		c.observe("invalid_chain")
		return nil, aaerr.NewInvalidChainError(chainID, c.config.ChainID)
	}
	if op == nil {
		return nil, aaerr.NewValidationError("userOp", "required")
	}
	if err := op.Validate(userop.Partial); err != nil {
		return nil, err
	}

	if err := c.eligibility.Check(ctx, op, chainID); err != nil {
		var se *aaerr.StructuredError
		if errors.As(err, &se) && se.Code != aaerr.SponsorshipDenied {
			c.observe("error")
			c.logger.Error("sponsorship policy failed", "sender", op.Sender.Hex(), "error", err)
			return nil, err
		}
		c.observe("denied")
		c.logger.Info("sponsorship denied", "sender", op.Sender.Hex(), "reason", err)
		if se != nil {
			return nil, err
		}
		return nil, aaerr.Wrap(aaerr.SponsorshipDenied, err, "Not eligible for gas sponsorship: "+err.Error())
	}

	result, err := c.request(ctx, op, chainID)
	if err != nil {
		c.observe("error")
		if r, ok := c.eligibility.(Refunder); ok {
			r.Refund(context.WithoutCancel(ctx), op, chainID)
		}
		return nil, err
	}

	c.observe("sponsored")
	c.logger.Info("operation sponsored", "sender", op.Sender.Hex(), "paymaster", result.Paymaster)
	return result, nil
}

func (c *Client) request(ctx context.Context, op *userop.UserOperation, chainID uint64) (*userop.SponsorResult, error) {
	raw, err := c.rpc.Call(ctx, MethodGetPaymasterData,
		op.Wire(),
		c.config.EntryPoint.Hex(),
		hexutil.EncodeUint64(chainID),
		SponsorshipContext{
			PaymasterID:        c.config.PaymasterID,
			CalculateGasLimits: c.config.CalculateGasLimits,
		},
	)
	if err != nil {
		c.logger.Warn("paymaster request failed", "sender", op.Sender.Hex(), "error", err)
		return nil, upstreamError(err)
	}
	if raw == nil {
		return nil, aaerr.New(aaerr.PaymasterError, "Paymaster error: empty result")
	}

	wire, err := codec.Unmarshal(raw)
	if err != nil {
		return nil, aaerr.Wrap(aaerr.PaymasterError, err, fmt.Sprintf("Paymaster error: malformed result: %v", err))
	}
	result, err := userop.ParseSponsorResult(wire)
	if err != nil {
		return nil, aaerr.Wrap(aaerr.PaymasterError, err, fmt.Sprintf("Paymaster error: malformed result: %v", err))
	}
	return result, nil
}

func upstreamError(err error) error {
	var httpErr *jsonrpc.HTTPError
	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &httpErr):
		return aaerr.Wrap(aaerr.PaymasterError, err, fmt.Sprintf("Paymaster request failed: %s", httpErr.Error()))
	case errors.As(err, &rpcErr):
		return aaerr.Wrap(aaerr.PaymasterError, err, fmt.Sprintf("Paymaster error: %s", rpcErr.Message))
	}
	return aaerr.Wrap(aaerr.PaymasterError, err, fmt.Sprintf("Paymaster request failed: %v", err))
}
