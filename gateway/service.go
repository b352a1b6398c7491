package gateway

import (
	"context"
	"fmt"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"
	"github.com/goccy/go-json"

	"github.com/AvaProtocol/userop-gateway/core/transport"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/aaerr"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/codec"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-gateway/pkg/logger"
)

type Paymaster interface {
	Sponsor(ctx context.Context, op *userop.UserOperation, chainID uint64) (*userop.SponsorResult, error)
}

type Bundler interface {
	SendUserOperation(ctx context.Context, op *userop.UserOperation) (string, error)
	GetUserOperationReceipt(ctx context.Context, hash string) (*userop.Receipt, error)
	GetUserOperationByHash(ctx context.Context, hash string) (*userop.OperationInfo, error)
}

// Service is the transport independent part of the gateway. The REST routes
// and the JSON-RPC adapter both call into it.
type Service struct {
	paymaster Paymaster
	bundler   Bundler
	chainID   uint64
	// settled receipts never change, so they are kept for the cache TTL
	receipts *bigcache.BigCache
	logger   sdklogging.Logger
}

var _ transport.Backend = (*Service)(nil)

// NewService wires the two upstream clients. receipts may be nil to disable
// caching.
func NewService(paymaster Paymaster, bundler Bundler, chainID uint64, receipts *bigcache.BigCache, log sdklogging.Logger) *Service {
	return &Service{
		paymaster: paymaster,
		bundler:   bundler,
		chainID:   chainID,
		receipts:  receipts,
		logger:    logger.EnsureLogger(log),
	}
}

func (s *Service) ChainID() uint64 {
	return s.chainID
}

// Sponsor asks the paymaster to sponsor op. The paymaster client owns the
// chain guard and eligibility checks.
func (s *Service) Sponsor(ctx context.Context, op *userop.UserOperation, chainID uint64) (*userop.SponsorResult, error) {
	return s.paymaster.Sponsor(ctx, op, chainID)
}

// Submit forwards a signed operation to the bundler and returns its hash.
func (s *Service) Submit(ctx context.Context, op *userop.UserOperation, chainID uint64) (string, error) {
	if chainID != s.chainID {
		return "", aaerr.NewInvalidChainError(chainID, s.chainID)
	}
	hash, err := s.bundler.SendUserOperation(ctx, op)
	if err != nil {
		return "", err
	}
	s.logger.Info("user operation submitted", "userOpHash", hash, "sender", op.Sender.Hex())
	return hash, nil
}

// Status reports the settlement state of hash. While pending, bundler
// metadata from eth_getUserOperationByHash is attached when available.
func (s *Service) Status(ctx context.Context, hash string) (*userop.OperationStatus, error) {
	if err := userop.ValidateHash(hash); err != nil {
		return nil, err
	}

	if cached := s.cachedStatus(hash); cached != nil {
		return cached, nil
	}

	receipt, err := s.bundler.GetUserOperationReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}

	status := userop.StatusFromReceipt(hash, receipt)
	if status.Settled() {
		s.cacheStatus(status)
		return status, nil
	}

	info, err := s.bundler.GetUserOperationByHash(ctx, hash)
	if err != nil {
		s.logger.Warn("cannot look up pending user operation", "userOpHash", hash, "error", err)
		return status, nil
	}
	if info != nil {
		status.EntryPoint = info.EntryPoint
		status.TransactionHash = info.TransactionHash
		status.BlockNumber = info.BlockNumber
	}
	return status, nil
}

func (s *Service) cachedStatus(hash string) *userop.OperationStatus {
	if s.receipts == nil {
		return nil
	}
	data, err := s.receipts.Get(hash)
	if err != nil {
		return nil
	}
	raw, err := codec.Unmarshal(data)
	if err != nil {
		return nil
	}
	status, err := userop.ParseOperationStatus(raw)
	if err != nil {
		s.logger.Warn("dropping unreadable cached receipt", "userOpHash", hash, "error", err)
		_ = s.receipts.Delete(hash)
		return nil
	}
	return status
}

func (s *Service) cacheStatus(status *userop.OperationStatus) {
	if s.receipts == nil {
		return
	}
	data, err := json.Marshal(codec.ToWire(status))
	if err == nil {
		err = s.receipts.Set(status.UserOpHash, data)
	}
	if err != nil {
		s.logger.Warn("cannot cache receipt", "userOpHash", status.UserOpHash, "error", fmt.Sprint(err))
	}
}
