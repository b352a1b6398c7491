package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/aaerr"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/codec"
)

const (
	StatusSubmitted = "submitted"
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// OperationStatus is what the gateway reports for a hash. Receipt is set
// once the operation settled; the bundler metadata fields may be set while
// it is still pending.
type OperationStatus struct {
	UserOpHash      string          `json:"userOpHash"`
	Status          string          `json:"status"`
	Receipt         *Receipt        `json:"receipt"`
	EntryPoint      *common.Address `json:"entryPoint"`
	TransactionHash *common.Hash    `json:"transactionHash"`
	BlockNumber     *big.Int        `json:"blockNumber"`
}

// StatusFromReceipt maps a receipt lookup to a status: no receipt is
// pending, otherwise the inner call outcome decides.
func StatusFromReceipt(hash string, r *Receipt) *OperationStatus {
	s := &OperationStatus{UserOpHash: hash, Status: StatusPending, Receipt: r}
	if r != nil {
		s.Status = StatusFailed
		if r.Success {
			s.Status = StatusConfirmed
		}
	}
	return s
}

// Settled reports whether a receipt exists.
func (s *OperationStatus) Settled() bool {
	return s != nil && s.Receipt != nil
}

// WireFields implements codec.Wirer.
func (s *OperationStatus) WireFields() map[string]any {
	fields := map[string]any{
		"userOpHash":      s.UserOpHash,
		"status":          s.Status,
		"entryPoint":      s.EntryPoint,
		"transactionHash": s.TransactionHash,
		"blockNumber":     s.BlockNumber,
	}
	if s.Receipt != nil {
		fields["receipt"] = s.Receipt
	}
	return fields
}

// ParseOperationStatus decodes the data member of a status response.
func ParseOperationStatus(raw any) (*OperationStatus, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, aaerr.NewValidationError("data", "must be an object")
	}

	var s OperationStatus
	receiptRaw := m["receipt"]
	rest := make(map[string]any, len(m))
	for k, v := range m {
		if k != "receipt" {
			rest[k] = v
		}
	}
	if err := codec.Decode(rest, &s); err != nil {
		return nil, err
	}

	r, err := ParseReceipt(receiptRaw)
	if err != nil {
		return nil, err
	}
	s.Receipt = r
	return &s, nil
}

// ValidateHash rejects anything but 0x followed by 64 hex digits.
func ValidateHash(hash string) error {
	if err := Validator().Var(hash, "required,userophash"); err != nil {
		return aaerr.NewInvalidHashError(hash)
	}
	return nil
}
