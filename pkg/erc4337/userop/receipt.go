package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/codec"
)

// Receipt is the result of eth_getUserOperationReceipt. It exists only once
// the operation was included; Success is the outcome of the inner call and
// is false for a mined operation whose execution reverted.
type Receipt struct {
	UserOpHash    common.Hash     `json:"userOpHash"`
	EntryPoint    *common.Address `json:"entryPoint"`
	Sender        common.Address  `json:"sender"`
	Nonce         *big.Int        `json:"nonce"`
	Paymaster     *common.Address `json:"paymaster"`
	ActualGasUsed *big.Int        `json:"actualGasUsed"`
	ActualGasCost *big.Int        `json:"actualGasCost"`
	Success       bool            `json:"success"`
	Reason        string          `json:"reason"`
	Logs          []any           `json:"logs"`
	Receipt       TxReceipt       `json:"receipt"`
}

// TxReceipt is the on-chain transaction receipt nested in a Receipt.
type TxReceipt struct {
	TransactionHash common.Hash `json:"transactionHash"`
	BlockNumber     *big.Int    `json:"blockNumber"`
	BlockHash       common.Hash `json:"blockHash"`
	Logs            []any       `json:"logs"`
}

// ParseReceipt decodes the result member of eth_getUserOperationReceipt. A
// nil raw value means the operation is still pending and yields nil, nil.
func ParseReceipt(raw any) (*Receipt, error) {
	if raw == nil {
		return nil, nil
	}
	var r Receipt
	if err := codec.Decode(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// WireFields implements codec.Wirer.
func (r *Receipt) WireFields() map[string]any {
	fields := map[string]any{
		"userOpHash":    r.UserOpHash,
		"entryPoint":    r.EntryPoint,
		"sender":        r.Sender,
		"nonce":         r.Nonce,
		"paymaster":     r.Paymaster,
		"actualGasUsed": r.ActualGasUsed,
		"actualGasCost": r.ActualGasCost,
		"success":       r.Success,
		"logs":          emptyIfNil(r.Logs),
		"receipt": map[string]any{
			"transactionHash": r.Receipt.TransactionHash,
			"blockNumber":     r.Receipt.BlockNumber,
			"blockHash":       r.Receipt.BlockHash,
			"logs":            emptyIfNil(r.Receipt.Logs),
		},
	}
	if r.Reason != "" {
		fields["reason"] = r.Reason
	}
	return fields
}

func emptyIfNil(logs []any) []any {
	if logs == nil {
		return []any{}
	}
	return logs
}

// OperationInfo is the result of eth_getUserOperationByHash. The block
// fields stay nil until the operation is included.
type OperationInfo struct {
	UserOperation   map[string]any  `json:"userOperation"`
	EntryPoint      *common.Address `json:"entryPoint"`
	TransactionHash *common.Hash    `json:"transactionHash"`
	BlockNumber     *big.Int        `json:"blockNumber"`
	BlockHash       *common.Hash    `json:"blockHash"`
}

// ParseOperationInfo decodes eth_getUserOperationByHash. Unknown hashes
// yield nil, nil.
func ParseOperationInfo(raw any) (*OperationInfo, error) {
	if raw == nil {
		return nil, nil
	}
	var info OperationInfo
	if err := codec.Decode(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// WireFields implements codec.Wirer.
func (i *OperationInfo) WireFields() map[string]any {
	fields := map[string]any{
		"entryPoint":      i.EntryPoint,
		"transactionHash": i.TransactionHash,
		"blockNumber":     i.BlockNumber,
		"blockHash":       i.BlockHash,
	}
	if i.UserOperation != nil {
		fields["userOperation"] = i.UserOperation
	}
	return fields
}
