package cmd

import (
	"fmt"
	"io"
	"math/big"

	"github.com/shopspring/decimal"

	coreconfig "github.com/AvaProtocol/userop-gateway/core/config"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/userop"
)

const etherDecimals = 18

// formatEther renders wei as a decimal ETH amount without trailing zeros.
func formatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -etherDecimals).String()
}

// parseEther reads a decimal ETH amount into wei.
func parseEther(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid ETH amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid ETH amount %q: negative", s)
	}
	wei := d.Shift(etherDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("invalid ETH amount %q: more than %d decimals", s, etherDecimals)
	}
	return wei.BigInt(), nil
}

func printStatus(w io.Writer, chainID uint64, s *userop.OperationStatus) {
	fmt.Fprintf(w, "UserOperation %s\n", s.UserOpHash)
	fmt.Fprintf(w, "  status:       %s\n", s.Status)
	if s.EntryPoint != nil {
		fmt.Fprintf(w, "  entryPoint:   %s\n", s.EntryPoint.Hex())
	}

	r := s.Receipt
	if r == nil {
		if s.TransactionHash != nil {
			fmt.Fprintf(w, "  transaction:  %s (block %v)\n", s.TransactionHash.Hex(), s.BlockNumber)
		}
		return
	}

	fmt.Fprintf(w, "  transaction:  %s\n", r.Receipt.TransactionHash.Hex())
	fmt.Fprintf(w, "  block:        %v\n", r.Receipt.BlockNumber)
	fmt.Fprintf(w, "  gas used:     %v\n", r.ActualGasUsed)
	fmt.Fprintf(w, "  gas cost:     %s ETH\n", formatEther(r.ActualGasCost))
	if r.Paymaster != nil {
		fmt.Fprintf(w, "  paymaster:    %s\n", r.Paymaster.Hex())
	}
	if !r.Success && r.Reason != "" {
		fmt.Fprintf(w, "  reason:       %s\n", r.Reason)
	}
	if url := coreconfig.TxURL(chainID, r.Receipt.TransactionHash.Hex()); url != "" {
		fmt.Fprintf(w, "  explorer:     %s\n", url)
	}
}
