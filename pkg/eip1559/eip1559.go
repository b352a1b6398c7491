package eip1559

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// FeeSource is the part of ethclient.Client the fee suggestion reads.
type FeeSource interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

var (
	// minimum tip for bundler profitability
	minTip = big.NewInt(1_000_000)
	// floor for maxFeePerGas on chains with a very low base fee
	minMaxFee = big.NewInt(10_000_000)
)

// SuggestFee returns maxFeePerGas and maxPriorityFeePerGas for a user
// operation about to be sponsored.
func SuggestFee(ctx context.Context, client FeeSource) (*big.Int, *big.Int, error) {
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	// Add 13% buffer to tip
	buffer := new(big.Int).Div(new(big.Int).Mul(tipCap, big.NewInt(13)), big.NewInt(100))
	maxPriorityFeePerGas := new(big.Int).Add(tipCap, buffer)
	if maxPriorityFeePerGas.Cmp(minTip) < 0 {
		maxPriorityFeePerGas = new(big.Int).Set(minTip)
	}

	if header.BaseFee == nil {
		// pre-London chain
		return new(big.Int).Set(maxPriorityFeePerGas), maxPriorityFeePerGas, nil
	}

	// maxFeePerGas = 2 * baseFee + tip, so the operation survives a doubling
	// of the base fee before inclusion
	maxFeePerGas := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), maxPriorityFeePerGas)
	if maxFeePerGas.Cmp(minMaxFee) < 0 {
		maxFeePerGas = new(big.Int).Set(minMaxFee)
	}
	return maxFeePerGas, maxPriorityFeePerGas, nil
}
