package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/aaerr"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/codec"
)

// SponsorResult is what pm_getPaymasterData returns. Fields the paymaster
// leaves out stay nil; callers must not read them as zero.
type SponsorResult struct {
	Paymaster                     *common.Address `json:"paymaster"`
	PaymasterData                 *hexutil.Bytes  `json:"paymasterData"`
	PaymasterVerificationGasLimit *big.Int        `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *big.Int        `json:"paymasterPostOpGasLimit"`

	CallGasLimit         *big.Int `json:"callGasLimit"`
	VerificationGasLimit *big.Int `json:"verificationGasLimit"`
	PreVerificationGas   *big.Int `json:"preVerificationGas"`
}

// ParseSponsorResult decodes the result member of a paymaster response.
func ParseSponsorResult(raw any) (*SponsorResult, error) {
	var r SponsorResult
	if err := codec.Decode(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// WireFields implements codec.Wirer.
func (r *SponsorResult) WireFields() map[string]any {
	fields := map[string]any{
		"paymasterVerificationGasLimit": r.PaymasterVerificationGasLimit,
		"paymasterPostOpGasLimit":       r.PaymasterPostOpGasLimit,
		"callGasLimit":                  r.CallGasLimit,
		"verificationGasLimit":          r.VerificationGasLimit,
		"preVerificationGas":            r.PreVerificationGas,
	}
	if r.Paymaster != nil {
		fields["paymaster"] = *r.Paymaster
	}
	if r.PaymasterData != nil {
		fields["paymasterData"] = []byte(*r.PaymasterData)
	}
	return fields
}

// ApplySponsorship merges a paymaster answer into op. Recomputed gas limits
// overwrite the ones op carries; limits the paymaster did not return are
// kept. The paymaster fields are attached as one unit, so a paymaster
// address without its data and both gas limits is rejected and op is left
// unchanged.
func (op *UserOperation) ApplySponsorship(r *SponsorResult) error {
	if op == nil {
		return aaerr.NewValidationError("userOp", "no user operation to sponsor")
	}
	if r == nil {
		return aaerr.NewValidationError("sponsorship", "empty paymaster result")
	}

	var sponsorship *Sponsorship
	if r.Paymaster != nil {
		switch {
		case r.PaymasterData == nil:
			return aaerr.NewValidationError("paymasterData", "missing from paymaster result")
		case r.PaymasterVerificationGasLimit == nil:
			return aaerr.NewValidationError("paymasterVerificationGasLimit", "missing from paymaster result")
		case r.PaymasterPostOpGasLimit == nil:
			return aaerr.NewValidationError("paymasterPostOpGasLimit", "missing from paymaster result")
		}
		sponsorship = &Sponsorship{
			Paymaster:            *r.Paymaster,
			PaymasterData:        cloneBytes(*r.PaymasterData),
			VerificationGasLimit: cloneBig(r.PaymasterVerificationGasLimit),
			PostOpGasLimit:       cloneBig(r.PaymasterPostOpGasLimit),
		}
	} else if r.PaymasterData != nil || r.PaymasterVerificationGasLimit != nil || r.PaymasterPostOpGasLimit != nil {
		return aaerr.NewValidationError("paymaster", "missing from paymaster result")
	}

	if r.CallGasLimit != nil {
		op.CallGasLimit = cloneBig(r.CallGasLimit)
	}
	if r.VerificationGasLimit != nil {
		op.VerificationGasLimit = cloneBig(r.VerificationGasLimit)
	}
	if r.PreVerificationGas != nil {
		op.PreVerificationGas = cloneBig(r.PreVerificationGas)
	}
	if sponsorship != nil {
		op.Sponsorship = sponsorship
	}
	return nil
}
