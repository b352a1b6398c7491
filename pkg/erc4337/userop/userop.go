// Package userop holds the ERC-4337 v0.7 UserOperation, its settlement
// receipt and the sponsorship result a paymaster returns for it.
package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"

	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/aaerr"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/codec"
)

// Deployment tells whether the sender still has to be created by a factory.
// A nil Deployment is treated as AlreadyDeployed.
type Deployment interface {
	isDeployment()
}

// AlreadyDeployed is used when the sender already has code.
type AlreadyDeployed struct{}

// Undeployed carries the factory call that creates the sender inside the
// same operation. Factory and FactoryData only exist together.
type Undeployed struct {
	Factory     common.Address
	FactoryData []byte
}

func (AlreadyDeployed) isDeployment() {}
func (Undeployed) isDeployment()      {}

// Sponsorship is the paymaster unit attached after a successful sponsor call.
type Sponsorship struct {
	Paymaster            common.Address
	PaymasterData        []byte
	VerificationGasLimit *big.Int
	PostOpGasLimit       *big.Int
}

// UserOperation is the v0.7 unpacked form. Nil *big.Int fields are unset and
// are left out of the wire encoding; a zero value is encoded as "0x0".
type UserOperation struct {
	Sender     common.Address
	Nonce      *big.Int
	Deployment Deployment
	CallData   []byte

	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	Sponsorship *Sponsorship
	Signature   []byte
}

// IsDeployed reports whether the operation skips the factory call.
func (op *UserOperation) IsDeployed() bool {
	_, undeployed := op.Deployment.(Undeployed)
	return !undeployed
}

// WireFields implements codec.Wirer.
func (op *UserOperation) WireFields() map[string]any {
	fields := map[string]any{
		"sender":               op.Sender,
		"nonce":                op.Nonce,
		"callData":             bytesOrEmpty(op.CallData),
		"callGasLimit":         op.CallGasLimit,
		"verificationGasLimit": op.VerificationGasLimit,
		"preVerificationGas":   op.PreVerificationGas,
		"maxFeePerGas":         op.MaxFeePerGas,
		"maxPriorityFeePerGas": op.MaxPriorityFeePerGas,
		"signature":            bytesOrEmpty(op.Signature),
	}

	if d, ok := op.Deployment.(Undeployed); ok {
		fields["factory"] = d.Factory
		fields["factoryData"] = bytesOrEmpty(d.FactoryData)
	}

	if s := op.Sponsorship; s != nil {
		fields["paymaster"] = s.Paymaster
		fields["paymasterData"] = bytesOrEmpty(s.PaymasterData)
		fields["paymasterVerificationGasLimit"] = s.VerificationGasLimit
		fields["paymasterPostOpGasLimit"] = s.PostOpGasLimit
	}

	return fields
}

func bytesOrEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// Wire returns the JSON-RPC representation of op, or nil for a nil op.
func (op *UserOperation) Wire() map[string]any {
	wire, _ := codec.ToWire(op).(map[string]any)
	return wire
}

func (op *UserOperation) MarshalJSON() ([]byte, error) {
	if op == nil {
		return []byte("null"), nil
	}
	return json.Marshal(op.Wire())
}

// UnmarshalJSON accepts any shape that ParseUserOperation accepts in Partial
// mode.
func (op *UserOperation) UnmarshalJSON(data []byte) error {
	parsed, err := ParseUserOperationJSON(data, Partial)
	if err != nil {
		return err
	}
	*op = *parsed
	return nil
}

// Clone returns a deep copy, so a submitted snapshot is not affected by
// later changes to the original.
func (op *UserOperation) Clone() *UserOperation {
	if op == nil {
		return nil
	}
	out := &UserOperation{
		Sender:               op.Sender,
		Nonce:                cloneBig(op.Nonce),
		Deployment:           op.Deployment,
		CallData:             cloneBytes(op.CallData),
		CallGasLimit:         cloneBig(op.CallGasLimit),
		VerificationGasLimit: cloneBig(op.VerificationGasLimit),
		PreVerificationGas:   cloneBig(op.PreVerificationGas),
		MaxFeePerGas:         cloneBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: cloneBig(op.MaxPriorityFeePerGas),
		Signature:            cloneBytes(op.Signature),
	}
	if d, ok := op.Deployment.(Undeployed); ok {
		out.Deployment = Undeployed{Factory: d.Factory, FactoryData: cloneBytes(d.FactoryData)}
	}
	if s := op.Sponsorship; s != nil {
		out.Sponsorship = &Sponsorship{
			Paymaster:            s.Paymaster,
			PaymasterData:        cloneBytes(s.PaymasterData),
			VerificationGasLimit: cloneBig(s.VerificationGasLimit),
			PostOpGasLimit:       cloneBig(s.PostOpGasLimit),
		}
	}
	return out
}

func cloneBig(n *big.Int) *big.Int {
	if n == nil {
		return nil
	}
	return new(big.Int).Set(n)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

// Validate checks that op is complete enough for the given mode. Full mode
// is what a bundler accepts: every gas and fee field set and a signature.
func (op *UserOperation) Validate(mode Mode) error {
	if op == nil {
		return aaerr.NewValidationError("userOp", "required")
	}
	if op.Sender == (common.Address{}) {
		return aaerr.NewValidationError("sender", "required")
	}
	if d, ok := op.Deployment.(Undeployed); ok && len(d.FactoryData) == 0 {
		return aaerr.NewValidationError("factoryData", "required when factory is set")
	}
	if s := op.Sponsorship; s != nil {
		if s.VerificationGasLimit == nil {
			return aaerr.NewValidationError("paymasterVerificationGasLimit", "required when paymaster is set")
		}
		if s.PostOpGasLimit == nil {
			return aaerr.NewValidationError("paymasterPostOpGasLimit", "required when paymaster is set")
		}
	}
	if mode == Partial {
		return nil
	}

	required := []struct {
		name  string
		value *big.Int
	}{
		{"nonce", op.Nonce},
		{"callGasLimit", op.CallGasLimit},
		{"verificationGasLimit", op.VerificationGasLimit},
		{"preVerificationGas", op.PreVerificationGas},
		{"maxFeePerGas", op.MaxFeePerGas},
		{"maxPriorityFeePerGas", op.MaxPriorityFeePerGas},
	}
	for _, f := range required {
		if f.value == nil {
			return aaerr.NewValidationError(f.name, "required")
		}
	}
	if len(op.Signature) == 0 {
		return aaerr.NewValidationError("signature", "operation is not signed")
	}
	return nil
}
