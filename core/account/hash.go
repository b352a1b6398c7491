package account

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/userop"
)

var (
	abiAddress, _ = abi.NewType("address", "", nil)
	abiUint256, _ = abi.NewType("uint256", "", nil)
	abiBytes32, _ = abi.NewType("bytes32", "", nil)

	packedOpArgs = abi.Arguments{
		{Type: abiAddress}, // sender
		{Type: abiUint256}, // nonce
		{Type: abiBytes32}, // keccak(initCode)
		{Type: abiBytes32}, // keccak(callData)
		{Type: abiBytes32}, // accountGasLimits
		{Type: abiUint256}, // preVerificationGas
		{Type: abiBytes32}, // gasFees
		{Type: abiBytes32}, // keccak(paymasterAndData)
	}
	outerArgs = abi.Arguments{{Type: abiBytes32}, {Type: abiAddress}, {Type: abiUint256}}
)

// UserOpHash is the v0.7 EntryPoint getUserOpHash computed locally over the
// packed form of op.
func UserOpHash(op *userop.UserOperation, entryPoint common.Address, chainID uint64) (common.Hash, error) {
	inner, err := packedOpArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(InitCode(op)),
		crypto.Keccak256Hash(op.CallData),
		packUints(op.VerificationGasLimit, op.CallGasLimit),
		orZero(op.PreVerificationGas),
		packUints(op.MaxPriorityFeePerGas, op.MaxFeePerGas),
		crypto.Keccak256Hash(PaymasterAndData(op)),
	)
	if err != nil {
		return common.Hash{}, err
	}

	outer, err := outerArgs.Pack(crypto.Keccak256Hash(inner), entryPoint, new(big.Int).SetUint64(chainID))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(outer), nil
}

// InitCode is factory ++ factoryData, empty once the sender is deployed.
func InitCode(op *userop.UserOperation) []byte {
	d, ok := op.Deployment.(userop.Undeployed)
	if !ok {
		return nil
	}
	return append(d.Factory.Bytes(), d.FactoryData...)
}

// PaymasterAndData is paymaster ++ uint128 verification gas ++ uint128
// postOp gas ++ paymasterData.
func PaymasterAndData(op *userop.UserOperation) []byte {
	s := op.Sponsorship
	if s == nil {
		return nil
	}
	out := append([]byte{}, s.Paymaster.Bytes()...)
	out = append(out, math.U256Bytes(orZero(s.VerificationGasLimit))[16:]...)
	out = append(out, math.U256Bytes(orZero(s.PostOpGasLimit))[16:]...)
	return append(out, s.PaymasterData...)
}

// packUints puts high and low in the two uint128 halves of a word.
func packUints(high, low *big.Int) [32]byte {
	var word [32]byte
	copy(word[:16], math.U256Bytes(orZero(high))[16:])
	copy(word[16:], math.U256Bytes(orZero(low))[16:])
	return word
}

func orZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(n)
}

// SignMessage produces an EIP-191 personal signature with v in {27, 28}.
func SignMessage(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(data), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
