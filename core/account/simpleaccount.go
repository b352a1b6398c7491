// Package account is a reference smart account for the lifecycle
// orchestrator: an owner-key SimpleAccount v0.7 created by its factory on
// first use.
package account

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/userop-gateway/core/lifecycle"
	"github.com/AvaProtocol/userop-gateway/pkg/eip1559"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-gateway/pkg/logger"
)

var (
	// Placeholder limits sent for sponsorship. The paymaster is asked to
	// recompute them.
	DefaultCallGasLimit         = big.NewInt(100_000)
	DefaultVerificationGasLimit = big.NewInt(150_000)
	DeployVerificationGasLimit  = big.NewInt(500_000)
	DefaultPreVerificationGas   = big.NewInt(60_000)

	// DummySignature has the right length and shape for simulation and
	// never recovers to the owner.
	DummySignature = hexutil.MustDecode("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")
)

// ChainReader is the part of ethclient.Client the account reads.
type ChainReader interface {
	eip1559.FeeSource
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type Config struct {
	Factory    common.Address
	EntryPoint common.Address
	ChainID    uint64
	Salt       *big.Int
}

type SimpleAccount struct {
	client ChainReader
	owner  *ecdsa.PrivateKey
	config Config
	logger sdklogging.Logger

	sender *common.Address
}

var _ lifecycle.Account = (*SimpleAccount)(nil)

func NewSimpleAccount(client ChainReader, ownerKeyHex string, config Config, log sdklogging.Logger) (*SimpleAccount, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(ownerKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid owner key: %w", err)
	}
	if config.Salt == nil {
		config.Salt = new(big.Int)
	}
	return &SimpleAccount{
		client: client,
		owner:  key,
		config: config,
		logger: logger.EnsureLogger(log),
	}, nil
}

func (a *SimpleAccount) Owner() common.Address {
	return crypto.PubkeyToAddress(a.owner.PublicKey)
}

// Address returns the counterfactual sender from the factory. It is the same
// before and after deployment, so it is looked up once.
func (a *SimpleAccount) Address(ctx context.Context) (common.Address, error) {
	if a.sender != nil {
		return *a.sender, nil
	}

	out, err := a.call(ctx, a.config.Factory, "getAddress", factoryABI, a.Owner(), a.config.Salt)
	if err != nil {
		return common.Address{}, fmt.Errorf("cannot get sender address from factory %s: %w", a.config.Factory.Hex(), err)
	}
	sender := out[0].(common.Address)
	a.sender = &sender
	return sender, nil
}

// Nonce reads the entry point nonce for key 0.
func (a *SimpleAccount) Nonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	out, err := a.call(ctx, a.config.EntryPoint, "getNonce", entryPointABI, sender, new(big.Int))
	if err != nil {
		return nil, fmt.Errorf("cannot get nonce: %w", err)
	}
	return out[0].(*big.Int), nil
}

func (a *SimpleAccount) call(ctx context.Context, to common.Address, method string, contract abiPacker, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	result, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return contract.Unpack(method, result)
}

type abiPacker interface {
	Pack(name string, args ...interface{}) ([]byte, error)
	Unpack(name string, data []byte) ([]interface{}, error)
}

// BuildUserOperation turns call into an unsigned operation: execute()
// calldata, the factory pairing while the sender has no code, the current
// nonce and suggested fees.
func (a *SimpleAccount) BuildUserOperation(ctx context.Context, call lifecycle.Call) (*userop.UserOperation, error) {
	sender, err := a.Address(ctx)
	if err != nil {
		return nil, err
	}

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	callData, err := simpleAccountABI.Pack("execute", call.To, value, call.Data)
	if err != nil {
		return nil, fmt.Errorf("cannot pack execute: %w", err)
	}

	code, err := a.client.CodeAt(ctx, sender, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot read code of %s: %w", sender.Hex(), err)
	}

	op := &userop.UserOperation{
		Sender:               sender,
		Deployment:           userop.AlreadyDeployed{},
		CallData:             callData,
		CallGasLimit:         new(big.Int).Set(DefaultCallGasLimit),
		VerificationGasLimit: new(big.Int).Set(DefaultVerificationGasLimit),
		PreVerificationGas:   new(big.Int).Set(DefaultPreVerificationGas),
		Signature:            append([]byte{}, DummySignature...),
	}

	if len(code) == 0 {
		factoryData, err := factoryABI.Pack("createAccount", a.Owner(), a.config.Salt)
		if err != nil {
			return nil, fmt.Errorf("cannot pack createAccount: %w", err)
		}
		op.Deployment = userop.Undeployed{Factory: a.config.Factory, FactoryData: factoryData}
		op.VerificationGasLimit = new(big.Int).Set(DeployVerificationGasLimit)
		// an undeployed account has nonce 0
		op.Nonce = new(big.Int)
	} else if op.Nonce, err = a.Nonce(ctx, sender); err != nil {
		return nil, err
	}

	if op.MaxFeePerGas, op.MaxPriorityFeePerGas, err = eip1559.SuggestFee(ctx, a.client); err != nil {
		return nil, fmt.Errorf("cannot suggest fees: %w", err)
	}

	a.logger.Debug("built user operation", "sender", sender.Hex(), "nonce", op.Nonce, "deployed", op.IsDeployed())
	return op, nil
}

// SignUserOperation signs the entry point hash of op with the owner key.
func (a *SimpleAccount) SignUserOperation(_ context.Context, op *userop.UserOperation) ([]byte, error) {
	hash, err := UserOpHash(op, a.config.EntryPoint, a.config.ChainID)
	if err != nil {
		return nil, fmt.Errorf("cannot hash user operation: %w", err)
	}
	return SignMessage(a.owner, hash.Bytes())
}
