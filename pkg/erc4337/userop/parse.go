package userop

import (
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"

	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/aaerr"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/codec"
)

// Mode selects how much of an operation must be present.
type Mode int

const (
	// Partial is an operation sent for sponsorship: only the sender is
	// required, everything else is filled in later.
	Partial Mode = iota
	// Full is an operation ready for the bundler.
	Full
)

func (m Mode) String() string {
	if m == Full {
		return "full"
	}
	return "partial"
}

var (
	hexBytesPattern = regexp.MustCompile(`^0[xX]([0-9a-fA-F]{2})*$`)
	hashPattern     = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator with the "hexbytes" and
// "userophash" tags registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("hexbytes", func(fl validator.FieldLevel) bool {
			return hexBytesPattern.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("userophash", func(fl validator.FieldLevel) bool {
			return hashPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// fieldRules is the validator tag applied to each string field of a wire
// operation. Quantities are checked by the codec instead.
var fieldRules = map[string]string{
	"sender":        "eth_addr",
	"factory":       "eth_addr",
	"paymaster":     "eth_addr",
	"callData":      "hexbytes",
	"factoryData":   "hexbytes",
	"paymasterData": "hexbytes",
	"signature":     "hexbytes",
}

var fullRequired = []string{
	"sender",
	"nonce",
	"callData",
	"callGasLimit",
	"verificationGasLimit",
	"preVerificationGas",
	"maxFeePerGas",
	"maxPriorityFeePerGas",
	"signature",
}

type wireUserOperation struct {
	Sender                        *common.Address `json:"sender"`
	Nonce                         *big.Int        `json:"nonce"`
	Factory                       *common.Address `json:"factory"`
	FactoryData                   *hexutil.Bytes  `json:"factoryData"`
	CallData                      *hexutil.Bytes  `json:"callData"`
	CallGasLimit                  *big.Int        `json:"callGasLimit"`
	VerificationGasLimit          *big.Int        `json:"verificationGasLimit"`
	PreVerificationGas            *big.Int        `json:"preVerificationGas"`
	MaxFeePerGas                  *big.Int        `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *big.Int        `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster"`
	PaymasterData                 *hexutil.Bytes  `json:"paymasterData"`
	PaymasterVerificationGasLimit *big.Int        `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *big.Int        `json:"paymasterPostOpGasLimit"`
	Signature                     *hexutil.Bytes  `json:"signature"`
}

// ParseUserOperationJSON decodes raw JSON and hands it to ParseUserOperation.
func ParseUserOperationJSON(data []byte, mode Mode) (*UserOperation, error) {
	raw, err := codec.Unmarshal(data)
	if err != nil {
		return nil, aaerr.NewValidationError("userOp", "malformed JSON")
	}
	return ParseUserOperation(raw, mode)
}

// ParseUserOperation turns a decoded wire object into a UserOperation.
// Quantities may be hex, decimal strings or JSON numbers. Every failure is a
// ValidationError naming the offending field; nothing here touches the
// network.
func ParseUserOperation(raw any, mode Mode) (*UserOperation, error) {
	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, aaerr.NewValidationError("userOp", "must be an object")
	}

	if err := checkFieldShapes(fields, mode); err != nil {
		return nil, err
	}

	var w wireUserOperation
	if err := codec.Decode(fields, &w); err != nil {
		return nil, aaerr.NewValidationError("userOp", err.Error())
	}

	op := &UserOperation{
		Nonce:                w.Nonce,
		CallGasLimit:         w.CallGasLimit,
		VerificationGasLimit: w.VerificationGasLimit,
		PreVerificationGas:   w.PreVerificationGas,
		MaxFeePerGas:         w.MaxFeePerGas,
		MaxPriorityFeePerGas: w.MaxPriorityFeePerGas,
	}
	if w.Sender != nil {
		op.Sender = *w.Sender
	}
	if w.CallData != nil {
		op.CallData = *w.CallData
	}
	if w.Signature != nil {
		op.Signature = *w.Signature
	}

	switch {
	case w.Factory != nil && w.FactoryData != nil:
		op.Deployment = Undeployed{Factory: *w.Factory, FactoryData: *w.FactoryData}
	case w.Factory != nil:
		return nil, aaerr.NewValidationError("factoryData", "required when factory is set")
	case w.FactoryData != nil && len(*w.FactoryData) > 0:
		return nil, aaerr.NewValidationError("factory", "required when factoryData is set")
	default:
		op.Deployment = AlreadyDeployed{}
	}

	sponsorship, err := sponsorshipFromWire(&w)
	if err != nil {
		return nil, err
	}
	op.Sponsorship = sponsorship

	if err := op.Validate(mode); err != nil {
		return nil, err
	}
	return op, nil
}

// sponsorshipFromWire enforces that the paymaster fields come as a unit.
// An operation carrying none of them is unsponsored.
func sponsorshipFromWire(w *wireUserOperation) (*Sponsorship, error) {
	present := map[string]bool{
		"paymaster":                     w.Paymaster != nil,
		"paymasterData":                 w.PaymasterData != nil,
		"paymasterVerificationGasLimit": w.PaymasterVerificationGasLimit != nil,
		"paymasterPostOpGasLimit":       w.PaymasterPostOpGasLimit != nil,
	}

	var missing []string
	for name, ok := range present {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == len(present) {
		return nil, nil
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, aaerr.NewValidationError(missing[0], "paymaster fields must be set together")
	}

	return &Sponsorship{
		Paymaster:            *w.Paymaster,
		PaymasterData:        *w.PaymasterData,
		VerificationGasLimit: w.PaymasterVerificationGasLimit,
		PostOpGasLimit:       w.PaymasterPostOpGasLimit,
	}, nil
}

func checkFieldShapes(fields map[string]any, mode Mode) error {
	v := Validator()

	if mode == Full {
		for _, name := range fullRequired {
			if fields[name] == nil {
				return aaerr.NewValidationError(name, "required")
			}
		}
	} else if fields["sender"] == nil {
		return aaerr.NewValidationError("sender", "required")
	}

	for name, tag := range fieldRules {
		value, ok := fields[name]
		if !ok || value == nil {
			continue
		}
		s, isString := value.(string)
		if !isString {
			return aaerr.NewValidationError(name, "must be a hex string")
		}
		if err := v.Var(s, tag); err != nil {
			return aaerr.NewValidationError(name, describeTag(tag))
		}
	}

	for name := range codec.NumericFields {
		value, ok := fields[name]
		if !ok || value == nil {
			continue
		}
		if _, err := codec.FromWire(map[string]any{name: value}); err != nil {
			return aaerr.NewValidationError(name, fmt.Sprintf("invalid quantity %v", value))
		}
	}
	return nil
}

func describeTag(tag string) string {
	switch tag {
	case "eth_addr":
		return "must be a 0x-prefixed 20 byte address"
	case "hexbytes":
		return "must be 0x-prefixed hex with an even number of digits"
	}
	return "invalid"
}
