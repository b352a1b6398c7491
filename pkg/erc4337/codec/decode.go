package codec

import (
	"fmt"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mitchellh/mapstructure"
)

var (
	addressType = reflect.TypeOf(common.Address{})
	hashType    = reflect.TypeOf(common.Hash{})
	bytesType   = reflect.TypeOf(hexutil.Bytes{})
	bigIntType  = reflect.TypeOf(big.Int{})
)

// Decode runs FromWire over wire and then maps the result onto out, which
// must be a pointer to a struct tagged with `json` names. Hex strings are
// decoded into common.Address, common.Hash and hexutil.Bytes fields;
// allow-listed quantities land in *big.Int fields. Keys missing from wire
// leave their field untouched.
func Decode(wire any, out any) error {
	decoded, err := FromWire(wire)
	if err != nil {
		return err
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "json",
		Result:     out,
		DecodeHook: wireDecodeHook,
	})
	if err != nil {
		return err
	}

	return decoder.Decode(decoded)
}

// DecodeJSON is Unmarshal followed by Decode.
func DecodeJSON(data []byte, out any) error {
	wire, err := Unmarshal(data)
	if err != nil {
		return err
	}
	return Decode(wire, out)
}

func wireDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	switch to {
	case addressType:
		s, ok := data.(string)
		if !ok {
			return data, nil
		}
		if !common.IsHexAddress(s) || !has0xPrefix(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	case hashType:
		s, ok := data.(string)
		if !ok {
			return data, nil
		}
		b, err := hexutil.Decode(s)
		if err != nil || len(b) != common.HashLength {
			return nil, fmt.Errorf("invalid 32 byte hash %q", s)
		}
		return common.BytesToHash(b), nil
	case bytesType:
		s, ok := data.(string)
		if !ok {
			return data, nil
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data %q: %w", s, err)
		}
		return hexutil.Bytes(b), nil
	case bigIntType:
		if n, ok := data.(*big.Int); ok {
			return n, nil
		}
	}
	return data, nil
}
