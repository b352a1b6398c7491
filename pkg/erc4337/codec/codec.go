// Package codec translates between the in-memory form of UserOperation
// payloads (big integers, byte strings, addresses) and their JSON-RPC wire
// form (0x-prefixed hex strings).
//
// Encoding is structural: every integer and byte string is hex-encoded
// wherever it appears. Decoding is selective: only keys listed in
// NumericFields are turned back into integers, since addresses, hashes and
// call data are hex strings too and must stay strings.
package codec

import (
	"bytes"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-json"
)

// NumericFields lists every key whose value denotes a quantity. Adding a
// numeric field to a wire type without listing it here breaks FromWire.
var NumericFields = map[string]struct{}{
	"nonce":                         {},
	"callGasLimit":                  {},
	"verificationGasLimit":          {},
	"preVerificationGas":            {},
	"maxFeePerGas":                  {},
	"maxPriorityFeePerGas":          {},
	"paymasterVerificationGasLimit": {},
	"paymasterPostOpGasLimit":       {},
	"actualGasUsed":                 {},
	"actualGasCost":                 {},
	"blockNumber":                   {},
}

// IsNumericField reports whether key is decoded into a *big.Int by FromWire.
func IsNumericField(key string) bool {
	_, ok := NumericFields[key]
	return ok
}

// Wirer is implemented by types that know their own wire field set. Nil
// values in the returned map mean "absent" and are omitted.
type Wirer interface {
	WireFields() map[string]any
}

// EncodeQuantity renders n as a minimal 0x-prefixed hex quantity. Zero is "0x0".
func EncodeQuantity(n *big.Int) string {
	return hexutil.EncodeBig(n)
}

// DecodeQuantity accepts a hex quantity ("0x1a") or a decimal digit string
// ("26"). Leading zeros are tolerated, the width is unbounded and negative
// values are rejected.
func DecodeQuantity(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty quantity")
	}

	n := new(big.Int)
	var ok bool
	if has0xPrefix(s) {
		digits := s[2:]
		if digits == "" {
			return nil, fmt.Errorf("quantity %q has no digits", s)
		}
		_, ok = n.SetString(digits, 16)
	} else {
		_, ok = n.SetString(s, 10)
	}
	if !ok {
		return nil, fmt.Errorf("invalid quantity %q", s)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("negative quantity %q", s)
	}
	return n, nil
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

// ToWire returns the wire form of v. Integers become hex quantities, byte
// strings, addresses and hashes become 0x-prefixed hex, maps and sequences
// are walked recursively and every other scalar is returned unchanged.
// Map entries whose value is nil (or a nil pointer) are dropped: absence is
// meaningful on the wire, a zero value is not absence and encodes as "0x0".
func ToWire(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case Wirer:
		if isNilPointer(t) {
			return nil
		}
		return ToWire(t.WireFields())
	case *big.Int:
		if t == nil {
			return nil
		}
		return EncodeQuantity(t)
	case big.Int:
		return EncodeQuantity(&t)
	case []byte:
		return hexutil.Encode(t)
	case hexutil.Bytes:
		return hexutil.Encode(t)
	case common.Address:
		return t.Hex()
	case *common.Address:
		if t == nil {
			return nil
		}
		return t.Hex()
	case common.Hash:
		return t.Hex()
	case *common.Hash:
		if t == nil {
			return nil
		}
		return t.Hex()
	case uint64:
		return hexutil.EncodeUint64(t)
	case uint:
		return hexutil.EncodeUint64(uint64(t))
	case uint32:
		return hexutil.EncodeUint64(uint64(t))
	case string, bool, float64, float32, json.Number:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			if w := ToWire(item); w != nil {
				out[k] = w
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = ToWire(item)
		}
		return out
	}

	return toWireReflect(v)
}

// toWireReflect handles typed maps and slices (map[string]string,
// []map[string]any, ...) that the type switch above cannot enumerate.
func toWireReflect(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return ToWire(rv.Elem().Interface())
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			if w := ToWire(iter.Value().Interface()); w != nil {
				out[iter.Key().String()] = w
			}
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = ToWire(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// FromWire is the selective inverse of ToWire. It walks v and converts the
// value of every key listed in NumericFields into a *big.Int; everything
// else is copied through untouched. The input is not modified.
func FromWire(v any) (any, error) {
	return fromWire("", v)
}

func fromWire(path string, v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			key := joinPath(path, k)
			if IsNumericField(k) {
				n, err := decodeNumeric(key, item)
				if err != nil {
					return nil, err
				}
				if n != nil {
					out[k] = n
					continue
				}
			}
			decoded, err := fromWire(key, item)
			if err != nil {
				return nil, err
			}
			out[k] = decoded
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			decoded, err := fromWire(fmt.Sprintf("%s[%d]", path, i), item)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	}
	return v, nil
}

// decodeNumeric returns nil, nil when the value is not a scalar quantity
// (null, nested object), leaving it to the generic walk.
func decodeNumeric(path string, v any) (*big.Int, error) {
	switch t := v.(type) {
	case string:
		n, err := DecodeQuantity(t)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return n, nil
	case json.Number:
		n, err := DecodeQuantity(t.String())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return n, nil
	case float64:
		if t < 0 || t != float64(int64(t)) {
			return nil, fmt.Errorf("%s: %v is not a non-negative integer", path, t)
		}
		return big.NewInt(int64(t)), nil
	case *big.Int:
		if t == nil {
			return nil, nil
		}
		return new(big.Int).Set(t), nil
	}
	return nil, nil
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// Unmarshal decodes a JSON document into generic maps and slices, keeping
// numbers as json.Number so large quantities survive.
func Unmarshal(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
