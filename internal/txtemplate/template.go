// Package txtemplate renders a stored action template and a triggering log
// into a ready-to-send transaction request.
package txtemplate

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxRequest is the unsigned transaction request produced by Build. Gas and
// fee fields are filled in by the chain worker's provider at submission
// time — only the fields the template actually determines are carried here.
type TxRequest struct {
	To      common.Address
	ChainID int64
	Data    []byte
}

// Template is a saved intent to call a contract function, with a parameter
// list that may embed topic{k} references resolved against a triggering log.
type Template struct {
	ChainID         int64
	ContractAddress common.Address
	ABI             abi.ABI
	Function        string
	Params          []string
}

// New parses abiJSON and validates that function exists on it. The
// per-argument count and type checks are deferred to Build, since a
// malformed template is only discovered when a log actually triggers it.
func New(chainID int64, contractAddr common.Address, abiJSON, function string, params []string) (*Template, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidABI, err)
	}
	if _, ok := parsed.Methods[function]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, function)
	}
	return &Template{
		ChainID:         chainID,
		ContractAddress: contractAddr,
		ABI:             parsed,
		Function:        function,
		Params:          params,
	}, nil
}

// Build resolves t's params against vLog, coerces them to the target
// function's ABI-declared input types, and returns the encoded call.
func (t *Template) Build(vLog types.Log) (*TxRequest, error) {
	method, ok := t.ABI.Methods[t.Function]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, t.Function)
	}
	if len(t.Params) != len(method.Inputs) {
		return nil, fmt.Errorf("%w: template has %d params, %s wants %d",
			ErrInvalidArgsCount, len(t.Params), t.Function, len(method.Inputs))
	}

	args := make([]any, len(t.Params))
	for i, slot := range t.Params {
		raw, err := resolveSlot(slot, vLog)
		if err != nil {
			return nil, err
		}
		arg, err := coerce(raw, method.Inputs[i].Type)
		if err != nil {
			return nil, err
		}
		args[i] = arg
	}

	data, err := t.ABI.Pack(t.Function, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataType, err)
	}

	return &TxRequest{
		To:      t.ContractAddress,
		ChainID: t.ChainID,
		Data:    data,
	}, nil
}

// resolveSlot substitutes a topic{k} reference with the k-th entry of
// vLog's topics (topic 0 is the event selector), or returns slot verbatim
// if it is not a topic reference.
func resolveSlot(slot string, vLog types.Log) (string, error) {
	const prefix = "topic"
	if !strings.HasPrefix(slot, prefix) || len(slot) == len(prefix) {
		return slot, nil
	}

	k, err := strconv.Atoi(slot[len(prefix):])
	if err != nil || k < 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopicMapping, slot)
	}
	if k >= len(vLog.Topics) {
		return "", fmt.Errorf("%w: %s requested, log has %d topics", ErrTopicOutOfIndex, slot, len(vLog.Topics))
	}
	return vLog.Topics[k].Hex(), nil
}

// coerce converts a resolved string argument to the Go type abi.Pack
// expects for t. Arrays, fixed-size arrays and tuples are not supported —
// the template language has no literal syntax for them.
func coerce(raw string, t abi.Type) (any, error) {
	switch t.T {
	case abi.AddressTy:
		if !isHex(raw) {
			return nil, fmt.Errorf("%w: %q is not a hex address", ErrInvalidDataType, raw)
		}
		return common.HexToAddress(raw), nil

	case abi.BoolTy:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a bool: %v", ErrInvalidDataType, raw, err)
		}
		return b, nil

	case abi.StringTy:
		return raw, nil

	case abi.BytesTy:
		b, err := decodeHexBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDataType, err)
		}
		return b, nil

	case abi.FixedBytesTy:
		b, err := decodeHexBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDataType, err)
		}
		if len(b) > t.Size {
			return nil, fmt.Errorf("%w: %d bytes does not fit bytes%d", ErrInvalidDataType, len(b), t.Size)
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil

	case abi.UintTy, abi.IntTy:
		return coerceInteger(raw, t)

	default:
		return nil, fmt.Errorf("%w: unsupported abi type %s", ErrInvalidDataType, t.String())
	}
}

// coerceInteger parses raw (decimal or 0x-hex) and returns the narrowest Go
// type abi.Pack expects for t's bit size, matching go-ethereum's own
// uint8/16/32/64 vs. *big.Int split for wider integers.
func coerceInteger(raw string, t abi.Type) (any, error) {
	bi, ok := parseBigInt(raw)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidDataType, raw)
	}

	if t.Size > 64 {
		return bi, nil
	}

	switch t.T {
	case abi.UintTy:
		switch t.Size {
		case 8:
			return uint8(bi.Uint64()), nil
		case 16:
			return uint16(bi.Uint64()), nil
		case 32:
			return uint32(bi.Uint64()), nil
		case 64:
			return bi.Uint64(), nil
		}
	case abi.IntTy:
		switch t.Size {
		case 8:
			return int8(bi.Int64()), nil
		case 16:
			return int16(bi.Int64()), nil
		case 32:
			return int32(bi.Int64()), nil
		case 64:
			return bi.Int64(), nil
		}
	}
	return bi, nil
}

func parseBigInt(raw string) (*big.Int, bool) {
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return new(big.Int).SetString(raw[2:], 16)
	}
	return new(big.Int).SetString(raw, 10)
}

func decodeHexBytes(raw string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%q is not hex: %w", raw, err)
	}
	return b, nil
}

func isHex(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
