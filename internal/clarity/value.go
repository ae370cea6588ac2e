// Package clarity decodes the consensus serialization of values returned by
// read-only contract calls.
package clarity

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Kind is the serialized type prefix
type Kind byte

const (
	KindInt          Kind = 0x00
	KindUint         Kind = 0x01
	KindBuffer       Kind = 0x02
	KindTrue         Kind = 0x03
	KindFalse        Kind = 0x04
	KindPrincipal    Kind = 0x05
	KindContract     Kind = 0x06
	KindResponseOk   Kind = 0x07
	KindResponseErr  Kind = 0x08
	KindNone         Kind = 0x09
	KindSome         Kind = 0x0a
	KindList         Kind = 0x0b
	KindTuple        Kind = 0x0c
	KindStringASCII  Kind = 0x0d
	KindStringUTF8   Kind = 0x0e
	maxDepth              = 32
	maxContainerSize      = 1 << 20
)

var (
	// ErrTruncated is returned when the input ends before the value does
	ErrTruncated = errors.New("clarity: truncated value")
	// ErrTooDeep is returned for values nested beyond maxDepth
	ErrTooDeep = errors.New("clarity: value nested too deeply")
)

// Principal is a standard or contract principal; Hash160 is hex encoded
type Principal struct {
	Version      byte
	Hash160      string
	ContractName string
}

// String renders the principal without c32 encoding
func (p Principal) String() string {
	s := fmt.Sprintf("%d:%s", p.Version, p.Hash160)
	if p.ContractName != "" {
		s += "." + p.ContractName
	}
	return s
}

// Value is a decoded value
type Value struct {
	Kind      Kind
	Int       *big.Int
	Bytes     []byte
	Str       string
	Inner     *Value
	List      []Value
	Tuple     map[string]Value
	Principal *Principal
}

// Decode parses a hex string with or without 0x prefix
func Decode(s string) (Value, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return Value{}, fmt.Errorf("clarity: invalid hex: %w", err)
	}
	return DecodeBytes(raw)
}

// DecodeBytes parses a serialized value and rejects trailing bytes
func DecodeBytes(raw []byte) (Value, error) {
	d := &decoder{buf: raw}
	v, err := d.value(0)
	if err != nil {
		return Value{}, err
	}
	if d.pos != len(d.buf) {
		return Value{}, fmt.Errorf("clarity: %d trailing bytes", len(d.buf)-d.pos)
	}
	return v, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, ErrTruncated
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// hint bounds a declared container length by the bytes left, since every
// element needs at least one
func (d *decoder) hint(n int) int {
	return min(n, len(d.buf)-d.pos)
}

func (d *decoder) u32() (int, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(b)
	if n > maxContainerSize {
		return 0, fmt.Errorf("clarity: length %d exceeds limit", n)
	}
	return int(n), nil
}

func (d *decoder) value(depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, ErrTooDeep
	}
	prefix, err := d.take(1)
	if err != nil {
		return Value{}, err
	}
	v := Value{Kind: Kind(prefix[0])}

	switch v.Kind {
	case KindInt, KindUint:
		b, err := d.take(16)
		if err != nil {
			return Value{}, err
		}
		v.Int = new(big.Int).SetBytes(b)
		if v.Kind == KindInt && b[0]&0x80 != 0 {
			// two's complement
			v.Int.Sub(v.Int, new(big.Int).Lsh(big.NewInt(1), 128))
		}
	case KindTrue, KindFalse, KindNone:
	case KindBuffer, KindStringASCII, KindStringUTF8:
		n, err := d.u32()
		if err != nil {
			return Value{}, err
		}
		b, err := d.take(n)
		if err != nil {
			return Value{}, err
		}
		if v.Kind == KindBuffer {
			v.Bytes = append([]byte(nil), b...)
		} else {
			if v.Kind == KindStringUTF8 && !utf8.Valid(b) {
				return Value{}, errors.New("clarity: invalid utf-8 string")
			}
			v.Str = string(b)
		}
	case KindPrincipal, KindContract:
		b, err := d.take(21)
		if err != nil {
			return Value{}, err
		}
		p := &Principal{Version: b[0], Hash160: hex.EncodeToString(b[1:])}
		if v.Kind == KindContract {
			nl, err := d.take(1)
			if err != nil {
				return Value{}, err
			}
			name, err := d.take(int(nl[0]))
			if err != nil {
				return Value{}, err
			}
			p.ContractName = string(name)
		}
		v.Principal = p
	case KindResponseOk, KindResponseErr, KindSome:
		inner, err := d.value(depth + 1)
		if err != nil {
			return Value{}, err
		}
		v.Inner = &inner
	case KindList:
		n, err := d.u32()
		if err != nil {
			return Value{}, err
		}
		for i := 0; i < n; i++ {
			item, err := d.value(depth + 1)
			if err != nil {
				return Value{}, err
			}
			v.List = append(v.List, item)
		}
	case KindTuple:
		n, err := d.u32()
		if err != nil {
			return Value{}, err
		}
		v.Tuple = make(map[string]Value, d.hint(n))
		for i := 0; i < n; i++ {
			nl, err := d.take(1)
			if err != nil {
				return Value{}, err
			}
			name, err := d.take(int(nl[0]))
			if err != nil {
				return Value{}, err
			}
			item, err := d.value(depth + 1)
			if err != nil {
				return Value{}, err
			}
			v.Tuple[string(name)] = item
		}
	default:
		return Value{}, fmt.Errorf("clarity: unknown type prefix 0x%02x", prefix[0])
	}
	return v, nil
}

// Unwrap strips (ok ...) and (some ...) wrappers
func (v Value) Unwrap() Value {
	for (v.Kind == KindResponseOk || v.Kind == KindSome) && v.Inner != nil {
		v = *v.Inner
	}
	return v
}

// IsErr reports a (err ...) response
func (v Value) IsErr() bool { return v.Kind == KindResponseErr }

// IsNone reports none, after unwrapping ok
func (v Value) IsNone() bool { return v.Unwrap().Kind == KindNone }

// AsString returns the unwrapped string value
func (v Value) AsString() (string, bool) {
	u := v.Unwrap()
	if u.Kind == KindStringASCII || u.Kind == KindStringUTF8 {
		return u.Str, true
	}
	return "", false
}

// AsUint returns the unwrapped unsigned integer value
func (v Value) AsUint() (*big.Int, bool) {
	u := v.Unwrap()
	if (u.Kind == KindUint || u.Kind == KindInt) && u.Int != nil && u.Int.Sign() >= 0 {
		return u.Int, true
	}
	return nil, false
}
