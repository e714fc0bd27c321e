package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/stellar/go/xdr"
)

// ValueKind enumerates the contract value variants this service exchanges with
// the ledger.
type ValueKind = xdr.ScValType

const (
	KindVoid    = xdr.ScValTypeScvVoid
	KindSymbol  = xdr.ScValTypeScvSymbol
	KindU64     = xdr.ScValTypeScvU64
	KindI128    = xdr.ScValTypeScvI128
	KindAddress = xdr.ScValTypeScvAddress
	KindVec     = xdr.ScValTypeScvVec
	KindMap     = xdr.ScValTypeScvMap
)

var ErrValueType = errors.New("unexpected value type")

// Value is a contract argument or storage value.
type Value struct {
	sc xdr.ScVal
}

// MapEntry is a single key/value pair of a contract map. Order is preserved.
type MapEntry struct {
	Key Value
	Val Value
}

func Void() Value { return Value{sc: xdr.ScVal{Type: xdr.ScValTypeScvVoid}} }

func Symbol(s string) Value {
	sym := xdr.ScSymbol(s)
	return Value{sc: xdr.ScVal{Type: xdr.ScValTypeScvSymbol, Sym: &sym}}
}

func U64(v uint64) Value {
	n := xdr.Uint64(v)
	return Value{sc: xdr.ScVal{Type: xdr.ScValTypeScvU64, U64: &n}}
}

func Vec(items ...Value) Value {
	vec := make(xdr.ScVec, 0, len(items))
	for _, it := range items {
		vec = append(vec, it.sc)
	}
	p := &vec
	return Value{sc: xdr.ScVal{Type: xdr.ScValTypeScvVec, Vec: &p}}
}

func Map(entries ...MapEntry) Value {
	m := make(xdr.ScMap, 0, len(entries))
	for _, e := range entries {
		m = append(m, xdr.ScMapEntry{Key: e.Key.sc, Val: e.Val.sc})
	}
	p := &m
	return Value{sc: xdr.ScVal{Type: xdr.ScValTypeScvMap, Map: &p}}
}

// AddressValue wraps an account or contract address.
func AddressValue(addr string) (Value, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return Value{}, err
	}
	sa, err := a.ScAddress()
	if err != nil {
		return Value{}, err
	}
	return Value{sc: xdr.ScVal{Type: xdr.ScValTypeScvAddress, Address: &sa}}, nil
}

var (
	two64  = new(big.Int).Lsh(big.NewInt(1), 64)
	two128 = new(big.Int).Lsh(big.NewInt(1), 128)
	mask64 = new(big.Int).Sub(two64, big.NewInt(1))

	minI128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	maxI128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
)

// I128 wraps a signed 128-bit integer. Nil is treated as zero.
func I128(v *big.Int) (Value, error) {
	if v == nil {
		v = new(big.Int)
	}
	if v.Cmp(maxI128) > 0 || v.Cmp(minI128) < 0 {
		return Value{}, fmt.Errorf("%w: %s overflows i128", ErrValueType, v)
	}
	u := new(big.Int).Set(v)
	if u.Sign() < 0 {
		u.Add(u, two128)
	}
	lo := new(big.Int).And(u, mask64).Uint64()
	hi := new(big.Int).Rsh(u, 64).Uint64()
	parts := xdr.Int128Parts{Hi: xdr.Int64(int64(hi)), Lo: xdr.Uint64(lo)}
	return Value{sc: xdr.ScVal{Type: xdr.ScValTypeScvI128, I128: &parts}}, nil
}

// FromScVal wraps a decoded ledger value.
func FromScVal(sc xdr.ScVal) Value { return Value{sc: sc} }

// ScVal exposes the ledger representation of v.
func (v Value) ScVal() xdr.ScVal { return v.sc }

// ParseValue decodes a base64 XDR ScVal.
func ParseValue(b64 string) (Value, error) {
	var sc xdr.ScVal
	if err := xdr.SafeUnmarshalBase64(b64, &sc); err != nil {
		return Value{}, fmt.Errorf("decode value: %w", err)
	}
	return Value{sc: sc}, nil
}

// Base64 encodes v as base64 XDR.
func (v Value) Base64() (string, error) {
	return xdr.MarshalBase64(v.sc)
}

func (v Value) Kind() ValueKind { return v.sc.Type }

func (v Value) wrongKind(want ValueKind) error {
	return fmt.Errorf("%w: want %s, got %s", ErrValueType, want, v.sc.Type)
}

func (v Value) Sym() (string, error) {
	sym, ok := v.sc.GetSym()
	if !ok {
		return "", v.wrongKind(KindSymbol)
	}
	return string(sym), nil
}

func (v Value) Uint64() (uint64, error) {
	n, ok := v.sc.GetU64()
	if !ok {
		return 0, v.wrongKind(KindU64)
	}
	return uint64(n), nil
}

func (v Value) Int128() (*big.Int, error) {
	parts, ok := v.sc.GetI128()
	if !ok {
		return nil, v.wrongKind(KindI128)
	}
	out := new(big.Int).SetUint64(uint64(parts.Hi))
	out.Lsh(out, 64)
	out.Or(out, new(big.Int).SetUint64(uint64(parts.Lo)))
	if parts.Hi < 0 {
		out.Sub(out, two128)
	}
	return out, nil
}

func (v Value) Address() (string, error) {
	addr, ok := v.sc.GetAddress()
	if !ok {
		return "", v.wrongKind(KindAddress)
	}
	s, err := addr.String()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return s, nil
}

func (v Value) Items() ([]Value, error) {
	vec, ok := v.sc.GetVec()
	if !ok {
		return nil, v.wrongKind(KindVec)
	}
	if vec == nil {
		return nil, nil
	}
	out := make([]Value, 0, len(*vec))
	for _, it := range *vec {
		out = append(out, Value{sc: it})
	}
	return out, nil
}

func (v Value) Entries() ([]MapEntry, error) {
	m, ok := v.sc.GetMap()
	if !ok {
		return nil, v.wrongKind(KindMap)
	}
	if m == nil {
		return nil, nil
	}
	out := make([]MapEntry, 0, len(*m))
	for _, e := range *m {
		out = append(out, MapEntry{Key: Value{sc: e.Key}, Val: Value{sc: e.Val}})
	}
	return out, nil
}

// Field looks up a symbol keyed entry of a map value.
func (v Value) Field(name string) (Value, bool) {
	entries, err := v.Entries()
	if err != nil {
		return Value{}, false
	}
	for _, e := range entries {
		if sym, err := e.Key.Sym(); err == nil && sym == name {
			return e.Val, true
		}
	}
	return Value{}, false
}

// Equal reports deep equality.
func (v Value) Equal(o Value) bool { return v.sc.Equals(o.sc) }
