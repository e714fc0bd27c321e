package escrow

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"build-earn/domain"
	"build-earn/ledger"
)

// BalanceKey is the contract storage key holding the claimable balance.
const BalanceKey = "Balance"

// Contract storage field names of the claimable balance record.
const (
	fieldToken     = "token"
	fieldAmount    = "amount"
	fieldClaimants = "claimants"
	fieldTimeBound = "time_bound"
)

// EncodeTimeBound converts a time bound into the contract's representation,
// a two element vector of the kind symbol and the timestamp.
func EncodeTimeBound(tb domain.TimeBound) (ledger.Value, error) {
	if err := tb.Validate(); err != nil {
		return ledger.Value{}, err
	}
	return ledger.Vec(ledger.Symbol(string(tb.Kind)), ledger.U64(tb.Timestamp)), nil
}

// DecodeTimeBound is the inverse of EncodeTimeBound.
func DecodeTimeBound(v ledger.Value) (domain.TimeBound, error) {
	items, err := v.Items()
	if err != nil {
		return domain.TimeBound{}, decodeErr("time bound", err)
	}
	if len(items) != 2 {
		return domain.TimeBound{}, decodeErr("time bound", fmt.Errorf("expected 2 elements, got %d", len(items)))
	}
	kind, err := items[0].Sym()
	if err != nil {
		return domain.TimeBound{}, decodeErr("time bound kind", err)
	}
	ts, err := items[1].Uint64()
	if err != nil {
		return domain.TimeBound{}, decodeErr("time bound timestamp", err)
	}
	tb := domain.TimeBound{Kind: domain.TimeBoundKind(kind), Timestamp: ts}
	if err := tb.Validate(); err != nil {
		return domain.TimeBound{}, decodeErr("time bound kind", err)
	}
	return tb, nil
}

// DecodeBalance maps the stored contract record onto a ClaimableBalance.
// Fields are looked up by name so the record's field order does not matter.
func DecodeBalance(v ledger.Value) (*domain.ClaimableBalance, error) {
	if v.Kind() != ledger.KindMap {
		return nil, decodeErr("balance", fmt.Errorf("expected map, got %s", v.Kind()))
	}
	field := func(name string) (ledger.Value, error) {
		f, ok := v.Field(name)
		if !ok {
			return ledger.Value{}, decodeErr("balance", fmt.Errorf("missing field %q", name))
		}
		return f, nil
	}

	tokenVal, err := field(fieldToken)
	if err != nil {
		return nil, err
	}
	token, err := tokenVal.Address()
	if err != nil {
		return nil, decodeErr("balance token", err)
	}

	amountVal, err := field(fieldAmount)
	if err != nil {
		return nil, err
	}
	amount, err := amountVal.Int128()
	if err != nil {
		return nil, decodeErr("balance amount", err)
	}

	claimantsVal, err := field(fieldClaimants)
	if err != nil {
		return nil, err
	}
	items, err := claimantsVal.Items()
	if err != nil {
		return nil, decodeErr("balance claimants", err)
	}
	claimants := make([]string, 0, len(items))
	for i, it := range items {
		addr, err := it.Address()
		if err != nil {
			return nil, decodeErr(fmt.Sprintf("balance claimant %d", i), err)
		}
		claimants = append(claimants, addr)
	}

	tbVal, err := field(fieldTimeBound)
	if err != nil {
		return nil, err
	}
	tb, err := DecodeTimeBound(tbVal)
	if err != nil {
		return nil, err
	}

	return &domain.ClaimableBalance{
		Token:     token,
		Amount:    amount,
		Claimants: claimants,
		TimeBound: tb,
	}, nil
}

// EncodeBalance builds the contract record for b. The ledger writes this
// record itself; the encoder exists for fakes and round trip checks.
func EncodeBalance(b domain.ClaimableBalance) (ledger.Value, error) {
	tb, err := EncodeTimeBound(b.TimeBound)
	if err != nil {
		return ledger.Value{}, err
	}
	token, amount, claimants, err := encodeBalanceParts(b.Token, b.Amount, b.Claimants)
	if err != nil {
		return ledger.Value{}, err
	}
	return ledger.Map(
		ledger.MapEntry{Key: ledger.Symbol(fieldToken), Val: token},
		ledger.MapEntry{Key: ledger.Symbol(fieldAmount), Val: amount},
		ledger.MapEntry{Key: ledger.Symbol(fieldClaimants), Val: claimants},
		ledger.MapEntry{Key: ledger.Symbol(fieldTimeBound), Val: tb},
	), nil
}

// EncodeDepositArgs builds the positional arguments of the contract's
// deposit entry point: from, token, amount, claimants, time bound.
func EncodeDepositArgs(from string, req DepositRequest) ([]ledger.Value, error) {
	fromVal, err := ledger.AddressValue(from)
	if err != nil {
		return nil, fmt.Errorf("%w: from: %v", domain.ErrInvalidInput, err)
	}
	token, amount, claimants, err := encodeBalanceParts(req.Token, req.Amount, req.Claimants)
	if err != nil {
		return nil, err
	}
	tb, err := EncodeTimeBound(req.TimeBound)
	if err != nil {
		return nil, err
	}
	return []ledger.Value{fromVal, token, amount, claimants, tb}, nil
}

func encodeBalanceParts(token string, amount *big.Int, claimants []string) (ledger.Value, ledger.Value, ledger.Value, error) {
	var none ledger.Value
	tokenVal, err := ledger.AddressValue(token)
	if err != nil {
		return none, none, none, fmt.Errorf("%w: token: %v", domain.ErrInvalidInput, err)
	}
	amountVal, err := ledger.I128(amount)
	if err != nil {
		return none, none, none, fmt.Errorf("%w: amount: %v", domain.ErrInvalidInput, err)
	}
	items := make([]ledger.Value, 0, len(claimants))
	for _, c := range claimants {
		v, err := ledger.AddressValue(c)
		if err != nil {
			return none, none, none, fmt.Errorf("%w: claimant %q: %v", domain.ErrInvalidInput, c, err)
		}
		items = append(items, v)
	}
	return tokenVal, amountVal, ledger.Vec(items...), nil
}

// ScaleAmount converts a human readable reward into the token's smallest unit.
func ScaleAmount(reward decimal.Decimal, decimals int32) (*big.Int, error) {
	if !reward.IsPositive() {
		return nil, fmt.Errorf("%w: reward must be positive, got %s", domain.ErrInvalidInput, reward)
	}
	scaled := reward.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: reward %s has more than %d decimal places", domain.ErrInvalidInput, reward, decimals)
	}
	amount := scaled.BigInt()
	if amount.BitLen() > 127 {
		return nil, fmt.Errorf("%w: reward %s overflows i128", domain.ErrInvalidInput, reward)
	}
	return amount, nil
}

func decodeErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrDecodeFailure, what, err)
}
