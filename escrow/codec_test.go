package escrow

import (
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"build-earn/domain"
	"build-earn/ledger"
)

func TestTimeBoundRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		kind := rapid.SampledFrom([]domain.TimeBoundKind{domain.Before, domain.After}).Draw(t, "kind")
		ts := rapid.Uint64().Draw(t, "timestamp")
		in := domain.TimeBound{Kind: kind, Timestamp: ts}

		v, err := EncodeTimeBound(in)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		out, err := DecodeTimeBound(v)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out != in {
			t.Fatalf("expected %+v, got %+v", in, out)
		}
	})
}

func TestEncodeTimeBoundRejectsUnknownKind(t *testing.T) {
	if _, err := EncodeTimeBound(domain.TimeBound{Kind: "Whenever"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func testBalance(t *testing.T) domain.ClaimableBalance {
	t.Helper()
	claimant, _ := ledger.RandomKeypair()
	var key [32]byte
	key[0] = 9
	return domain.ClaimableBalance{
		Token:     ledger.ContractAddressFromKey(key),
		Amount:    big.NewInt(1_000_000_000),
		Claimants: []string{claimant.Address()},
		TimeBound: domain.TimeBound{Kind: domain.After, Timestamp: 1_700_000_000},
	}
}

func TestDecodeBalanceRoundTrip(t *testing.T) {
	in := testBalance(t)
	v, err := EncodeBalance(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeBalance(v)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Token != in.Token || out.Amount.Cmp(in.Amount) != 0 || out.TimeBound != in.TimeBound {
		t.Fatalf("unexpected balance %+v", out)
	}
	if len(out.Claimants) != 1 || !out.HasClaimant(in.Claimants[0]) {
		t.Fatalf("unexpected claimants %v", out.Claimants)
	}
}

func TestDecodeBalanceIgnoresFieldOrder(t *testing.T) {
	in := testBalance(t)
	v, _ := EncodeBalance(in)
	entries, _ := v.Entries()
	reversed := make([]ledger.MapEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		reversed = append(reversed, entries[i])
	}
	out, err := DecodeBalance(ledger.Map(reversed...))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TimeBound != in.TimeBound {
		t.Fatalf("unexpected time bound %+v", out.TimeBound)
	}
}

func TestDecodeBalanceMalformed(t *testing.T) {
	good, _ := EncodeBalance(testBalance(t))
	entries, _ := good.Entries()

	replace := func(name string, val ledger.Value) ledger.Value {
		out := make([]ledger.MapEntry, 0, len(entries))
		for _, e := range entries {
			if sym, _ := e.Key.Sym(); sym == name {
				e.Val = val
			}
			out = append(out, e)
		}
		return ledger.Map(out...)
	}

	cases := map[string]ledger.Value{
		"not a map":       ledger.Vec(),
		"missing fields":  ledger.Map(entries[:2]...),
		"amount type":     replace("amount", ledger.U64(5)),
		"claimant type":   replace("claimants", ledger.Vec(ledger.Symbol("U1"))),
		"bound arity":     replace("time_bound", ledger.Vec(ledger.Symbol("After"))),
		"bound kind":      replace("time_bound", ledger.Vec(ledger.Symbol("Later"), ledger.U64(1))),
		"bound timestamp": replace("time_bound", ledger.Vec(ledger.Symbol("After"), ledger.Symbol("now"))),
	}
	for name, v := range cases {
		if _, err := DecodeBalance(v); !errors.Is(err, domain.ErrDecodeFailure) {
			t.Fatalf("%s: expected ErrDecodeFailure, got %v", name, err)
		}
	}
}

func TestScaleAmount(t *testing.T) {
	got, err := ScaleAmount(decimal.RequireFromString("100"), 7)
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	if got.Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Fatalf("expected 1000000000, got %s", got)
	}
	got, err = ScaleAmount(decimal.RequireFromString("0.5"), 7)
	if err != nil || got.Int64() != 5_000_000 {
		t.Fatalf("unexpected fractional scaling %v %v", got, err)
	}

	for _, in := range []string{"0", "-1", "0.00000001"} {
		if _, err := ScaleAmount(decimal.RequireFromString(in), 7); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", in, err)
		}
	}
}

func TestEncodeDepositArgsOrder(t *testing.T) {
	b := testBalance(t)
	payer, _ := ledger.RandomKeypair()
	args, err := EncodeDepositArgs(payer.Address(), DepositRequest{
		Token:     b.Token,
		Amount:    b.Amount,
		Claimants: b.Claimants,
		TimeBound: b.TimeBound,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(args) != 5 {
		t.Fatalf("expected 5 arguments, got %d", len(args))
	}
	if from, err := args[0].Address(); err != nil || from != payer.Address() {
		t.Fatalf("unexpected from %q %v", from, err)
	}
	if token, err := args[1].Address(); err != nil || token != b.Token {
		t.Fatalf("unexpected token %q %v", token, err)
	}
	if amount, err := args[2].Int128(); err != nil || amount.Cmp(b.Amount) != 0 {
		t.Fatalf("unexpected amount %v %v", amount, err)
	}
	if items, err := args[3].Items(); err != nil || len(items) != 1 {
		t.Fatalf("unexpected claimants %v %v", items, err)
	}
	if tb, err := DecodeTimeBound(args[4]); err != nil || tb != b.TimeBound {
		t.Fatalf("unexpected time bound %+v %v", tb, err)
	}

	if _, err := EncodeDepositArgs("GBOGUS", DepositRequest{Token: b.Token, Amount: b.Amount, Claimants: b.Claimants, TimeBound: b.TimeBound}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
