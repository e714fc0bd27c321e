package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/stellar/go/network"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
)

// DefaultFee is the base fee, in stroops, attached to contract invocations.
const DefaultFee uint32 = 100

// DefaultTxTimeout bounds how long a built transaction stays valid.
const DefaultTxTimeout = 30 * time.Second

// Invocation calls a contract entry point.
type Invocation struct {
	Contract string
	Function string
	Args     []Value
}

func (inv Invocation) hostFunction() (xdr.HostFunction, error) {
	contract, err := ParseAddress(inv.Contract)
	if err != nil {
		return xdr.HostFunction{}, fmt.Errorf("contract id: %w", err)
	}
	if contract.Kind != ContractAddress {
		return xdr.HostFunction{}, fmt.Errorf("%w: %s is not a contract", ErrInvalidAddress, inv.Contract)
	}
	if inv.Function == "" {
		return xdr.HostFunction{}, errors.New("missing contract function")
	}
	sa, err := contract.ScAddress()
	if err != nil {
		return xdr.HostFunction{}, err
	}
	args := make([]xdr.ScVal, 0, len(inv.Args))
	for _, a := range inv.Args {
		args = append(args, a.ScVal())
	}
	return xdr.HostFunction{
		Type: xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
		InvokeContract: &xdr.InvokeContractArgs{
			ContractAddress: sa,
			FunctionName:    xdr.ScSymbol(inv.Function),
			Args:            args,
		},
	}, nil
}

func invocationFromXDR(hf xdr.HostFunction) (Invocation, error) {
	args, ok := hf.GetInvokeContract()
	if !ok {
		return Invocation{}, fmt.Errorf("unsupported host function %s", hf.Type)
	}
	contract, err := args.ContractAddress.String()
	if err != nil {
		return Invocation{}, fmt.Errorf("contract id: %w", err)
	}
	inv := Invocation{Contract: contract, Function: string(args.FunctionName)}
	for _, a := range args.Args {
		inv.Args = append(inv.Args, FromScVal(a))
	}
	return inv, nil
}

// TxParams describe a transaction to build.
type TxParams struct {
	Source    Account
	Fee       uint32
	Timeout   time.Duration
	Now       time.Time
	Memo      []byte
	Operation Invocation
}

// Simulation is the node's dry run of an unsigned transaction: the resource
// footprint and fee to attach before signing, or the contract error.
type Simulation struct {
	TransactionData string
	Auth            []string
	MinResourceFee  int64
	Error           string
	LatestLedger    uint32
}

// Transaction is a single-operation contract invocation.
type Transaction struct {
	params  TxParams
	maxTime int64
	op      txnbuild.InvokeHostFunction
	tx      *txnbuild.Transaction
}

// BuildTransaction assembles a transaction consuming the next sequence number
// of the source account. The result carries no resource footprint until
// Simulated is applied.
func BuildTransaction(p TxParams) (*Transaction, error) {
	if !ValidAccount(p.Source.ID) {
		return nil, fmt.Errorf("%w: source %q", ErrInvalidAddress, p.Source.ID)
	}
	if len(p.Memo) > 32 {
		return nil, errors.New("memo exceeds 32 bytes")
	}
	hf, err := p.Operation.hostFunction()
	if err != nil {
		return nil, err
	}
	if p.Fee == 0 {
		p.Fee = DefaultFee
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTxTimeout
	}
	if p.Now.IsZero() {
		p.Now = time.Now()
	}
	t := &Transaction{
		params:  p,
		maxTime: p.Now.Add(p.Timeout).Unix(),
		op:      txnbuild.InvokeHostFunction{HostFunction: hf, SourceAccount: p.Source.ID},
	}
	if err := t.build(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transaction) build() error {
	var memo txnbuild.Memo
	if len(t.params.Memo) > 0 {
		var h txnbuild.MemoHash
		copy(h[:], t.params.Memo)
		memo = h
	}
	op := t.op
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: t.params.Source.ID, Sequence: t.params.Source.Sequence},
		IncrementSequenceNum: true,
		Operations:           []txnbuild.Operation{&op},
		BaseFee:              int64(t.params.Fee),
		Memo:                 memo,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimebounds(0, t.maxTime)},
	})
	if err != nil {
		return fmt.Errorf("build transaction: %w", err)
	}
	t.tx = tx
	return nil
}

// Simulated returns a copy of t carrying the footprint, resource fee and
// authorization entries from sim.
func (t *Transaction) Simulated(sim Simulation) (*Transaction, error) {
	if sim.Error != "" {
		return nil, fmt.Errorf("simulation failed: %s", sim.Error)
	}
	var data xdr.SorobanTransactionData
	if err := xdr.SafeUnmarshalBase64(sim.TransactionData, &data); err != nil {
		return nil, fmt.Errorf("decode soroban data: %w", err)
	}
	out := &Transaction{params: t.params, maxTime: t.maxTime, op: t.op}
	out.op.Ext = xdr.TransactionExt{V: 1, SorobanData: &data}
	out.op.Auth = nil
	for i, a := range sim.Auth {
		var entry xdr.SorobanAuthorizationEntry
		if err := xdr.SafeUnmarshalBase64(a, &entry); err != nil {
			return nil, fmt.Errorf("decode auth entry %d: %w", i, err)
		}
		out.op.Auth = append(out.op.Auth, entry)
	}
	if err := out.build(); err != nil {
		return nil, err
	}
	return out, nil
}

// Unsigned encodes t for simulation.
func (t *Transaction) Unsigned() (string, error) { return t.tx.Base64() }

// Sequence is the sequence number t consumes.
func (t *Transaction) Sequence() int64 { return t.tx.SequenceNumber() }

// MaxFee is the total fee t may be charged, base plus resource fee.
func (t *Transaction) MaxFee() int64 { return t.tx.MaxFee() }

// Expiry returns the time after which the ledger will no longer include t.
func (t *Transaction) Expiry() time.Time { return time.Unix(t.maxTime, 0).UTC() }

// Hash is the hex digest signers commit to.
func (t *Transaction) Hash(passphrase string) (string, error) {
	return t.tx.HashHex(passphrase)
}

// Envelope is a signed transaction ready for submission.
type Envelope struct {
	XDR  string
	Hash string
}

// Sign produces an envelope signed by kp.
func (t *Transaction) Sign(passphrase string, kp *Keypair) (Envelope, error) {
	signed, err := t.tx.Sign(passphrase, kp.full)
	if err != nil {
		return Envelope{}, fmt.Errorf("sign transaction: %w", err)
	}
	b64, err := signed.Base64()
	if err != nil {
		return Envelope{}, fmt.Errorf("encode envelope: %w", err)
	}
	hash, err := signed.HashHex(passphrase)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{XDR: b64, Hash: hash}, nil
}

// DecodedEnvelope is the parsed form of a submitted envelope.
type DecodedEnvelope struct {
	Source      string
	Sequence    int64
	MaxTime     uint64
	Memo        []byte
	Invocation  Invocation
	SorobanData *xdr.SorobanTransactionData
	Hash        string

	digest     [32]byte
	signatures []xdr.DecoratedSignature
}

// DecodeEnvelope parses a base64 transaction envelope.
func DecodeEnvelope(b64, passphrase string) (DecodedEnvelope, error) {
	var env xdr.TransactionEnvelope
	if err := xdr.SafeUnmarshalBase64(b64, &env); err != nil {
		return DecodedEnvelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	v1, ok := env.GetV1()
	if !ok {
		return DecodedEnvelope{}, fmt.Errorf("decode envelope: unsupported type %s", env.Type)
	}
	digest, err := network.HashTransactionInEnvelope(env, passphrase)
	if err != nil {
		return DecodedEnvelope{}, fmt.Errorf("hash envelope: %w", err)
	}
	tx := v1.Tx
	if len(tx.Operations) != 1 {
		return DecodedEnvelope{}, fmt.Errorf("decode envelope: expected one operation, got %d", len(tx.Operations))
	}
	invoke, ok := tx.Operations[0].Body.GetInvokeHostFunctionOp()
	if !ok {
		return DecodedEnvelope{}, fmt.Errorf("decode envelope: unsupported operation %s", tx.Operations[0].Body.Type)
	}
	inv, err := invocationFromXDR(invoke.HostFunction)
	if err != nil {
		return DecodedEnvelope{}, err
	}
	source := tx.SourceAccount.ToAccountId()
	out := DecodedEnvelope{
		Source:      source.Address(),
		Sequence:    int64(tx.SeqNum),
		Invocation:  inv,
		SorobanData: tx.Ext.SorobanData,
		Hash:        hex.EncodeToString(digest[:]),
		digest:      digest,
		signatures:  v1.Signatures,
	}
	if tb, ok := tx.Cond.GetTimeBounds(); ok {
		out.MaxTime = uint64(tb.MaxTime)
	} else if v2, ok := tx.Cond.GetV2(); ok && v2.TimeBounds != nil {
		out.MaxTime = uint64(v2.TimeBounds.MaxTime)
	}
	if h, ok := tx.Memo.GetHash(); ok {
		out.Memo = append([]byte(nil), h[:]...)
	}
	return out, nil
}

// VerifySource checks that the envelope carries a valid signature from its
// source account.
func (d DecodedEnvelope) VerifySource() error {
	lastErr := errors.New("unsigned transaction")
	for _, s := range d.signatures {
		if err := VerifySignature(d.Source, d.digest[:], s.Signature); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
