// Package ledgertest provides an in-memory ledger running the timelock
// contract, for tests of code built on ledger.Client.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/stellar/go/xdr"

	"build-earn/ledger"
)

const TestPassphrase = "Test SDF Network ; September 2015"

// ResourceFee is the resource fee every simulation reports.
const ResourceFee = 5_000

const balanceKey = "Balance"

// Fault overrides the outcome of the next SendTransaction call.
type Fault struct {
	// Err is returned instead of a result, e.g. a timeout.
	Err error
	// Status forces the acknowledgement status (ERROR, TRY_AGAIN_LATER).
	Status ledger.SendStatus
	// Reason is reported as the error result for forced ERROR statuses.
	Reason string
	// Apply executes the transaction even though the caller sees Err or
	// Status. It models a submission that landed while the response was lost.
	Apply bool
}

// Ledger is a single-contract ledger. Transactions are applied synchronously
// on submission unless Hold is set, in which case they stay NOT_FOUND until
// Settle is called.
type Ledger struct {
	mu sync.Mutex

	passphrase string
	contractID string
	now        func() time.Time

	accounts map[string]int64
	txs      map[string]ledger.TransactionResult
	held     map[string]ledger.DecodedEnvelope
	pending  []string
	balance  *ledger.Value
	credited map[string]*big.Int
	calls    map[string]int
	faults   []Fault
	hold     bool
}

// New returns an empty ledger hosting a timelock contract at contractID.
func New(contractID string) *Ledger {
	return &Ledger{
		passphrase: TestPassphrase,
		contractID: contractID,
		now:        time.Now,
		accounts:   make(map[string]int64),
		txs:        make(map[string]ledger.TransactionResult),
		held:       make(map[string]ledger.DecodedEnvelope),
		credited:   make(map[string]*big.Int),
		calls:      make(map[string]int),
	}
}

// RandomContractID returns a fresh contract address.
func RandomContractID() string {
	kp, err := ledger.RandomKeypair()
	if err != nil {
		panic(err)
	}
	addr, _ := ledger.ParseAddress(kp.Address())
	return ledger.ContractAddressFromKey(addr.Key)
}

// Passphrase is the network passphrase transactions must be signed for.
func (l *Ledger) Passphrase() string { return l.passphrase }

// SetClock replaces the ledger clock.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// NewAccount creates a funded account and returns its keypair.
func (l *Ledger) NewAccount() *ledger.Keypair {
	kp, err := ledger.RandomKeypair()
	if err != nil {
		panic(err)
	}
	l.mu.Lock()
	l.accounts[kp.Address()] = 100
	l.mu.Unlock()
	return kp
}

// Inject queues faults consumed by subsequent SendTransaction calls.
func (l *Ledger) Inject(faults ...Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = append(l.faults, faults...)
}

// Hold defers inclusion of accepted transactions until Settle.
func (l *Ledger) Hold(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hold = on
}

// Settle applies every held transaction in the order it was admitted.
func (l *Ledger) Settle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, hash := range l.pending {
		if tx, ok := l.held[hash]; ok {
			l.txs[hash] = l.apply(tx)
			delete(l.held, hash)
		}
	}
	l.pending = nil
}

// Drop forgets held transactions as if they expired unincluded.
func (l *Ledger) Drop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.held)
	l.pending = nil
}

// Calls returns how many times method was invoked.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// TotalCalls counts every RPC made against the ledger.
func (l *Ledger) TotalCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		n += c
	}
	return n
}

// Credited returns the amount claimed by account so far.
func (l *Ledger) Credited(account string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.credited[account]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// StoreBalance overwrites the contract's stored balance, for decoding tests.
func (l *Ledger) StoreBalance(v *ledger.Value) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance = v
}

func (l *Ledger) GetAccount(_ context.Context, id string) (ledger.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["getAccount"]++
	seq, ok := l.accounts[id]
	if !ok {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return ledger.Account{ID: id, Sequence: seq}, nil
}

// SimulateTransaction dry runs the invocation against the current contract
// state. Sequence and signatures are not checked.
func (l *Ledger) SimulateTransaction(_ context.Context, txXDR string) (ledger.Simulation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["simulateTransaction"]++
	tx, err := ledger.DecodeEnvelope(txXDR, l.passphrase)
	if err != nil {
		return ledger.Simulation{}, &ledger.RPCError{Code: -32602, Message: err.Error()}
	}
	latest := uint32(len(l.txs))
	if _, err := l.execute(tx.Source, tx.Invocation); err != nil {
		return ledger.Simulation{Error: err.Error(), LatestLedger: latest}, nil
	}
	data, err := l.footprint()
	if err != nil {
		return ledger.Simulation{}, err
	}
	return ledger.Simulation{TransactionData: data, MinResourceFee: ResourceFee, LatestLedger: latest}, nil
}

func (l *Ledger) SendTransaction(_ context.Context, env ledger.Envelope) (ledger.SendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["sendTransaction"]++

	var fault *Fault
	if len(l.faults) > 0 {
		f := l.faults[0]
		l.faults = l.faults[1:]
		fault = &f
	}

	if fault == nil {
		_, res := l.admit(env)
		return res, nil
	}
	var hash string
	if fault.Apply {
		hash, _ = l.admit(env)
	} else if tx, err := ledger.DecodeEnvelope(env.XDR, l.passphrase); err == nil {
		hash = tx.Hash
	}
	if fault.Err != nil {
		return ledger.SendResult{}, fault.Err
	}
	return ledger.SendResult{Status: fault.Status, Hash: hash, ErrorResult: fault.Reason}, nil
}

func (l *Ledger) GetTransaction(_ context.Context, hash string) (ledger.TransactionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["getTransaction"]++
	if res, ok := l.txs[hash]; ok {
		return res, nil
	}
	return ledger.TransactionResult{Status: ledger.TxNotFound, Hash: hash}, nil
}

func (l *Ledger) GetContractData(_ context.Context, contractID string, key ledger.Value) (*ledger.Value, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["getContractData"]++
	if contractID != l.contractID || !key.Equal(ledger.Symbol(balanceKey)) || l.balance == nil {
		return nil, nil
	}
	v := *l.balance
	return &v, nil
}

func (l *Ledger) footprint() (string, error) {
	contract, err := ledger.ParseAddress(l.contractID)
	if err != nil {
		return "", err
	}
	sa, err := contract.ScAddress()
	if err != nil {
		return "", err
	}
	key := xdr.LedgerKey{
		Type: xdr.LedgerEntryTypeContractData,
		ContractData: &xdr.LedgerKeyContractData{
			Contract:   sa,
			Key:        ledger.Symbol(balanceKey).ScVal(),
			Durability: xdr.ContractDataDurabilityPersistent,
		},
	}
	return xdr.MarshalBase64(xdr.SorobanTransactionData{
		Resources: xdr.SorobanResources{
			Footprint:     xdr.LedgerFootprint{ReadWrite: []xdr.LedgerKey{key}},
			Instructions:  1_000_000,
			DiskReadBytes: 1_000,
			WriteBytes:    1_000,
		},
		ResourceFee: ResourceFee,
	})
}

func (l *Ledger) admit(env ledger.Envelope) (string, ledger.SendResult) {
	tx, err := ledger.DecodeEnvelope(env.XDR, l.passphrase)
	if err != nil {
		return "", ledger.SendResult{Status: ledger.SendError, ErrorResult: "txMALFORMED: " + err.Error()}
	}
	hash := tx.Hash
	if err := tx.VerifySource(); err != nil {
		return hash, ledger.SendResult{Status: ledger.SendError, Hash: hash, ErrorResult: "txBAD_AUTH: " + err.Error()}
	}
	if _, ok := l.txs[hash]; ok {
		return hash, ledger.SendResult{Status: ledger.SendDuplicate, Hash: hash}
	}
	if _, ok := l.held[hash]; ok {
		return hash, ledger.SendResult{Status: ledger.SendDuplicate, Hash: hash}
	}
	if tx.SorobanData == nil {
		return hash, ledger.SendResult{Status: ledger.SendError, Hash: hash, ErrorResult: "txSOROBAN_INVALID"}
	}
	seq, ok := l.accounts[tx.Source]
	if !ok {
		return hash, ledger.SendResult{Status: ledger.SendError, Hash: hash, ErrorResult: "txNO_ACCOUNT"}
	}
	if tx.Sequence != seq+1 {
		return hash, ledger.SendResult{Status: ledger.SendError, Hash: hash, ErrorResult: "txBAD_SEQ"}
	}
	if now := uint64(l.now().Unix()); tx.MaxTime != 0 && now > tx.MaxTime {
		return hash, ledger.SendResult{Status: ledger.SendError, Hash: hash, ErrorResult: "txTOO_LATE"}
	}
	l.accounts[tx.Source] = seq + 1
	if l.hold {
		l.held[hash] = tx
		l.pending = append(l.pending, hash)
	} else {
		l.txs[hash] = l.apply(tx)
	}
	return hash, ledger.SendResult{Status: ledger.SendPending, Hash: hash}
}

func (l *Ledger) apply(tx ledger.DecodedEnvelope) ledger.TransactionResult {
	res := ledger.TransactionResult{Hash: tx.Hash, Ledger: uint32(len(l.txs) + 1)}
	commit, err := l.execute(tx.Source, tx.Invocation)
	if err != nil {
		res.Status, res.ResultReason = ledger.TxFailed, err.Error()
		return res
	}
	commit()
	res.Status = ledger.TxSuccess
	return res
}

// execute validates inv against the contract state and returns the state
// change to commit.
func (l *Ledger) execute(source string, inv ledger.Invocation) (func(), error) {
	if inv.Contract != l.contractID {
		return nil, errors.New("contract not found")
	}
	switch inv.Function {
	case "deposit":
		return l.deposit(source, inv.Args)
	case "claim":
		return l.claim(source, inv.Args)
	default:
		return nil, fmt.Errorf("unknown function %q", inv.Function)
	}
}

func (l *Ledger) deposit(source string, args []ledger.Value) (func(), error) {
	if len(args) != 5 {
		return nil, errors.New("deposit: expected 5 arguments")
	}
	from, err := args[0].Address()
	if err != nil {
		return nil, err
	}
	if from != source {
		return nil, errors.New("deposit: from must authorize")
	}
	if l.balance != nil {
		return nil, errors.New("contract has been already initialized")
	}
	if _, err := args[1].Address(); err != nil {
		return nil, err
	}
	amount, err := args[2].Int128()
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, errors.New("deposit: amount must be positive")
	}
	claimants, err := args[3].Items()
	if err != nil {
		return nil, err
	}
	if len(claimants) == 0 || len(claimants) > 10 {
		return nil, errors.New("too many claimants")
	}
	if _, _, err := timeBoundArgs(args[4]); err != nil {
		return nil, err
	}
	bal := ledger.Map(
		ledger.MapEntry{Key: ledger.Symbol("token"), Val: args[1]},
		ledger.MapEntry{Key: ledger.Symbol("amount"), Val: args[2]},
		ledger.MapEntry{Key: ledger.Symbol("claimants"), Val: args[3]},
		ledger.MapEntry{Key: ledger.Symbol("time_bound"), Val: args[4]},
	)
	return func() { l.balance = &bal }, nil
}

func (l *Ledger) claim(source string, args []ledger.Value) (func(), error) {
	if len(args) != 1 {
		return nil, errors.New("claim: expected 1 argument")
	}
	claimant, err := args[0].Address()
	if err != nil {
		return nil, err
	}
	if claimant != source {
		return nil, errors.New("claim: claimant must authorize")
	}
	if l.balance == nil {
		return nil, errors.New("no claimable balance")
	}
	tbv, _ := l.balance.Field("time_bound")
	kind, ts, err := timeBoundArgs(tbv)
	if err != nil {
		return nil, err
	}
	now := uint64(l.now().Unix())
	if (kind == "Before" && now >= ts) || (kind == "After" && now < ts) {
		return nil, errors.New("time predicate is not fulfilled")
	}
	cv, _ := l.balance.Field("claimants")
	items, _ := cv.Items()
	allowed := false
	for _, it := range items {
		if a, err := it.Address(); err == nil && a == claimant {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, errors.New("claimant is not allowed to claim this balance")
	}
	av, _ := l.balance.Field("amount")
	amount, _ := av.Int128()
	return func() {
		if l.credited[claimant] == nil {
			l.credited[claimant] = new(big.Int)
		}
		l.credited[claimant].Add(l.credited[claimant], amount)
		l.balance = nil
	}, nil
}

func timeBoundArgs(v ledger.Value) (string, uint64, error) {
	items, err := v.Items()
	if err != nil || len(items) != 2 {
		return "", 0, errors.New("malformed time bound")
	}
	kind, err := items[0].Sym()
	if err != nil || (kind != "Before" && kind != "After") {
		return "", 0, errors.New("malformed time bound kind")
	}
	ts, err := items[1].Uint64()
	if err != nil {
		return "", 0, errors.New("malformed time bound timestamp")
	}
	return kind, ts, nil
}

var _ ledger.Client = (*Ledger)(nil)
