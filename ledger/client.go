package ledger

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/jrpc2"
)

// Account carries the sequence state needed to build the next transaction.
type Account struct {
	ID       string
	Sequence int64
}

// SendStatus is the ledger's immediate answer to sendTransaction.
type SendStatus string

const (
	SendPending       SendStatus = "PENDING"
	SendDuplicate     SendStatus = "DUPLICATE"
	SendTryAgainLater SendStatus = "TRY_AGAIN_LATER"
	SendError         SendStatus = "ERROR"
)

// SendResult is the submission acknowledgement.
type SendResult struct {
	Status SendStatus
	Hash   string
	// ErrorResult names the result code of a rejected submission.
	ErrorResult  string
	LatestLedger uint32
}

// TxStatus is the finality state of a submitted transaction.
type TxStatus string

const (
	TxSuccess  TxStatus = "SUCCESS"
	TxFailed   TxStatus = "FAILED"
	TxNotFound TxStatus = "NOT_FOUND"
)

// TransactionResult is the outcome reported by getTransaction.
type TransactionResult struct {
	Status TxStatus
	Hash   string
	Ledger uint32
	// ResultReason is the ledger's failure explanation for FAILED transactions.
	ResultReason string
}

// Client is the narrow RPC boundary to the ledger.
type Client interface {
	GetAccount(ctx context.Context, id string) (Account, error)
	// SimulateTransaction dry runs an unsigned transaction. Contract failures
	// are reported in Simulation.Error, not as an error return.
	SimulateTransaction(ctx context.Context, txXDR string) (Simulation, error)
	SendTransaction(ctx context.Context, env Envelope) (SendResult, error)
	GetTransaction(ctx context.Context, hash string) (TransactionResult, error)
	// GetContractData returns nil without error when no entry is stored under key.
	GetContractData(ctx context.Context, contractID string, key Value) (*Value, error)
}

var ErrAccountNotFound = errors.New("ledger account not found")

// RPCError is a JSON-RPC level error returned by the ledger node.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string { return e.Message }

func rpcError(err error) error {
	var je *jrpc2.Error
	if errors.As(err, &je) {
		return &RPCError{Code: int(je.Code), Message: je.Message}
	}
	return err
}

// Temporary reports whether err is worth retrying: network failures, timeouts,
// throttling, server side faults.
func Temporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var re *RPCError
	if errors.As(err, &re) {
		// -32603 internal error (also used for transport failures),
		// -32000..-32099 implementation defined server errors.
		return re.Code == int(jrpc2.InternalError) || (re.Code <= -32000 && re.Code >= -32099)
	}
	var ne net.Error
	return errors.As(err, &ne)
}
