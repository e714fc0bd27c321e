package ledger

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	client "github.com/stellar/go/clients/rpcclient"
	protocol "github.com/stellar/go/protocols/rpc"
	"github.com/stellar/go/xdr"
)

// RPCClient talks to a ledger RPC node. Payloads are base64 XDR.
type RPCClient struct {
	rpc    *client.Client
	logger *log.Logger
}

// NewRPCClient creates a client for the node at url. A nil httpClient gets a
// client with a 30s overall timeout; per-call deadlines come from ctx.
func NewRPCClient(url string, httpClient *http.Client, logger *log.Logger) *RPCClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.New()
	}
	return &RPCClient{rpc: client.NewClient(url, httpClient), logger: logger}
}

// Close releases the underlying connection.
func (c *RPCClient) Close() error { return c.rpc.Close() }

func (c *RPCClient) observe(method string, start time.Time, err error) error {
	entry := c.logger.WithFields(log.Fields{
		"method":  method,
		"took_ms": float64(time.Since(start)) / float64(time.Millisecond),
	})
	if err != nil {
		entry.WithError(err).Debug("ledger.rpc")
		return fmt.Errorf("%s: %w", method, rpcError(err))
	}
	entry.Debug("ledger.rpc")
	return nil
}

func (c *RPCClient) ledgerEntry(ctx context.Context, method string, key xdr.LedgerKey) (*xdr.LedgerEntryData, error) {
	encoded, err := xdr.MarshalBase64(key)
	if err != nil {
		return nil, fmt.Errorf("%s: encode key: %w", method, err)
	}
	start := time.Now()
	res, err := c.rpc.GetLedgerEntries(ctx, protocol.GetLedgerEntriesRequest{Keys: []string{encoded}})
	if err := c.observe(method, start, err); err != nil {
		return nil, err
	}
	if len(res.Entries) == 0 {
		return nil, nil
	}
	var data xdr.LedgerEntryData
	if err := xdr.SafeUnmarshalBase64(res.Entries[0].DataXDR, &data); err != nil {
		return nil, fmt.Errorf("%s: decode entry: %w", method, err)
	}
	return &data, nil
}

func (c *RPCClient) GetAccount(ctx context.Context, id string) (Account, error) {
	aid, err := xdr.AddressToAccountId(id)
	if err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	key, err := aid.LedgerKey()
	if err != nil {
		return Account{}, err
	}
	data, err := c.ledgerEntry(ctx, "getAccount", key)
	if err != nil {
		return Account{}, err
	}
	if data == nil {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	acc, ok := data.GetAccount()
	if !ok {
		return Account{}, fmt.Errorf("getAccount: unexpected entry type %s", data.Type)
	}
	return Account{ID: id, Sequence: int64(acc.SeqNum)}, nil
}

func (c *RPCClient) SimulateTransaction(ctx context.Context, txXDR string) (Simulation, error) {
	start := time.Now()
	res, err := c.rpc.SimulateTransaction(ctx, protocol.SimulateTransactionRequest{Transaction: txXDR})
	if err := c.observe("simulateTransaction", start, err); err != nil {
		return Simulation{}, err
	}
	sim := Simulation{
		TransactionData: res.TransactionDataXDR,
		MinResourceFee:  res.MinResourceFee,
		Error:           res.Error,
		LatestLedger:    res.LatestLedger,
	}
	if len(res.Results) > 0 && res.Results[0].AuthXDR != nil {
		sim.Auth = *res.Results[0].AuthXDR
	}
	return sim, nil
}

func (c *RPCClient) SendTransaction(ctx context.Context, env Envelope) (SendResult, error) {
	start := time.Now()
	res, err := c.rpc.SendTransaction(ctx, protocol.SendTransactionRequest{Transaction: env.XDR})
	if err := c.observe("sendTransaction", start, err); err != nil {
		return SendResult{}, err
	}
	out := SendResult{
		Status:       SendStatus(res.Status),
		Hash:         res.Hash,
		LatestLedger: res.LatestLedger,
	}
	if res.ErrorResultXDR != "" {
		out.ErrorResult = resultReason(res.ErrorResultXDR)
	}
	return out, nil
}

func (c *RPCClient) GetTransaction(ctx context.Context, hash string) (TransactionResult, error) {
	start := time.Now()
	res, err := c.rpc.GetTransaction(ctx, protocol.GetTransactionRequest{Hash: hash})
	if err := c.observe("getTransaction", start, err); err != nil {
		return TransactionResult{}, err
	}
	out := TransactionResult{
		Status: TxStatus(res.Status),
		Hash:   hash,
		Ledger: res.Ledger,
	}
	if out.Status == TxFailed && res.ResultXDR != "" {
		out.ResultReason = resultReason(res.ResultXDR)
	}
	return out, nil
}

func (c *RPCClient) GetContractData(ctx context.Context, contractID string, key Value) (*Value, error) {
	contract, err := ParseAddress(contractID)
	if err != nil {
		return nil, err
	}
	sa, err := contract.ScAddress()
	if err != nil {
		return nil, err
	}
	data, err := c.ledgerEntry(ctx, "getContractData", xdr.LedgerKey{
		Type: xdr.LedgerEntryTypeContractData,
		ContractData: &xdr.LedgerKeyContractData{
			Contract:   sa,
			Key:        key.ScVal(),
			Durability: xdr.ContractDataDurabilityPersistent,
		},
	})
	if err != nil || data == nil {
		return nil, err
	}
	entry, ok := data.GetContractData()
	if !ok {
		return nil, fmt.Errorf("getContractData: unexpected entry type %s", data.Type)
	}
	v := FromScVal(entry.Val)
	return &v, nil
}

var resultCodeNames = map[xdr.TransactionResultCode]string{
	xdr.TransactionResultCodeTxFailed:              "txFAILED",
	xdr.TransactionResultCodeTxTooEarly:            "txTOO_EARLY",
	xdr.TransactionResultCodeTxTooLate:             "txTOO_LATE",
	xdr.TransactionResultCodeTxMissingOperation:    "txMISSING_OPERATION",
	xdr.TransactionResultCodeTxBadSeq:              "txBAD_SEQ",
	xdr.TransactionResultCodeTxBadAuth:             "txBAD_AUTH",
	xdr.TransactionResultCodeTxInsufficientBalance: "txINSUFFICIENT_BALANCE",
	xdr.TransactionResultCodeTxNoAccount:           "txNO_ACCOUNT",
	xdr.TransactionResultCodeTxInsufficientFee:     "txINSUFFICIENT_FEE",
	xdr.TransactionResultCodeTxBadAuthExtra:        "txBAD_AUTH_EXTRA",
	xdr.TransactionResultCodeTxInternalError:       "txINTERNAL_ERROR",
	xdr.TransactionResultCodeTxMalformed:           "txMALFORMED",
	xdr.TransactionResultCodeTxSorobanInvalid:      "txSOROBAN_INVALID",
}

var invokeCodeNames = map[xdr.InvokeHostFunctionResultCode]string{
	xdr.InvokeHostFunctionResultCodeInvokeHostFunctionMalformed:                 "INVOKE_HOST_FUNCTION_MALFORMED",
	xdr.InvokeHostFunctionResultCodeInvokeHostFunctionTrapped:                   "INVOKE_HOST_FUNCTION_TRAPPED",
	xdr.InvokeHostFunctionResultCodeInvokeHostFunctionResourceLimitExceeded:     "INVOKE_HOST_FUNCTION_RESOURCE_LIMIT_EXCEEDED",
	xdr.InvokeHostFunctionResultCodeInvokeHostFunctionEntryArchived:             "INVOKE_HOST_FUNCTION_ENTRY_ARCHIVED",
	xdr.InvokeHostFunctionResultCodeInvokeHostFunctionInsufficientRefundableFee: "INVOKE_HOST_FUNCTION_INSUFFICIENT_REFUNDABLE_FEE",
}

// resultReason renders a base64 TransactionResult as the ledger's result code,
// followed by the operation's code when the transaction failed.
func resultReason(b64 string) string {
	var res xdr.TransactionResult
	if err := xdr.SafeUnmarshalBase64(b64, &res); err != nil {
		return "undecodable result: " + err.Error()
	}
	name, ok := resultCodeNames[res.Result.Code]
	if !ok {
		name = res.Result.Code.String()
	}
	ops, ok := res.OperationResults()
	if !ok || len(ops) == 0 {
		return name
	}
	tr, ok := ops[0].GetTr()
	if !ok {
		return name
	}
	inv, ok := tr.GetInvokeHostFunctionResult()
	if !ok || inv.Code == xdr.InvokeHostFunctionResultCodeInvokeHostFunctionSuccess {
		return name
	}
	if op, ok := invokeCodeNames[inv.Code]; ok {
		return name + ": " + op
	}
	return name + ": " + inv.Code.String()
}
