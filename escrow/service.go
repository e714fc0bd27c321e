package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"build-earn/domain"
	"build-earn/ledger"
)

const tracerName = "build-earn/escrow"

const (
	OpDeposit = "deposit"
	OpClaim   = "claim"
)

// Config controls how transactions are built and how long ledger calls may take.
type Config struct {
	ContractID   string
	Passphrase   string
	Fee          uint32
	TxTimeout    time.Duration
	CallTimeout  time.Duration
	PollInterval time.Duration
	AwaitTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Fee == 0 {
		c.Fee = ledger.DefaultFee
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = ledger.DefaultTxTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.AwaitTimeout <= 0 {
		c.AwaitTimeout = c.TxTimeout + 10*time.Second
	}
}

// Service builds, signs and submits timelock contract invocations. It keeps
// no session state: every prepare call fetches a fresh sequence number.
type Service struct {
	client ledger.Client
	cfg    Config
	logger *log.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the clock used for transaction time bounds.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTracer overrides the tracer used for ledger call spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

func NewService(client ledger.Client, cfg Config, logger *log.Logger, opts ...Option) (*Service, error) {
	if client == nil {
		return nil, errors.New("escrow: ledger client is nil")
	}
	if _, err := ledger.ParseAddress(cfg.ContractID); err != nil {
		return nil, fmt.Errorf("escrow: contract id: %w", err)
	}
	if cfg.Passphrase == "" {
		return nil, errors.New("escrow: network passphrase is empty")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = log.New()
	}
	s := &Service{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Prepared is a signed transaction whose hash is known before submission.
type Prepared struct {
	Op        string
	Hash      string
	Envelope  ledger.Envelope
	ExpiresAt time.Time
}

// DepositRequest describes a new claimable balance.
type DepositRequest struct {
	Token     string
	Amount    *big.Int
	Claimants []string
	TimeBound domain.TimeBound
	// Memo is attached to the transaction, at most 32 bytes.
	Memo []byte
}

func (r DepositRequest) validate() error {
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	if _, err := ledger.ParseAddress(r.Token); err != nil {
		return fmt.Errorf("%w: token: %v", domain.ErrInvalidInput, err)
	}
	if len(r.Claimants) == 0 {
		return fmt.Errorf("%w: at least one claimant is required", domain.ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(r.Claimants))
	for _, c := range r.Claimants {
		if !ledger.ValidAccount(c) {
			return fmt.Errorf("%w: claimant %q is not an account id", domain.ErrInvalidInput, c)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("%w: duplicate claimant %q", domain.ErrInvalidInput, c)
		}
		seen[c] = struct{}{}
	}
	return r.TimeBound.Validate()
}

// PrepareDeposit builds and signs a deposit by payer.
func (s *Service) PrepareDeposit(ctx context.Context, payer *ledger.Keypair, req DepositRequest) (Prepared, error) {
	if payer == nil {
		return Prepared{}, fmt.Errorf("%w: payer key is required", domain.ErrInvalidInput)
	}
	if err := req.validate(); err != nil {
		return Prepared{}, err
	}
	args, err := EncodeDepositArgs(payer.Address(), req)
	if err != nil {
		return Prepared{}, err
	}
	return s.prepare(ctx, OpDeposit, payer, args, req.Memo)
}

// PrepareClaim builds and signs a claim by claimant. Eligibility is enforced
// by the contract, not here.
func (s *Service) PrepareClaim(ctx context.Context, claimant *ledger.Keypair) (Prepared, error) {
	if claimant == nil {
		return Prepared{}, fmt.Errorf("%w: claimant key is required", domain.ErrInvalidInput)
	}
	addr, err := ledger.AddressValue(claimant.Address())
	if err != nil {
		return Prepared{}, fmt.Errorf("%w: claimant: %v", domain.ErrInvalidInput, err)
	}
	return s.prepare(ctx, OpClaim, claimant, []ledger.Value{addr}, nil)
}

func (s *Service) prepare(ctx context.Context, op string, signer *ledger.Keypair, args []ledger.Value, memo []byte) (Prepared, error) {
	ctx, span := s.tracer.Start(ctx, "escrow.prepare",
		trace.WithAttributes(attribute.String("escrow.op", op), attribute.String("ledger.source", signer.Address())))
	defer span.End()

	account, err := s.getAccount(ctx, op, signer.Address())
	if err != nil {
		recordSpanError(span, err)
		return Prepared{}, err
	}

	tx, err := ledger.BuildTransaction(ledger.TxParams{
		Source:  account,
		Fee:     s.cfg.Fee,
		Timeout: s.cfg.TxTimeout,
		Now:     s.now(),
		Memo:    memo,
		Operation: ledger.Invocation{
			Contract: s.cfg.ContractID,
			Function: op,
			Args:     args,
		},
	})
	if err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		recordSpanError(span, err)
		return Prepared{}, err
	}
	sim, err := s.simulate(ctx, op, tx)
	if err != nil {
		recordSpanError(span, err)
		return Prepared{}, err
	}
	if sim.Error != "" {
		err := domain.Rejected(op, sim.Error)
		recordSpanError(span, err)
		s.logger.WithFields(log.Fields{"op": op, "source": signer.Address(), "reason": sim.Error}).Warn("escrow.simulate.rejected")
		return Prepared{}, err
	}
	tx, err = tx.Simulated(sim)
	if err != nil {
		err = &domain.LedgerError{Op: op, Reason: err.Error(), Err: err}
		recordSpanError(span, err)
		return Prepared{}, err
	}
	env, err := tx.Sign(s.cfg.Passphrase, signer)
	if err != nil {
		recordSpanError(span, err)
		return Prepared{}, fmt.Errorf("sign %s: %w", op, err)
	}
	span.SetAttributes(
		attribute.String("ledger.tx_hash", env.Hash),
		attribute.Int64("ledger.sequence", tx.Sequence()),
		attribute.Int64("ledger.max_fee", tx.MaxFee()),
	)
	return Prepared{Op: op, Hash: env.Hash, Envelope: env, ExpiresAt: tx.Expiry()}, nil
}

// simulate dry runs tx to obtain its resource footprint. A contract refusal is
// reported in the returned Simulation, not as an error.
func (s *Service) simulate(ctx context.Context, op string, tx *ledger.Transaction) (ledger.Simulation, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.simulateTransaction")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	unsigned, err := tx.Unsigned()
	if err != nil {
		return ledger.Simulation{}, fmt.Errorf("encode %s: %w", op, err)
	}
	sim, err := s.client.SimulateTransaction(ctx, unsigned)
	if err != nil {
		err = classify(op, "", err)
		recordSpanError(span, err)
		return ledger.Simulation{}, err
	}
	span.SetAttributes(attribute.Int64("ledger.min_resource_fee", sim.MinResourceFee))
	return sim, nil
}

func (s *Service) getAccount(ctx context.Context, op, id string) (ledger.Account, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.getAccount")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	account, err := s.client.GetAccount(ctx, id)
	if err != nil {
		err = classify(op, "", err)
		recordSpanError(span, err)
		return ledger.Account{}, err
	}
	return account, nil
}

// Submit sends a prepared transaction. Acceptance means the ledger will try to
// include it, not that it has been included.
func (s *Service) Submit(ctx context.Context, p Prepared) (domain.Submission, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.sendTransaction",
		trace.WithAttributes(attribute.String("escrow.op", p.Op), attribute.String("ledger.tx_hash", p.Hash)))
	defer span.End()
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	start := s.now()
	res, err := s.client.SendTransaction(callCtx, p.Envelope)
	fields := log.Fields{"op": p.Op, "hash": p.Hash}
	if err != nil {
		err = classify(p.Op, p.Hash, err)
		recordSpanError(span, err)
		s.logger.WithFields(fields).WithError(err).Warn("escrow.submit.failed")
		return domain.Submission{}, err
	}
	fields["status"] = res.Status
	span.SetAttributes(attribute.String("ledger.send_status", string(res.Status)))
	if res.Hash != "" && res.Hash != p.Hash {
		s.logger.WithFields(fields).WithField("ledger_hash", res.Hash).Warn("escrow.submit.hash_mismatch")
	}

	switch res.Status {
	case ledger.SendPending, ledger.SendDuplicate:
		s.logger.WithFields(fields).Info("escrow.submit.accepted")
		return domain.Submission{
			Hash:        p.Hash,
			Status:      domain.SubmissionStatus(res.Status),
			SubmittedAt: start,
			ExpiresAt:   p.ExpiresAt,
		}, nil
	case ledger.SendError:
		reason := res.ErrorResult
		if reason == "" {
			reason = "transaction rejected"
		}
		le := domain.Rejected(p.Op, reason)
		le.Hash = p.Hash
		recordSpanError(span, le)
		s.logger.WithFields(fields).WithField("reason", reason).Warn("escrow.submit.rejected")
		return domain.Submission{}, le
	case ledger.SendTryAgainLater:
		le := domain.Unavailable(p.Op, errors.New("ledger asked to try again later"))
		le.Hash = p.Hash
		recordSpanError(span, le)
		s.logger.WithFields(fields).Warn("escrow.submit.throttled")
		return domain.Submission{}, le
	default:
		le := domain.Unavailable(p.Op, fmt.Errorf("unexpected send status %q", res.Status))
		le.Hash = p.Hash
		recordSpanError(span, le)
		return domain.Submission{}, le
	}
}

// Deposit prepares and submits a deposit.
func (s *Service) Deposit(ctx context.Context, payer *ledger.Keypair, req DepositRequest) (domain.Submission, error) {
	p, err := s.PrepareDeposit(ctx, payer, req)
	if err != nil {
		return domain.Submission{}, err
	}
	return s.Submit(ctx, p)
}

// Claim prepares and submits a claim.
func (s *Service) Claim(ctx context.Context, claimant *ledger.Keypair) (domain.Submission, error) {
	p, err := s.PrepareClaim(ctx, claimant)
	if err != nil {
		return domain.Submission{}, err
	}
	return s.Submit(ctx, p)
}

// TransactionStatus polls the ledger once for hash.
func (s *Service) TransactionStatus(ctx context.Context, hash string) (ledger.TransactionResult, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.getTransaction", trace.WithAttributes(attribute.String("ledger.tx_hash", hash)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	res, err := s.client.GetTransaction(ctx, hash)
	if err != nil {
		err = classify("getTransaction", hash, err)
		recordSpanError(span, err)
		return ledger.TransactionResult{}, err
	}
	span.SetAttributes(attribute.String("ledger.tx_status", string(res.Status)))
	return res, nil
}

// AwaitTransaction polls until hash reaches SUCCESS or FAILED. A FAILED
// transaction is returned without error; callers decide what it means. When
// the await timeout passes first the outcome is unknown and the error is
// retryable.
func (s *Service) AwaitTransaction(ctx context.Context, hash string) (ledger.TransactionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AwaitTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		res, err := s.TransactionStatus(ctx, hash)
		switch {
		case err == nil && (res.Status == ledger.TxSuccess || res.Status == ledger.TxFailed):
			return res, nil
		case err != nil && !domain.IsRetryable(err):
			return ledger.TransactionResult{}, err
		case err != nil:
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			le := domain.Unavailable("await", fmt.Errorf("transaction not final: %w", lastErr))
			le.Hash = hash
			return ledger.TransactionResult{Status: ledger.TxNotFound, Hash: hash}, le
		case <-ticker.C:
		}
	}
}

// ClaimableBalance reads and decodes the contract's balance record. It
// returns nil without error when no balance is stored.
func (s *Service) ClaimableBalance(ctx context.Context) (*domain.ClaimableBalance, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.getContractData")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	v, err := s.client.GetContractData(ctx, s.cfg.ContractID, ledger.Symbol(BalanceKey))
	if err != nil {
		err = classify("getContractData", "", err)
		recordSpanError(span, err)
		return nil, err
	}
	if v == nil {
		span.SetAttributes(attribute.Bool("escrow.balance_present", false))
		return nil, nil
	}
	bal, err := DecodeBalance(*v)
	if err != nil {
		recordSpanError(span, err)
		s.logger.WithError(err).Error("escrow.balance.decode_failed")
		return nil, err
	}
	span.SetAttributes(attribute.Bool("escrow.balance_present", true))
	return bal, nil
}

// classify maps a ledger client error onto the domain taxonomy. Anything not
// positively identified as a refusal is treated as an unknown outcome.
func classify(op, hash string, err error) error {
	var le *domain.LedgerError
	if errors.As(err, &le) {
		return err
	}
	var rpcErr *ledger.RPCError
	switch {
	case ledger.Temporary(err):
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.As(err, &rpcErr):
		return &domain.LedgerError{Op: op, Reason: err.Error(), Hash: hash, Err: err}
	}
	out := domain.Unavailable(op, err)
	out.Hash = hash
	return out
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.Bool("ledger.retryable", domain.IsRetryable(err)))
}
