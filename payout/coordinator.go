package payout

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"build-earn/domain"
	"build-earn/escrow"
	"build-earn/ledger"
	"build-earn/metrics"
)

const tracerName = "build-earn/payout"

const (
	// DefaultDecimals is the token precision assumed when scaling rewards.
	DefaultDecimals = 7
	// expiryGrace absorbs clock skew between us and the ledger before a
	// NOT_FOUND transaction past its max time is treated as dead.
	expiryGrace = 10 * time.Second
)

// Tasks is the slice of the task state machine the coordinator drives.
type Tasks interface {
	Get(ctx context.Context, id string) (domain.Task, error)
	PendingPayouts(ctx context.Context, limit int) ([]domain.Task, error)
	MarkPaid(ctx context.Context, id string, sub domain.Submission) (domain.Task, error)
	ConfirmPayout(ctx context.Context, id, hash string) (domain.Task, error)
	FailPayout(ctx context.Context, id, hash, reason string) (domain.Task, error)
	ResubmitPayout(ctx context.Context, id, failedHash string, sub domain.Submission) (domain.Task, error)
}

// Escrow is the ledger side of a payout.
type Escrow interface {
	PrepareDeposit(ctx context.Context, payer *ledger.Keypair, req escrow.DepositRequest) (escrow.Prepared, error)
	PrepareClaim(ctx context.Context, claimant *ledger.Keypair) (escrow.Prepared, error)
	Submit(ctx context.Context, p escrow.Prepared) (domain.Submission, error)
	TransactionStatus(ctx context.Context, hash string) (ledger.TransactionResult, error)
	AwaitTransaction(ctx context.Context, hash string) (ledger.TransactionResult, error)
}

type invalidator interface {
	Invalidate(ctx context.Context)
}

// Options adjust a single payout.
type Options struct {
	// TimeBound overrides the default immediately claimable window.
	TimeBound *domain.TimeBound
}

// Result is the outcome of an accepted payout.
type Result struct {
	Task       domain.Task       `json:"task"`
	Submission domain.Submission `json:"submission"`
}

// ClaimResult is the outcome of a finalized claim.
type ClaimResult struct {
	TaskID   string `json:"taskId"`
	Claimant string `json:"claimant"`
	Hash     string `json:"hash"`
	Ledger   uint32 `json:"ledger"`
}

// Coordinator keeps task status and ledger escrow consistent. A task only
// becomes PAID after the ledger accepted its deposit, and a deposit is never
// submitted twice for one task.
type Coordinator struct {
	tasks        Tasks
	escrow       Escrow
	balances     escrow.BalanceReader
	reservations Reservations
	metrics      metrics.PayoutMetrics
	logger       *log.Logger
	tracer       trace.Tracer
	decimals     int32
	now          func() time.Time
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock used for time bounds and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithMetrics reports payout and claim outcomes to m.
func WithMetrics(m metrics.PayoutMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracer overrides the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// WithDecimals sets the token precision used to scale rewards.
func WithDecimals(d int32) Option {
	return func(c *Coordinator) { c.decimals = d }
}

// NewCoordinator wires a Coordinator. It panics when a dependency is nil;
// logger defaults to a fresh logrus logger.
func NewCoordinator(tasks Tasks, esc Escrow, balances escrow.BalanceReader, reservations Reservations, logger *log.Logger, opts ...Option) *Coordinator {
	if tasks == nil || esc == nil || balances == nil || reservations == nil {
		panic("payout.NewCoordinator: missing dependency")
	}
	if logger == nil {
		logger = log.New()
	}
	c := &Coordinator{
		tasks:        tasks,
		escrow:       esc,
		balances:     balances,
		reservations: reservations,
		metrics:      metrics.Nop{},
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
		decimals:     DefaultDecimals,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Memo is the deposit memo for a task, letting ledger audits map balances
// back to tasks.
func Memo(taskID string) []byte {
	sum := sha256.Sum256([]byte("payout:" + taskID))
	return sum[:]
}

// Payout deposits the task reward into escrow for the assignee and marks the
// task PAID once the ledger accepted the deposit. Nothing reaches the ledger
// unless the task is VERIFIED.
func (c *Coordinator) Payout(ctx context.Context, taskID string, payer *ledger.Keypair, opts Options) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "payout.payout", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	task, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return Result{}, spanErr(span, err)
	}
	if task.Status != domain.StatusVerified {
		return Result{}, spanErr(span, &domain.TransitionError{TaskID: taskID, Op: "payout", Expected: domain.StatusVerified, Actual: task.Status})
	}
	a, err := c.newAttempt(task, payer, opts)
	if err != nil {
		return Result{}, spanErr(span, err)
	}
	a.op = "payout"
	a.check = func(task domain.Task) error {
		if task.Status != domain.StatusVerified {
			return &domain.TransitionError{TaskID: taskID, Op: "payout", Expected: domain.StatusVerified, Actual: task.Status}
		}
		return nil
	}
	a.commit = func(ctx context.Context, sub domain.Submission) (domain.Task, error) {
		return c.tasks.MarkPaid(ctx, taskID, sub)
	}
	res, err := c.deposit(ctx, a, true)
	return res, spanErr(span, err)
}

// RetryPayout starts a new deposit for a PAID task whose previous deposit
// failed or expired.
func (c *Coordinator) RetryPayout(ctx context.Context, taskID string, payer *ledger.Keypair, opts Options) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "payout.retry", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	task, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return Result{}, spanErr(span, err)
	}
	if task.Status != domain.StatusPaid {
		return Result{}, spanErr(span, &domain.TransitionError{TaskID: taskID, Op: "retry-payout", Expected: domain.StatusPaid, Actual: task.Status})
	}
	if task.Payout == nil || task.Payout.State != domain.PayoutFailed {
		state := domain.PayoutState("none")
		if task.Payout != nil {
			state = task.Payout.State
		}
		return Result{}, spanErr(span, fmt.Errorf("%w: retry-payout task %s: payout is %s, expected %s", domain.ErrInvalidTransition, taskID, state, domain.PayoutFailed))
	}
	a, err := c.newAttempt(task, payer, opts)
	if err != nil {
		return Result{}, spanErr(span, err)
	}
	failed := task.Payout.Hash
	a.op = "retry-payout"
	a.supersedes = failed
	a.check = func(task domain.Task) error {
		if task.Status != domain.StatusPaid || task.Payout == nil || task.Payout.State != domain.PayoutFailed || task.Payout.Hash != failed {
			return fmt.Errorf("%w: retry-payout task %s: failed deposit %s was already replaced", domain.ErrInvalidTransition, taskID, failed)
		}
		return nil
	}
	a.commit = func(ctx context.Context, sub domain.Submission) (domain.Task, error) {
		return c.tasks.ResubmitPayout(ctx, taskID, failed, sub)
	}
	res, err := c.deposit(ctx, a, true)
	return res, spanErr(span, err)
}

type attempt struct {
	op    string
	task  domain.Task
	payer *ledger.Keypair
	req   escrow.DepositRequest
	// supersedes is a dead deposit hash that must never be committed again.
	supersedes string
	// check re-validates the task once the reservation is held.
	check  func(task domain.Task) error
	commit func(ctx context.Context, sub domain.Submission) (domain.Task, error)
}

func (c *Coordinator) newAttempt(task domain.Task, payer *ledger.Keypair, opts Options) (*attempt, error) {
	if payer == nil {
		return nil, fmt.Errorf("%w: payer key is required", domain.ErrInvalidInput)
	}
	if task.AssignedTo == "" {
		return nil, fmt.Errorf("%w: task %s has no assignee", domain.ErrInvalidInput, task.ID)
	}
	amount, err := escrow.ScaleAmount(task.Reward, c.decimals)
	if err != nil {
		return nil, err
	}
	tb := domain.ImmediateTimeBound(c.now())
	if opts.TimeBound != nil {
		tb = *opts.TimeBound
	}
	return &attempt{
		task:  task,
		payer: payer,
		req: escrow.DepositRequest{
			Token:     task.TokenAddress,
			Amount:    amount,
			Claimants: []string{task.AssignedTo},
			TimeBound: tb,
			Memo:      Memo(task.ID),
		},
	}, nil
}

// deposit runs one guarded deposit attempt. fresh allows a single restart
// after a stale reservation was cleared.
func (c *Coordinator) deposit(ctx context.Context, a *attempt, fresh bool) (Result, error) {
	key := reservationKey(a.task.ID)
	owner := uuid.NewString()
	fields := log.Fields{"task": a.task.ID, "op": a.op}

	cur, acquired, err := c.reservations.Acquire(ctx, key, owner)
	if err != nil {
		return Result{}, fmt.Errorf("acquire payout reservation: %w", err)
	}
	if !acquired {
		res, restart, err := c.recover(ctx, a, key, cur)
		if restart && fresh {
			return c.deposit(ctx, a, false)
		}
		if restart {
			c.metrics.PayoutSubmitted(metrics.OutcomeInFlight)
			return Result{}, fmt.Errorf("%w: task %s", domain.ErrPayoutInFlight, a.task.ID)
		}
		return res, err
	}

	// the task may have moved while another attempt held the reservation
	task, err := c.tasks.Get(ctx, a.task.ID)
	if err == nil {
		err = a.check(task)
	}
	if err != nil {
		c.release(ctx, key, owner)
		return Result{}, err
	}

	p, err := c.escrow.PrepareDeposit(ctx, a.payer, a.req)
	if err != nil {
		c.release(ctx, key, owner)
		c.metrics.PayoutSubmitted(outcome(err))
		c.logger.WithFields(fields).WithError(err).Warn("payout.prepare_failed")
		return Result{}, err
	}
	fields["hash"] = p.Hash
	held := Reservation{Owner: owner, Hash: p.Hash, ExpiresAt: p.ExpiresAt}
	if err := c.reservations.Record(ctx, key, held); err != nil {
		c.release(ctx, key, owner)
		if errors.Is(err, ErrReservationLost) {
			c.metrics.PayoutSubmitted(metrics.OutcomeInFlight)
			return Result{}, fmt.Errorf("%w: task %s", domain.ErrPayoutInFlight, a.task.ID)
		}
		return Result{}, fmt.Errorf("record payout reservation: %w", err)
	}

	start := c.now()
	sub, err := c.escrow.Submit(ctx, p)
	c.metrics.LedgerLatency(escrow.OpDeposit, c.now().Sub(start))
	c.invalidate(ctx)
	if err != nil {
		c.metrics.PayoutSubmitted(outcome(err))
		if domain.IsRetryable(err) {
			// the deposit may still land; the reservation keeps its hash so
			// the next attempt asks the ledger before submitting again
			c.markSubmitted(ctx, key, held)
			c.logger.WithFields(fields).WithError(err).Warn("payout.outcome_unknown")
			return Result{}, err
		}
		c.release(ctx, key, owner)
		c.logger.WithFields(fields).WithError(err).Warn("payout.rejected")
		return Result{}, err
	}

	task, err = a.commit(ctx, sub)
	if err != nil {
		c.markSubmitted(ctx, key, held)
		c.logger.WithFields(fields).WithError(err).Error("payout.commit_failed")
		return Result{}, err
	}
	c.release(ctx, key, owner)
	c.metrics.PayoutSubmitted(metrics.OutcomeAccepted)
	c.logger.WithFields(fields).WithField("attempts", task.Payout.Attempts).Info("payout.accepted")
	return Result{Task: task, Submission: sub}, nil
}

// recover resolves a reservation held by another attempt. It commits that
// attempt when the ledger has it, reports that the reservation was cleared
// and a new attempt may start, or fails with ErrPayoutInFlight while the
// owner may still be submitting.
func (c *Coordinator) recover(ctx context.Context, a *attempt, key string, cur Reservation) (Result, bool, error) {
	fields := log.Fields{"task": a.task.ID, "op": a.op, "hash": cur.Hash}
	if cur.Hash != "" && cur.Hash == a.supersedes {
		c.release(ctx, key, cur.Owner)
		return Result{}, true, nil
	}
	now := c.now()
	expired := !cur.ExpiresAt.IsZero() && now.After(cur.ExpiresAt.Add(expiryGrace))
	if cur.Hash == "" || (!cur.Submitted && !expired) {
		c.metrics.PayoutSubmitted(metrics.OutcomeInFlight)
		c.logger.WithFields(fields).Info("payout.in_flight")
		return Result{}, false, fmt.Errorf("%w: task %s", domain.ErrPayoutInFlight, a.task.ID)
	}

	res, err := c.escrow.TransactionStatus(ctx, cur.Hash)
	if err != nil {
		return Result{}, false, err
	}
	switch {
	case res.Status == ledger.TxFailed:
		c.logger.WithFields(fields).WithField("reason", res.ResultReason).Warn("payout.previous_attempt_failed")
		c.release(ctx, key, cur.Owner)
		return Result{}, true, nil
	case res.Status == ledger.TxNotFound && expired:
		c.logger.WithFields(fields).Warn("payout.previous_attempt_expired")
		c.release(ctx, key, cur.Owner)
		return Result{}, true, nil
	}

	// SUCCESS, or a submitted deposit that can still be included: adopt it
	// instead of signing a second one.
	sub := domain.Submission{
		Hash:        cur.Hash,
		Status:      domain.SubmissionDuplicate,
		SubmittedAt: now,
		ExpiresAt:   cur.ExpiresAt,
	}
	task, err := a.commit(ctx, sub)
	if err != nil {
		return Result{}, false, err
	}
	if res.Status == ledger.TxSuccess {
		if confirmed, err := c.tasks.ConfirmPayout(ctx, task.ID, cur.Hash); err != nil {
			c.logger.WithFields(fields).WithError(err).Warn("payout.confirm_failed")
		} else {
			task = confirmed
		}
	}
	c.release(ctx, key, cur.Owner)
	c.metrics.PayoutSubmitted(metrics.OutcomeRecovered)
	c.logger.WithFields(fields).WithField("ledger_status", res.Status).Info("payout.recovered")
	return Result{Task: task, Submission: sub}, false, nil
}

// Claim submits the assignee's claim for a PAID task and waits for the
// ledger to finalize it. The task record is not changed.
func (c *Coordinator) Claim(ctx context.Context, taskID string, claimant *ledger.Keypair) (ClaimResult, error) {
	ctx, span := c.tracer.Start(ctx, "payout.claim", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	task, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return ClaimResult{}, spanErr(span, err)
	}
	if task.Status != domain.StatusPaid {
		return ClaimResult{}, spanErr(span, &domain.TransitionError{TaskID: taskID, Op: "claim", Expected: domain.StatusPaid, Actual: task.Status})
	}
	if claimant == nil {
		return ClaimResult{}, spanErr(span, fmt.Errorf("%w: claimant key is required", domain.ErrInvalidInput))
	}
	fields := log.Fields{"task": taskID, "claimant": claimant.Address()}

	p, err := c.escrow.PrepareClaim(ctx, claimant)
	if err != nil {
		c.metrics.ClaimFinished(outcome(err))
		return ClaimResult{}, spanErr(span, err)
	}
	fields["hash"] = p.Hash
	start := c.now()
	sub, err := c.escrow.Submit(ctx, p)
	if err != nil {
		c.metrics.ClaimFinished(outcome(err))
		c.logger.WithFields(fields).WithError(err).Warn("payout.claim.submit_failed")
		return ClaimResult{}, spanErr(span, err)
	}
	res, err := c.escrow.AwaitTransaction(ctx, sub.Hash)
	c.metrics.LedgerLatency(escrow.OpClaim, c.now().Sub(start))
	c.invalidate(ctx)
	if err != nil {
		c.metrics.ClaimFinished(outcome(err))
		c.logger.WithFields(fields).WithError(err).Warn("payout.claim.unconfirmed")
		return ClaimResult{}, spanErr(span, err)
	}
	if res.Status == ledger.TxFailed {
		reason := res.ResultReason
		if reason == "" {
			reason = "transaction failed"
		}
		le := domain.Rejected(escrow.OpClaim, reason)
		le.Hash = sub.Hash
		c.metrics.ClaimFinished(metrics.OutcomeRejected)
		c.logger.WithFields(fields).WithField("reason", reason).Warn("payout.claim.failed")
		return ClaimResult{}, spanErr(span, le)
	}
	c.metrics.ClaimFinished(metrics.OutcomeSuccess)
	c.logger.WithFields(fields).WithField("ledger", res.Ledger).Info("payout.claim.succeeded")
	return ClaimResult{TaskID: taskID, Claimant: claimant.Address(), Hash: sub.Hash, Ledger: res.Ledger}, nil
}

// Balance returns the escrow's current claimable balance, nil when empty.
func (c *Coordinator) Balance(ctx context.Context) (*domain.ClaimableBalance, error) {
	return c.balances.ClaimableBalance(ctx)
}

func (c *Coordinator) release(ctx context.Context, key, owner string) {
	if err := c.reservations.Release(context.WithoutCancel(ctx), key, owner); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("payout.reservation.release_failed")
	}
}

// markSubmitted hands the reservation over to recovery: the deposit left this
// attempt, but its fate is unknown.
func (c *Coordinator) markSubmitted(ctx context.Context, key string, r Reservation) {
	r.Submitted = true
	if err := c.reservations.Record(context.WithoutCancel(ctx), key, r); err != nil {
		c.logger.WithError(err).WithFields(log.Fields{"key": key, "hash": r.Hash}).Warn("payout.reservation.mark_failed")
	}
}

func (c *Coordinator) invalidate(ctx context.Context) {
	if inv, ok := c.balances.(invalidator); ok {
		inv.Invalidate(context.WithoutCancel(ctx))
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrLedgerUnavailable):
		return metrics.OutcomeUnavailable
	case errors.Is(err, domain.ErrPayoutInFlight):
		return metrics.OutcomeInFlight
	default:
		return metrics.OutcomeRejected
	}
}

func spanErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
