package payout

import (
	"context"
	"errors"
	"io"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"build-earn/domain"
	"build-earn/escrow"
	"build-earn/ledger"
	"build-earn/ledger/ledgertest"
	"build-earn/storage"
	"build-earn/tasks"
)

// skewClock runs ahead of wall time by a configurable offset.
type skewClock struct{ offset atomic.Int64 }

func (s *skewClock) Now() time.Time { return time.Now().Add(time.Duration(s.offset.Load())) }

func (s *skewClock) Advance(d time.Duration) { s.offset.Store(int64(d)) }

type fixture struct {
	ledger   *ledgertest.Ledger
	machine  *tasks.Machine
	escrow   *escrow.Service
	res      *MemoryReservations
	coord    *Coordinator
	clock    *skewClock
	spans    *tracetest.InMemoryExporter
	payer    *ledger.Keypair
	assignee *ledger.Keypair
	token    string
}

func newFixture(t *testing.T, balances func(*escrow.Service) escrow.BalanceReader) *fixture {
	t.Helper()
	contract := ledgertest.RandomContractID()
	l := ledgertest.New(contract)

	logger := log.New()
	logger.SetOutput(io.Discard)

	svc, err := escrow.NewService(l, escrow.Config{
		ContractID:   contract,
		Passphrase:   l.Passphrase(),
		PollInterval: 5 * time.Millisecond,
		AwaitTimeout: 2 * time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("escrow service: %v", err)
	}
	var reader escrow.BalanceReader = svc
	if balances != nil {
		reader = balances(svc)
	}

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	clock := &skewClock{}
	machine := tasks.NewMachine(storage.NewMemoryStore(), nil, logger)
	res := NewMemoryReservations(time.Minute)
	coord := NewCoordinator(machine, svc, reader, res, logger,
		WithClock(clock.Now),
		WithTracer(tp.Tracer("test")),
	)
	return &fixture{
		ledger:   l,
		machine:  machine,
		escrow:   svc,
		res:      res,
		coord:    coord,
		clock:    clock,
		spans:    exporter,
		payer:    l.NewAccount(),
		assignee: l.NewAccount(),
		token:    ledgertest.RandomContractID(),
	}
}

func (f *fixture) openTask(t *testing.T) domain.Task {
	t.Helper()
	task, err := f.machine.Create(context.Background(), domain.NewTask{
		Title:        "Translate docs",
		Description:  "Translate the onboarding guide",
		Reward:       decimal.RequireFromString("100"),
		TokenAddress: f.token,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return task
}

func (f *fixture) verifiedTask(t *testing.T) domain.Task {
	t.Helper()
	ctx := context.Background()
	task := f.openTask(t)
	user := f.assignee.Address()
	if _, err := f.machine.Assign(ctx, task.ID, user); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := f.machine.Complete(ctx, task.ID, user); err != nil {
		t.Fatalf("complete: %v", err)
	}
	task, err := f.machine.Verify(ctx, task.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	return task
}

func (f *fixture) status(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := f.machine.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return task
}

func TestPayoutRequiresVerifiedWithoutLedgerCalls(t *testing.T) {
	f := newFixture(t, nil)
	task := f.openTask(t)

	_, err := f.coord.Payout(context.Background(), task.ID, f.payer, Options{})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if n := f.ledger.TotalCalls(); n != 0 {
		t.Fatalf("expected no ledger calls, got %d", n)
	}
	if _, err := f.coord.Payout(context.Background(), "missing", f.payer, Options{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	spans := f.spans.GetSpans()
	if len(spans) == 0 || spans[0].Name != "payout.payout" || spans[0].Status.Code.String() != "Error" {
		t.Fatalf("expected failed payout span, got %+v", spans)
	}
}

func TestBountyScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	task := f.verifiedTask(t)

	res, err := f.coord.Payout(ctx, task.ID, f.payer, Options{})
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if res.Task.Status != domain.StatusPaid || res.Submission.Status != domain.SubmissionPending {
		t.Fatalf("unexpected payout result %+v", res)
	}
	if res.Task.Payout == nil || res.Task.Payout.Hash != res.Submission.Hash || res.Task.Payout.State != domain.PayoutPending {
		t.Fatalf("unexpected payout record %+v", res.Task.Payout)
	}

	bal, err := f.coord.Balance(ctx)
	if err != nil || bal == nil {
		t.Fatalf("balance: %+v %v", bal, err)
	}
	if !bal.HasClaimant(f.assignee.Address()) || bal.Token != f.token || bal.Amount.Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Fatalf("unexpected balance %+v", bal)
	}
	if bal.TimeBound.Kind != domain.After {
		t.Fatalf("expected an After time bound, got %s", bal.TimeBound.Kind)
	}

	// anyone but the assignee is refused by the contract
	stranger := f.ledger.NewAccount()
	_, err = f.coord.Claim(ctx, task.ID, stranger)
	var le *domain.LedgerError
	if !errors.Is(err, domain.ErrLedgerRejected) || !errors.As(err, &le) || le.Reason != "claimant is not allowed to claim this balance" {
		t.Fatalf("expected rejected claim, got %v", err)
	}

	claim, err := f.coord.Claim(ctx, task.ID, f.assignee)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.Claimant != f.assignee.Address() || claim.Hash == "" || claim.Ledger == 0 {
		t.Fatalf("unexpected claim result %+v", claim)
	}
	if got := f.ledger.Credited(f.assignee.Address()); got.Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Fatalf("expected assignee to be credited, got %s", got)
	}
	if f.status(t, task.ID).Status != domain.StatusPaid {
		t.Fatalf("claim must not change the task status")
	}
}

func TestSecondPayoutIsInvalidTransition(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	task := f.verifiedTask(t)
	if _, err := f.coord.Payout(ctx, task.ID, f.payer, Options{}); err != nil {
		t.Fatalf("payout: %v", err)
	}
	if _, err := f.coord.Payout(ctx, task.ID, f.payer, Options{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if n := f.ledger.Calls("sendTransaction"); n != 1 {
		t.Fatalf("expected a single submission, got %d", n)
	}
}

func TestRejectedDepositLeavesTaskVerified(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	task := f.verifiedTask(t)
	f.ledger.Inject(ledgertest.Fault{Status: ledger.SendError, Reason: "txINSUFFICIENT_BALANCE"})

	_, err := f.coord.Payout(ctx, task.ID, f.payer, Options{})
	var le *domain.LedgerError
	if !errors.As(err, &le) || le.Retryable || le.Reason != "txINSUFFICIENT_BALANCE" {
		t.Fatalf("expected verbatim rejection, got %v", err)
	}
	if got := f.status(t, task.ID); got.Status != domain.StatusVerified || got.Payout != nil {
		t.Fatalf("task advanced after rejection: %+v", got)
	}

	// the reservation was released, so a corrected retry goes through
	if _, err := f.coord.Payout(ctx, task.ID, f.payer, Options{}); err != nil {
		t.Fatalf("payout after rejection: %v", err)
	}
}

func TestPayoutWithUnknownPayerIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	task := f.verifiedTask(t)
	unfunded, _ := ledger.RandomKeypair()

	_, err := f.coord.Payout(context.Background(), task.ID, unfunded, Options{})
	if !errors.Is(err, domain.ErrLedgerRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if _, acquired, _ := f.res.Acquire(context.Background(), reservationKey(task.ID), "next"); !acquired {
		t.Fatalf("reservation must be released after a rejected prepare")
	}
}

func TestUnknownOutcomeThatLandedIsRecovered(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	task := f.verifiedTask(t)
	f.ledger.Inject(ledgertest.Fault{Err: context.DeadlineExceeded, Apply: true})

	_, err := f.coord.Payout(ctx, task.ID, f.payer, Options{})
	var le *domain.LedgerError
	if !errors.As(err, &le) || !le.Retryable || le.Hash == "" {
		t.Fatalf("expected retryable error with hash, got %v", err)
	}
	if f.status(t, task.ID).Status != domain.StatusVerified {
		t.Fatalf("task must not advance on unknown outcome")
	}

	res, err := f.coord.Payout(ctx, task.ID, f.payer, Options{})
	if err != nil {
		t.Fatalf("recovering payout: %v", err)
	}
	if res.Submission.Hash != le.Hash || res.Task.Status != domain.StatusPaid || res.Task.Payout.State != domain.PayoutConfirmed {
		t.Fatalf("expected the landed deposit to be adopted and confirmed, got %+v", res)
	}
	if n := f.ledger.Calls("sendTransaction"); n != 1 {
		t.Fatalf("deposit was resubmitted: %d submissions", n)
	}
}

func TestUnknownOutcomeThatNeverLandsIsRetried(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	task := f.verifiedTask(t)
	f.ledger.Inject(ledgertest.Fault{Err: context.DeadlineExceeded})

	if _, err := f.coord.Payout(ctx, task.ID, f.payer, Options{}); !domain.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	// still inside its validity window: adopt rather than sign a second deposit
	res, err := f.coord.Payout(ctx, task.ID, f.payer, Options{})
	if err != nil {
		t.Fatalf("adopting payout: %v", err)
	}
	if res.Submission.Status != domain.SubmissionDuplicate || res.Task.Payout.State != domain.PayoutPending {
		t.Fatalf("unexpected adopted payout %+v", res)
	}
	if n := f.ledger.Calls("sendTransaction"); n != 1 {
		t.Fatalf("deposit was resubmitted: %d submissions", n)
	}

	f.clock.Advance(2 * time.Minute)
	sum, err := NewReconciler(f.coord, time.Second, 10).RunOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if sum.Expired != 1 {
		t.Fatalf("expected one expired payout, got %+v", sum)
	}
	failed := f.status(t, task.ID)
	if failed.Status != domain.StatusPaid || failed.Payout.State != domain.PayoutFailed {
		t.Fatalf("expected failed payout, got %+v", failed.Payout)
	}

	f.clock.Advance(0)
	res, err = f.coord.RetryPayout(ctx, task.ID, f.payer, Options{})
	if err != nil {
		t.Fatalf("retry payout: %v", err)
	}
	if res.Task.Payout.Attempts != 2 || res.Task.Payout.Hash == failed.Payout.Hash {
		t.Fatalf("unexpected retried payout %+v", res.Task.Payout)
	}
	if _, err := f.coord.Claim(ctx, task.ID, f.assignee); err != nil {
		t.Fatalf("claim after retry: %v", err)
	}
}

func TestReservationWithoutHashIsInFlight(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	task := f.verifiedTask(t)
	if _, ok, _ := f.res.Acquire(ctx, reservationKey(task.ID), "other-instance"); !ok {
		t.Fatalf("expected to take the reservation")
	}

	_, err := f.coord.Payout(ctx, task.ID, f.payer, Options{})
	if !errors.Is(err, domain.ErrPayoutInFlight) || !domain.IsRetryable(err) {
		t.Fatalf("expected payout in flight, got %v", err)
	}
	if n := f.ledger.TotalCalls(); n != 0 {
		t.Fatalf("expected no ledger calls, got %d", n)
	}
}

// gatedEscrow parks Submit until the test hands it an outcome.
type gatedEscrow struct {
	Escrow
	once    sync.Once
	entered chan struct{}
	outcome chan error
}

func newGatedEscrow(inner Escrow) *gatedEscrow {
	return &gatedEscrow{Escrow: inner, entered: make(chan struct{}), outcome: make(chan error, 1)}
}

func (g *gatedEscrow) Submit(ctx context.Context, p escrow.Prepared) (domain.Submission, error) {
	g.once.Do(func() { close(g.entered) })
	if err := <-g.outcome; err != nil {
		return domain.Submission{}, err
	}
	return g.Escrow.Submit(ctx, p)
}

func discardLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestConcurrentPayoutDoesNotAdoptUnsubmittedDeposit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	task := f.verifiedTask(t)
	gate := newGatedEscrow(f.escrow)
	coord := NewCoordinator(f.machine, gate, f.escrow, f.res, discardLogger(), WithClock(f.clock.Now))

	first := make(chan error, 1)
	go func() {
		_, err := coord.Payout(ctx, task.ID, f.payer, Options{})
		first <- err
	}()
	<-gate.entered

	// the first deposit is signed and recorded but not yet submitted
	_, err := coord.Payout(ctx, task.ID, f.payer, Options{})
	if !errors.Is(err, domain.ErrPayoutInFlight) {
		t.Fatalf("expected payout in flight, got %v", err)
	}
	if got := f.status(t, task.ID); got.Status != domain.StatusVerified || got.Payout != nil {
		t.Fatalf("concurrent payout advanced the task: %+v", got)
	}

	gate.outcome <- domain.Rejected(escrow.OpDeposit, "txBAD_SEQ")
	if err := <-first; !errors.Is(err, domain.ErrLedgerRejected) {
		t.Fatalf("expected the first payout to be rejected, got %v", err)
	}
	if got := f.status(t, task.ID); got.Status != domain.StatusVerified || got.Payout != nil {
		t.Fatalf("task advanced without an accepted deposit: %+v", got)
	}
	if n := f.ledger.Calls("sendTransaction"); n != 0 {
		t.Fatalf("expected no deposits, got %d", n)
	}
	if _, ok, _ := f.res.Acquire(ctx, reservationKey(task.ID), "next"); !ok {
		t.Fatalf("rejected owner must free its reservation")
	}
}

func TestInFlightPayoutKeepsItsReservation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	task := f.verifiedTask(t)
	gate := newGatedEscrow(f.escrow)
	coord := NewCoordinator(f.machine, gate, f.escrow, f.res, discardLogger(), WithClock(f.clock.Now))

	first := make(chan Result, 1)
	go func() {
		res, err := coord.Payout(ctx, task.ID, f.payer, Options{})
		if err != nil {
			t.Errorf("first payout: %v", err)
		}
		first <- res
	}()
	<-gate.entered

	if _, err := coord.Payout(ctx, task.ID, f.payer, Options{}); !errors.Is(err, domain.ErrPayoutInFlight) {
		t.Fatalf("expected payout in flight, got %v", err)
	}
	// the losing caller must not have freed the winner's reservation
	cur, ok, _ := f.res.Acquire(ctx, reservationKey(task.ID), "third")
	if ok || cur.Hash == "" || cur.Submitted {
		t.Fatalf("expected the first attempt to still hold its reservation, got %+v %v", cur, ok)
	}

	gate.outcome <- nil
	res := <-first
	if res.Task.Status != domain.StatusPaid || res.Submission.Hash != cur.Hash {
		t.Fatalf("unexpected first payout %+v", res)
	}
	if n := f.ledger.Calls("sendTransaction"); n != 1 {
		t.Fatalf("expected a single deposit, got %d", n)
	}
}

// staleTasks serves one outdated snapshot before reading through.
type staleTasks struct {
	Tasks
	snapshot domain.Task
	served   bool
}

func (s *staleTasks) Get(ctx context.Context, id string) (domain.Task, error) {
	if !s.served {
		s.served = true
		return s.snapshot, nil
	}
	return s.Tasks.Get(ctx, id)
}

func TestPayoutRechecksTaskAfterReservation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	task := f.verifiedTask(t)
	if _, err := f.coord.Payout(ctx, task.ID, f.payer, Options{}); err != nil {
		t.Fatalf("payout: %v", err)
	}

	// a caller that read the task before the first payout committed
	stale := &staleTasks{Tasks: f.machine, snapshot: task}
	coord := NewCoordinator(stale, f.escrow, f.escrow, f.res, discardLogger(), WithClock(f.clock.Now))
	if _, err := coord.Payout(ctx, task.ID, f.payer, Options{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if n := f.ledger.Calls("sendTransaction"); n != 1 {
		t.Fatalf("expected a single deposit, got %d", n)
	}
	if _, ok, _ := f.res.Acquire(ctx, reservationKey(task.ID), "next"); !ok {
		t.Fatalf("reservation must be released after the recheck failed")
	}
}

func TestReconcilerLeavesReservationsAlone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	task := f.verifiedTask(t)
	f.ledger.Hold(true)
	if _, err := f.coord.Payout(ctx, task.ID, f.payer, Options{}); err != nil {
		t.Fatalf("payout: %v", err)
	}
	f.ledger.Drop()
	f.ledger.Hold(false)

	// another instance is already retrying this task
	key := reservationKey(task.ID)
	if _, ok, _ := f.res.Acquire(ctx, key, "retrying"); !ok {
		t.Fatalf("expected to take the reservation")
	}
	f.clock.Advance(2 * time.Minute)
	sum, err := NewReconciler(f.coord, time.Second, 10).RunOnce(ctx)
	if err != nil || sum.Expired != 1 {
		t.Fatalf("expected one expired payout, got %+v %v", sum, err)
	}
	cur, ok, _ := f.res.Acquire(ctx, key, "other")
	if ok || cur.Owner != "retrying" {
		t.Fatalf("reconciler released a reservation it does not own: %+v %v", cur, ok)
	}
}

func TestReconcilerConfirmsAndFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first := f.verifiedTask(t)
	second := f.verifiedTask(t)

	// the contract holds one balance at a time: both deposits simulate
	// against an empty escrow, but the second fails once included
	f.ledger.Hold(true)
	if _, err := f.coord.Payout(ctx, first.ID, f.payer, Options{}); err != nil {
		t.Fatalf("first payout: %v", err)
	}
	if _, err := f.coord.Payout(ctx, second.ID, f.payer, Options{}); err != nil {
		t.Fatalf("second payout: %v", err)
	}
	f.ledger.Hold(false)
	f.ledger.Settle()

	rec := NewReconciler(f.coord, time.Second, 10)
	sum, err := rec.RunOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if sum.Checked != 2 || sum.Confirmed != 1 || sum.Failed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if got := f.status(t, first.ID); got.Payout.State != domain.PayoutConfirmed || got.Payout.ConfirmedAt == nil {
		t.Fatalf("expected confirmed payout, got %+v", got.Payout)
	}
	failed := f.status(t, second.ID)
	if failed.Payout.State != domain.PayoutFailed || failed.Payout.FailureReason != "contract has been already initialized" {
		t.Fatalf("expected failed payout with ledger reason, got %+v", failed.Payout)
	}
	if sum, _ := rec.RunOnce(ctx); sum.Checked != 0 {
		t.Fatalf("nothing should remain pending, got %+v", sum)
	}

	if _, err := f.coord.RetryPayout(ctx, first.ID, f.payer, Options{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("retrying a confirmed payout must fail, got %v", err)
	}
	if _, err := f.coord.Claim(ctx, first.ID, f.assignee); err != nil {
		t.Fatalf("claim first: %v", err)
	}
	res, err := f.coord.RetryPayout(ctx, second.ID, f.payer, Options{})
	if err != nil {
		t.Fatalf("retry second: %v", err)
	}
	if res.Task.Payout.State != domain.PayoutPending || res.Task.Payout.Attempts != 2 {
		t.Fatalf("unexpected retried payout %+v", res.Task.Payout)
	}
}

func TestRetryPayoutIgnoresReservationForFailedHash(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	task := f.verifiedTask(t)
	f.ledger.Hold(true)
	if _, err := f.coord.Payout(ctx, task.ID, f.payer, Options{}); err != nil {
		t.Fatalf("payout: %v", err)
	}
	f.ledger.Drop()
	f.ledger.Hold(false)
	f.clock.Advance(2 * time.Minute)
	if _, err := NewReconciler(f.coord, time.Second, 10).RunOnce(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	f.clock.Advance(0)

	failed := f.status(t, task.ID)
	key := reservationKey(task.ID)
	if _, ok, _ := f.res.Acquire(ctx, key, "stale"); !ok {
		t.Fatalf("expected to take the reservation")
	}
	stale := Reservation{Owner: "stale", Hash: failed.Payout.Hash, ExpiresAt: time.Now().Add(time.Minute), Submitted: true}
	if err := f.res.Record(ctx, key, stale); err != nil {
		t.Fatalf("record: %v", err)
	}

	res, err := f.coord.RetryPayout(ctx, task.ID, f.payer, Options{})
	if err != nil {
		t.Fatalf("retry payout: %v", err)
	}
	if res.Task.Payout.Hash == failed.Payout.Hash {
		t.Fatalf("failed hash was committed again")
	}
}

func TestTimeBoundOverride(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	task := f.verifiedTask(t)
	release := time.Now().Add(time.Hour).Truncate(time.Second)
	tb := domain.AfterTime(release)

	if _, err := f.coord.Payout(ctx, task.ID, f.payer, Options{TimeBound: &tb}); err != nil {
		t.Fatalf("payout: %v", err)
	}
	bal, err := f.coord.Balance(ctx)
	if err != nil || bal == nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.TimeBound != tb {
		t.Fatalf("expected %+v, got %+v", tb, bal.TimeBound)
	}
	_, err = f.coord.Claim(ctx, task.ID, f.assignee)
	var le *domain.LedgerError
	if !errors.As(err, &le) || le.Reason != "time predicate is not fulfilled" {
		t.Fatalf("expected time predicate rejection, got %v", err)
	}
}

func TestClaimRequiresPaid(t *testing.T) {
	f := newFixture(t, nil)
	task := f.verifiedTask(t)
	if _, err := f.coord.Claim(context.Background(), task.ID, f.assignee); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if n := f.ledger.TotalCalls(); n != 0 {
		t.Fatalf("expected no ledger calls, got %d", n)
	}
}

func TestBalanceCacheIsInvalidatedByPayout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	f := newFixture(t, func(svc *escrow.Service) escrow.BalanceReader {
		return escrow.NewBalanceCache(svc, client, time.Minute, nil)
	})
	ctx := context.Background()

	if bal, err := f.coord.Balance(ctx); err != nil || bal != nil {
		t.Fatalf("expected empty escrow, got %+v %v", bal, err)
	}
	task := f.verifiedTask(t)
	if _, err := f.coord.Payout(ctx, task.ID, f.payer, Options{}); err != nil {
		t.Fatalf("payout: %v", err)
	}
	bal, err := f.coord.Balance(ctx)
	if err != nil || bal == nil || !bal.HasClaimant(f.assignee.Address()) {
		t.Fatalf("expected fresh balance after payout, got %+v %v", bal, err)
	}
}

func TestMemoIsStablePerTask(t *testing.T) {
	a, b := Memo("task-1"), Memo("task-1")
	if len(a) != 32 || string(a) != string(b) {
		t.Fatalf("memo must be a stable 32 byte digest")
	}
	if string(Memo("task-2")) == string(a) {
		t.Fatalf("memos must differ between tasks")
	}
}
