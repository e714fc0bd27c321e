package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"build-earn/domain"
	"build-earn/ledger"
)

// Store persists task records.
type Store interface {
	Insert(ctx context.Context, task domain.Task) error
	// Get returns domain.ErrNotFound when id is unknown.
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	// Update replaces the stored record only while it is still in expected
	// state, otherwise it returns domain.ErrConcurrencyConflict.
	Update(ctx context.Context, task domain.Task, expected domain.TaskState) error
}

// Publisher receives committed task events.
type Publisher interface {
	Publish(ctx context.Context, ev domain.TaskEvent) error
}

// Machine owns task records and is the only writer of their status.
type Machine struct {
	store  Store
	pub    Publisher
	logger *log.Logger
	locks  *keyedMutex
	now    func() time.Time
}

// Option customises a Machine.
type Option func(*Machine)

// WithClock overrides the clock used for lifecycle timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a Machine. A nil publisher drops events.
func NewMachine(store Store, pub Publisher, logger *log.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = log.New()
	}
	m := &Machine{
		store:  store,
		pub:    pub,
		logger: logger,
		locks:  newKeyedMutex(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create stores a new OPEN task.
func (m *Machine) Create(ctx context.Context, in domain.NewTask) (domain.Task, error) {
	if err := validateNewTask(in); err != nil {
		return domain.Task{}, err
	}
	task := domain.Task{
		ID:           uuid.NewString(),
		Title:        strings.TrimSpace(in.Title),
		Description:  strings.TrimSpace(in.Description),
		Reward:       in.Reward,
		TokenAddress: in.TokenAddress,
		Status:       domain.StatusOpen,
		CreatedAt:    m.now().UTC(),
	}
	if err := m.store.Insert(ctx, task); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	m.logger.WithFields(log.Fields{"task": task.ID, "reward": task.Reward.String()}).Info("task.created")
	m.publish(ctx, task, domain.TaskCreated, "", "", "")
	return task, nil
}

func validateNewTask(in domain.NewTask) error {
	var problems []string
	if strings.TrimSpace(in.Title) == "" {
		problems = append(problems, "title is required")
	}
	if strings.TrimSpace(in.Description) == "" {
		problems = append(problems, "description is required")
	}
	if !in.Reward.IsPositive() {
		problems = append(problems, "reward must be positive")
	}
	if in.TokenAddress == "" {
		problems = append(problems, "tokenAddress is required")
	} else if _, err := ledger.ParseAddress(in.TokenAddress); err != nil {
		problems = append(problems, "tokenAddress is not a ledger address")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

func (m *Machine) Get(ctx context.Context, id string) (domain.Task, error) {
	return m.store.Get(ctx, id)
}

func (m *Machine) List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	return m.store.List(ctx, filter)
}

// PendingPayouts lists PAID tasks whose deposit has not been confirmed yet.
func (m *Machine) PendingPayouts(ctx context.Context, limit int) ([]domain.Task, error) {
	return m.store.List(ctx, domain.TaskFilter{
		Status:      domain.StatusPaid,
		PayoutState: domain.PayoutPending,
		Limit:       limit,
	})
}

// Assign moves an OPEN task to IN_PROGRESS for user.
func (m *Machine) Assign(ctx context.Context, id, user string) (domain.Task, error) {
	if !ledger.ValidAccount(user) {
		return domain.Task{}, fmt.Errorf("%w: assignee %q is not an account id", domain.ErrInvalidInput, user)
	}
	return m.transition(ctx, id, "assign", domain.StatusOpen, func(t *domain.Task, _ time.Time) error {
		t.AssignedTo = user
		return nil
	}, eventMeta{typ: domain.TaskAssigned, actor: user})
}

// Complete moves an IN_PROGRESS task to COMPLETED. Only the assignee may
// complete it.
func (m *Machine) Complete(ctx context.Context, id, caller string) (domain.Task, error) {
	return m.transition(ctx, id, "complete", domain.StatusInProgress, func(t *domain.Task, now time.Time) error {
		if caller == "" || caller != t.AssignedTo {
			return fmt.Errorf("%w: task %s is assigned to another user", domain.ErrUnauthorized, t.ID)
		}
		t.CompletedAt = &now
		return nil
	}, eventMeta{typ: domain.TaskCompleted, actor: caller})
}

// Verify moves a COMPLETED task to VERIFIED.
func (m *Machine) Verify(ctx context.Context, id string) (domain.Task, error) {
	return m.transition(ctx, id, "verify", domain.StatusCompleted, func(t *domain.Task, now time.Time) error {
		t.VerifiedAt = &now
		return nil
	}, eventMeta{typ: domain.TaskVerified})
}

// MarkPaid moves a VERIFIED task to PAID once its deposit was accepted.
func (m *Machine) MarkPaid(ctx context.Context, id string, sub domain.Submission) (domain.Task, error) {
	if sub.Hash == "" {
		return domain.Task{}, fmt.Errorf("%w: submission hash is required", domain.ErrInvalidInput)
	}
	return m.transition(ctx, id, "payout", domain.StatusVerified, func(t *domain.Task, now time.Time) error {
		t.PaidAt = &now
		t.Payout = &domain.Payout{
			Hash:        sub.Hash,
			State:       domain.PayoutPending,
			SubmittedAt: sub.SubmittedAt.UTC(),
			ExpiresAt:   sub.ExpiresAt.UTC(),
			Attempts:    1,
		}
		return nil
	}, eventMeta{typ: domain.TaskPaid, hash: sub.Hash})
}

// ConfirmPayout records that the deposit behind a PAID task was included.
func (m *Machine) ConfirmPayout(ctx context.Context, id, hash string) (domain.Task, error) {
	return m.payoutTransition(ctx, id, "confirm-payout", hash, domain.PayoutPending, func(p *domain.Payout, now time.Time) {
		p.State = domain.PayoutConfirmed
		p.ConfirmedAt = &now
		p.FailureReason = ""
	}, eventMeta{typ: domain.TaskPayoutConfirmed, hash: hash})
}

// FailPayout records that the deposit behind a PAID task will never land.
// The task stays PAID; ResubmitPayout starts a new attempt.
func (m *Machine) FailPayout(ctx context.Context, id, hash, reason string) (domain.Task, error) {
	return m.payoutTransition(ctx, id, "fail-payout", hash, domain.PayoutPending, func(p *domain.Payout, _ time.Time) {
		p.State = domain.PayoutFailed
		p.FailureReason = reason
	}, eventMeta{typ: domain.TaskPayoutFailed, hash: hash, reason: reason})
}

// ResubmitPayout attaches a new accepted deposit to a PAID task whose
// previous payout failed.
func (m *Machine) ResubmitPayout(ctx context.Context, id, failedHash string, sub domain.Submission) (domain.Task, error) {
	if sub.Hash == "" {
		return domain.Task{}, fmt.Errorf("%w: submission hash is required", domain.ErrInvalidInput)
	}
	return m.payoutTransition(ctx, id, "retry-payout", failedHash, domain.PayoutFailed, func(p *domain.Payout, _ time.Time) {
		p.Hash = sub.Hash
		p.State = domain.PayoutPending
		p.SubmittedAt = sub.SubmittedAt.UTC()
		p.ExpiresAt = sub.ExpiresAt.UTC()
		p.ConfirmedAt = nil
		p.FailureReason = ""
		p.Attempts++
	}, eventMeta{typ: domain.TaskPayoutRetried, hash: sub.Hash})
}

type eventMeta struct {
	typ    domain.EventType
	actor  string
	hash   string
	reason string
}

func (m *Machine) transition(ctx context.Context, id, op string, from domain.Status, apply func(*domain.Task, time.Time) error, meta eventMeta) (domain.Task, error) {
	return m.mutate(ctx, id, func(t *domain.Task, now time.Time) error {
		if t.Status != from {
			return &domain.TransitionError{TaskID: id, Op: op, Expected: from, Actual: t.Status}
		}
		if err := apply(t, now); err != nil {
			return err
		}
		next, _ := from.Next()
		t.Status = next
		return nil
	}, meta)
}

func (m *Machine) payoutTransition(ctx context.Context, id, op, hash string, from domain.PayoutState, apply func(*domain.Payout, time.Time), meta eventMeta) (domain.Task, error) {
	return m.mutate(ctx, id, func(t *domain.Task, now time.Time) error {
		if t.Status != domain.StatusPaid {
			return &domain.TransitionError{TaskID: id, Op: op, Expected: domain.StatusPaid, Actual: t.Status}
		}
		if t.Payout == nil || t.Payout.State != from {
			state := domain.PayoutState("none")
			if t.Payout != nil {
				state = t.Payout.State
			}
			return fmt.Errorf("%w: %s task %s: payout is %s, expected %s", domain.ErrInvalidTransition, op, id, state, from)
		}
		if hash != "" && t.Payout.Hash != hash {
			return fmt.Errorf("%w: %s task %s: payout hash changed", domain.ErrConcurrencyConflict, op, id)
		}
		apply(t.Payout, now)
		return nil
	}, meta)
}

// mutate runs apply against the current record under the task lock and
// stores the result conditionally on the state that was read.
func (m *Machine) mutate(ctx context.Context, id string, apply func(*domain.Task, time.Time) error, meta eventMeta) (domain.Task, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	next := cur.Clone()
	now := m.stamp(cur)
	if err := apply(&next, now); err != nil {
		return cur, err
	}
	if err := m.store.Update(ctx, next, cur.State()); err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			m.logger.WithFields(log.Fields{"task": id, "event": meta.typ}).Warn("task.update.conflict")
		}
		return cur, err
	}
	m.logger.WithFields(log.Fields{
		"task":   id,
		"event":  meta.typ,
		"status": next.Status,
	}).Info("task.transition")
	m.publish(ctx, next, meta.typ, meta.actor, meta.hash, meta.reason)
	return next, nil
}

// stamp returns a timestamp no earlier than any lifecycle time already set on t.
func (m *Machine) stamp(t domain.Task) time.Time {
	now := m.now().UTC()
	latest := t.CreatedAt
	for _, ts := range []*time.Time{t.CompletedAt, t.VerifiedAt, t.PaidAt} {
		if ts != nil && ts.After(latest) {
			latest = *ts
		}
	}
	if now.Before(latest) {
		return latest
	}
	return now
}

func (m *Machine) publish(ctx context.Context, t domain.Task, typ domain.EventType, actor, hash, reason string) {
	if m.pub == nil {
		return
	}
	ev := domain.TaskEvent{
		ID:     uuid.NewString(),
		TaskID: t.ID,
		Type:   typ,
		Status: t.Status,
		Actor:  actor,
		TxHash: hash,
		Reason: reason,
		Time:   m.now().UTC(),
	}
	if err := m.pub.Publish(ctx, ev); err != nil {
		m.logger.WithError(err).WithFields(log.Fields{"task": t.ID, "event": typ}).Error("task.event.publish_failed")
	}
}
