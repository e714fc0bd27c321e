package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle stage of a bounty task.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusVerified   Status = "VERIFIED"
	StatusPaid       Status = "PAID"
)

var statusOrder = map[Status]int{
	StatusOpen:       0,
	StatusInProgress: 1,
	StatusCompleted:  2,
	StatusVerified:   3,
	StatusPaid:       4,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := statusOrder[s]
	return ok
}

// Next returns the status that directly follows s. PAID has no successor.
func (s Status) Next() (Status, bool) {
	switch s {
	case StatusOpen:
		return StatusInProgress, true
	case StatusInProgress:
		return StatusCompleted, true
	case StatusCompleted:
		return StatusVerified, true
	case StatusVerified:
		return StatusPaid, true
	default:
		return "", false
	}
}

// Before reports whether s precedes other in the lifecycle.
func (s Status) Before(other Status) bool {
	return statusOrder[s] < statusOrder[other]
}

// PayoutState tracks the ledger side of a PAID task. The task advances to PAID
// when the deposit is accepted for processing; the payout state records whether
// the ledger later confirmed or dropped it.
type PayoutState string

const (
	PayoutPending   PayoutState = "pending"
	PayoutConfirmed PayoutState = "confirmed"
	PayoutFailed    PayoutState = "failed"
)

// Payout describes the deposit submission backing a PAID task.
type Payout struct {
	Hash          string      `json:"hash"`
	State         PayoutState `json:"state"`
	SubmittedAt   time.Time   `json:"submittedAt"`
	ExpiresAt     time.Time   `json:"expiresAt"`
	ConfirmedAt   *time.Time  `json:"confirmedAt,omitempty"`
	FailureReason string      `json:"failureReason,omitempty"`
	Attempts      int         `json:"attempts"`
}

// Task represents a single bounty.
type Task struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Reward       decimal.Decimal `json:"reward"`
	TokenAddress string          `json:"tokenAddress"`
	Status       Status          `json:"status"`
	AssignedTo   string          `json:"assignedTo,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	VerifiedAt   *time.Time      `json:"verifiedAt,omitempty"`
	PaidAt       *time.Time      `json:"paidAt,omitempty"`
	Payout       *Payout         `json:"payout,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate stored records through
// shared pointers.
func (t Task) Clone() Task {
	out := t
	out.CompletedAt = cloneTime(t.CompletedAt)
	out.VerifiedAt = cloneTime(t.VerifiedAt)
	out.PaidAt = cloneTime(t.PaidAt)
	if t.Payout != nil {
		p := *t.Payout
		p.ConfirmedAt = cloneTime(t.Payout.ConfirmedAt)
		out.Payout = &p
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NewTask carries the caller supplied fields of a task.
type NewTask struct {
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Reward       decimal.Decimal `json:"reward"`
	TokenAddress string          `json:"tokenAddress"`
}

// TaskState is the part of a task a conditional store update is guarded on.
type TaskState struct {
	Status      Status
	PayoutHash  string
	PayoutState PayoutState
}

// State returns the guard state of t.
func (t Task) State() TaskState {
	s := TaskState{Status: t.Status}
	if t.Payout != nil {
		s.PayoutHash = t.Payout.Hash
		s.PayoutState = t.Payout.State
	}
	return s
}

// TaskFilter narrows a task listing. Zero fields match everything.
type TaskFilter struct {
	Status      Status
	PayoutState PayoutState
	Limit       int
}

// Match reports whether t passes the filter.
func (f TaskFilter) Match(t Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.PayoutState != "" && (t.Payout == nil || t.Payout.State != f.PayoutState) {
		return false
	}
	return true
}
