package domain

import "time"

// EventType names a committed task change.
type EventType string

const (
	TaskCreated         EventType = "task-created"
	TaskAssigned        EventType = "task-assigned"
	TaskCompleted       EventType = "task-completed"
	TaskVerified        EventType = "task-verified"
	TaskPaid            EventType = "task-paid"
	TaskPayoutConfirmed EventType = "task-payout-confirmed"
	TaskPayoutFailed    EventType = "task-payout-failed"
	TaskPayoutRetried   EventType = "task-payout-retried"
)

// TaskEvent is emitted after a task change has been stored.
type TaskEvent struct {
	ID     string    `json:"id"`
	TaskID string    `json:"taskId"`
	Type   EventType `json:"type"`
	Status Status    `json:"status"`
	Actor  string    `json:"actor,omitempty"`
	TxHash string    `json:"txHash,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Time   time.Time `json:"time"`
}
