package storage

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"build-earn/domain"
)

// taskRecord is the flattened form of a task shared by the table and SQL
// backends. Timestamps are RFC 3339 strings; the payout is kept as JSON with
// its hash and state duplicated for filtering.
type taskRecord struct {
	ID           string
	Title        string
	Description  string
	Reward       string
	TokenAddress string
	Status       string
	AssignedTo   string
	CreatedAt    time.Time
	CompletedAt  *time.Time
	VerifiedAt   *time.Time
	PaidAt       *time.Time
	PayoutHash   string
	PayoutState  string
	Payout       []byte
}

func toRecord(t domain.Task) (taskRecord, error) {
	rec := taskRecord{
		ID:           t.ID,
		Title:        t.Title,
		Description:  t.Description,
		Reward:       t.Reward.String(),
		TokenAddress: t.TokenAddress,
		Status:       string(t.Status),
		AssignedTo:   t.AssignedTo,
		CreatedAt:    t.CreatedAt.UTC(),
		CompletedAt:  t.CompletedAt,
		VerifiedAt:   t.VerifiedAt,
		PaidAt:       t.PaidAt,
	}
	if t.Payout != nil {
		payload, err := sonic.Marshal(t.Payout)
		if err != nil {
			return taskRecord{}, fmt.Errorf("encode payout: %w", err)
		}
		rec.Payout = payload
		rec.PayoutHash = t.Payout.Hash
		rec.PayoutState = string(t.Payout.State)
	}
	return rec, nil
}

func (r taskRecord) task() (domain.Task, error) {
	reward, err := decimal.NewFromString(r.Reward)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: reward %q: %w", r.ID, r.Reward, err)
	}
	status := domain.Status(r.Status)
	if !status.Valid() {
		return domain.Task{}, fmt.Errorf("task %s: unknown status %q", r.ID, r.Status)
	}
	t := domain.Task{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description,
		Reward:       reward,
		TokenAddress: r.TokenAddress,
		Status:       status,
		AssignedTo:   r.AssignedTo,
		CreatedAt:    r.CreatedAt.UTC(),
		CompletedAt:  utcPtr(r.CompletedAt),
		VerifiedAt:   utcPtr(r.VerifiedAt),
		PaidAt:       utcPtr(r.PaidAt),
	}
	if len(r.Payout) > 0 {
		var p domain.Payout
		if err := sonic.Unmarshal(r.Payout, &p); err != nil {
			return domain.Task{}, fmt.Errorf("task %s: decode payout: %w", r.ID, err)
		}
		t.Payout = &p
	}
	return t, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
