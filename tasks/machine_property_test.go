package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"pgregory.net/rapid"

	"build-earn/domain"
	"build-earn/ledger"
	"build-earn/storage"
)

// TestStatusNeverRegresses drives random operation sequences against a task
// and checks that status only ever advances by exactly one step, and that
// failed operations leave the record untouched.
func TestStatusNeverRegresses(t *testing.T) {
	var key [32]byte
	token := ledger.ContractAddressFromKey(key)
	accounts := make([]string, 3)
	for i := range accounts {
		kp, _ := ledger.RandomKeypair()
		accounts[i] = kp.Address()
	}

	rapid.Check(t, func(rt *rapid.T) {
		logger, _ := test.NewNullLogger()
		m := NewMachine(storage.NewMemoryStore(), nil, logger)
		ctx := context.Background()

		task, err := m.Create(ctx, domain.NewTask{Title: "t", Description: "d", Reward: decimal.NewFromInt(1), TokenAddress: token})
		if err != nil {
			rt.Fatalf("create: %v", err)
		}

		ops := rapid.SliceOfN(rapid.IntRange(0, 7), 1, 30).Draw(rt, "ops")
		for i, op := range ops {
			before, _ := m.Get(ctx, task.ID)
			who := accounts[rapid.IntRange(0, len(accounts)-1).Draw(rt, "who")]

			var opErr error
			switch op {
			case 0:
				_, opErr = m.Assign(ctx, task.ID, who)
			case 1:
				_, opErr = m.Complete(ctx, task.ID, who)
			case 2:
				_, opErr = m.Verify(ctx, task.ID)
			case 3:
				_, opErr = m.MarkPaid(ctx, task.ID, domain.Submission{Hash: "h", SubmittedAt: time.Now(), ExpiresAt: time.Now()})
			case 4:
				_, opErr = m.ConfirmPayout(ctx, task.ID, "h")
			case 5:
				_, opErr = m.FailPayout(ctx, task.ID, "h", "expired")
			case 6:
				_, opErr = m.ResubmitPayout(ctx, task.ID, "h", domain.Submission{Hash: "h", SubmittedAt: time.Now()})
			case 7:
				_, opErr = m.Complete(ctx, task.ID, before.AssignedTo)
			}

			after, err := m.Get(ctx, task.ID)
			if err != nil {
				rt.Fatalf("get: %v", err)
			}
			if opErr != nil {
				if !errors.Is(opErr, domain.ErrInvalidTransition) && !errors.Is(opErr, domain.ErrUnauthorized) && !errors.Is(opErr, domain.ErrConcurrencyConflict) {
					rt.Fatalf("op %d: unexpected error kind: %v", i, opErr)
				}
				if after.State() != before.State() || after.AssignedTo != before.AssignedTo {
					rt.Fatalf("op %d: failed operation changed record", i)
				}
				continue
			}
			if after.Status.Before(before.Status) {
				rt.Fatalf("op %d: status regressed %s -> %s", i, before.Status, after.Status)
			}
			if after.Status != before.Status {
				next, _ := before.Status.Next()
				if after.Status != next {
					rt.Fatalf("op %d: status skipped %s -> %s", i, before.Status, after.Status)
				}
			}
			if before.AssignedTo != "" && after.AssignedTo != before.AssignedTo {
				rt.Fatalf("op %d: assignee changed", i)
			}
			for _, pair := range [][2]*time.Time{{before.CompletedAt, after.CompletedAt}, {before.VerifiedAt, after.VerifiedAt}, {before.PaidAt, after.PaidAt}} {
				if pair[0] != nil && (pair[1] == nil || !pair[0].Equal(*pair[1])) {
					rt.Fatalf("op %d: lifecycle timestamp rewritten", i)
				}
			}
		}
	})
}
