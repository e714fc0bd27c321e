package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
)

func TestTaskMarshalOmitsUnsetPayout(t *testing.T) {
	task := Task{ID: "t1", Title: "Title", Reward: decimal.RequireFromString("100"), TokenAddress: "T1", Status: StatusOpen}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}

	if strings.Contains(string(payload), "\"payout\"") {
		t.Fatalf("expected payout to be omitted, got %s", payload)
	}
	if !strings.Contains(string(payload), "\"status\":\"OPEN\"") {
		t.Fatalf("expected status field, got %s", payload)
	}
	if !strings.Contains(string(payload), "\"reward\":\"100\"") {
		t.Fatalf("expected reward encoded as string, got %s", payload)
	}
}

func TestStatusNextFollowsLifecycle(t *testing.T) {
	chain := []Status{StatusOpen, StatusInProgress, StatusCompleted, StatusVerified, StatusPaid}
	for i := 0; i < len(chain)-1; i++ {
		next, ok := chain[i].Next()
		if !ok || next != chain[i+1] {
			t.Fatalf("expected %s -> %s, got %s (ok=%v)", chain[i], chain[i+1], next, ok)
		}
		if !chain[i].Before(chain[i+1]) {
			t.Fatalf("expected %s before %s", chain[i], chain[i+1])
		}
	}
	if _, ok := StatusPaid.Next(); ok {
		t.Fatalf("PAID must be terminal")
	}
	if Status("DONE").Valid() {
		t.Fatalf("unexpected valid status")
	}
}

func TestTaskCloneDetachesPointers(t *testing.T) {
	now := time.Now()
	orig := Task{ID: "t1", PaidAt: &now, Payout: &Payout{Hash: "h", ConfirmedAt: &now}}
	cp := orig.Clone()
	later := now.Add(time.Hour)
	*cp.PaidAt = later
	cp.Payout.Hash = "other"
	*cp.Payout.ConfirmedAt = later

	if !orig.PaidAt.Equal(now) || orig.Payout.Hash != "h" || !orig.Payout.ConfirmedAt.Equal(now) {
		t.Fatalf("clone shares state with original: %#v", orig)
	}
}
