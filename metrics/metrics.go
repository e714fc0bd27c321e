package metrics

import "time"

// Outcome labels shared by payout metrics.
const (
	OutcomeAccepted    = "accepted"
	OutcomeRecovered   = "recovered"
	OutcomeRejected    = "rejected"
	OutcomeUnavailable = "unavailable"
	OutcomeInFlight    = "in_flight"
	OutcomeSuccess     = "success"
	OutcomeConfirmed   = "confirmed"
	OutcomeFailed      = "failed"
	OutcomeExpired     = "expired"
)

type PayoutMetrics interface {
	PayoutSubmitted(outcome string)
	ClaimFinished(outcome string)
	PayoutReconciled(outcome string)
	PendingPayouts(n int)
	LedgerLatency(op string, d time.Duration)
}

// Nop discards all observations.
type Nop struct{}

func (Nop) PayoutSubmitted(string)              {}
func (Nop) ClaimFinished(string)                {}
func (Nop) PayoutReconciled(string)             {}
func (Nop) PendingPayouts(int)                  {}
func (Nop) LedgerLatency(string, time.Duration) {}
