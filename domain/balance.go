package domain

import (
	"math/big"
	"time"
)

// ClaimableBalance is the escrow record held in the timelock contract's
// storage. This service never owns it; values are read-only snapshots.
type ClaimableBalance struct {
	Token     string    `json:"token"`
	Amount    *big.Int  `json:"amount"`
	Claimants []string  `json:"claimants"`
	TimeBound TimeBound `json:"timeBound"`
}

// HasClaimant reports whether account may claim the balance.
func (b ClaimableBalance) HasClaimant(account string) bool {
	for _, c := range b.Claimants {
		if c == account {
			return true
		}
	}
	return false
}

// SubmissionStatus is the ledger's acknowledgement of a submitted transaction.
type SubmissionStatus string

const (
	SubmissionPending   SubmissionStatus = "PENDING"
	SubmissionDuplicate SubmissionStatus = "DUPLICATE"
)

// Submission is the handle returned once the ledger accepted a transaction for
// processing. Acceptance is not finality.
type Submission struct {
	Hash        string           `json:"hash"`
	Status      SubmissionStatus `json:"status"`
	SubmittedAt time.Time        `json:"submittedAt"`
	ExpiresAt   time.Time        `json:"expiresAt"`
}
