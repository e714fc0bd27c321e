package domain

import (
	"fmt"
	"time"
)

// TimeBoundKind selects how the claim predicate compares against the timestamp.
type TimeBoundKind string

const (
	// Before permits a claim strictly prior to the timestamp.
	Before TimeBoundKind = "Before"
	// After permits a claim from the timestamp onward.
	After TimeBoundKind = "After"
)

// ClockSkewAllowance backdates immediate payouts so the claim is valid from
// issuance even when the ledger clock trails ours.
const ClockSkewAllowance = 60 * time.Second

// TimeBound gates when a claimable balance may be claimed.
type TimeBound struct {
	Kind      TimeBoundKind `json:"kind"`
	Timestamp uint64        `json:"timestamp"`
}

// ImmediateTimeBound returns the predicate used for payouts that are claimable
// right away.
func ImmediateTimeBound(now time.Time) TimeBound {
	return AfterTime(now.Add(-ClockSkewAllowance))
}

// AfterTime returns a bound that opens at t.
func AfterTime(t time.Time) TimeBound {
	return TimeBound{Kind: After, Timestamp: unixSeconds(t)}
}

// BeforeTime returns a bound that closes at t; a claim at t is refused.
func BeforeTime(t time.Time) TimeBound {
	return TimeBound{Kind: Before, Timestamp: unixSeconds(t)}
}

func unixSeconds(t time.Time) uint64 {
	s := t.Unix()
	if s < 0 {
		return 0
	}
	return uint64(s)
}

// Validate checks that the kind is known.
func (tb TimeBound) Validate() error {
	switch tb.Kind {
	case Before, After:
		return nil
	default:
		return fmt.Errorf("%w: unknown time bound kind %q", ErrInvalidInput, tb.Kind)
	}
}

// Permits reports whether a claim at now satisfies the predicate, mirroring
// the contract's check.
func (tb TimeBound) Permits(now time.Time) bool {
	ts := unixSeconds(now)
	switch tb.Kind {
	case Before:
		return ts < tb.Timestamp
	case After:
		return ts >= tb.Timestamp
	default:
		return false
	}
}

// Time returns the bound's timestamp as a time value.
func (tb TimeBound) Time() time.Time {
	return time.Unix(int64(tb.Timestamp), 0).UTC()
}
