/*
lifecycle.go - Reward lifecycle state machine

PURPOSE:
  Governs a patient's reward from "nothing owed" to "paid".

STATES:
  ┌────────────────┐  converted + referrer  ┌─────────┐   Pay()   ┌──────┐
  │ not_applicable │ ─────────────────────▶ │ pending │ ────────▶ │ paid │
  └────────────────┘ ◀───────────────────── └─────────┘           └──────┘
                        not converted or
                          no referrer

  paid is terminal: no edit moves a patient out of it.

RECONCILE (on every patient create/update):
  paid                       -> unchanged, eligible or not
  not eligible               -> not_applicable, amount 0
  eligible, not_applicable   -> pending, amount = commission(spend)
  eligible, pending          -> pending; amount recomputed when
                                RecomputePending is set, frozen otherwise

PAY:
  Only valid from pending. Anything else is an *InvalidTransitionError.

SNAPSHOT SEMANTICS:
  The amount is fixed at computation time. Changing a referrer's rate or
  the clinic default later does not touch existing rewards.

SEE ALSO:
  - service.go: PayReward writes the Reward row and flips the status
*/
package referral

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS
// =============================================================================

type RewardStatus string

const (
	StatusNotApplicable RewardStatus = "not_applicable"
	StatusPending       RewardStatus = "pending"
	StatusPaid          RewardStatus = "paid"
)

// ParseRewardStatus rejects anything outside the three known states.
func ParseRewardStatus(s string) (RewardStatus, error) {
	switch st := RewardStatus(s); st {
	case StatusNotApplicable, StatusPending, StatusPaid:
		return st, nil
	case "":
		return StatusNotApplicable, nil
	default:
		return "", fmt.Errorf("unknown reward status %q", s)
	}
}

// RewardState is the pair of fields the lifecycle owns on a patient.
type RewardState struct {
	Status RewardStatus
	Amount decimal.Decimal
}

func stateOf(p *Patient) RewardState {
	return RewardState{Status: p.RewardStatus, Amount: p.RewardAmount}
}

func (s RewardState) applyTo(p *Patient) {
	p.RewardStatus = s.Status
	p.RewardAmount = s.Amount
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Lifecycle holds the one configurable product decision: whether editing a
// pending patient recomputes the reward amount.
type Lifecycle struct {
	RecomputePending bool
}

// DefaultLifecycle recomputes pending amounts on edit.
func DefaultLifecycle() Lifecycle {
	return Lifecycle{RecomputePending: true}
}

// Reconcile returns the state a patient should be in after a create/update.
// computed is the commission for the patient's current spend and referrer.
// A paid state is kept as is, so a patient can never be paid twice.
func (lc Lifecycle) Reconcile(prev RewardState, eligible bool, computed decimal.Decimal) RewardState {
	if prev.Status == StatusPaid {
		return prev
	}
	if !eligible {
		return RewardState{Status: StatusNotApplicable, Amount: decimal.Zero}
	}

	switch prev.Status {
	case StatusPending:
		if lc.RecomputePending {
			return RewardState{Status: StatusPending, Amount: computed}
		}
		return prev
	default:
		return RewardState{Status: StatusPending, Amount: computed}
	}
}

// Pay validates the pending -> paid transition for patient id. The paid
// state records the amount actually handed out, which may differ from the
// pending amount when a gift or a negotiated cash amount was chosen.
func (lc Lifecycle) Pay(id PatientID, prev RewardState, paid decimal.Decimal) (RewardState, error) {
	if prev.Status != StatusPending {
		return prev, &InvalidTransitionError{PatientID: id, From: prev.Status, To: StatusPaid}
	}
	return RewardState{Status: StatusPaid, Amount: paid}, nil
}
