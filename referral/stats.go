/*
stats.go - Referrer stats recomputation

PURPOSE:
  Each referrer row carries four cached counters so list pages don't have
  to aggregate on every request. Those counters are DERIVED state: they are
  always re-derived from scratch from the patient and reward rows, never
  incremented or decremented in place.

DERIVATION:
  TotalReferrals      = patients whose referrer is R
  SuccessfulReferrals = those patients with Converted = true
  TotalRewards        = Σ Reward.Amount where Reward.ReferrerID = R
                        (only paid rewards exist as rows)
  PendingRewards      = Σ Patient.RewardAmount for R's converted patients
                        whose status is pending

PROPERTIES:
  - Pure: ComputeStats has no side effects
  - Idempotent: running it twice without a mutation gives identical stats
  - Order-independent: input slices may come in any order

WHEN IT RUNS:
  After every mutation that can move any of the four numbers: patient
  create/update/delete (old AND new referrer on reassignment), reward pay,
  ad-hoc reward grant. See service.go.

SEE ALSO:
  - api/scheduler.go: periodic drift repair using RecomputeAll
*/
package referral

import "github.com/shopspring/decimal"

// ComputeStats derives the counters for id. Rows belonging to other
// referrers are ignored, so callers may pass unfiltered slices.
func ComputeStats(id ReferrerID, patients []Patient, rewards []Reward) Stats {
	stats := Stats{
		TotalRewards:   decimal.Zero,
		PendingRewards: decimal.Zero,
	}

	for i := range patients {
		p := &patients[i]
		if !p.HasReferrer(id) {
			continue
		}
		stats.TotalReferrals++
		if !p.Converted {
			continue
		}
		stats.SuccessfulReferrals++
		if p.RewardStatus == StatusPending {
			stats.PendingRewards = stats.PendingRewards.Add(p.RewardAmount)
		}
	}

	for _, rw := range rewards {
		if rw.ReferrerID == id {
			stats.TotalRewards = stats.TotalRewards.Add(rw.Amount)
		}
	}

	return stats
}

// RecomputeResult is returned by Service.Recompute.
type RecomputeResult struct {
	ReferrerID ReferrerID
	Before     Stats
	After      Stats
}

// Drifted reports whether the stored counters disagreed with the ledger.
func (r RecomputeResult) Drifted() bool {
	return !r.Before.Equal(r.After)
}
