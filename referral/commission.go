/*
commission.go - Commission policy

PURPOSE:
  Decides how much a referrer earns for a converted patient.

RATE RESOLUTION (first match wins):
  1. Referrer.CommissionRate, when set and non-zero
  2. Clinic-wide default, loaded from the settings table at startup
  3. FallbackCommissionRate (10%)

  Resolution never fails: a missing or unusable value degrades to the next
  level.

ROUNDING:
  reward = round(spend × rate / 100, 2), rounding half away from zero
  (decimal.Round). For non-negative money this is ordinary half-up rounding,
  the same as the clinic's paper ledger.

EXAMPLE:
  policy := referral.NewCommissionPolicy()
  policy.SetDefaultRate(decimal.NewFromInt(8))
  policy.ComputeReward(decimal.NewFromInt(2000), &li) // 160.00

SEE ALSO:
  - lifecycle.go: decides when a computed reward is (re)applied
  - service.go: LoadSettings / SetDefaultCommissionRate
*/
package referral

import (
	"sync"

	"github.com/shopspring/decimal"
)

// FallbackCommissionRate is used when neither the referrer nor the clinic
// settings provide a usable rate.
var FallbackCommissionRate = decimal.NewFromInt(10)

var hundred = decimal.NewFromInt(100)

// CommissionPolicy holds the clinic-wide default rate.
// Safe for concurrent use.
type CommissionPolicy struct {
	mu          sync.RWMutex
	defaultRate *decimal.Decimal
}

func NewCommissionPolicy() *CommissionPolicy {
	return &CommissionPolicy{}
}

// SetDefaultRate installs the clinic default. A non-positive rate clears it.
func (p *CommissionPolicy) SetDefaultRate(rate decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !rate.IsPositive() {
		p.defaultRate = nil
		return
	}
	r := rate
	p.defaultRate = &r
}

// DefaultRate returns the effective clinic default (fallback included).
func (p *CommissionPolicy) DefaultRate() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.defaultRate != nil {
		return *p.defaultRate
	}
	return FallbackCommissionRate
}

// ResolveRate returns the percentage that applies to r. r may be nil.
func (p *CommissionPolicy) ResolveRate(r *Referrer) decimal.Decimal {
	if r != nil && r.CommissionRate != nil && !r.CommissionRate.IsZero() {
		return *r.CommissionRate
	}
	return p.DefaultRate()
}

// ComputeReward applies the resolved rate to spend.
func (p *CommissionPolicy) ComputeReward(spend decimal.Decimal, r *Referrer) decimal.Decimal {
	return RoundMoney(spend.Mul(p.ResolveRate(r)).Div(hundred))
}
