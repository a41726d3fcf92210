package referral_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xinjie/referral-engine/referral"
)

func TestResolveRate_Precedence(t *testing.T) {
	policy := referral.NewCommissionPolicy()

	// No default installed: fallback 10%
	assertMoney(t, "10.00", policy.ResolveRate(nil))
	assertMoney(t, "10.00", policy.ResolveRate(referrerWithRate("")))

	policy.SetDefaultRate(dec("8"))
	assertMoney(t, "8.00", policy.ResolveRate(referrerWithRate("")))

	// Override wins over the default
	assertMoney(t, "15.00", policy.ResolveRate(referrerWithRate("15")))

	// A zero override means "use the default"
	assertMoney(t, "8.00", policy.ResolveRate(referrerWithRate("0")))
}

func TestSetDefaultRate_NonPositiveClears(t *testing.T) {
	policy := referral.NewCommissionPolicy()
	policy.SetDefaultRate(dec("12"))
	assertMoney(t, "12.00", policy.DefaultRate())

	policy.SetDefaultRate(dec("0"))
	assertMoney(t, "10.00", policy.DefaultRate())

	policy.SetDefaultRate(dec("5"))
	policy.SetDefaultRate(dec("-3"))
	assertMoney(t, "10.00", policy.DefaultRate())
}

func TestComputeReward(t *testing.T) {
	policy := referral.NewCommissionPolicy()

	tests := []struct {
		name  string
		spend string
		rate  string
		want  string
	}{
		{"default 10% of 2000", "2000", "", "200.00"},
		{"override 8%", "2000", "8", "160.00"},
		{"zero spend", "0", "", "0.00"},
		{"fractional rate", "999", "7.5", "74.93"},
		{"half rounds up", "0.05", "10", "0.01"},
		{"cents", "1234.56", "12", "148.15"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.ComputeReward(dec(tt.spend), referrerWithRate(tt.rate))
			assertMoney(t, tt.want, got)
		})
	}
}

func TestComputeReward_NilReferrerUsesDefault(t *testing.T) {
	policy := referral.NewCommissionPolicy()
	policy.SetDefaultRate(dec("5"))
	assertMoney(t, "50.00", policy.ComputeReward(dec("1000"), nil))
}

func TestCommissionPolicy_ConcurrentAccess(t *testing.T) {
	policy := referral.NewCommissionPolicy()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			policy.SetDefaultRate(dec("12"))
		}()
		go func() {
			defer wg.Done()
			_ = policy.ComputeReward(dec("100"), nil)
		}()
	}
	wg.Wait()
	assert.True(t, policy.DefaultRate().Equal(dec("12")))
}
