package referral_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/xinjie/referral-engine/referral"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, want, got.StringFixed(referral.MoneyPlaces), msgAndArgs...)
}

func referrerWithRate(rate string) *referral.Referrer {
	r := &referral.Referrer{ID: 1, Name: "Li", Status: referral.ReferrerActive}
	if rate != "" {
		r.CommissionRate = decPtr(rate)
	}
	return r
}
