/*
Package referral provides the referral ledger engine for a dental clinic.

PURPOSE:
  Tracks who referred which patient, what each converted patient is owed as
  commission, and what has actually been paid out. The package owns the
  business rules; persistence and HTTP live in store/sqlite and api.

KEY CONCEPTS IN THIS FILE (types.go):
  - Referrer: a person or business credited with bringing in patients
  - Patient: a referred individual with spend and conversion tracking
  - GiftItem: a non-cash reward that can be handed out instead of cash
  - Reward: an immutable ledger entry recording a paid commission
  - Stats: denormalized per-referrer counters (derived, never hand-edited)

DESIGN PRINCIPLES:
  1. Derived state is recomputed, never patched: see stats.go
  2. Precision: money uses decimal.Decimal, never float64
  3. Explicit state machine: RewardStatus is an enum, see lifecycle.go
  4. Rewards are append-only: a paid reward is never updated or deleted

SEE ALSO:
  - commission.go: rate resolution and reward computation
  - inventory.go: gift redemption and stock bookkeeping
  - service.go: orchestration of mutations + recompute
*/
package referral

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ReferrerID int64
type PatientID int64
type GiftID int64
type RewardID int64

// =============================================================================
// MONEY
// =============================================================================

// MoneyPlaces is the number of decimal places kept for currency amounts.
const MoneyPlaces = 2

// RoundMoney rounds to cents, half away from zero.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// NewMoney builds a rounded amount from a float literal. Tests and seed data only.
func NewMoney(v float64) decimal.Decimal {
	return RoundMoney(decimal.NewFromFloat(v))
}

// ParseMoney parses a decimal string such as "2000" or "199.90".
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// =============================================================================
// REFERRER
// =============================================================================

type ReferrerStatus string

const (
	ReferrerActive   ReferrerStatus = "active"
	ReferrerInactive ReferrerStatus = "inactive"
)

// Common referrer categories. Category is free-form; these are the
// values the clinic uses most.
const (
	CategoryExistingPatient = "existing patient"
	CategoryStaff           = "staff referral"
	CategoryPartner         = "partner business"
)

// Stats are the denormalized counters kept on each referrer.
// Only Stats Recomputation writes them.
type Stats struct {
	TotalReferrals      int
	SuccessfulReferrals int
	TotalRewards        decimal.Decimal // sum of paid Reward rows
	PendingRewards      decimal.Decimal // sum of pending patient reward amounts
}

// Equal reports whether two stats snapshots carry the same counters.
func (s Stats) Equal(o Stats) bool {
	return s.TotalReferrals == o.TotalReferrals &&
		s.SuccessfulReferrals == o.SuccessfulReferrals &&
		s.TotalRewards.Equal(o.TotalRewards) &&
		s.PendingRewards.Equal(o.PendingRewards)
}

type Referrer struct {
	ID       ReferrerID
	Name     string
	Phone    string
	Gender   string
	Category string

	// CommissionRate overrides the clinic default when set and non-zero.
	CommissionRate *decimal.Decimal

	Status    ReferrerStatus
	Notes     string
	CreatedAt time.Time

	Stats Stats
}

func (r *Referrer) IsActive() bool { return r.Status == ReferrerActive }

// =============================================================================
// PATIENT
// =============================================================================

type Patient struct {
	ID     PatientID
	Name   string
	Phone  string
	Gender string
	Age    *int

	// ReferrerID is nil for walk-in patients. It may also point at a
	// referrer that has since been deleted.
	ReferrerID *ReferrerID

	ReferralDate time.Time
	Treatment    string
	Spend        decimal.Decimal
	Converted    bool

	RewardAmount decimal.Decimal
	RewardStatus RewardStatus

	Notes     string
	CreatedAt time.Time
}

// RewardEligible is the conjunction that makes a reward owed.
func (p *Patient) RewardEligible() bool {
	return p.Converted && p.ReferrerID != nil
}

// HasReferrer reports whether the patient is attached to id.
func (p *Patient) HasReferrer(id ReferrerID) bool {
	return p.ReferrerID != nil && *p.ReferrerID == id
}

// =============================================================================
// GIFT ITEM
// =============================================================================

type GiftItem struct {
	ID       GiftID
	Name     string
	Category string

	Cost      decimal.Decimal // internal, never shown to the referrer
	GiftValue decimal.Decimal // credited toward the reward

	Stock  int // 0 = unlimited
	Active bool

	Notes     string
	CreatedAt time.Time
}

func (g *GiftItem) Unlimited() bool { return g.Stock == 0 }

// =============================================================================
// REWARD - immutable ledger entry
// =============================================================================

type RewardType string

const (
	RewardCash      RewardType = "cash"
	RewardRedPacket RewardType = "red_packet"
	RewardGift      RewardType = "gift"
	RewardService   RewardType = "service"
	RewardVoucher   RewardType = "voucher"
	RewardPoints    RewardType = "points"
)

// Known reports whether t is one of the listed reward types. Free-text types
// are stored as given but reported to metrics as "other".
func (t RewardType) Known() bool {
	switch t {
	case RewardCash, RewardRedPacket, RewardGift, RewardService, RewardVoucher, RewardPoints:
		return true
	}
	return false
}

// Reward records one payout. Rewards are append-only.
type Reward struct {
	ID         RewardID
	ReferrerID ReferrerID
	PatientID  *PatientID // nil for grants not tied to a conversion

	Type   RewardType
	Label  string // human-readable description, e.g. gift label
	Amount decimal.Decimal
	Date   time.Time
	Notes  string

	GiftID   *GiftID
	Quantity int

	CreatedAt time.Time
}

// =============================================================================
// SETTINGS
// =============================================================================

// SettingDefaultCommissionRate is the only setting key used by the engine.
const SettingDefaultCommissionRate = "default_commission_rate"

// =============================================================================
// DATES
// =============================================================================

// DateLayout is the calendar-date format used for referral and reward dates.
const DateLayout = "2006-01-02"

// Today returns the current date truncated to midnight UTC.
func Today() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour)
}
