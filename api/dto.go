/*
dto.go - Data Transfer Objects for the HTTP API

PURPOSE:
  Defines the JSON structures for API requests and responses. DTOs
  decouple the API contract from the referral domain types.

WHY SEPARATE DTOs:
  - Domain types use decimal.Decimal and typed ids; JSON uses strings and ints
  - Domain types carry internal fields (gift cost is hidden from referrers)
  - API stability: domain can change without breaking clients

MONEY:
  Amounts in requests accept either a JSON number or a string ("199.90").
  Amounts in responses are always strings with two decimals.

DATES:
  Calendar dates are "YYYY-MM-DD". Timestamps are RFC 3339.

SEE ALSO:
  - handlers.go: Uses these DTOs
  - referral/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xinjie/referral-engine/referral"
)

// =============================================================================
// REFERRER DTOs
// =============================================================================

// ReferrerRequest creates or replaces a referrer's profile.
type ReferrerRequest struct {
	Name           string           `json:"name" validate:"required,max=100"`
	Phone          string           `json:"phone" validate:"max=32"`
	Gender         string           `json:"gender" validate:"max=16"`
	Category       string           `json:"category" validate:"max=64"`
	CommissionRate *decimal.Decimal `json:"commission_rate"`
	Status         string           `json:"status" validate:"omitempty,oneof=active inactive"`
	Notes          string           `json:"notes"`
}

// CountersDTO mirrors referral.Stats.
type CountersDTO struct {
	TotalReferrals      int    `json:"total_referrals"`
	SuccessfulReferrals int    `json:"successful_referrals"`
	TotalRewards        string `json:"total_rewards"`
	PendingRewards      string `json:"pending_rewards"`
}

type ReferrerDTO struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Gender   string `json:"gender"`
	Category string `json:"category"`

	CommissionRate *string `json:"commission_rate"` // null = clinic default
	EffectiveRate  string  `json:"effective_rate"`

	Status    string `json:"status"`
	Notes     string `json:"notes"`
	CreatedAt string `json:"created_at"`

	CountersDTO
}

// =============================================================================
// PATIENT DTOs
// =============================================================================

type PatientRequest struct {
	Name         string          `json:"name" validate:"required,max=100"`
	Phone        string          `json:"phone" validate:"max=32"`
	Gender       string          `json:"gender" validate:"max=16"`
	Age          *int            `json:"age" validate:"omitempty,min=0,max=150"`
	ReferrerID   *int64          `json:"referrer_id" validate:"omitempty,gt=0"`
	ReferralDate string          `json:"referral_date" validate:"omitempty,datetime=2006-01-02"`
	Treatment    string          `json:"treatment"`
	Spend        decimal.Decimal `json:"spend"`
	Converted    bool            `json:"converted"`
	Notes        string          `json:"notes"`
}

type PatientDTO struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Gender       string `json:"gender"`
	Age          *int   `json:"age"`
	ReferrerID   *int64 `json:"referrer_id"`
	ReferrerName string `json:"referrer_name,omitempty"`
	ReferralDate string `json:"referral_date"`
	Treatment    string `json:"treatment"`
	Spend        string `json:"spend"`
	Converted    bool   `json:"converted"`
	RewardAmount string `json:"reward_amount"`
	RewardStatus string `json:"reward_status"`
	Notes        string `json:"notes"`
	CreatedAt    string `json:"created_at"`
}

// =============================================================================
// REWARD DTOs
// =============================================================================

// PayRequest settles a patient's pending reward. With neither amount nor
// gift_id, the pending amount is paid in cash.
type PayRequest struct {
	Type     string           `json:"reward_type" validate:"omitempty,oneof=cash red_packet gift service voucher points"`
	Amount   *decimal.Decimal `json:"amount"`
	GiftID   *int64           `json:"gift_id" validate:"omitempty,gt=0"`
	Quantity int              `json:"quantity" validate:"min=0"`
	Date     string           `json:"reward_date" validate:"omitempty,datetime=2006-01-02"`
	Notes    string           `json:"notes"`
}

// GrantRequest records a reward that isn't tied to a patient.
type GrantRequest struct {
	ReferrerID int64 `json:"referrer_id" validate:"required,gt=0"`
	PayRequest
}

type RewardDTO struct {
	ID           int64  `json:"id"`
	ReferrerID   int64  `json:"referrer_id"`
	ReferrerName string `json:"referrer_name,omitempty"`
	PatientID    *int64 `json:"patient_id"`
	Type         string `json:"reward_type"`
	Label        string `json:"label"`
	Amount       string `json:"amount"`
	Date         string `json:"reward_date"`
	Notes        string `json:"notes"`
	GiftID       *int64 `json:"gift_id,omitempty"`
	Quantity     int    `json:"quantity,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// =============================================================================
// GIFT DTOs
// =============================================================================

type GiftRequest struct {
	Name      string           `json:"name" validate:"required,max=100"`
	Category  string           `json:"category" validate:"max=64"`
	Cost      decimal.Decimal  `json:"cost"`
	GiftValue *decimal.Decimal `json:"gift_value"`
	Stock     int              `json:"stock" validate:"min=0"`
	Active    *bool            `json:"is_active"`
	Notes     string           `json:"notes"`
}

type GiftDTO struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	Label     string `json:"label"`
	Cost      string `json:"cost"`
	GiftValue string `json:"gift_value"`
	Stock     int    `json:"stock"`
	Unlimited bool   `json:"unlimited"`
	Active    bool   `json:"is_active"`
	Notes     string `json:"notes"`
	CreatedAt string `json:"created_at"`
}

// =============================================================================
// SETTINGS, STATS, ADMIN
// =============================================================================

type SettingsRequest struct {
	DefaultCommissionRate *decimal.Decimal `json:"default_commission_rate" validate:"required"`
}

type SettingsDTO struct {
	DefaultCommissionRate string `json:"default_commission_rate"`
}

// StatsDTO is the dashboard view. Rates are percentages.
type StatsDTO struct {
	ActiveReferrers    int           `json:"active_referrers"`
	TotalPatients      int           `json:"total_patients"`
	Converted          int           `json:"converted"`
	ConversionRate     string        `json:"conversion_rate"`
	Revenue            string        `json:"revenue"`
	AverageConsumption string        `json:"average_consumption"`
	TotalPaid          string        `json:"total_paid"`
	TotalPending       string        `json:"total_pending"`
	ROI                string        `json:"roi"`
	DefaultRate        string        `json:"default_commission_rate"`
	TopReferrers       []ReferrerDTO `json:"top_referrers"`
}

type RecomputeDTO struct {
	ReferrerID int64       `json:"referrer_id"`
	Drifted    bool        `json:"drifted"`
	Before     CountersDTO `json:"before"`
	After      CountersDTO `json:"after"`
}

// RecomputeResponse summarizes a full recompute.
type RecomputeResponse struct {
	Referrers int            `json:"referrers"`
	Drifted   int            `json:"drifted"`
	Results   []RecomputeDTO `json:"results"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(referral.MoneyPlaces)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(referral.DateLayout)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// parseDate accepts "" (zero time, meaning today) or YYYY-MM-DD.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(referral.DateLayout, s, time.UTC)
}

func toCountersDTO(s referral.Stats) CountersDTO {
	return CountersDTO{
		TotalReferrals:      s.TotalReferrals,
		SuccessfulReferrals: s.SuccessfulReferrals,
		TotalRewards:        money(s.TotalRewards),
		PendingRewards:      money(s.PendingRewards),
	}
}

func toReferrerDTO(r referral.Referrer, policy *referral.CommissionPolicy) ReferrerDTO {
	dto := ReferrerDTO{
		ID:            int64(r.ID),
		Name:          r.Name,
		Phone:         r.Phone,
		Gender:        r.Gender,
		Category:      r.Category,
		EffectiveRate: policy.ResolveRate(&r).String(),
		Status:        string(r.Status),
		Notes:         r.Notes,
		CreatedAt:     formatTime(r.CreatedAt),
		CountersDTO:   toCountersDTO(r.Stats),
	}
	if r.CommissionRate != nil {
		s := r.CommissionRate.String()
		dto.CommissionRate = &s
	}
	return dto
}

func (req ReferrerRequest) toInput() referral.ReferrerInput {
	return referral.ReferrerInput{
		Name:           req.Name,
		Phone:          req.Phone,
		Gender:         req.Gender,
		Category:       req.Category,
		CommissionRate: req.CommissionRate,
		Status:         referral.ReferrerStatus(req.Status),
		Notes:          req.Notes,
	}
}

func toPatientDTO(p referral.Patient, names map[referral.ReferrerID]string) PatientDTO {
	dto := PatientDTO{
		ID:           int64(p.ID),
		Name:         p.Name,
		Phone:        p.Phone,
		Gender:       p.Gender,
		Age:          p.Age,
		ReferralDate: formatDate(p.ReferralDate),
		Treatment:    p.Treatment,
		Spend:        money(p.Spend),
		Converted:    p.Converted,
		RewardAmount: money(p.RewardAmount),
		RewardStatus: string(p.RewardStatus),
		Notes:        p.Notes,
		CreatedAt:    formatTime(p.CreatedAt),
	}
	if p.ReferrerID != nil {
		id := int64(*p.ReferrerID)
		dto.ReferrerID = &id
		dto.ReferrerName = names[*p.ReferrerID]
	}
	return dto
}

func (req PatientRequest) toInput() (referral.PatientInput, error) {
	date, err := parseDate(req.ReferralDate)
	if err != nil {
		return referral.PatientInput{}, err
	}
	in := referral.PatientInput{
		Name:         req.Name,
		Phone:        req.Phone,
		Gender:       req.Gender,
		Age:          req.Age,
		ReferralDate: date,
		Treatment:    req.Treatment,
		Spend:        req.Spend,
		Converted:    req.Converted,
		Notes:        req.Notes,
	}
	if req.ReferrerID != nil {
		id := referral.ReferrerID(*req.ReferrerID)
		in.ReferrerID = &id
	}
	return in, nil
}

func (req PayRequest) toInput() (referral.PayInput, error) {
	date, err := parseDate(req.Date)
	if err != nil {
		return referral.PayInput{}, err
	}
	in := referral.PayInput{
		Type:     referral.RewardType(req.Type),
		Amount:   req.Amount,
		Quantity: req.Quantity,
		Date:     date,
		Notes:    req.Notes,
	}
	if req.GiftID != nil {
		id := referral.GiftID(*req.GiftID)
		in.GiftID = &id
	}
	return in, nil
}

func (req GrantRequest) toInput() (referral.GrantInput, error) {
	pay, err := req.PayRequest.toInput()
	if err != nil {
		return referral.GrantInput{}, err
	}
	return referral.GrantInput{
		ReferrerID: referral.ReferrerID(req.ReferrerID),
		Type:       pay.Type,
		Amount:     pay.Amount,
		GiftID:     pay.GiftID,
		Quantity:   pay.Quantity,
		Date:       pay.Date,
		Notes:      pay.Notes,
	}, nil
}

func toRewardDTO(rw referral.Reward, names map[referral.ReferrerID]string) RewardDTO {
	dto := RewardDTO{
		ID:           int64(rw.ID),
		ReferrerID:   int64(rw.ReferrerID),
		ReferrerName: names[rw.ReferrerID],
		Type:         string(rw.Type),
		Label:        rw.Label,
		Amount:       money(rw.Amount),
		Date:         formatDate(rw.Date),
		Notes:        rw.Notes,
		Quantity:     rw.Quantity,
		CreatedAt:    formatTime(rw.CreatedAt),
	}
	if rw.PatientID != nil {
		id := int64(*rw.PatientID)
		dto.PatientID = &id
	}
	if rw.GiftID != nil {
		id := int64(*rw.GiftID)
		dto.GiftID = &id
	}
	return dto
}

func toGiftDTO(g referral.GiftItem) GiftDTO {
	return GiftDTO{
		ID:        int64(g.ID),
		Name:      g.Name,
		Category:  g.Category,
		Label:     referral.GiftLabel(&g, 1),
		Cost:      money(g.Cost),
		GiftValue: money(g.GiftValue),
		Stock:     g.Stock,
		Unlimited: g.Unlimited(),
		Active:    g.Active,
		Notes:     g.Notes,
		CreatedAt: formatTime(g.CreatedAt),
	}
}

func (req GiftRequest) toInput() referral.GiftInput {
	return referral.GiftInput{
		Name:      req.Name,
		Category:  req.Category,
		Cost:      req.Cost,
		GiftValue: req.GiftValue,
		Stock:     req.Stock,
		Active:    req.Active,
		Notes:     req.Notes,
	}
}

func toStatsDTO(s *referral.Summary, policy *referral.CommissionPolicy) StatsDTO {
	top := make([]ReferrerDTO, len(s.TopReferrers))
	for i, r := range s.TopReferrers {
		top[i] = toReferrerDTO(r, policy)
	}
	return StatsDTO{
		ActiveReferrers:    s.ActiveReferrers,
		TotalPatients:      s.TotalPatients,
		Converted:          s.Converted,
		ConversionRate:     s.ConversionRate.StringFixed(1),
		Revenue:            money(s.Revenue),
		AverageConsumption: money(s.AverageConsumption),
		TotalPaid:          money(s.TotalPaid),
		TotalPending:       money(s.TotalPending),
		ROI:                s.ROI.StringFixed(1),
		DefaultRate:        s.DefaultRate.String(),
		TopReferrers:       top,
	}
}

func toRecomputeDTO(r referral.RecomputeResult) RecomputeDTO {
	return RecomputeDTO{
		ReferrerID: int64(r.ReferrerID),
		Drifted:    r.Drifted(),
		Before:     toCountersDTO(r.Before),
		After:      toCountersDTO(r.After),
	}
}
