/*
service.go - Referral ledger service

PURPOSE:
  The single entry point for every mutation of the ledger. Each operation
  validates its input, checks references, applies the commission policy and
  reward lifecycle, writes the rows and recomputes the stats of every
  referrer it touched, all inside one store transaction.

TRANSACTION BOUNDARY:
  mutation + recompute commit together or not at all. A failing recompute
  rolls back the mutation that triggered it.

  ┌──────────────────────────── WithTx ────────────────────────────┐
  │ validate ─▶ lookups ─▶ policy/lifecycle ─▶ writes ─▶ recompute │
  └────────────────────────────────────────────────────────────────┘

REJECTION ORDER:
  Every check (validation, not-found, transition) runs before the first
  write, so a rejected call leaves no trace even without a rollback.

REASSIGNMENT:
  Moving a patient from referrer A to B recomputes both A and B. Paid
  Reward rows stay under the referrer they were paid to.

SEE ALSO:
  - commission.go, inventory.go, lifecycle.go, stats.go: the pure rules
  - api/handlers.go: HTTP surface
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/xinjie/referral-engine/metrics"
)

// Service orchestrates ledger mutations.
type Service struct {
	store     TxStore
	policy    *CommissionPolicy
	lifecycle Lifecycle
	validate  *validator.Validate
	log       zerolog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLifecycle overrides the default reward lifecycle.
func WithLifecycle(lc Lifecycle) Option {
	return func(s *Service) { s.lifecycle = lc }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l.With().Str("component", "referral").Logger() }
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPolicy shares a commission policy between services.
func WithPolicy(p *CommissionPolicy) Option {
	return func(s *Service) { s.policy = p }
}

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:     store,
		policy:    NewCommissionPolicy(),
		lifecycle: DefaultLifecycle(),
		validate:  newValidator(),
		log:       zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Policy() *CommissionPolicy { return s.policy }

func (s *Service) Lifecycle() Lifecycle { return s.lifecycle }

func (s *Service) today() time.Time {
	return s.now().UTC().Truncate(24 * time.Hour)
}

// =============================================================================
// SETTINGS
// =============================================================================

// LoadSettings reads the persisted clinic default into the policy.
// A missing value reverts to the fallback; an unparsable one is ignored.
func (s *Service) LoadSettings(ctx context.Context) error {
	raw, ok, err := s.store.GetSetting(ctx, SettingDefaultCommissionRate)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !ok {
		s.policy.SetDefaultRate(decimal.Zero)
		return nil
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		s.log.Warn().Str("value", raw).Msg("ignoring unparsable default commission rate")
		return nil
	}
	s.policy.SetDefaultRate(rate)
	return nil
}

// SetDefaultCommissionRate persists and installs a new clinic default.
// Existing rewards keep their amounts.
func (s *Service) SetDefaultCommissionRate(ctx context.Context, rate decimal.Decimal) error {
	if !rate.IsPositive() || rate.GreaterThan(hundred) {
		return invalid("default_commission_rate", "must be greater than 0 and at most 100")
	}
	if err := s.store.PutSetting(ctx, SettingDefaultCommissionRate, rate.String()); err != nil {
		return fmt.Errorf("save setting: %w", err)
	}
	s.policy.SetDefaultRate(rate)
	s.log.Info().Str("rate", rate.String()).Msg("default commission rate changed")
	return nil
}

// =============================================================================
// REFERRERS
// =============================================================================

func (s *Service) CreateReferrer(ctx context.Context, in ReferrerInput) (*Referrer, error) {
	if err := in.check(s.validate); err != nil {
		return nil, err
	}
	r := in.toReferrer()
	r.CreatedAt = s.now().UTC()
	r.Stats = Stats{TotalRewards: decimal.Zero, PendingRewards: decimal.Zero}
	if err := s.store.CreateReferrer(ctx, &r); err != nil {
		return nil, fmt.Errorf("create referrer: %w", err)
	}
	return &r, nil
}

// UpdateReferrer edits profile fields. Stats are untouched, and changing the
// commission rate does not reprice existing rewards. An empty status keeps
// the current one.
func (s *Service) UpdateReferrer(ctx context.Context, id ReferrerID, in ReferrerInput) (*Referrer, error) {
	if err := in.check(s.validate); err != nil {
		return nil, err
	}
	var out *Referrer
	err := s.store.WithTx(ctx, func(st Store) error {
		cur, err := mustReferrer(ctx, st, id)
		if err != nil {
			return err
		}
		r := in.toReferrer()
		r.ID = cur.ID
		r.CreatedAt = cur.CreatedAt
		r.Stats = cur.Stats
		if in.Status == "" {
			r.Status = cur.Status
		}
		if err := st.UpdateReferrer(ctx, r); err != nil {
			return fmt.Errorf("update referrer: %w", err)
		}
		out = &r
		return nil
	})
	return out, err
}

func (s *Service) GetReferrer(ctx context.Context, id ReferrerID) (*Referrer, error) {
	return mustReferrer(ctx, s.store, id)
}

// ListReferrers orders by successful referrals, most first, then name.
func (s *Service) ListReferrers(ctx context.Context) ([]Referrer, error) {
	refs, err := s.store.ListReferrers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list referrers: %w", err)
	}
	sortByPerformance(refs)
	return refs, nil
}

// TopReferrers returns the best active referrers, at most limit of them.
func (s *Service) TopReferrers(ctx context.Context, limit int) ([]Referrer, error) {
	refs, err := s.ListReferrers(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Referrer{}, nil
	}
	top := make([]Referrer, 0, limit)
	for _, r := range refs {
		if len(top) == limit {
			break
		}
		if r.IsActive() {
			top = append(top, r)
		}
	}
	return top, nil
}

// DeleteReferrer removes the referrer row. Patients and rewards that point at
// it are kept; patients keep a dangling reference.
func (s *Service) DeleteReferrer(ctx context.Context, id ReferrerID) error {
	return s.store.WithTx(ctx, func(st Store) error {
		if _, err := mustReferrer(ctx, st, id); err != nil {
			return err
		}
		return st.DeleteReferrer(ctx, id)
	})
}

func (s *Service) ReferrerPatients(ctx context.Context, id ReferrerID) ([]Patient, error) {
	if _, err := mustReferrer(ctx, s.store, id); err != nil {
		return nil, err
	}
	return s.store.PatientsByReferrer(ctx, id)
}

func (s *Service) ReferrerRewards(ctx context.Context, id ReferrerID) ([]Reward, error) {
	if _, err := mustReferrer(ctx, s.store, id); err != nil {
		return nil, err
	}
	return s.store.RewardsByReferrer(ctx, id)
}

// =============================================================================
// PATIENTS
// =============================================================================

// CreatePatient registers a patient, computes any reward owed and refreshes
// the referrer's stats.
func (s *Service) CreatePatient(ctx context.Context, in PatientInput) (*Patient, error) {
	if err := in.check(s.validate); err != nil {
		return nil, err
	}
	var out *Patient
	var moved bool
	err := s.store.WithTx(ctx, func(st Store) error {
		var ref *Referrer
		if in.ReferrerID != nil {
			r, err := mustReferrer(ctx, st, *in.ReferrerID)
			if err != nil {
				return err
			}
			ref = r
		}

		p := in.toPatient(s.today())
		p.CreatedAt = s.now().UTC()
		p.RewardStatus = StatusNotApplicable
		p.RewardAmount = decimal.Zero
		moved = s.reconcile(&p, ref)

		if err := st.CreatePatient(ctx, &p); err != nil {
			return fmt.Errorf("create patient: %w", err)
		}
		if err := s.recomputeTouched(ctx, st, p.ReferrerID); err != nil {
			return err
		}
		out = &p
		return nil
	})
	if err == nil {
		if moved {
			metrics.RecordTransition(string(out.RewardStatus))
		}
		s.log.Debug().Int64("patient", int64(out.ID)).Str("reward_status", string(out.RewardStatus)).
			Str("reward_amount", out.RewardAmount.StringFixed(MoneyPlaces)).Msg("patient created")
	}
	return out, err
}

// UpdatePatient replaces the editable fields and re-runs the lifecycle.
// Both the previous and the new referrer are recomputed.
func (s *Service) UpdatePatient(ctx context.Context, id PatientID, in PatientInput) (*Patient, error) {
	if err := in.check(s.validate); err != nil {
		return nil, err
	}
	var out *Patient
	var moved bool
	err := s.store.WithTx(ctx, func(st Store) error {
		cur, err := mustPatient(ctx, st, id)
		if err != nil {
			return err
		}

		var ref *Referrer
		if in.ReferrerID != nil {
			ref, err = st.GetReferrer(ctx, *in.ReferrerID)
			if err != nil {
				return err
			}
			// A patient may keep a reference to a deleted referrer, but
			// cannot be newly attached to one.
			if ref == nil && !cur.HasReferrer(*in.ReferrerID) {
				return notFound(KindReferrer, int64(*in.ReferrerID))
			}
		}

		p := in.toPatient(cur.ReferralDate)
		p.ID = cur.ID
		p.CreatedAt = cur.CreatedAt
		stateOf(cur).applyTo(&p)
		moved = s.reconcile(&p, ref)

		if cur.RewardStatus == StatusPaid && !p.RewardEligible() {
			s.log.Warn().Int64("patient", int64(id)).Msg("paid patient is no longer eligible; paid state kept")
		}

		if err := st.UpdatePatient(ctx, p); err != nil {
			return fmt.Errorf("update patient: %w", err)
		}
		if err := s.recomputeTouched(ctx, st, cur.ReferrerID, p.ReferrerID); err != nil {
			return err
		}
		out = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if moved {
		metrics.RecordTransition(string(out.RewardStatus))
	}
	return out, nil
}

func (s *Service) GetPatient(ctx context.Context, id PatientID) (*Patient, error) {
	return mustPatient(ctx, s.store, id)
}

// ListPatients returns every patient, newest first.
func (s *Service) ListPatients(ctx context.Context) ([]Patient, error) {
	return s.store.ListPatients(ctx)
}

// DeletePatient removes the patient and refreshes the old referrer's stats.
// Rewards already paid for the patient stay in the ledger.
func (s *Service) DeletePatient(ctx context.Context, id PatientID) error {
	return s.store.WithTx(ctx, func(st Store) error {
		cur, err := mustPatient(ctx, st, id)
		if err != nil {
			return err
		}
		if err := st.DeletePatient(ctx, id); err != nil {
			return fmt.Errorf("delete patient: %w", err)
		}
		return s.recomputeTouched(ctx, st, cur.ReferrerID)
	})
}

// reconcile runs the lifecycle against p's current spend and referrer and
// reports whether the status changed.
func (s *Service) reconcile(p *Patient, ref *Referrer) bool {
	prev := stateOf(p)
	computed := s.policy.ComputeReward(p.Spend, ref)
	next := s.lifecycle.Reconcile(prev, p.RewardEligible(), computed)
	next.applyTo(p)
	return next.Status != prev.Status
}

// =============================================================================
// REWARDS
// =============================================================================

// PayReward settles a pending reward in cash or with a gift. The Reward row,
// the stock decrement, the status flip and the recompute commit together.
func (s *Service) PayReward(ctx context.Context, patientID PatientID, in PayInput) (*Reward, error) {
	if err := checkPayment(s.validate, &in, in.Amount, in.GiftID); err != nil {
		return nil, err
	}
	var out *Reward
	var redeemed *Redemption
	err := s.store.WithTx(ctx, func(st Store) error {
		p, err := mustPatient(ctx, st, patientID)
		if err != nil {
			return err
		}
		prev := stateOf(p)
		if prev.Status != StatusPending || p.ReferrerID == nil {
			return &InvalidTransitionError{PatientID: p.ID, From: prev.Status, To: StatusPaid}
		}
		if _, err := mustReferrer(ctx, st, *p.ReferrerID); err != nil {
			return err
		}

		rw, red, err := s.resolvePayout(ctx, st, in.Type, in.Amount, in.GiftID, in.Quantity, prev.Amount)
		if err != nil {
			return err
		}
		next, err := s.lifecycle.Pay(p.ID, prev, rw.Amount)
		if err != nil {
			return err
		}

		rw.ReferrerID = *p.ReferrerID
		pid := p.ID
		rw.PatientID = &pid
		rw.Date = s.dateOr(in.Date)
		rw.Notes = in.Notes
		rw.CreatedAt = s.now().UTC()

		if err := s.writePayout(ctx, st, &rw, red); err != nil {
			return err
		}
		next.applyTo(p)
		if err := st.UpdatePatient(ctx, *p); err != nil {
			return fmt.Errorf("update patient: %w", err)
		}
		if err := s.recomputeTouched(ctx, st, p.ReferrerID); err != nil {
			return err
		}
		out = &rw
		redeemed = red
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			metrics.RecordTransition("rejected")
		}
		return nil, err
	}

	metrics.RecordTransition(string(StatusPaid))
	recordPayout(out, redeemed)
	s.log.Info().Int64("patient", int64(patientID)).Int64("referrer", int64(out.ReferrerID)).
		Str("type", string(out.Type)).Str("amount", out.Amount.StringFixed(MoneyPlaces)).Msg("reward paid")
	return out, nil
}

// GrantReward records a reward that isn't tied to a patient, such as a
// holiday gift for a long-standing referrer.
func (s *Service) GrantReward(ctx context.Context, in GrantInput) (*Reward, error) {
	if err := checkPayment(s.validate, &in, in.Amount, in.GiftID); err != nil {
		return nil, err
	}
	if in.Amount == nil && in.GiftID == nil {
		return nil, invalid("amount", "is required without a gift")
	}
	var out *Reward
	var redeemed *Redemption
	err := s.store.WithTx(ctx, func(st Store) error {
		if _, err := mustReferrer(ctx, st, in.ReferrerID); err != nil {
			return err
		}
		rw, red, err := s.resolvePayout(ctx, st, in.Type, in.Amount, in.GiftID, in.Quantity, decimal.Zero)
		if err != nil {
			return err
		}
		rw.ReferrerID = in.ReferrerID
		rw.Date = s.dateOr(in.Date)
		rw.Notes = in.Notes
		rw.CreatedAt = s.now().UTC()

		if err := s.writePayout(ctx, st, &rw, red); err != nil {
			return err
		}
		if err := s.recomputeTouched(ctx, st, &in.ReferrerID); err != nil {
			return err
		}
		out = &rw
		redeemed = red
		return nil
	})
	if err != nil {
		return nil, err
	}
	recordPayout(out, redeemed)
	return out, nil
}

func (s *Service) ListRewards(ctx context.Context) ([]Reward, error) {
	return s.store.ListRewards(ctx)
}

// resolvePayout builds the unsaved Reward for a cash amount or a gift. It
// performs no writes. fallback is the cash amount used when neither is given.
func (s *Service) resolvePayout(ctx context.Context, st Store, typ RewardType, amount *decimal.Decimal,
	giftID *GiftID, quantity int, fallback decimal.Decimal) (Reward, *Redemption, error) {

	if giftID == nil {
		rw := Reward{Type: typ, Amount: fallback}
		if rw.Type == "" {
			rw.Type = RewardCash
		}
		if amount != nil {
			rw.Amount = RoundMoney(*amount)
		}
		return rw, nil, nil
	}

	gift, err := st.GetGift(ctx, *giftID)
	if err != nil {
		return Reward{}, nil, err
	}
	if gift == nil {
		return Reward{}, nil, notFound(KindGift, int64(*giftID))
	}
	if quantity == 0 {
		quantity = 1
	}
	red, err := Redeem(gift, quantity)
	if err != nil {
		return Reward{}, nil, err
	}
	rw := Reward{
		Type:     typ,
		Label:    red.Label,
		Amount:   red.Credited,
		GiftID:   &red.GiftID,
		Quantity: red.Quantity,
	}
	if rw.Type == "" {
		rw.Type = RewardGift
	}
	return rw, &red, nil
}

func (s *Service) writePayout(ctx context.Context, st Store, rw *Reward, red *Redemption) error {
	if red != nil {
		if err := st.SetGiftStock(ctx, red.GiftID, red.NewStock); err != nil {
			return fmt.Errorf("update gift stock: %w", err)
		}
	}
	if err := st.AppendReward(ctx, rw); err != nil {
		return fmt.Errorf("append reward: %w", err)
	}
	return nil
}

// recordPayout publishes a committed payout. Called only after WithTx
// returns nil so a rolled back payout is never counted.
func recordPayout(rw *Reward, red *Redemption) {
	label := string(rw.Type)
	if !rw.Type.Known() {
		label = metrics.OtherRewardType
	}
	metrics.RecordPayout(label, rw.Amount.InexactFloat64())
	if red != nil {
		metrics.RecordRedemption(int64(red.GiftID), red.Quantity)
	}
}

func (s *Service) dateOr(d time.Time) time.Time {
	if d.IsZero() {
		return s.today()
	}
	return d.UTC().Truncate(24 * time.Hour)
}

// =============================================================================
// GIFTS
// =============================================================================

func (s *Service) CreateGift(ctx context.Context, in GiftInput) (*GiftItem, error) {
	if err := in.check(s.validate); err != nil {
		return nil, err
	}
	g := in.toGift()
	g.CreatedAt = s.now().UTC()
	if err := s.store.CreateGift(ctx, &g); err != nil {
		return nil, fmt.Errorf("create gift: %w", err)
	}
	return &g, nil
}

func (s *Service) UpdateGift(ctx context.Context, id GiftID, in GiftInput) (*GiftItem, error) {
	if err := in.check(s.validate); err != nil {
		return nil, err
	}
	var out *GiftItem
	err := s.store.WithTx(ctx, func(st Store) error {
		cur, err := mustGift(ctx, st, id)
		if err != nil {
			return err
		}
		g := in.toGift()
		g.ID = cur.ID
		g.CreatedAt = cur.CreatedAt
		if err := st.UpdateGift(ctx, g); err != nil {
			return fmt.Errorf("update gift: %w", err)
		}
		out = &g
		return nil
	})
	return out, err
}

func (s *Service) GetGift(ctx context.Context, id GiftID) (*GiftItem, error) {
	return mustGift(ctx, s.store, id)
}

// DeleteGift removes an item. Rewards that referenced it keep their label.
func (s *Service) DeleteGift(ctx context.Context, id GiftID) error {
	return s.store.WithTx(ctx, func(st Store) error {
		if _, err := mustGift(ctx, st, id); err != nil {
			return err
		}
		return st.DeleteGift(ctx, id)
	})
}

// ListActiveGifts lists redeemable items by category then name. An empty
// category lists all of them.
func (s *Service) ListActiveGifts(ctx context.Context, category string) ([]GiftItem, error) {
	return s.listGifts(ctx, GiftFilter{ActiveOnly: true, Category: category})
}

// ListGifts includes inactive items.
func (s *Service) ListGifts(ctx context.Context) ([]GiftItem, error) {
	return s.listGifts(ctx, GiftFilter{})
}

func (s *Service) listGifts(ctx context.Context, f GiftFilter) ([]GiftItem, error) {
	items, err := s.store.ListGifts(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list gifts: %w", err)
	}
	SortGifts(items)
	return items, nil
}

// =============================================================================
// STATS
// =============================================================================

// Recompute re-derives one referrer's stats from the ledger.
func (s *Service) Recompute(ctx context.Context, id ReferrerID) (RecomputeResult, error) {
	var res RecomputeResult
	err := s.store.WithTx(ctx, func(st Store) error {
		if _, err := mustReferrer(ctx, st, id); err != nil {
			return err
		}
		r, err := s.recompute(ctx, st, id)
		res = r
		return err
	})
	return res, err
}

// RecomputeAll re-derives every referrer's stats in one transaction.
func (s *Service) RecomputeAll(ctx context.Context) ([]RecomputeResult, error) {
	var results []RecomputeResult
	err := s.store.WithTx(ctx, func(st Store) error {
		refs, err := st.ListReferrers(ctx)
		if err != nil {
			return fmt.Errorf("list referrers: %w", err)
		}
		results = make([]RecomputeResult, 0, len(refs))
		for _, r := range refs {
			res, err := s.recompute(ctx, st, r.ID)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// recomputeTouched recomputes each distinct non-nil id once. Referrers that
// no longer exist are skipped.
func (s *Service) recomputeTouched(ctx context.Context, st Store, ids ...*ReferrerID) error {
	seen := make(map[ReferrerID]bool, len(ids))
	for _, id := range ids {
		if id == nil || seen[*id] {
			continue
		}
		seen[*id] = true
		if _, err := s.recompute(ctx, st, *id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) recompute(ctx context.Context, st Store, id ReferrerID) (RecomputeResult, error) {
	start := time.Now()
	ref, err := st.GetReferrer(ctx, id)
	if err != nil {
		return RecomputeResult{}, err
	}
	if ref == nil {
		return RecomputeResult{ReferrerID: id}, nil
	}
	patients, err := st.PatientsByReferrer(ctx, id)
	if err != nil {
		return RecomputeResult{}, fmt.Errorf("recompute %d: %w", id, err)
	}
	rewards, err := st.RewardsByReferrer(ctx, id)
	if err != nil {
		return RecomputeResult{}, fmt.Errorf("recompute %d: %w", id, err)
	}

	res := RecomputeResult{
		ReferrerID: id,
		Before:     ref.Stats,
		After:      ComputeStats(id, patients, rewards),
	}
	if err := st.SaveReferrerStats(ctx, id, res.After); err != nil {
		return RecomputeResult{}, fmt.Errorf("save stats %d: %w", id, err)
	}
	metrics.RecordRecompute(time.Since(start), res.Drifted())
	return res, nil
}

// =============================================================================
// DASHBOARD
// =============================================================================

// Summary is the dashboard view.
type Summary struct {
	Totals

	ConversionRate     decimal.Decimal // percent of patients converted
	AverageConsumption decimal.Decimal // revenue per converted patient
	ROI                decimal.Decimal // revenue per unit of reward paid
	DefaultRate        decimal.Decimal
	TopReferrers       []Referrer
}

// Summary aggregates clinic-wide figures. Stores that implement SummaryStore
// aggregate in SQL; others are aggregated here.
func (s *Service) Summary(ctx context.Context, top int) (*Summary, error) {
	var totals Totals
	if ss, ok := s.store.(SummaryStore); ok {
		t, err := ss.Summary(ctx)
		if err != nil {
			return nil, fmt.Errorf("summary: %w", err)
		}
		totals = t
	} else {
		t, err := s.aggregate(ctx)
		if err != nil {
			return nil, err
		}
		totals = t
	}

	topRefs, err := s.TopReferrers(ctx, top)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		Totals:             totals,
		ConversionRate:     decimal.Zero,
		AverageConsumption: decimal.Zero,
		ROI:                decimal.Zero,
		DefaultRate:        s.policy.DefaultRate(),
		TopReferrers:       topRefs,
	}
	if totals.TotalPatients > 0 {
		sum.ConversionRate = decimal.NewFromInt(int64(totals.Converted)).
			Mul(hundred).Div(decimal.NewFromInt(int64(totals.TotalPatients))).Round(1)
	}
	if totals.Converted > 0 {
		sum.AverageConsumption = RoundMoney(totals.Revenue.Div(decimal.NewFromInt(int64(totals.Converted))))
	}
	if totals.TotalPaid.IsPositive() {
		sum.ROI = totals.Revenue.Div(totals.TotalPaid).Round(1)
	}
	return sum, nil
}

func (s *Service) aggregate(ctx context.Context) (Totals, error) {
	t := Totals{Revenue: decimal.Zero, TotalPaid: decimal.Zero, TotalPending: decimal.Zero}

	refs, err := s.store.ListReferrers(ctx)
	if err != nil {
		return t, fmt.Errorf("summary: %w", err)
	}
	for _, r := range refs {
		if r.IsActive() {
			t.ActiveReferrers++
		}
	}

	patients, err := s.store.ListPatients(ctx)
	if err != nil {
		return t, fmt.Errorf("summary: %w", err)
	}
	t.TotalPatients = len(patients)
	for _, p := range patients {
		t.Revenue = t.Revenue.Add(p.Spend)
		if p.Converted {
			t.Converted++
		}
		if p.RewardStatus == StatusPending {
			t.TotalPending = t.TotalPending.Add(p.RewardAmount)
		}
	}

	rewards, err := s.store.ListRewards(ctx)
	if err != nil {
		return t, fmt.Errorf("summary: %w", err)
	}
	for _, rw := range rewards {
		t.TotalPaid = t.TotalPaid.Add(rw.Amount)
	}
	return t, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func mustReferrer(ctx context.Context, st Store, id ReferrerID) (*Referrer, error) {
	r, err := st.GetReferrer(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, notFound(KindReferrer, int64(id))
	}
	return r, nil
}

func mustPatient(ctx context.Context, st Store, id PatientID) (*Patient, error) {
	p, err := st.GetPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound(KindPatient, int64(id))
	}
	return p, nil
}

func mustGift(ctx context.Context, st Store, id GiftID) (*GiftItem, error) {
	g, err := st.GetGift(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, notFound(KindGift, int64(id))
	}
	return g, nil
}

func sortByPerformance(refs []Referrer) {
	sort.SliceStable(refs, func(i, j int) bool {
		a, b := refs[i].Stats, refs[j].Stats
		if a.SuccessfulReferrals != b.SuccessfulReferrals {
			return a.SuccessfulReferrals > b.SuccessfulReferrals
		}
		return refs[i].Name < refs[j].Name
	})
}

func (in ReferrerInput) toReferrer() Referrer {
	r := Referrer{
		Name:     in.Name,
		Phone:    in.Phone,
		Gender:   in.Gender,
		Category: in.Category,
		Status:   in.Status,
		Notes:    in.Notes,
	}
	if in.CommissionRate != nil {
		rate := *in.CommissionRate
		r.CommissionRate = &rate
	}
	if r.Status == "" {
		r.Status = ReferrerActive
	}
	return r
}

func (in PatientInput) toPatient(defaultDate time.Time) Patient {
	p := Patient{
		Name:         in.Name,
		Phone:        in.Phone,
		Gender:       in.Gender,
		Age:          in.Age,
		ReferrerID:   in.ReferrerID,
		ReferralDate: in.ReferralDate,
		Treatment:    in.Treatment,
		Spend:        RoundMoney(in.Spend),
		Converted:    in.Converted,
		Notes:        in.Notes,
	}
	if p.ReferralDate.IsZero() {
		p.ReferralDate = defaultDate
	}
	return p
}

func (in GiftInput) toGift() GiftItem {
	g := GiftItem{
		Name:     in.Name,
		Category: in.Category,
		Cost:     in.Cost,
		Stock:    in.Stock,
		Active:   true,
		Notes:    in.Notes,
	}
	if in.GiftValue != nil {
		g.GiftValue = *in.GiftValue
	}
	if in.Active != nil {
		g.Active = *in.Active
	}
	normalizeGift(&g)
	return g
}
