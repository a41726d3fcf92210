/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for demos. Every loader goes through referral.Service, so the
	resulting counters, rewards and stock are exactly what the front desk
	would have produced by hand.

AVAILABLE SCENARIOS:

	cash-payout:    Li refers Wang, 200 pending, paid in cash
	gift-payout:    Pending reward paid with two electric toothbrushes
	delete-patient: Zhang loses a paid patient; the ledger keeps the reward
	clinic-mix:     Several referrers, override rates, walk-ins, gifts, grants

HOW SCENARIOS WORK:
 1. Reset database (clear all data, default rate back to 10%)
 2. Reload settings into the commission policy
 3. Create referrers, gifts and patients via the service
 4. Optionally pay or grant rewards

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "clinic-mix"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Register it in scenarioLoaders

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
  - referral/service.go: Operations used by the loaders
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/xinjie/referral-engine/referral"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "cash-payout",
		Name:        "Cash Payout",
		Description: "Li refers Wang, who spends 2000. 10% default rate gives 200 pending, then paid in cash",
		Category:    "payout",
	},
	{
		ID:          "gift-payout",
		Name:        "Gift Payout",
		Description: "A pending reward settled with two electric toothbrushes worth 80 each",
		Category:    "payout",
	},
	{
		ID:          "delete-patient",
		Name:        "Delete Patient",
		Description: "Zhang has 3 referrals, one paid. Deleting it drops the count, the reward stays",
		Category:    "stats",
	},
	{
		ID:          "clinic-mix",
		Name:        "Clinic Mix",
		Description: "Several referrers with override rates, walk-ins, gift inventory and ad-hoc grants",
		Category:    "overview",
	},
}

type scenarioLoader func(h *Handler, ctx context.Context) error

var scenarioLoaders = map[string]scenarioLoader{
	"cash-payout":    (*Handler).loadCashPayoutScenario,
	"gift-payout":    (*Handler).loadGiftPayoutScenario,
	"delete-patient": (*Handler).loadDeletePatientScenario,
	"clinic-mix":     (*Handler).loadClinicMixScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the ledger and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("no scenario %q", req.ScenarioID))
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID, load); err != nil {
		h.log.Error().Err(err).Str("scenario", req.ScenarioID).Msg("scenario load failed")
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) loadScenario(ctx context.Context, id string, load scenarioLoader) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(ctx); err != nil {
		return err
	}
	if err := load(h, ctx); err != nil {
		return err
	}
	h.currentScenario = id
	h.invalidate()
	h.log.Info().Str("scenario", id).Msg("scenario loaded")
	return nil
}

// reset must be called with h.mu held.
func (h *Handler) reset(ctx context.Context) error {
	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	h.currentScenario = ""
	h.invalidate()
	return h.Service.LoadSettings(ctx)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadCashPayoutScenario(ctx context.Context) error {
	svc := h.Service

	li, err := svc.CreateReferrer(ctx, referral.ReferrerInput{
		Name:     "Li Na",
		Phone:    "138-0000-0001",
		Category: referral.CategoryExistingPatient,
	})
	if err != nil {
		return err
	}
	wang, err := svc.CreatePatient(ctx, referral.PatientInput{
		Name:       "Wang Wei",
		ReferrerID: &li.ID,
		Treatment:  "implant",
		Spend:      decimal.NewFromInt(2000),
		Converted:  true,
	})
	if err != nil {
		return err
	}
	_, err = svc.PayReward(ctx, wang.ID, referral.PayInput{
		Type:   referral.RewardCash,
		Amount: decPtr(200),
		Notes:  "paid at reception",
	})
	return err
}

func (h *Handler) loadGiftPayoutScenario(ctx context.Context) error {
	svc := h.Service

	li, err := svc.CreateReferrer(ctx, referral.ReferrerInput{
		Name:     "Li Na",
		Category: referral.CategoryExistingPatient,
	})
	if err != nil {
		return err
	}
	brush, err := svc.CreateGift(ctx, referral.GiftInput{
		Name:      "Electric toothbrush",
		Category:  "oral care",
		Cost:      decimal.NewFromInt(50),
		GiftValue: decPtr(80),
		Stock:     3,
	})
	if err != nil {
		return err
	}
	if _, err := svc.CreateGift(ctx, referral.GiftInput{
		Name:     "Whitening kit",
		Category: "oral care",
		Cost:     decimal.NewFromInt(120),
	}); err != nil {
		return err
	}
	wang, err := svc.CreatePatient(ctx, referral.PatientInput{
		Name:       "Wang Wei",
		ReferrerID: &li.ID,
		Treatment:  "orthodontics",
		Spend:      decimal.NewFromInt(2000),
		Converted:  true,
	})
	if err != nil {
		return err
	}
	_, err = svc.PayReward(ctx, wang.ID, referral.PayInput{GiftID: &brush.ID, Quantity: 2})
	return err
}

func (h *Handler) loadDeletePatientScenario(ctx context.Context) error {
	svc := h.Service

	zhang, err := svc.CreateReferrer(ctx, referral.ReferrerInput{
		Name:     "Zhang Min",
		Category: referral.CategoryStaff,
	})
	if err != nil {
		return err
	}
	patients := []referral.PatientInput{
		{Name: "Chen Jie", Treatment: "crown", Spend: decimal.NewFromInt(1000), Converted: true},
		{Name: "Zhou Lan", Treatment: "consultation"},
		{Name: "Wu Hao", Treatment: "consultation"},
	}
	var ids []referral.PatientID
	for _, in := range patients {
		in.ReferrerID = &zhang.ID
		p, err := svc.CreatePatient(ctx, in)
		if err != nil {
			return err
		}
		ids = append(ids, p.ID)
	}
	if _, err := svc.PayReward(ctx, ids[0], referral.PayInput{}); err != nil {
		return err
	}
	return svc.DeletePatient(ctx, ids[0])
}

func (h *Handler) loadClinicMixScenario(ctx context.Context) error {
	svc := h.Service

	type ref struct {
		in  referral.ReferrerInput
		out *referral.Referrer
	}
	refs := []*ref{
		{in: referral.ReferrerInput{Name: "Li Na", Category: referral.CategoryExistingPatient}},
		{in: referral.ReferrerInput{Name: "Smile Gym", Category: referral.CategoryPartner, CommissionRate: decPtr(15)}},
		{in: referral.ReferrerInput{Name: "Dr. Sun", Category: referral.CategoryStaff, CommissionRate: decPtr(5)}},
		{in: referral.ReferrerInput{Name: "Old Zhao", Category: referral.CategoryExistingPatient, Status: referral.ReferrerInactive}},
	}
	for _, r := range refs {
		out, err := svc.CreateReferrer(ctx, r.in)
		if err != nil {
			return err
		}
		r.out = out
	}
	li, gym, sun, zhao := refs[0].out, refs[1].out, refs[2].out, refs[3].out

	brush, err := svc.CreateGift(ctx, referral.GiftInput{
		Name: "Electric toothbrush", Category: "oral care",
		Cost: decimal.NewFromInt(50), GiftValue: decPtr(80), Stock: 10,
	})
	if err != nil {
		return err
	}
	voucher, err := svc.CreateGift(ctx, referral.GiftInput{
		Name: "Cleaning voucher", Category: "service",
		Cost: decimal.NewFromInt(100), GiftValue: decPtr(150),
	})
	if err != nil {
		return err
	}
	inactive := false
	if _, err := svc.CreateGift(ctx, referral.GiftInput{
		Name: "Mouthwash", Category: "oral care",
		Cost: decimal.NewFromInt(15), Stock: 40, Active: &inactive,
	}); err != nil {
		return err
	}

	type visit struct {
		name      string
		referrer  *referral.ReferrerID
		treatment string
		spend     int64
		converted bool
	}
	visits := []visit{
		{"Wang Wei", &li.ID, "implant", 12000, true},
		{"Liu Yang", &li.ID, "cleaning", 300, true},
		{"Ma Lin", &li.ID, "consultation", 0, false},
		{"Gao Fei", &gym.ID, "orthodontics", 18000, true},
		{"He Jing", &gym.ID, "whitening", 1500, true},
		{"Guo Qiang", &sun.ID, "root canal", 2400, true},
		{"Luo Yu", &zhao.ID, "filling", 600, true},
		{"Song Tao", nil, "checkup", 200, true},
	}
	created := make(map[string]*referral.Patient, len(visits))
	for _, v := range visits {
		p, err := svc.CreatePatient(ctx, referral.PatientInput{
			Name:       v.name,
			ReferrerID: v.referrer,
			Treatment:  v.treatment,
			Spend:      decimal.NewFromInt(v.spend),
			Converted:  v.converted,
		})
		if err != nil {
			return err
		}
		created[v.name] = p
	}

	payments := []struct {
		patient string
		in      referral.PayInput
	}{
		{"Wang Wei", referral.PayInput{Type: referral.RewardRedPacket, Notes: "Spring Festival red packet"}},
		{"Gao Fei", referral.PayInput{GiftID: &voucher.ID, Quantity: 4}},
		{"Guo Qiang", referral.PayInput{GiftID: &brush.ID, Quantity: 1}},
	}
	for _, pay := range payments {
		if _, err := svc.PayReward(ctx, created[pay.patient].ID, pay.in); err != nil {
			return fmt.Errorf("pay %s: %w", pay.patient, err)
		}
	}

	_, err = svc.GrantReward(ctx, referral.GrantInput{
		ReferrerID: gym.ID,
		Type:       referral.RewardVoucher,
		Amount:     decPtr(500),
		Notes:      "partner anniversary",
	})
	return err
}

func decPtr(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}
