/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Referrers and patients are created
	- Rewards are paid or pending as described
	- Counters and gift stock match the ledger

These tests double as end-to-end checks of the service on SQLite.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xinjie/referral-engine/referral"
)

func loadScenario(t *testing.T, h *Handler, id string) {
	t.Helper()
	load, ok := scenarioLoaders[id]
	require.True(t, ok, "unknown scenario %s", id)
	require.NoError(t, h.loadScenario(context.Background(), id, load))
}

func TestScenarios_AllRegistered(t *testing.T) {
	require.Len(t, scenarioLoaders, len(scenarios))
	for _, s := range scenarios {
		_, ok := scenarioLoaders[s.ID]
		assert.True(t, ok, "scenario %s has no loader", s.ID)
	}
}

func TestScenario_CashPayout(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()
	loadScenario(t, h, "cash-payout")

	refs, err := h.Service.ListReferrers(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	li := refs[0]
	assert.Equal(t, 1, li.Stats.TotalReferrals)
	assert.Equal(t, "200.00", li.Stats.TotalRewards.StringFixed(2))
	assert.Equal(t, "0.00", li.Stats.PendingRewards.StringFixed(2))

	patients, err := h.Service.ListPatients(ctx)
	require.NoError(t, err)
	require.Len(t, patients, 1)
	assert.Equal(t, referral.StatusPaid, patients[0].RewardStatus)
}

func TestScenario_GiftPayout(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()
	loadScenario(t, h, "gift-payout")

	rewards, err := h.Service.ListRewards(ctx)
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	assert.Equal(t, referral.RewardGift, rewards[0].Type)
	assert.Equal(t, "160.00", rewards[0].Amount.StringFixed(2))
	assert.Equal(t, "oral care/Electric toothbrush x2", rewards[0].Label)

	gifts, err := h.Service.ListActiveGifts(ctx, "oral care")
	require.NoError(t, err)
	require.Len(t, gifts, 2)
	assert.Equal(t, "Electric toothbrush", gifts[0].Name)
	assert.Equal(t, 1, gifts[0].Stock)
	assert.Equal(t, "120.00", gifts[1].GiftValue.StringFixed(2), "gift value falls back to cost")
}

func TestScenario_DeletePatient(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()
	loadScenario(t, h, "delete-patient")

	refs, err := h.Service.ListReferrers(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	zhang := refs[0]
	assert.Equal(t, 2, zhang.Stats.TotalReferrals)
	assert.Equal(t, 0, zhang.Stats.SuccessfulReferrals)
	assert.Equal(t, "100.00", zhang.Stats.TotalRewards.StringFixed(2))

	rewards, err := h.Service.ReferrerRewards(ctx, zhang.ID)
	require.NoError(t, err)
	assert.Len(t, rewards, 1)
}

func TestScenario_ClinicMix(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()
	loadScenario(t, h, "clinic-mix")

	sum, err := h.Service.Summary(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.ActiveReferrers)
	assert.Equal(t, 8, sum.TotalPatients)
	assert.Equal(t, 7, sum.Converted)
	assert.Equal(t, "87.5", sum.ConversionRate.StringFixed(1))
	assert.Equal(t, "35000.00", sum.Revenue.StringFixed(2))
	assert.Equal(t, "5000.00", sum.AverageConsumption.StringFixed(2))
	assert.Equal(t, "2380.00", sum.TotalPaid.StringFixed(2))
	assert.Equal(t, "315.00", sum.TotalPending.StringFixed(2))
	assert.Equal(t, "14.7", sum.ROI.StringFixed(1))

	require.Len(t, sum.TopReferrers, 3)
	assert.Equal(t, "Li Na", sum.TopReferrers[0].Name)
	assert.Equal(t, "Smile Gym", sum.TopReferrers[1].Name)
	assert.Equal(t, "Dr. Sun", sum.TopReferrers[2].Name)

	// The reconciler finds nothing to repair after a scenario load.
	results, err := h.Service.RecomputeAll(ctx)
	require.NoError(t, err)
	for _, r := range results {
		assert.False(t, r.Drifted(), "referrer %d drifted", r.ReferrerID)
	}
}

func TestScenario_LoadReplacesPreviousData(t *testing.T) {
	h, srv := setupTestServer(t)

	rec := do(t, srv, http.MethodPut, "/api/settings", map[string]any{"default_commission_rate": 20})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": "clinic-mix"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, srv, http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": "cash-payout"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/api/referrers", nil)
	assert.Len(t, decode[[]ReferrerDTO](t, rec), 1)

	// Reset restores the seeded default rate.
	assert.Equal(t, "10", h.Service.Policy().DefaultRate().String())

	rec = do(t, srv, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "cash-payout", decode[ScenarioDTO](t, rec).ID)
}

func TestScenario_UnknownAndReset(t *testing.T) {
	_, srv := setupTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/scenarios", nil)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))

	rec = do(t, srv, http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": "gift-payout"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/gifts?all=true", nil)
	assert.Empty(t, decode[[]GiftDTO](t, rec))

	rec = do(t, srv, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null\n", rec.Body.String())
}
