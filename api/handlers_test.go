/*
handlers_test.go - HTTP tests through the chi router

Tests for:
- Referrer, patient, reward, gift and settings endpoints
- Error mapping (400 / 404 / 409)
- Dashboard caching and invalidation
- Rate limiting
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xinjie/referral-engine/referral"
	"github.com/xinjie/referral-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var fixedNow = time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)

func setupTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := referral.NewService(store, referral.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, svc.LoadSettings(context.Background()))
	return NewHandler(svc, store, zerolog.Nop(), time.Minute)
}

func setupTestServer(t *testing.T) (*Handler, http.Handler) {
	t.Helper()
	h := setupTestHandler(t)
	return h, NewRouter(h, DefaultRouterOptions())
}

func do(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func createReferrer(t *testing.T, srv http.Handler, body map[string]any) ReferrerDTO {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/api/referrers", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[ReferrerDTO](t, rec)
}

func createPatient(t *testing.T, srv http.Handler, body map[string]any) PatientDTO {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/api/patients", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[PatientDTO](t, rec)
}

func path(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}

// =============================================================================
// REFERRERS & PATIENTS
// =============================================================================

func TestCashPayoutOverHTTP(t *testing.T) {
	// GIVEN: Li with the clinic default rate
	// WHEN: Wang spends 2000, converts, and the reward is paid in cash
	// THEN: 200 pending, then paid, with Li's counters following along
	_, srv := setupTestServer(t)

	li := createReferrer(t, srv, map[string]any{"name": "Li", "category": "existing patient"})
	assert.Nil(t, li.CommissionRate)
	assert.Equal(t, "10", li.EffectiveRate)
	assert.Equal(t, "active", li.Status)

	wang := createPatient(t, srv, map[string]any{
		"name": "Wang", "referrer_id": li.ID, "spend": "2000", "converted": true,
	})
	assert.Equal(t, "pending", wang.RewardStatus)
	assert.Equal(t, "200.00", wang.RewardAmount)
	assert.Equal(t, "Li", wang.ReferrerName)
	assert.Equal(t, "2025-03-10", wang.ReferralDate)

	rec := do(t, srv, http.MethodPost, path("/api/patients/%d/pay", wang.ID), map[string]any{
		"reward_type": "cash", "amount": 200,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rw := decode[RewardDTO](t, rec)
	assert.Equal(t, li.ID, rw.ReferrerID)
	assert.Equal(t, "Li", rw.ReferrerName)
	require.NotNil(t, rw.PatientID)
	assert.Equal(t, wang.ID, *rw.PatientID)
	assert.Equal(t, "200.00", rw.Amount)
	assert.Equal(t, "2025-03-10", rw.Date)

	rec = do(t, srv, http.MethodGet, path("/api/referrers/%d", li.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	li = decode[ReferrerDTO](t, rec)
	assert.Equal(t, 1, li.TotalReferrals)
	assert.Equal(t, 1, li.SuccessfulReferrals)
	assert.Equal(t, "200.00", li.TotalRewards)
	assert.Equal(t, "0.00", li.PendingRewards)

	rec = do(t, srv, http.MethodGet, path("/api/referrers/%d/rewards", li.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]RewardDTO](t, rec), 1)
}

func TestPayTwiceIsConflict(t *testing.T) {
	_, srv := setupTestServer(t)
	li := createReferrer(t, srv, map[string]any{"name": "Li"})
	wang := createPatient(t, srv, map[string]any{
		"name": "Wang", "referrer_id": li.ID, "spend": 2000, "converted": true,
	})

	rec := do(t, srv, http.MethodPost, path("/api/patients/%d/pay", wang.ID), map[string]any{})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodPost, path("/api/patients/%d/pay", wang.ID), map[string]any{})
	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "invalid_transition", resp.Code)

	rec = do(t, srv, http.MethodGet, "/api/rewards", nil)
	assert.Len(t, decode[[]RewardDTO](t, rec), 1)
}

func TestErrorMapping(t *testing.T) {
	_, srv := setupTestServer(t)
	li := createReferrer(t, srv, map[string]any{"name": "Li"})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing name", http.MethodPost, "/api/referrers", map[string]any{"name": ""}, http.StatusBadRequest, "validation"},
		{"rate above 100", http.MethodPost, "/api/referrers", map[string]any{"name": "X", "commission_rate": 150}, http.StatusBadRequest, "validation"},
		{"bad status", http.MethodPost, "/api/referrers", map[string]any{"name": "X", "status": "retired"}, http.StatusBadRequest, "validation"},
		{"negative spend", http.MethodPost, "/api/patients", map[string]any{"name": "P", "spend": -1}, http.StatusBadRequest, "validation"},
		{"bad date", http.MethodPost, "/api/patients", map[string]any{"name": "P", "referral_date": "10/03/2025"}, http.StatusBadRequest, "validation"},
		{"unknown referrer", http.MethodPost, "/api/patients", map[string]any{"name": "P", "referrer_id": 999}, http.StatusNotFound, "not_found"},
		{"unknown patient", http.MethodGet, "/api/patients/42", nil, http.StatusNotFound, "not_found"},
		{"unknown gift", http.MethodGet, "/api/gifts/42", nil, http.StatusNotFound, "not_found"},
		{"non-numeric id", http.MethodGet, "/api/referrers/abc", nil, http.StatusBadRequest, ""},
		{"malformed json", http.MethodPost, "/api/referrers", "{", http.StatusBadRequest, ""},
		{"grant without amount", http.MethodPost, "/api/rewards", map[string]any{"referrer_id": li.ID}, http.StatusBadRequest, "validation"},
		{"zero default rate", http.MethodPut, "/api/settings", map[string]any{"default_commission_rate": 0}, http.StatusBadRequest, "validation"},
		{"missing default rate", http.MethodPut, "/api/settings", map[string]any{}, http.StatusBadRequest, "validation"},
		{"negative top", http.MethodGet, "/api/stats?top=-1", nil, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.code, resp.Code)
		})
	}

	// Nothing was written by the rejected calls.
	rec := do(t, srv, http.MethodGet, "/api/patients", nil)
	assert.Empty(t, decode[[]PatientDTO](t, rec))
}

func TestUpdateAndDeletePatient(t *testing.T) {
	_, srv := setupTestServer(t)
	li := createReferrer(t, srv, map[string]any{"name": "Li"})
	zhang := createReferrer(t, srv, map[string]any{"name": "Zhang", "commission_rate": "20"})
	p := createPatient(t, srv, map[string]any{
		"name": "Moves", "referrer_id": li.ID, "spend": "1000", "converted": true,
	})

	rec := do(t, srv, http.MethodPut, path("/api/patients/%d", p.ID), map[string]any{
		"name": "Moves", "referrer_id": zhang.ID, "spend": "1000", "converted": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p = decode[PatientDTO](t, rec)
	assert.Equal(t, "200.00", p.RewardAmount)
	assert.Equal(t, "Zhang", p.ReferrerName)

	rec = do(t, srv, http.MethodGet, path("/api/referrers/%d/patients", li.ID), nil)
	assert.Empty(t, decode[[]PatientDTO](t, rec))

	rec = do(t, srv, http.MethodDelete, path("/api/patients/%d", p.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, http.MethodGet, path("/api/referrers/%d", zhang.ID), nil)
	z := decode[ReferrerDTO](t, rec)
	assert.Equal(t, 0, z.TotalReferrals)
	assert.Equal(t, "0.00", z.PendingRewards)
}

func TestDeleteReferrerKeepsPatientReference(t *testing.T) {
	_, srv := setupTestServer(t)
	li := createReferrer(t, srv, map[string]any{"name": "Li"})
	p := createPatient(t, srv, map[string]any{"name": "Wang", "referrer_id": li.ID})

	rec := do(t, srv, http.MethodDelete, path("/api/referrers/%d", li.ID), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, http.MethodGet, path("/api/patients/%d", p.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[PatientDTO](t, rec)
	require.NotNil(t, got.ReferrerID)
	assert.Equal(t, li.ID, *got.ReferrerID)
	assert.Empty(t, got.ReferrerName)

	rec = do(t, srv, http.MethodGet, path("/api/referrers/%d", li.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOversizedBodyIsRejected(t *testing.T) {
	_, srv := setupTestServer(t)
	body := `{"name":"` + strings.Repeat("a", 2*maxBodyBytes) + `"}`

	rec := do(t, srv, http.MethodPost, "/api/referrers", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)

	rec = do(t, srv, http.MethodGet, "/api/referrers", nil)
	assert.Empty(t, decode[[]ReferrerDTO](t, rec))
}

func TestUpdateReferrerWithoutStatusKeepsInactive(t *testing.T) {
	_, srv := setupTestServer(t)
	li := createReferrer(t, srv, map[string]any{"name": "Li", "status": "inactive"})
	require.Equal(t, "inactive", li.Status)

	rec := do(t, srv, http.MethodPut, path("/api/referrers/%d", li.ID), map[string]any{
		"name": "Li Na", "phone": "13800000000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[ReferrerDTO](t, rec)
	assert.Equal(t, "Li Na", got.Name)
	assert.Equal(t, "inactive", got.Status)
}

func TestListReferrers_ByPerformance(t *testing.T) {
	_, srv := setupTestServer(t)
	a := createReferrer(t, srv, map[string]any{"name": "Alpha"})
	b := createReferrer(t, srv, map[string]any{"name": "Beta"})
	createPatient(t, srv, map[string]any{"name": "P1", "referrer_id": b.ID, "spend": 100, "converted": true})
	createPatient(t, srv, map[string]any{"name": "P2", "referrer_id": a.ID})

	rec := do(t, srv, http.MethodGet, "/api/referrers", nil)
	refs := decode[[]ReferrerDTO](t, rec)
	require.Len(t, refs, 2)
	assert.Equal(t, "Beta", refs[0].Name)
	assert.Equal(t, "Alpha", refs[1].Name)
}

// =============================================================================
// GIFTS
// =============================================================================

func TestGiftPayoutOverHTTP(t *testing.T) {
	// GIVEN: a toothbrush worth 80 with 3 in stock
	// WHEN: paying a 200 pending reward with 2 of them
	// THEN: 160 credited and 1 left in stock
	_, srv := setupTestServer(t)
	li := createReferrer(t, srv, map[string]any{"name": "Li"})
	wang := createPatient(t, srv, map[string]any{
		"name": "Wang", "referrer_id": li.ID, "spend": 2000, "converted": true,
	})

	rec := do(t, srv, http.MethodPost, "/api/gifts", map[string]any{
		"name": "Electric toothbrush", "category": "oral care", "cost": 50, "gift_value": 80, "stock": 3,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	gift := decode[GiftDTO](t, rec)
	assert.True(t, gift.Active)
	assert.Equal(t, "oral care/Electric toothbrush", gift.Label)

	rec = do(t, srv, http.MethodPost, path("/api/patients/%d/pay", wang.ID), map[string]any{
		"gift_id": gift.ID, "quantity": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rw := decode[RewardDTO](t, rec)
	assert.Equal(t, "gift", rw.Type)
	assert.Equal(t, "160.00", rw.Amount)
	assert.Equal(t, "oral care/Electric toothbrush x2", rw.Label)

	rec = do(t, srv, http.MethodGet, path("/api/gifts/%d", gift.ID), nil)
	assert.Equal(t, 1, decode[GiftDTO](t, rec).Stock)
}

func TestPayWithAmountAndGiftIsRejected(t *testing.T) {
	_, srv := setupTestServer(t)
	li := createReferrer(t, srv, map[string]any{"name": "Li"})
	wang := createPatient(t, srv, map[string]any{
		"name": "Wang", "referrer_id": li.ID, "spend": 2000, "converted": true,
	})
	rec := do(t, srv, http.MethodPost, "/api/gifts", map[string]any{"name": "Floss", "cost": 5})
	gift := decode[GiftDTO](t, rec)

	rec = do(t, srv, http.MethodPost, path("/api/patients/%d/pay", wang.ID), map[string]any{
		"gift_id": gift.ID, "amount": 10,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, path("/api/patients/%d", wang.ID), nil)
	assert.Equal(t, "pending", decode[PatientDTO](t, rec).RewardStatus)
}

func TestListGifts_Filters(t *testing.T) {
	_, srv := setupTestServer(t)
	for _, g := range []map[string]any{
		{"name": "Toothbrush", "category": "oral care", "cost": 50},
		{"name": "Floss", "category": "oral care", "cost": 5, "is_active": false},
		{"name": "Cleaning", "category": "service", "cost": 100},
	} {
		rec := do(t, srv, http.MethodPost, "/api/gifts", g)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	names := func(gs []GiftDTO) []string {
		out := make([]string, len(gs))
		for i, g := range gs {
			out[i] = g.Name
		}
		return out
	}

	rec := do(t, srv, http.MethodGet, "/api/gifts", nil)
	assert.Equal(t, []string{"Toothbrush", "Cleaning"}, names(decode[[]GiftDTO](t, rec)))

	rec = do(t, srv, http.MethodGet, "/api/gifts?category=oral+care", nil)
	assert.Equal(t, []string{"Toothbrush"}, names(decode[[]GiftDTO](t, rec)))

	rec = do(t, srv, http.MethodGet, "/api/gifts?all=true&category=oral+care", nil)
	assert.Equal(t, []string{"Floss", "Toothbrush"}, names(decode[[]GiftDTO](t, rec)))

	rec = do(t, srv, http.MethodGet, "/api/gifts?all=true", nil)
	assert.Len(t, decode[[]GiftDTO](t, rec), 3)
}

// =============================================================================
// SETTINGS & DASHBOARD
// =============================================================================

func TestSettings_ChangeDoesNotTouchExistingRewards(t *testing.T) {
	_, srv := setupTestServer(t)

	rec := do(t, srv, http.MethodGet, "/api/settings", nil)
	assert.Equal(t, "10", decode[SettingsDTO](t, rec).DefaultCommissionRate)

	li := createReferrer(t, srv, map[string]any{"name": "Li"})
	first := createPatient(t, srv, map[string]any{"name": "A", "referrer_id": li.ID, "spend": 1000, "converted": true})

	rec = do(t, srv, http.MethodPut, "/api/settings", map[string]any{"default_commission_rate": "12.5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "12.5", decode[SettingsDTO](t, rec).DefaultCommissionRate)

	second := createPatient(t, srv, map[string]any{"name": "B", "referrer_id": li.ID, "spend": 1000, "converted": true})
	assert.Equal(t, "125.00", second.RewardAmount)

	rec = do(t, srv, http.MethodGet, path("/api/patients/%d", first.ID), nil)
	assert.Equal(t, "100.00", decode[PatientDTO](t, rec).RewardAmount)
}

func TestStats_CachedUntilWrite(t *testing.T) {
	h, srv := setupTestServer(t)
	li := createReferrer(t, srv, map[string]any{"name": "Li"})
	createPatient(t, srv, map[string]any{"name": "A", "referrer_id": li.ID, "spend": 1500, "converted": true})

	rec := do(t, srv, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stats := decode[StatsDTO](t, rec)
	assert.Equal(t, 1, stats.TotalPatients)
	assert.Equal(t, "1500.00", stats.Revenue)
	assert.Equal(t, "150.00", stats.TotalPending)
	assert.Equal(t, "100.0", stats.ConversionRate)
	require.Len(t, stats.TopReferrers, 1)

	_, cached := h.cache.Get("summary:5")
	assert.True(t, cached)

	// A write outside HTTP is not seen until the cache is flushed.
	_, err := h.Service.CreatePatient(context.Background(), referral.PatientInput{Name: "Walk-in"})
	require.NoError(t, err)
	rec = do(t, srv, http.MethodGet, "/api/stats", nil)
	assert.Equal(t, 1, decode[StatsDTO](t, rec).TotalPatients)

	// Any write through the API flushes it.
	createPatient(t, srv, map[string]any{"name": "B"})
	rec = do(t, srv, http.MethodGet, "/api/stats", nil)
	stats = decode[StatsDTO](t, rec)
	assert.Equal(t, 3, stats.TotalPatients)
	assert.Equal(t, "33.3", stats.ConversionRate)
}

func TestStats_EmptyLedger(t *testing.T) {
	_, srv := setupTestServer(t)
	rec := do(t, srv, http.MethodGet, "/api/stats?top=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[StatsDTO](t, rec)
	assert.Equal(t, "0.0", stats.ConversionRate)
	assert.Equal(t, "0.0", stats.ROI)
	assert.Equal(t, "0.00", stats.AverageConsumption)
	assert.Empty(t, stats.TopReferrers)
}

func TestStats_SummaryCachedDuringWriteIsDropped(t *testing.T) {
	// GIVEN: a dashboard read that lands while a write is in flight
	// WHEN: the write commits after the read cached its summary
	// THEN: the next read sees the write
	h, srv := setupTestServer(t)
	createReferrer(t, srv, map[string]any{"name": "Li"})

	write := h.invalidateOnWrite(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := do(t, srv, http.MethodGet, "/api/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, decode[StatsDTO](t, rec).ActiveReferrers)

		_, err := h.Service.CreateReferrer(r.Context(), referral.ReferrerInput{Name: "Zhang"})
		require.NoError(t, err)
		w.WriteHeader(http.StatusCreated)
	}))
	write.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/referrers", nil))

	_, cached := h.cache.Get("summary:5")
	assert.False(t, cached)

	rec := do(t, srv, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[StatsDTO](t, rec).ActiveReferrers)
}

// =============================================================================
// ADMIN & MIDDLEWARE
// =============================================================================

func TestRecomputeEndpoints(t *testing.T) {
	_, srv := setupTestServer(t)
	li := createReferrer(t, srv, map[string]any{"name": "Li"})
	createPatient(t, srv, map[string]any{"name": "A", "referrer_id": li.ID, "spend": 1000, "converted": true})

	rec := do(t, srv, http.MethodPost, path("/api/referrers/%d/recompute", li.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	one := decode[RecomputeDTO](t, rec)
	assert.False(t, one.Drifted)
	assert.Equal(t, "100.00", one.After.PendingRewards)

	rec = do(t, srv, http.MethodPost, "/api/referrers/999/recompute", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/admin/recompute", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[RecomputeResponse](t, rec)
	assert.Equal(t, 1, all.Referrers)
	assert.Equal(t, 0, all.Drifted)
}

func TestRateLimit(t *testing.T) {
	h := setupTestHandler(t)
	opts := DefaultRouterOptions()
	opts.RateLimit = 0.001
	opts.RateBurst = 2
	srv := NewRouter(h, opts)

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/settings", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/settings", nil).Code)

	rec := do(t, srv, http.MethodGet, "/api/settings", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", decode[ErrorResponse](t, rec).Error)
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := setupTestServer(t)
	do(t, srv, http.MethodGet, "/api/settings", nil)

	rec := do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "referral_http_request_duration_seconds")
}
