/*
handlers.go - HTTP API handlers for the referral ledger

PURPOSE:
  Exposes the referral service via REST API. Handles HTTP request/response,
  JSON serialization and input validation, and delegates every rule to
  referral.Service.

ENDPOINTS:
  Referrers:
    GET    /api/referrers                 List, best performers first
    POST   /api/referrers                 Create referrer
    GET    /api/referrers/{id}            Get referrer with counters
    PUT    /api/referrers/{id}            Replace profile (counters untouched)
    DELETE /api/referrers/{id}            Delete referrer (patients keep the id)
    GET    /api/referrers/{id}/patients   Patients referred
    GET    /api/referrers/{id}/rewards    Reward ledger
    POST   /api/referrers/{id}/recompute  Re-derive counters

  Patients:
    GET    /api/patients                  List, newest first
    POST   /api/patients                  Create patient
    GET    /api/patients/{id}             Get patient
    PUT    /api/patients/{id}             Update patient
    DELETE /api/patients/{id}             Delete patient
    POST   /api/patients/{id}/pay         Settle the pending reward

  Rewards:
    GET    /api/rewards                   Ledger, newest first
    POST   /api/rewards                   Ad-hoc grant

  Gifts:
    GET    /api/gifts                     Active gifts (?category=, ?all=true)
    POST   /api/gifts                     Create gift
    GET    /api/gifts/{id}                Get gift
    PUT    /api/gifts/{id}                Update gift
    DELETE /api/gifts/{id}                Delete gift

  Settings & dashboard:
    GET    /api/settings                  Clinic default commission rate
    PUT    /api/settings                  Change the default
    GET    /api/stats                     Dashboard (?top=N), cached

  Admin:
    POST   /api/admin/recompute           Recompute every referrer

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Referrer, patient or gift not found
  - 409: Reward not payable (not pending)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/xinjie/referral-engine/referral"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears every table. Implemented by the SQLite and memory stores.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *referral.Service
	Store   Resetter

	validate *validator.Validate
	cache    *cache.Cache
	log      zerolog.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// DefaultStatsTTL bounds how stale a cached dashboard can be when a write
// bypasses the HTTP layer.
const DefaultStatsTTL = 30 * time.Second

const defaultTopReferrers = 5

// NewHandler creates a new handler. statsTTL <= 0 uses DefaultStatsTTL.
func NewHandler(svc *referral.Service, store Resetter, log zerolog.Logger, statsTTL time.Duration) *Handler {
	if statsTTL <= 0 {
		statsTTL = DefaultStatsTTL
	}
	return &Handler{
		Service:  svc,
		Store:    store,
		validate: newRequestValidator(),
		cache:    cache.New(statsTTL, 2*statsTTL),
		log:      log.With().Str("component", "api").Logger(),
	}
}

func newRequestValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// invalidate drops every cached dashboard.
func (h *Handler) invalidate() {
	h.cache.Flush()
}

// =============================================================================
// REFERRER HANDLERS
// =============================================================================

// ListReferrers returns all referrers, most successful first.
func (h *Handler) ListReferrers(w http.ResponseWriter, r *http.Request) {
	refs, err := h.Service.ListReferrers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]ReferrerDTO, len(refs))
	for i, ref := range refs {
		dtos[i] = toReferrerDTO(ref, h.Service.Policy())
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateReferrer creates a new referrer.
// POST /api/referrers
func (h *Handler) CreateReferrer(w http.ResponseWriter, r *http.Request) {
	var req ReferrerRequest
	if !h.decode(w, r, &req) {
		return
	}
	ref, err := h.Service.CreateReferrer(r.Context(), req.toInput())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReferrerDTO(*ref, h.Service.Policy()))
}

func (h *Handler) GetReferrer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ref, err := h.Service.GetReferrer(r.Context(), referral.ReferrerID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReferrerDTO(*ref, h.Service.Policy()))
}

// UpdateReferrer replaces a referrer's profile. Counters are left alone.
// PUT /api/referrers/{id}
func (h *Handler) UpdateReferrer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ReferrerRequest
	if !h.decode(w, r, &req) {
		return
	}
	ref, err := h.Service.UpdateReferrer(r.Context(), referral.ReferrerID(id), req.toInput())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReferrerDTO(*ref, h.Service.Policy()))
}

func (h *Handler) DeleteReferrer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.Service.DeleteReferrer(r.Context(), referral.ReferrerID(id)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetReferrerPatients returns the patients a referrer brought in.
// GET /api/referrers/{id}/patients
func (h *Handler) GetReferrerPatients(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ref, err := h.Service.GetReferrer(r.Context(), referral.ReferrerID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	patients, err := h.Service.ReferrerPatients(r.Context(), ref.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	names := map[referral.ReferrerID]string{ref.ID: ref.Name}
	dtos := make([]PatientDTO, len(patients))
	for i, p := range patients {
		dtos[i] = toPatientDTO(p, names)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReferrerRewards returns the rewards paid to a referrer.
// GET /api/referrers/{id}/rewards
func (h *Handler) GetReferrerRewards(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ref, err := h.Service.GetReferrer(r.Context(), referral.ReferrerID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rewards, err := h.Service.ReferrerRewards(r.Context(), ref.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	names := map[referral.ReferrerID]string{ref.ID: ref.Name}
	dtos := make([]RewardDTO, len(rewards))
	for i, rw := range rewards {
		dtos[i] = toRewardDTO(rw, names)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RecomputeReferrer re-derives one referrer's counters from the ledger.
// POST /api/referrers/{id}/recompute
func (h *Handler) RecomputeReferrer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.Service.Recompute(r.Context(), referral.ReferrerID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecomputeDTO(res))
}

// =============================================================================
// PATIENT HANDLERS
// =============================================================================

// ListPatients returns every patient, newest first, with the referrer name.
// GET /api/patients
func (h *Handler) ListPatients(w http.ResponseWriter, r *http.Request) {
	patients, err := h.Service.ListPatients(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	names, err := h.referrerNames(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]PatientDTO, len(patients))
	for i, p := range patients {
		dtos[i] = toPatientDTO(p, names)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePatient registers a patient and, when converted, a pending reward.
// POST /api/patients
func (h *Handler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var req PatientRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid referral_date", err)
		return
	}
	p, err := h.Service.CreatePatient(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writePatient(w, r, http.StatusCreated, p)
}

func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.Service.GetPatient(r.Context(), referral.PatientID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writePatient(w, r, http.StatusOK, p)
}

// UpdatePatient replaces a patient's fields and reconciles the reward.
// PUT /api/patients/{id}
func (h *Handler) UpdatePatient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req PatientRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid referral_date", err)
		return
	}
	p, err := h.Service.UpdatePatient(r.Context(), referral.PatientID(id), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writePatient(w, r, http.StatusOK, p)
}

func (h *Handler) DeletePatient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.Service.DeletePatient(r.Context(), referral.PatientID(id)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PayReward settles a pending reward in cash or with a gift.
// POST /api/patients/{id}/pay
func (h *Handler) PayReward(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req PayRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid reward_date", err)
		return
	}
	rw, err := h.Service.PayReward(r.Context(), referral.PatientID(id), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeReward(w, r, http.StatusCreated, rw)
}

func (h *Handler) writePatient(w http.ResponseWriter, r *http.Request, status int, p *referral.Patient) {
	names := map[referral.ReferrerID]string{}
	if p.ReferrerID != nil {
		// A dangling referrer id simply has no name.
		if ref, err := h.Service.GetReferrer(r.Context(), *p.ReferrerID); err == nil {
			names[ref.ID] = ref.Name
		}
	}
	writeJSON(w, status, toPatientDTO(*p, names))
}

// =============================================================================
// REWARD HANDLERS
// =============================================================================

// ListRewards returns the reward ledger, newest first.
// GET /api/rewards
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.Service.ListRewards(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	names, err := h.referrerNames(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]RewardDTO, len(rewards))
	for i, rw := range rewards {
		dtos[i] = toRewardDTO(rw, names)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GrantReward records a reward that isn't tied to a patient.
// POST /api/rewards
func (h *Handler) GrantReward(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid reward_date", err)
		return
	}
	rw, err := h.Service.GrantReward(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeReward(w, r, http.StatusCreated, rw)
}

func (h *Handler) writeReward(w http.ResponseWriter, r *http.Request, status int, rw *referral.Reward) {
	names := map[referral.ReferrerID]string{}
	if ref, err := h.Service.GetReferrer(r.Context(), rw.ReferrerID); err == nil {
		names[ref.ID] = ref.Name
	}
	writeJSON(w, status, toRewardDTO(*rw, names))
}

// =============================================================================
// GIFT HANDLERS
// =============================================================================

// ListGifts returns active gifts, optionally in one category. ?all=true
// includes inactive ones.
// GET /api/gifts
func (h *Handler) ListGifts(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	var (
		items []referral.GiftItem
		err   error
	)
	if all {
		items, err = h.Service.ListGifts(r.Context())
	} else {
		items, err = h.Service.ListActiveGifts(r.Context(), category)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dtos := make([]GiftDTO, 0, len(items))
	for _, g := range items {
		if all && category != "" && g.Category != category {
			continue
		}
		dtos = append(dtos, toGiftDTO(g))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// POST /api/gifts
func (h *Handler) CreateGift(w http.ResponseWriter, r *http.Request) {
	var req GiftRequest
	if !h.decode(w, r, &req) {
		return
	}
	g, err := h.Service.CreateGift(r.Context(), req.toInput())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGiftDTO(*g))
}

func (h *Handler) GetGift(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	g, err := h.Service.GetGift(r.Context(), referral.GiftID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGiftDTO(*g))
}

// PUT /api/gifts/{id}
func (h *Handler) UpdateGift(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req GiftRequest
	if !h.decode(w, r, &req) {
		return
	}
	g, err := h.Service.UpdateGift(r.Context(), referral.GiftID(id), req.toInput())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGiftDTO(*g))
}

func (h *Handler) DeleteGift(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.Service.DeleteGift(r.Context(), referral.GiftID(id)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// SETTINGS & DASHBOARD
// =============================================================================

// GET /api/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SettingsDTO{
		DefaultCommissionRate: h.Service.Policy().DefaultRate().String(),
	})
}

// UpdateSettings changes the clinic default rate. Existing rewards keep
// their amounts.
// PUT /api/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Service.SetDefaultCommissionRate(r.Context(), *req.DefaultCommissionRate); err != nil {
		h.fail(w, r, err)
		return
	}
	h.GetSettings(w, r)
}

// GetStats returns the dashboard. Results are cached until the next write.
// GET /api/stats?top=5
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	top := defaultTopReferrers
	if raw := r.URL.Query().Get("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid top", fmt.Errorf("top must be a non-negative integer, got %q", raw))
			return
		}
		top = n
	}

	key := "summary:" + strconv.Itoa(top)
	if cached, ok := h.cache.Get(key); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	sum, err := h.Service.Summary(r.Context(), top)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dto := toStatsDTO(sum, h.Service.Policy())
	h.cache.SetDefault(key, dto)
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RecomputeAll re-derives every referrer's counters.
// POST /api/admin/recompute
func (h *Handler) RecomputeAll(w http.ResponseWriter, r *http.Request) {
	resp, err := reconcileStats(r.Context(), h.Service)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if resp.Drifted > 0 {
		h.log.Warn().Int("drifted", resp.Drifted).Msg("recompute repaired drifted counters")
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) referrerNames(ctx context.Context) (map[referral.ReferrerID]string, error) {
	refs, err := h.Service.ListReferrers(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[referral.ReferrerID]string, len(refs))
	for _, ref := range refs {
		names[ref.ID] = ref.Name
	}
	return names, nil
}

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 1 << 20

// decode reads a JSON body into dst and validates it. On failure it writes
// a 400 (413 for an oversized body) and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", err)
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Validation failed",
				Code:    "validation",
				Details: fields,
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id", fmt.Errorf("id must be a positive integer, got %q", raw))
		return 0, false
	}
	return id, true
}

// fail maps a service error to a status code.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *referral.ValidationError
		nf *referral.NotFoundError
		te *referral.InvalidTransitionError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   err.Error(),
			Code:    "validation",
			Details: map[string]string{ve.Field: ve.Message},
		})
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.As(err, &te):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  "invalid_transition",
			Details: map[string]string{
				"from": string(te.From),
				"to":   string(te.To),
			},
		})
	default:
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
