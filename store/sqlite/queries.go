package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/xinjie/referral-engine/referral"
)

// queries implements referral.Store over either the pool or an open
// transaction. Money columns are TEXT holding decimal strings; dates are
// TEXT in DateLayout; timestamps are fixed-width UTC text.
type queries struct {
	ext sqlx.ExtContext
}

// =============================================================================
// ROWS
// =============================================================================

type referrerRow struct {
	ID                  int64               `db:"id"`
	Name                string              `db:"name"`
	Phone               string              `db:"phone"`
	Gender              string              `db:"gender"`
	Category            string              `db:"category"`
	CommissionRate      decimal.NullDecimal `db:"commission_rate"`
	Status              string              `db:"status"`
	Notes               string              `db:"notes"`
	CreatedAt           string              `db:"created_at"`
	TotalReferrals      int                 `db:"total_referrals"`
	SuccessfulReferrals int                 `db:"successful_referrals"`
	TotalRewards        decimal.Decimal     `db:"total_rewards"`
	PendingRewards      decimal.Decimal     `db:"pending_rewards"`
}

func (r referrerRow) toReferrer() referral.Referrer {
	out := referral.Referrer{
		ID:        referral.ReferrerID(r.ID),
		Name:      r.Name,
		Phone:     r.Phone,
		Gender:    r.Gender,
		Category:  r.Category,
		Status:    referral.ReferrerStatus(r.Status),
		Notes:     r.Notes,
		CreatedAt: parseTimestamp(r.CreatedAt),
		Stats: referral.Stats{
			TotalReferrals:      r.TotalReferrals,
			SuccessfulReferrals: r.SuccessfulReferrals,
			TotalRewards:        r.TotalRewards,
			PendingRewards:      r.PendingRewards,
		},
	}
	if r.CommissionRate.Valid {
		rate := r.CommissionRate.Decimal
		out.CommissionRate = &rate
	}
	return out
}

type patientRow struct {
	ID           int64           `db:"id"`
	Name         string          `db:"name"`
	Phone        string          `db:"phone"`
	Gender       string          `db:"gender"`
	Age          sql.NullInt64   `db:"age"`
	ReferrerID   sql.NullInt64   `db:"referrer_id"`
	ReferralDate string          `db:"referral_date"`
	Treatment    string          `db:"treatment"`
	Spend        decimal.Decimal `db:"spend"`
	Converted    bool            `db:"converted"`
	RewardAmount decimal.Decimal `db:"reward_amount"`
	RewardStatus string          `db:"reward_status"`
	Notes        string          `db:"notes"`
	CreatedAt    string          `db:"created_at"`
}

func (r patientRow) toPatient() referral.Patient {
	status, err := referral.ParseRewardStatus(r.RewardStatus)
	if err != nil {
		status = referral.StatusNotApplicable
	}
	out := referral.Patient{
		ID:           referral.PatientID(r.ID),
		Name:         r.Name,
		Phone:        r.Phone,
		Gender:       r.Gender,
		ReferralDate: parseDate(r.ReferralDate),
		Treatment:    r.Treatment,
		Spend:        r.Spend,
		Converted:    r.Converted,
		RewardAmount: r.RewardAmount,
		RewardStatus: status,
		Notes:        r.Notes,
		CreatedAt:    parseTimestamp(r.CreatedAt),
	}
	if r.Age.Valid {
		age := int(r.Age.Int64)
		out.Age = &age
	}
	if r.ReferrerID.Valid {
		id := referral.ReferrerID(r.ReferrerID.Int64)
		out.ReferrerID = &id
	}
	return out
}

type giftRow struct {
	ID        int64           `db:"id"`
	Name      string          `db:"name"`
	Category  string          `db:"category"`
	Cost      decimal.Decimal `db:"cost"`
	GiftValue decimal.Decimal `db:"gift_value"`
	Stock     int             `db:"stock"`
	Active    bool            `db:"active"`
	Notes     string          `db:"notes"`
	CreatedAt string          `db:"created_at"`
}

func (r giftRow) toGift() referral.GiftItem {
	return referral.GiftItem{
		ID:        referral.GiftID(r.ID),
		Name:      r.Name,
		Category:  r.Category,
		Cost:      r.Cost,
		GiftValue: r.GiftValue,
		Stock:     r.Stock,
		Active:    r.Active,
		Notes:     r.Notes,
		CreatedAt: parseTimestamp(r.CreatedAt),
	}
}

type rewardRow struct {
	ID         int64           `db:"id"`
	ReferrerID int64           `db:"referrer_id"`
	PatientID  sql.NullInt64   `db:"patient_id"`
	Type       string          `db:"reward_type"`
	Label      string          `db:"label"`
	Amount     decimal.Decimal `db:"amount"`
	Date       string          `db:"reward_date"`
	Notes      string          `db:"notes"`
	GiftID     sql.NullInt64   `db:"gift_id"`
	Quantity   int             `db:"quantity"`
	CreatedAt  string          `db:"created_at"`
}

func (r rewardRow) toReward() referral.Reward {
	out := referral.Reward{
		ID:         referral.RewardID(r.ID),
		ReferrerID: referral.ReferrerID(r.ReferrerID),
		Type:       referral.RewardType(r.Type),
		Label:      r.Label,
		Amount:     r.Amount,
		Date:       parseDate(r.Date),
		Notes:      r.Notes,
		Quantity:   r.Quantity,
		CreatedAt:  parseTimestamp(r.CreatedAt),
	}
	if r.PatientID.Valid {
		id := referral.PatientID(r.PatientID.Int64)
		out.PatientID = &id
	}
	if r.GiftID.Valid {
		id := referral.GiftID(r.GiftID.Int64)
		out.GiftID = &id
	}
	return out
}

// =============================================================================
// REFERRERS
// =============================================================================

const referrerColumns = `id, name, phone, gender, category, commission_rate, status, notes, created_at,
	total_referrals, successful_referrals, total_rewards, pending_rewards`

func (q queries) CreateReferrer(ctx context.Context, r *referral.Referrer) error {
	res, err := q.ext.ExecContext(ctx, `
		INSERT INTO referrers (name, phone, gender, category, commission_rate, status, notes, created_at,
			total_referrals, successful_referrals, total_rewards, pending_rewards)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.Phone, r.Gender, r.Category, nullDecimal(r.CommissionRate), string(r.Status), r.Notes,
		formatTimestamp(r.CreatedAt),
		r.Stats.TotalReferrals, r.Stats.SuccessfulReferrals, r.Stats.TotalRewards, r.Stats.PendingRewards,
	)
	if err != nil {
		return fmt.Errorf("failed to insert referrer: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = referral.ReferrerID(id)
	return nil
}

// UpdateReferrer writes profile columns only; stats belong to SaveReferrerStats.
func (q queries) UpdateReferrer(ctx context.Context, r referral.Referrer) error {
	_, err := q.ext.ExecContext(ctx, `
		UPDATE referrers SET name = ?, phone = ?, gender = ?, category = ?, commission_rate = ?,
			status = ?, notes = ?
		WHERE id = ?`,
		r.Name, r.Phone, r.Gender, r.Category, nullDecimal(r.CommissionRate), string(r.Status), r.Notes, int64(r.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update referrer: %w", err)
	}
	return nil
}

func (q queries) GetReferrer(ctx context.Context, id referral.ReferrerID) (*referral.Referrer, error) {
	var row referrerRow
	err := sqlx.GetContext(ctx, q.ext, &row, `SELECT `+referrerColumns+` FROM referrers WHERE id = ?`, int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get referrer: %w", err)
	}
	r := row.toReferrer()
	return &r, nil
}

func (q queries) ListReferrers(ctx context.Context) ([]referral.Referrer, error) {
	var rows []referrerRow
	if err := sqlx.SelectContext(ctx, q.ext, &rows, `SELECT `+referrerColumns+` FROM referrers ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list referrers: %w", err)
	}
	out := make([]referral.Referrer, len(rows))
	for i, row := range rows {
		out[i] = row.toReferrer()
	}
	return out, nil
}

func (q queries) DeleteReferrer(ctx context.Context, id referral.ReferrerID) error {
	_, err := q.ext.ExecContext(ctx, `DELETE FROM referrers WHERE id = ?`, int64(id))
	return err
}

func (q queries) SaveReferrerStats(ctx context.Context, id referral.ReferrerID, st referral.Stats) error {
	_, err := q.ext.ExecContext(ctx, `
		UPDATE referrers SET total_referrals = ?, successful_referrals = ?, total_rewards = ?, pending_rewards = ?
		WHERE id = ?`,
		st.TotalReferrals, st.SuccessfulReferrals, st.TotalRewards, st.PendingRewards, int64(id),
	)
	if err != nil {
		return fmt.Errorf("failed to save referrer stats: %w", err)
	}
	return nil
}

// =============================================================================
// PATIENTS
// =============================================================================

const patientColumns = `id, name, phone, gender, age, referrer_id, referral_date, treatment, spend,
	converted, reward_amount, reward_status, notes, created_at`

func (q queries) CreatePatient(ctx context.Context, p *referral.Patient) error {
	res, err := q.ext.ExecContext(ctx, `
		INSERT INTO patients (name, phone, gender, age, referrer_id, referral_date, treatment, spend,
			converted, reward_amount, reward_status, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Phone, p.Gender, nullInt(p.Age), nullReferrer(p.ReferrerID), formatDate(p.ReferralDate),
		p.Treatment, p.Spend, p.Converted, p.RewardAmount, string(p.RewardStatus), p.Notes,
		formatTimestamp(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert patient: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = referral.PatientID(id)
	return nil
}

func (q queries) UpdatePatient(ctx context.Context, p referral.Patient) error {
	_, err := q.ext.ExecContext(ctx, `
		UPDATE patients SET name = ?, phone = ?, gender = ?, age = ?, referrer_id = ?, referral_date = ?,
			treatment = ?, spend = ?, converted = ?, reward_amount = ?, reward_status = ?, notes = ?
		WHERE id = ?`,
		p.Name, p.Phone, p.Gender, nullInt(p.Age), nullReferrer(p.ReferrerID), formatDate(p.ReferralDate),
		p.Treatment, p.Spend, p.Converted, p.RewardAmount, string(p.RewardStatus), p.Notes, int64(p.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update patient: %w", err)
	}
	return nil
}

func (q queries) GetPatient(ctx context.Context, id referral.PatientID) (*referral.Patient, error) {
	var row patientRow
	err := sqlx.GetContext(ctx, q.ext, &row, `SELECT `+patientColumns+` FROM patients WHERE id = ?`, int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}
	p := row.toPatient()
	return &p, nil
}

func (q queries) ListPatients(ctx context.Context) ([]referral.Patient, error) {
	return q.selectPatients(ctx, `SELECT `+patientColumns+` FROM patients ORDER BY created_at DESC, id DESC`)
}

func (q queries) PatientsByReferrer(ctx context.Context, id referral.ReferrerID) ([]referral.Patient, error) {
	return q.selectPatients(ctx,
		`SELECT `+patientColumns+` FROM patients WHERE referrer_id = ? ORDER BY created_at DESC, id DESC`, int64(id))
}

func (q queries) selectPatients(ctx context.Context, query string, args ...any) ([]referral.Patient, error) {
	var rows []patientRow
	if err := sqlx.SelectContext(ctx, q.ext, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query patients: %w", err)
	}
	out := make([]referral.Patient, len(rows))
	for i, row := range rows {
		out[i] = row.toPatient()
	}
	return out, nil
}

func (q queries) DeletePatient(ctx context.Context, id referral.PatientID) error {
	_, err := q.ext.ExecContext(ctx, `DELETE FROM patients WHERE id = ?`, int64(id))
	return err
}

// =============================================================================
// GIFTS
// =============================================================================

const giftColumns = `id, name, category, cost, gift_value, stock, active, notes, created_at`

func (q queries) CreateGift(ctx context.Context, g *referral.GiftItem) error {
	res, err := q.ext.ExecContext(ctx, `
		INSERT INTO gift_items (name, category, cost, gift_value, stock, active, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.Name, g.Category, g.Cost, g.GiftValue, g.Stock, g.Active, g.Notes, formatTimestamp(g.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert gift: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	g.ID = referral.GiftID(id)
	return nil
}

func (q queries) UpdateGift(ctx context.Context, g referral.GiftItem) error {
	_, err := q.ext.ExecContext(ctx, `
		UPDATE gift_items SET name = ?, category = ?, cost = ?, gift_value = ?, stock = ?, active = ?, notes = ?
		WHERE id = ?`,
		g.Name, g.Category, g.Cost, g.GiftValue, g.Stock, g.Active, g.Notes, int64(g.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update gift: %w", err)
	}
	return nil
}

func (q queries) GetGift(ctx context.Context, id referral.GiftID) (*referral.GiftItem, error) {
	var row giftRow
	err := sqlx.GetContext(ctx, q.ext, &row, `SELECT `+giftColumns+` FROM gift_items WHERE id = ?`, int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gift: %w", err)
	}
	g := row.toGift()
	return &g, nil
}

func (q queries) ListGifts(ctx context.Context, f referral.GiftFilter) ([]referral.GiftItem, error) {
	query := `SELECT ` + giftColumns + ` FROM gift_items WHERE 1 = 1`
	var args []any
	if f.ActiveOnly {
		query += ` AND active = 1`
	}
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	query += ` ORDER BY category, name`

	var rows []giftRow
	if err := sqlx.SelectContext(ctx, q.ext, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list gifts: %w", err)
	}
	out := make([]referral.GiftItem, len(rows))
	for i, row := range rows {
		out[i] = row.toGift()
	}
	return out, nil
}

func (q queries) DeleteGift(ctx context.Context, id referral.GiftID) error {
	_, err := q.ext.ExecContext(ctx, `DELETE FROM gift_items WHERE id = ?`, int64(id))
	return err
}

func (q queries) SetGiftStock(ctx context.Context, id referral.GiftID, stock int) error {
	_, err := q.ext.ExecContext(ctx, `UPDATE gift_items SET stock = ? WHERE id = ?`, stock, int64(id))
	if err != nil {
		return fmt.Errorf("failed to update gift stock: %w", err)
	}
	return nil
}

// =============================================================================
// REWARDS (append-only: INSERT and SELECT only)
// =============================================================================

const rewardColumns = `id, referrer_id, patient_id, reward_type, label, amount, reward_date, notes,
	gift_id, quantity, created_at`

func (q queries) AppendReward(ctx context.Context, rw *referral.Reward) error {
	var patientID, giftID sql.NullInt64
	if rw.PatientID != nil {
		patientID = sql.NullInt64{Int64: int64(*rw.PatientID), Valid: true}
	}
	if rw.GiftID != nil {
		giftID = sql.NullInt64{Int64: int64(*rw.GiftID), Valid: true}
	}
	res, err := q.ext.ExecContext(ctx, `
		INSERT INTO rewards (referrer_id, patient_id, reward_type, label, amount, reward_date, notes,
			gift_id, quantity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(rw.ReferrerID), patientID, string(rw.Type), rw.Label, rw.Amount, formatDate(rw.Date), rw.Notes,
		giftID, rw.Quantity, formatTimestamp(rw.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append reward: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rw.ID = referral.RewardID(id)
	return nil
}

func (q queries) RewardsByReferrer(ctx context.Context, id referral.ReferrerID) ([]referral.Reward, error) {
	return q.selectRewards(ctx,
		`SELECT `+rewardColumns+` FROM rewards WHERE referrer_id = ? ORDER BY reward_date DESC, id DESC`, int64(id))
}

func (q queries) ListRewards(ctx context.Context) ([]referral.Reward, error) {
	return q.selectRewards(ctx, `SELECT `+rewardColumns+` FROM rewards ORDER BY reward_date DESC, id DESC`)
}

func (q queries) selectRewards(ctx context.Context, query string, args ...any) ([]referral.Reward, error) {
	var rows []rewardRow
	if err := sqlx.SelectContext(ctx, q.ext, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query rewards: %w", err)
	}
	out := make([]referral.Reward, len(rows))
	for i, row := range rows {
		out[i] = row.toReward()
	}
	return out, nil
}

// =============================================================================
// SETTINGS
// =============================================================================

func (q queries) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := sqlx.GetContext(ctx, q.ext, &v, `SELECT value FROM settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get setting: %w", err)
	}
	return v, true, nil
}

func (q queries) PutSetting(ctx context.Context, key, value string) error {
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to save setting: %w", err)
	}
	return nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// timestampLayout is fixed-width so created_at sorts correctly as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) time.Time {
	t, _ := time.Parse(timestampLayout, s)
	return t
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return referral.Today().Format(referral.DateLayout)
	}
	return t.UTC().Format(referral.DateLayout)
}

func parseDate(s string) time.Time {
	t, _ := time.Parse(referral.DateLayout, s)
	return t
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullReferrer(id *referral.ReferrerID) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

var _ referral.Store = queries{}
