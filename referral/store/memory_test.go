package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xinjie/referral-engine/referral"
)

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(st referral.Store) error {
		r := &referral.Referrer{Name: "Li"}
		require.NoError(t, st.CreateReferrer(ctx, r))
		require.NoError(t, st.PutSetting(ctx, "k", "v"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	refs, err := m.ListReferrers(ctx)
	require.NoError(t, err)
	assert.Empty(t, refs)
	_, ok, _ := m.GetSetting(ctx, "k")
	assert.False(t, ok)

	// Sequence is rolled back too
	r := &referral.Referrer{Name: "Zhang"}
	require.NoError(t, m.CreateReferrer(ctx, r))
	assert.Equal(t, referral.ReferrerID(1), r.ID)
}

func TestMemory_WithTxCommits(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var id referral.ReferrerID
	err := m.WithTx(ctx, func(st referral.Store) error {
		r := &referral.Referrer{Name: "Li"}
		if err := st.CreateReferrer(ctx, r); err != nil {
			return err
		}
		id = r.ID
		// Reads inside the transaction see its own writes
		got, err := st.GetReferrer(ctx, r.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		return nil
	})
	require.NoError(t, err)

	got, err := m.GetReferrer(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Li", got.Name)
}

func TestMemory_GetMissingReturnsNil(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	r, err := m.GetReferrer(ctx, 1)
	assert.NoError(t, err)
	assert.Nil(t, r)
	p, err := m.GetPatient(ctx, 1)
	assert.NoError(t, err)
	assert.Nil(t, p)
	g, err := m.GetGift(ctx, 1)
	assert.NoError(t, err)
	assert.Nil(t, g)
}

func TestMemory_UpdateReferrerKeepsStats(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	r := &referral.Referrer{Name: "Li"}
	require.NoError(t, m.CreateReferrer(ctx, r))
	require.NoError(t, m.SaveReferrerStats(ctx, r.ID, referral.Stats{TotalReferrals: 3}))

	require.NoError(t, m.UpdateReferrer(ctx, referral.Referrer{ID: r.ID, Name: "Li Na"}))

	got, err := m.GetReferrer(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "Li Na", got.Name)
	assert.Equal(t, 3, got.Stats.TotalReferrals)
}

func TestMemory_Ordering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ref := referral.ReferrerID(1)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, name := range []string{"first", "second", "third"} {
		p := &referral.Patient{Name: name, ReferrerID: &ref, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		require.NoError(t, m.CreatePatient(ctx, p))
	}
	patients, err := m.ListPatients(ctx)
	require.NoError(t, err)
	require.Len(t, patients, 3)
	assert.Equal(t, "third", patients[0].Name)

	byRef, err := m.PatientsByReferrer(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, byRef, 3)

	for _, d := range []int{3, 1, 2} {
		rw := &referral.Reward{ReferrerID: ref, Amount: decimal.NewFromInt(int64(d)), Date: base.AddDate(0, 0, d)}
		require.NoError(t, m.AppendReward(ctx, rw))
	}
	rewards, err := m.ListRewards(ctx)
	require.NoError(t, err)
	require.Len(t, rewards, 3)
	assert.True(t, rewards[0].Amount.Equal(decimal.NewFromInt(3)))
	assert.True(t, rewards[2].Amount.Equal(decimal.NewFromInt(1)))
}

func TestMemory_GiftFilterAndStock(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	brush := &referral.GiftItem{Name: "Brush", Category: "oral care", Active: true, Stock: 3}
	require.NoError(t, m.CreateGift(ctx, brush))
	require.NoError(t, m.CreateGift(ctx, &referral.GiftItem{Name: "Voucher", Category: "service", Active: true}))
	require.NoError(t, m.CreateGift(ctx, &referral.GiftItem{Name: "Mug", Category: "oral care"}))

	active, err := m.ListGifts(ctx, referral.GiftFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	oral, err := m.ListGifts(ctx, referral.GiftFilter{Category: "oral care"})
	require.NoError(t, err)
	require.Len(t, oral, 2)
	assert.Equal(t, "Brush", oral[0].Name)

	require.NoError(t, m.SetGiftStock(ctx, brush.ID, 1))
	got, err := m.GetGift(ctx, brush.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Stock)
}

func TestMemory_Reset(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateReferrer(ctx, &referral.Referrer{Name: "Li"}))
	require.NoError(t, m.PutSetting(ctx, referral.SettingDefaultCommissionRate, "8"))

	require.NoError(t, m.Reset(ctx))

	refs, err := m.ListReferrers(ctx)
	require.NoError(t, err)
	assert.Empty(t, refs)
	_, ok, err := m.GetSetting(ctx, referral.SettingDefaultCommissionRate)
	require.NoError(t, err)
	assert.False(t, ok)
}
