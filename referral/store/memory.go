// Package store provides an in-memory referral.TxStore.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/xinjie/referral-engine/referral"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements referral.TxStore. Every public method takes the lock and
// delegates to the unlocked state; WithTx hands fn the unlocked state directly.
type Memory struct {
	mu    sync.RWMutex
	state *state
}

type state struct {
	referrers map[referral.ReferrerID]referral.Referrer
	patients  map[referral.PatientID]referral.Patient
	gifts     map[referral.GiftID]referral.GiftItem
	rewards   []referral.Reward
	settings  map[string]string
	seq       int64
}

func newState() *state {
	return &state{
		referrers: make(map[referral.ReferrerID]referral.Referrer),
		patients:  make(map[referral.PatientID]referral.Patient),
		gifts:     make(map[referral.GiftID]referral.GiftItem),
		settings:  make(map[string]string),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn against a snapshot of the store. The snapshot replaces
// the live state only when fn succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(referral.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	working := m.state.clone()
	if err := fn(working); err != nil {
		return err
	}
	m.state = working
	return nil
}

func (s *state) clone() *state {
	c := &state{
		referrers: make(map[referral.ReferrerID]referral.Referrer, len(s.referrers)),
		patients:  make(map[referral.PatientID]referral.Patient, len(s.patients)),
		gifts:     make(map[referral.GiftID]referral.GiftItem, len(s.gifts)),
		rewards:   append([]referral.Reward(nil), s.rewards...),
		settings:  make(map[string]string, len(s.settings)),
		seq:       s.seq,
	}
	for k, v := range s.referrers {
		c.referrers[k] = v
	}
	for k, v := range s.patients {
		c.patients[k] = v
	}
	for k, v := range s.gifts {
		c.gifts[k] = v
	}
	for k, v := range s.settings {
		c.settings[k] = v
	}
	return c
}

// Reset drops every row, settings included.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newState()
	return nil
}

// =============================================================================
// LOCKED WRAPPERS
// =============================================================================

func (m *Memory) read(fn func(*state) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.state)
}

func (m *Memory) write(fn func(*state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

func (m *Memory) CreateReferrer(ctx context.Context, r *referral.Referrer) error {
	return m.write(func(s *state) error { return s.CreateReferrer(ctx, r) })
}

func (m *Memory) UpdateReferrer(ctx context.Context, r referral.Referrer) error {
	return m.write(func(s *state) error { return s.UpdateReferrer(ctx, r) })
}

func (m *Memory) GetReferrer(ctx context.Context, id referral.ReferrerID) (out *referral.Referrer, err error) {
	err = m.read(func(s *state) error { out, err = s.GetReferrer(ctx, id); return err })
	return out, err
}

func (m *Memory) ListReferrers(ctx context.Context) (out []referral.Referrer, err error) {
	err = m.read(func(s *state) error { out, err = s.ListReferrers(ctx); return err })
	return out, err
}

func (m *Memory) DeleteReferrer(ctx context.Context, id referral.ReferrerID) error {
	return m.write(func(s *state) error { return s.DeleteReferrer(ctx, id) })
}

func (m *Memory) SaveReferrerStats(ctx context.Context, id referral.ReferrerID, st referral.Stats) error {
	return m.write(func(s *state) error { return s.SaveReferrerStats(ctx, id, st) })
}

func (m *Memory) CreatePatient(ctx context.Context, p *referral.Patient) error {
	return m.write(func(s *state) error { return s.CreatePatient(ctx, p) })
}

func (m *Memory) UpdatePatient(ctx context.Context, p referral.Patient) error {
	return m.write(func(s *state) error { return s.UpdatePatient(ctx, p) })
}

func (m *Memory) GetPatient(ctx context.Context, id referral.PatientID) (out *referral.Patient, err error) {
	err = m.read(func(s *state) error { out, err = s.GetPatient(ctx, id); return err })
	return out, err
}

func (m *Memory) ListPatients(ctx context.Context) (out []referral.Patient, err error) {
	err = m.read(func(s *state) error { out, err = s.ListPatients(ctx); return err })
	return out, err
}

func (m *Memory) PatientsByReferrer(ctx context.Context, id referral.ReferrerID) (out []referral.Patient, err error) {
	err = m.read(func(s *state) error { out, err = s.PatientsByReferrer(ctx, id); return err })
	return out, err
}

func (m *Memory) DeletePatient(ctx context.Context, id referral.PatientID) error {
	return m.write(func(s *state) error { return s.DeletePatient(ctx, id) })
}

func (m *Memory) CreateGift(ctx context.Context, g *referral.GiftItem) error {
	return m.write(func(s *state) error { return s.CreateGift(ctx, g) })
}

func (m *Memory) UpdateGift(ctx context.Context, g referral.GiftItem) error {
	return m.write(func(s *state) error { return s.UpdateGift(ctx, g) })
}

func (m *Memory) GetGift(ctx context.Context, id referral.GiftID) (out *referral.GiftItem, err error) {
	err = m.read(func(s *state) error { out, err = s.GetGift(ctx, id); return err })
	return out, err
}

func (m *Memory) ListGifts(ctx context.Context, f referral.GiftFilter) (out []referral.GiftItem, err error) {
	err = m.read(func(s *state) error { out, err = s.ListGifts(ctx, f); return err })
	return out, err
}

func (m *Memory) DeleteGift(ctx context.Context, id referral.GiftID) error {
	return m.write(func(s *state) error { return s.DeleteGift(ctx, id) })
}

func (m *Memory) SetGiftStock(ctx context.Context, id referral.GiftID, stock int) error {
	return m.write(func(s *state) error { return s.SetGiftStock(ctx, id, stock) })
}

func (m *Memory) AppendReward(ctx context.Context, rw *referral.Reward) error {
	return m.write(func(s *state) error { return s.AppendReward(ctx, rw) })
}

func (m *Memory) RewardsByReferrer(ctx context.Context, id referral.ReferrerID) (out []referral.Reward, err error) {
	err = m.read(func(s *state) error { out, err = s.RewardsByReferrer(ctx, id); return err })
	return out, err
}

func (m *Memory) ListRewards(ctx context.Context) (out []referral.Reward, err error) {
	err = m.read(func(s *state) error { out, err = s.ListRewards(ctx); return err })
	return out, err
}

func (m *Memory) GetSetting(ctx context.Context, key string) (val string, ok bool, err error) {
	err = m.read(func(s *state) error { val, ok, err = s.GetSetting(ctx, key); return err })
	return val, ok, err
}

func (m *Memory) PutSetting(ctx context.Context, key, value string) error {
	return m.write(func(s *state) error { return s.PutSetting(ctx, key, value) })
}

// =============================================================================
// UNLOCKED STATE - implements referral.Store
// =============================================================================

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

func (s *state) CreateReferrer(_ context.Context, r *referral.Referrer) error {
	r.ID = referral.ReferrerID(s.nextID())
	s.referrers[r.ID] = *r
	return nil
}

// UpdateReferrer keeps the stored stats; only SaveReferrerStats writes them.
func (s *state) UpdateReferrer(_ context.Context, r referral.Referrer) error {
	cur, ok := s.referrers[r.ID]
	if !ok {
		return nil
	}
	r.Stats = cur.Stats
	s.referrers[r.ID] = r
	return nil
}

func (s *state) GetReferrer(_ context.Context, id referral.ReferrerID) (*referral.Referrer, error) {
	r, ok := s.referrers[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *state) ListReferrers(_ context.Context) ([]referral.Referrer, error) {
	out := make([]referral.Referrer, 0, len(s.referrers))
	for _, r := range s.referrers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) DeleteReferrer(_ context.Context, id referral.ReferrerID) error {
	delete(s.referrers, id)
	return nil
}

func (s *state) SaveReferrerStats(_ context.Context, id referral.ReferrerID, st referral.Stats) error {
	r, ok := s.referrers[id]
	if !ok {
		return nil
	}
	r.Stats = st
	s.referrers[id] = r
	return nil
}

func (s *state) CreatePatient(_ context.Context, p *referral.Patient) error {
	p.ID = referral.PatientID(s.nextID())
	s.patients[p.ID] = *p
	return nil
}

func (s *state) UpdatePatient(_ context.Context, p referral.Patient) error {
	if _, ok := s.patients[p.ID]; ok {
		s.patients[p.ID] = p
	}
	return nil
}

func (s *state) GetPatient(_ context.Context, id referral.PatientID) (*referral.Patient, error) {
	p, ok := s.patients[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *state) ListPatients(_ context.Context) ([]referral.Patient, error) {
	out := make([]referral.Patient, 0, len(s.patients))
	for _, p := range s.patients {
		out = append(out, p)
	}
	sortPatients(out)
	return out, nil
}

func (s *state) PatientsByReferrer(_ context.Context, id referral.ReferrerID) ([]referral.Patient, error) {
	var out []referral.Patient
	for _, p := range s.patients {
		if p.HasReferrer(id) {
			out = append(out, p)
		}
	}
	sortPatients(out)
	return out, nil
}

func (s *state) DeletePatient(_ context.Context, id referral.PatientID) error {
	delete(s.patients, id)
	return nil
}

func (s *state) CreateGift(_ context.Context, g *referral.GiftItem) error {
	g.ID = referral.GiftID(s.nextID())
	s.gifts[g.ID] = *g
	return nil
}

func (s *state) UpdateGift(_ context.Context, g referral.GiftItem) error {
	if _, ok := s.gifts[g.ID]; ok {
		s.gifts[g.ID] = g
	}
	return nil
}

func (s *state) GetGift(_ context.Context, id referral.GiftID) (*referral.GiftItem, error) {
	g, ok := s.gifts[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (s *state) ListGifts(_ context.Context, f referral.GiftFilter) ([]referral.GiftItem, error) {
	var out []referral.GiftItem
	for _, g := range s.gifts {
		if f.ActiveOnly && !g.Active {
			continue
		}
		if f.Category != "" && g.Category != f.Category {
			continue
		}
		out = append(out, g)
	}
	referral.SortGifts(out)
	return out, nil
}

func (s *state) DeleteGift(_ context.Context, id referral.GiftID) error {
	delete(s.gifts, id)
	return nil
}

func (s *state) SetGiftStock(_ context.Context, id referral.GiftID, stock int) error {
	g, ok := s.gifts[id]
	if !ok {
		return nil
	}
	g.Stock = stock
	s.gifts[id] = g
	return nil
}

func (s *state) AppendReward(_ context.Context, rw *referral.Reward) error {
	rw.ID = referral.RewardID(s.nextID())
	s.rewards = append(s.rewards, *rw)
	return nil
}

func (s *state) RewardsByReferrer(_ context.Context, id referral.ReferrerID) ([]referral.Reward, error) {
	var out []referral.Reward
	for _, rw := range s.rewards {
		if rw.ReferrerID == id {
			out = append(out, rw)
		}
	}
	sortRewards(out)
	return out, nil
}

func (s *state) ListRewards(_ context.Context) ([]referral.Reward, error) {
	out := append([]referral.Reward(nil), s.rewards...)
	sortRewards(out)
	return out, nil
}

func (s *state) GetSetting(_ context.Context, key string) (string, bool, error) {
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *state) PutSetting(_ context.Context, key, value string) error {
	s.settings[key] = value
	return nil
}

// newest first
func sortPatients(ps []referral.Patient) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.After(ps[j].CreatedAt)
		}
		return ps[i].ID > ps[j].ID
	})
}

func sortRewards(rs []referral.Reward) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].Date.Equal(rs[j].Date) {
			return rs[i].Date.After(rs[j].Date)
		}
		return rs[i].ID > rs[j].ID
	})
}

var _ referral.TxStore = (*Memory)(nil)
var _ referral.Store = (*state)(nil)
