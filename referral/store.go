/*
store.go - Persistence interface for the referral ledger

PURPOSE:
  Defines the boundary between the business rules and the database. The
  engine never assembles SQL; it asks the Store for rows and hands back
  fully-computed rows to write.

KEY INTERFACES:
  Store:   CRUD for referrers, patients, gifts; append-only rewards; settings
  TxStore: Store + WithTx for atomic "mutate + recompute" pairs

LOOKUP CONVENTION:
  Get* methods return (nil, nil) when the row doesn't exist. The Service
  turns that into a *NotFoundError with the right Kind.

REWARDS ARE APPEND-ONLY:
  AppendReward is the only write for rewards. There is no update or delete.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite via sqlx
  - referral/store/memory.go: In-memory for tests

SEE ALSO:
  - service.go: the only caller that mutates through this interface
*/
package referral

import (
	"context"

	"github.com/shopspring/decimal"
)

// GiftFilter narrows ListGifts.
type GiftFilter struct {
	ActiveOnly bool
	Category   string // empty = all categories
}

// Store handles persistence of the ledger.
type Store interface {
	// Referrers
	CreateReferrer(ctx context.Context, r *Referrer) error // assigns r.ID
	UpdateReferrer(ctx context.Context, r Referrer) error  // never touches Stats
	GetReferrer(ctx context.Context, id ReferrerID) (*Referrer, error)
	ListReferrers(ctx context.Context) ([]Referrer, error)
	DeleteReferrer(ctx context.Context, id ReferrerID) error
	SaveReferrerStats(ctx context.Context, id ReferrerID, stats Stats) error

	// Patients
	CreatePatient(ctx context.Context, p *Patient) error // assigns p.ID
	UpdatePatient(ctx context.Context, p Patient) error
	GetPatient(ctx context.Context, id PatientID) (*Patient, error)
	ListPatients(ctx context.Context) ([]Patient, error) // newest first
	PatientsByReferrer(ctx context.Context, id ReferrerID) ([]Patient, error)
	DeletePatient(ctx context.Context, id PatientID) error

	// Gift inventory
	CreateGift(ctx context.Context, g *GiftItem) error // assigns g.ID
	UpdateGift(ctx context.Context, g GiftItem) error
	GetGift(ctx context.Context, id GiftID) (*GiftItem, error)
	ListGifts(ctx context.Context, filter GiftFilter) ([]GiftItem, error) // category, name
	DeleteGift(ctx context.Context, id GiftID) error
	SetGiftStock(ctx context.Context, id GiftID, stock int) error

	// Rewards (append-only)
	AppendReward(ctx context.Context, rw *Reward) error // assigns rw.ID
	RewardsByReferrer(ctx context.Context, id ReferrerID) ([]Reward, error)
	ListRewards(ctx context.Context) ([]Reward, error) // newest first

	// Settings
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
}

// TxStore wraps Store with transaction support.
// If fn returns an error, every write made through the inner Store is rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// SummaryStore is implemented by stores that can aggregate the dashboard
// figures in the database instead of in memory.
type SummaryStore interface {
	Summary(ctx context.Context) (Totals, error)
}

// Totals are clinic-wide figures used by the dashboard.
type Totals struct {
	ActiveReferrers int
	TotalPatients   int
	Converted       int
	Revenue         decimal.Decimal
	TotalPaid       decimal.Decimal
	TotalPending    decimal.Decimal
}
