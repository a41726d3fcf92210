/*
Package sqlite provides a SQLite-backed implementation of referral.TxStore.

PURPOSE:
  Persists referrers, patients, gift items, rewards and settings in a single
  SQLite file. The same queries run against the pool or an open transaction,
  so every "mutate + recompute" pair the service issues commits atomically.

INTERFACES IMPLEMENTED:
  referral.Store:        CRUD, append-only rewards, settings
  referral.TxStore:      WithTx
  referral.SummaryStore: dashboard aggregates

APPEND-ONLY ENFORCEMENT:
  There is no UPDATE or DELETE statement on the rewards table anywhere in
  this package.

KEY TABLES:
  referrers:         profile + cached stats counters
  patients:          referral, spend, conversion and reward state
  gift_items:        inventory with cost, credited value and stock
  rewards:           immutable payout ledger
  settings:          key/value clinic configuration
  schema_migrations: applied migration versions

CONCURRENCY:
  The pool is limited to one connection, so transactions and statements are
  serialized by database/sql. WithTx additionally holds a mutex so a
  transaction is never interleaved with Reset.

MIGRATION:
  Ordered and idempotent, applied on New(). See migrations.go.

USAGE:
  store, err := sqlite.New("./referrals.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := referral.NewService(store)

SEE ALSO:
  - referral/store.go: Interface definitions
  - referral/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/xinjie/referral-engine/referral"
)

// Store implements referral.TxStore using SQLite.
type Store struct {
	queries
	db *sqlx.DB
	mu sync.Mutex
}

// New opens (or creates) the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return newStore(db), nil
}

func newStore(db *sqlx.DB) *Store {
	return &Store{queries: queries{ext: db}, db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// TRANSACTIONAL STORE (referral.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Any error from fn rolls
// back every write made through the Store it was given.
func (s *Store) WithTx(ctx context.Context, fn func(referral.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(queries{ext: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// =============================================================================
// DASHBOARD (referral.SummaryStore interface)
// =============================================================================

// Summary counts in SQL. Money columns are TEXT, so sums are taken in Go
// with decimal arithmetic rather than SQLite's floating-point SUM.
func (s *Store) Summary(ctx context.Context) (referral.Totals, error) {
	var counts struct {
		ActiveReferrers int `db:"active_referrers"`
		TotalPatients   int `db:"total_patients"`
		Converted       int `db:"converted"`
	}
	err := s.db.GetContext(ctx, &counts, `
		SELECT
			(SELECT COUNT(*) FROM referrers WHERE status = 'active') AS active_referrers,
			(SELECT COUNT(*) FROM patients) AS total_patients,
			(SELECT COUNT(*) FROM patients WHERE converted = 1) AS converted`)
	if err != nil {
		return referral.Totals{}, fmt.Errorf("failed to count totals: %w", err)
	}

	t := referral.Totals{
		ActiveReferrers: counts.ActiveReferrers,
		TotalPatients:   counts.TotalPatients,
		Converted:       counts.Converted,
	}
	if t.Revenue, err = s.sum(ctx, `SELECT spend FROM patients`); err != nil {
		return t, err
	}
	if t.TotalPaid, err = s.sum(ctx, `SELECT amount FROM rewards`); err != nil {
		return t, err
	}
	if t.TotalPending, err = s.sum(ctx, `SELECT reward_amount FROM patients WHERE reward_status = 'pending'`); err != nil {
		return t, err
	}
	return t, nil
}

func (s *Store) sum(ctx context.Context, query string) (decimal.Decimal, error) {
	var values []decimal.Decimal
	if err := s.db.SelectContext(ctx, &values, query); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum: %w", err)
	}
	return decimal.Sum(decimal.Zero, values...), nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data and restores the seeded settings (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"rewards", "patients", "gift_items", "referrers", "settings"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sqlite_sequence`); err != nil {
		return fmt.Errorf("failed to reset sequences: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)`,
		referral.SettingDefaultCommissionRate, referral.FallbackCommissionRate.String(),
	); err != nil {
		return fmt.Errorf("failed to seed settings: %w", err)
	}
	return tx.Commit()
}

var (
	_ referral.TxStore      = (*Store)(nil)
	_ referral.SummaryStore = (*Store)(nil)
)
