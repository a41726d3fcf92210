package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// MIGRATIONS - ordered, applied once, recorded in schema_migrations
// =============================================================================
//
// Append new migrations at the end. Never edit or reorder an applied one.

type migration struct {
	version int
	name    string
	stmt    string
}

var migrations = []migration{
	{1, "create referrers", `
		CREATE TABLE IF NOT EXISTS referrers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT '',
			gender TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			commission_rate TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			notes TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			total_referrals INTEGER NOT NULL DEFAULT 0,
			successful_referrals INTEGER NOT NULL DEFAULT 0,
			total_rewards TEXT NOT NULL DEFAULT '0',
			pending_rewards TEXT NOT NULL DEFAULT '0'
		);
		CREATE INDEX IF NOT EXISTS idx_referrers_status ON referrers(status);`},

	// referrer_id has no foreign key: a patient keeps its reference after
	// the referrer row is deleted.
	{2, "create patients", `
		CREATE TABLE IF NOT EXISTS patients (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT '',
			gender TEXT NOT NULL DEFAULT '',
			age INTEGER,
			referrer_id INTEGER,
			referral_date TEXT NOT NULL,
			treatment TEXT NOT NULL DEFAULT '',
			spend TEXT NOT NULL DEFAULT '0',
			converted INTEGER NOT NULL DEFAULT 0,
			reward_amount TEXT NOT NULL DEFAULT '0',
			reward_status TEXT NOT NULL DEFAULT 'not_applicable',
			notes TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_patients_referrer ON patients(referrer_id);
		CREATE INDEX IF NOT EXISTS idx_patients_created ON patients(created_at DESC);`},

	{3, "create gift_items", `
		CREATE TABLE IF NOT EXISTS gift_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			cost TEXT NOT NULL DEFAULT '0',
			gift_value TEXT NOT NULL DEFAULT '0',
			stock INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			notes TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_gift_items_category ON gift_items(category, name);`},

	// Append-only: the store never issues UPDATE or DELETE on rewards.
	{4, "create rewards", `
		CREATE TABLE IF NOT EXISTS rewards (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			referrer_id INTEGER NOT NULL,
			patient_id INTEGER,
			reward_type TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL,
			reward_date TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			gift_id INTEGER,
			quantity INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rewards_referrer ON rewards(referrer_id);
		CREATE INDEX IF NOT EXISTS idx_rewards_patient ON rewards(patient_id) WHERE patient_id IS NOT NULL;`},

	{5, "create settings", `
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		INSERT OR IGNORE INTO settings (key, value) VALUES ('default_commission_rate', '10');`},
}

// migrate applies every migration newer than the recorded version, each in
// its own transaction. Running it again is a no-op.
func migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.GetContext(ctx, &v, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	return v, err
}
