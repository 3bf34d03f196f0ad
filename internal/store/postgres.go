// Package store persists ledger snapshots in Postgres. The engine state
// lives in memory; the store is write-behind durability used to reload the
// ledger on restart.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/terminal-bench/vestd/internal/grant"
	"github.com/terminal-bench/vestd/pkg/amount"
)

const spareBalanceKey = "spare_balance"

// Postgres snapshots accounts and the spare balance.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Postgres-backed snapshot store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the backing tables if they do not exist.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS grants (
			beneficiary    TEXT NOT NULL,
			issued_at      BIGINT NOT NULL,
			total_amount   NUMERIC NOT NULL,
			claimed_amount NUMERIC NOT NULL,
			order_amount   NUMERIC NOT NULL,
			terminated_at  BIGINT,
			updated_at     TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (beneficiary, issued_at)
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_meta (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// SaveAccount upserts every grant of the account.
func (s *Postgres) SaveAccount(ctx context.Context, beneficiary string, acct grant.Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for issuedAt, g := range acct.Grants {
		var terminatedAt sql.NullInt64
		if g.TerminatedAt != nil {
			terminatedAt = sql.NullInt64{Int64: *g.TerminatedAt, Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO grants (beneficiary, issued_at, total_amount, claimed_amount, order_amount, terminated_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (beneficiary, issued_at) DO UPDATE SET
				total_amount   = EXCLUDED.total_amount,
				claimed_amount = EXCLUDED.claimed_amount,
				order_amount   = EXCLUDED.order_amount,
				terminated_at  = EXCLUDED.terminated_at,
				updated_at     = EXCLUDED.updated_at`,
			beneficiary, issuedAt, g.Total.String(), g.Claimed.String(), g.Order.String(),
			terminatedAt, time.Now(),
		)
		if err != nil {
			return fmt.Errorf("failed to save grant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// SaveSpare upserts the spare balance.
func (s *Postgres) SaveSpare(ctx context.Context, spare amount.Amount) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_meta (key, value, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		spareBalanceKey, spare.String(), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save spare balance: %w", err)
	}
	return nil
}

// Load reads the persisted ledger state.
func (s *Postgres) Load(ctx context.Context) (map[string]*grant.Account, amount.Amount, error) {
	accounts := make(map[string]*grant.Account)

	rows, err := s.db.QueryContext(ctx,
		`SELECT beneficiary, issued_at, total_amount, claimed_amount, order_amount, terminated_at
		 FROM grants`)
	if err != nil {
		return nil, amount.Amount{}, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			beneficiary                string
			issuedAt                   int64
			totalStr, claimedStr, ordStr string
			terminatedAt               sql.NullInt64
		)
		if err := rows.Scan(&beneficiary, &issuedAt, &totalStr, &claimedStr, &ordStr, &terminatedAt); err != nil {
			return nil, amount.Amount{}, fmt.Errorf("failed to scan grant: %w", err)
		}

		g := &grant.Grant{}
		if g.Total, err = amount.Parse(totalStr); err != nil {
			return nil, amount.Amount{}, fmt.Errorf("bad total amount for %s@%d: %w", beneficiary, issuedAt, err)
		}
		if g.Claimed, err = amount.Parse(claimedStr); err != nil {
			return nil, amount.Amount{}, fmt.Errorf("bad claimed amount for %s@%d: %w", beneficiary, issuedAt, err)
		}
		if g.Order, err = amount.Parse(ordStr); err != nil {
			return nil, amount.Amount{}, fmt.Errorf("bad order amount for %s@%d: %w", beneficiary, issuedAt, err)
		}
		if terminatedAt.Valid {
			t := terminatedAt.Int64
			g.TerminatedAt = &t
		}

		acct, ok := accounts[beneficiary]
		if !ok {
			acct = grant.NewAccount()
			accounts[beneficiary] = acct
		}
		acct.Grants[issuedAt] = g
	}
	if err := rows.Err(); err != nil {
		return nil, amount.Amount{}, fmt.Errorf("failed to read grants: %w", err)
	}

	spare := amount.Zero()
	var spareStr string
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM ledger_meta WHERE key = $1`, spareBalanceKey,
	).Scan(&spareStr)
	switch {
	case err == sql.ErrNoRows:
		// fresh ledger
	case err != nil:
		return nil, amount.Amount{}, fmt.Errorf("failed to read spare balance: %w", err)
	default:
		if spare, err = amount.Parse(spareStr); err != nil {
			return nil, amount.Amount{}, fmt.Errorf("bad spare balance: %w", err)
		}
	}

	return accounts, spare, nil
}
