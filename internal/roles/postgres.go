package roles

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists role membership in a principal_roles table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed role store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the backing table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS principal_roles (
			principal  TEXT NOT NULL,
			role       TEXT NOT NULL,
			granted_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (principal, role)
		)`)
	if err != nil {
		return fmt.Errorf("failed to create principal_roles table: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasRole(ctx context.Context, principal string, role Role) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM principal_roles WHERE principal = $1 AND role = $2)`,
		principal, string(role),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check role: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) AddRole(ctx context.Context, principal string, role Role) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO principal_roles (principal, role, granted_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (principal, role) DO NOTHING`,
		principal, string(role), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to add role: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveRole(ctx context.Context, principal string, role Role) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM principal_roles WHERE principal = $1 AND role = $2`,
		principal, string(role),
	)
	if err != nil {
		return fmt.Errorf("failed to remove role: %w", err)
	}
	return nil
}

func (s *PostgresStore) MembersOf(ctx context.Context, role Role) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT principal FROM principal_roles WHERE role = $1 ORDER BY principal`,
		string(role),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query role members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var principal string
		if err := rows.Scan(&principal); err != nil {
			return nil, fmt.Errorf("failed to scan role member: %w", err)
		}
		members = append(members, principal)
	}
	return members, rows.Err()
}
