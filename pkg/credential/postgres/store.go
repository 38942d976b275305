// Package postgres provides PostgreSQL storage for session credentials.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/telegrid/sessioncore/pkg/credential"
)

// Store implements credential.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL credential store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new credential. A second create for the same owner
// is a no-op at the storage layer.
func (s *Store) Create(ctx context.Context, c *credential.Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}

	date := c.Date
	if date == 0 {
		date = credential.Now()
	}

	query := `
		INSERT INTO session_credentials (owner_id, dc_id, api_id, test_mode, auth_key, date, user_id, is_bot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (owner_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		c.OwnerID, c.DCID, c.APIID, c.TestMode, c.AuthKey, date, c.UserID, c.IsBot,
	)
	if err != nil {
		return fmt.Errorf("inserting credential: %w", err)
	}
	return nil
}

// Get retrieves the credential for an owner.
func (s *Store) Get(ctx context.Context, ownerID int64) (*credential.Credential, error) {
	query := `
		SELECT owner_id, dc_id, api_id, test_mode, auth_key, date, user_id, is_bot
		FROM session_credentials
		WHERE owner_id = $1
	`
	var c credential.Credential
	err := s.db.QueryRowContext(ctx, query, ownerID).Scan(
		&c.OwnerID, &c.DCID, &c.APIID, &c.TestMode, &c.AuthKey, &c.Date, &c.UserID, &c.IsBot,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credential.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credential: %w", err)
	}
	return &c, nil
}

// Exists reports whether a credential row exists for an owner.
func (s *Store) Exists(ctx context.Context, ownerID int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM session_credentials WHERE owner_id = $1)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, ownerID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking credential existence: %w", err)
	}
	return exists, nil
}

// All returns every stored credential.
func (s *Store) All(ctx context.Context) ([]*credential.Credential, error) {
	query := `
		SELECT owner_id, dc_id, api_id, test_mode, auth_key, date, user_id, is_bot
		FROM session_credentials
		ORDER BY owner_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []*credential.Credential
	for rows.Next() {
		var c credential.Credential
		if err := rows.Scan(
			&c.OwnerID, &c.DCID, &c.APIID, &c.TestMode, &c.AuthKey, &c.Date, &c.UserID, &c.IsBot,
		); err != nil {
			return nil, fmt.Errorf("scanning credential row: %w", err)
		}
		creds = append(creds, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credential rows: %w", err)
	}
	return creds, nil
}

// Delete removes the credential for an owner. Directory rows referencing
// it are removed by the schema's ON DELETE CASCADE constraints.
func (s *Store) Delete(ctx context.Context, ownerID int64) error {
	query := `DELETE FROM session_credentials WHERE owner_id = $1`
	if _, err := s.db.ExecContext(ctx, query, ownerID); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}

// Verify interface compliance.
var _ credential.Store = (*Store)(nil)
