// Package postgres provides the durable PostgreSQL layer beneath the
// directory engine.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/telegrid/sessioncore/pkg/directory"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// peerColumns lists columns returned by peer SELECT queries.
var peerColumns = []string{
	"owner_id", "id", "access_hash", "type", "phone_number", "last_update_on",
}

// Store implements directory.Store using PostgreSQL. The *sql.DB is
// owned by the caller; Close does not release it.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL directory store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// OwnerExists reports whether the owner's credential row exists.
func (s *Store) OwnerExists(ctx context.Context, ownerID int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM session_credentials WHERE owner_id = $1)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, ownerID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking owner row: %w", err)
	}
	return exists, nil
}

func (s *Store) scanPeer(row sq.RowScanner) (*directory.Peer, error) {
	var p directory.Peer
	var phone sql.NullString

	err := row.Scan(&p.OwnerID, &p.ID, &p.AccessHash, &p.Type, &phone, &p.LastUpdateOn)
	if err != nil {
		return nil, err
	}
	p.PhoneNumber = phone.String
	return &p, nil
}

// PeerByID returns the peer with the given id.
func (s *Store) PeerByID(ctx context.Context, ownerID, peerID int64) (*directory.Peer, error) {
	query, args, err := psq.Select(peerColumns...).
		From("peers").
		Where(sq.Eq{"owner_id": ownerID, "id": peerID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building peer query: %w", err)
	}

	p, err := s.scanPeer(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("peer %d: %w", peerID, directory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning peer: %w", err)
	}
	return p, nil
}

// PeerByUsername resolves a handle to its peer, preferring the most
// recently updated row when several carry the same handle. Handles are
// stored lowercase, so the lookup is case-insensitive.
func (s *Store) PeerByUsername(ctx context.Context, ownerID int64, username string) (*directory.Peer, error) {
	username = strings.ToLower(username)

	cols := make([]string, len(peerColumns))
	for i, c := range peerColumns {
		cols[i] = "p." + c
	}

	query, args, err := psq.Select(cols...).
		From("peers p").
		Join("usernames u ON u.owner_id = p.owner_id AND u.peer_id = p.id").
		Where(sq.Eq{"p.owner_id": ownerID, "u.username": username}).
		OrderBy("p.last_update_on DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building username query: %w", err)
	}

	p, err := s.scanPeer(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("username %q: %w", username, directory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning peer by username: %w", err)
	}
	return p, nil
}

// PeerByPhone resolves a phone number to its peer.
func (s *Store) PeerByPhone(ctx context.Context, ownerID int64, phone string) (*directory.Peer, error) {
	query, args, err := psq.Select(peerColumns...).
		From("peers").
		Where(sq.Eq{"owner_id": ownerID, "phone_number": phone}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building phone query: %w", err)
	}

	p, err := s.scanPeer(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("phone %q: %w", phone, directory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning peer by phone: %w", err)
	}
	return p, nil
}

// UpsertPeers inserts or updates peers keyed by (owner_id, id) inside a
// single transaction.
func (s *Store) UpsertPeers(ctx context.Context, peers []*directory.Peer) error {
	if len(peers) == 0 {
		return nil
	}

	builder := psq.Insert("peers").
		Columns(peerColumns...).
		Suffix(`ON CONFLICT (owner_id, id) DO UPDATE SET
			access_hash = EXCLUDED.access_hash,
			type = EXCLUDED.type,
			phone_number = EXCLUDED.phone_number,
			last_update_on = EXCLUDED.last_update_on`)

	for _, p := range peers {
		var phone any
		if p.PhoneNumber != "" {
			phone = p.PhoneNumber
		}
		builder = builder.Values(p.OwnerID, p.ID, p.AccessHash, string(p.Type), phone, p.LastUpdateOn)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("building peer upsert: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning peer upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upserting peers: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing peer upsert: %w", err)
	}
	return nil
}

// ReplaceUsernames makes each peer's username set exactly the given one
// inside a single transaction: the peer's old handles are removed, then
// the new set is inserted lowercased.
func (s *Store) ReplaceUsernames(ctx context.Context, ownerID int64, sets map[int64][]string) error {
	if len(sets) == 0 {
		return nil
	}

	peerIDs := make([]int64, 0, len(sets))
	for peerID := range sets {
		peerIDs = append(peerIDs, peerID)
	}

	delQuery, delArgs, err := psq.Delete("usernames").
		Where(sq.Eq{"owner_id": ownerID, "peer_id": peerIDs}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building username delete: %w", err)
	}

	insert := psq.Insert("usernames").Columns("owner_id", "peer_id", "username")
	rows := 0
	for peerID, names := range sets {
		for _, name := range names {
			insert = insert.Values(ownerID, peerID, strings.ToLower(name))
			rows++
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning username replace: %w", err)
	}
	if _, err := tx.ExecContext(ctx, delQuery, delArgs...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("deleting stale usernames: %w", err)
	}
	if rows > 0 {
		insQuery, insArgs, err := insert.ToSql()
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("building username insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insQuery, insArgs...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("inserting usernames: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing username replace: %w", err)
	}
	return nil
}

// States returns all checkpoints for an owner ordered by date.
func (s *Store) States(ctx context.Context, ownerID int64) ([]directory.UpdateState, error) {
	query, args, err := psq.Select("owner_id", "id", "pts", "qts", "date", "seq").
		From("update_states").
		Where(sq.Eq{"owner_id": ownerID}).
		OrderBy("date ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building states query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying update states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var states []directory.UpdateState
	for rows.Next() {
		var st directory.UpdateState
		if err := rows.Scan(&st.OwnerID, &st.ID, &st.Pts, &st.Qts, &st.Date, &st.Seq); err != nil {
			return nil, fmt.Errorf("scanning update state: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating update states: %w", err)
	}
	return states, nil
}

// SetState inserts or updates one checkpoint.
func (s *Store) SetState(ctx context.Context, st directory.UpdateState) error {
	query, args, err := psq.Insert("update_states").
		Columns("owner_id", "id", "pts", "qts", "date", "seq").
		Values(st.OwnerID, st.ID, st.Pts, st.Qts, st.Date, st.Seq).
		Suffix(`ON CONFLICT (owner_id, id) DO UPDATE SET
			pts = EXCLUDED.pts,
			qts = EXCLUDED.qts,
			date = EXCLUDED.date,
			seq = EXCLUDED.seq`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building state upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting update state: %w", err)
	}
	return nil
}

// DeleteState removes the checkpoint with the given id.
func (s *Store) DeleteState(ctx context.Context, ownerID, stateID int64) error {
	query, args, err := psq.Delete("update_states").
		Where(sq.Eq{"owner_id": ownerID, "id": stateID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building state delete: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting update state: %w", err)
	}
	return nil
}

func (s *Store) getScalar(ctx context.Context, ownerID int64, column string, dest any) error {
	query, args, err := psq.Select(column).
		From("session_credentials").
		Where(sq.Eq{"owner_id": ownerID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building scalar query: %w", err)
	}

	err = s.db.QueryRowContext(ctx, query, args...).Scan(dest)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("owner %d: %w", ownerID, directory.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("scanning %s: %w", column, err)
	}
	return nil
}

func (s *Store) setScalar(ctx context.Context, ownerID int64, column string, v any) error {
	query, args, err := psq.Update("session_credentials").
		Set(column, v).
		Where(sq.Eq{"owner_id": ownerID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building scalar update: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating %s: %w", column, err)
	}
	return nil
}

// GetIntField reads a bigint scalar from the credential row.
func (s *Store) GetIntField(ctx context.Context, ownerID int64, f directory.IntField) (int64, error) {
	var v int64
	err := s.getScalar(ctx, ownerID, string(f), &v)
	return v, err
}

// SetIntField writes a bigint scalar on the credential row.
func (s *Store) SetIntField(ctx context.Context, ownerID int64, f directory.IntField, v int64) error {
	return s.setScalar(ctx, ownerID, string(f), v)
}

// GetBoolField reads a boolean scalar from the credential row.
func (s *Store) GetBoolField(ctx context.Context, ownerID int64, f directory.BoolField) (bool, error) {
	var v bool
	err := s.getScalar(ctx, ownerID, string(f), &v)
	return v, err
}

// SetBoolField writes a boolean scalar on the credential row.
func (s *Store) SetBoolField(ctx context.Context, ownerID int64, f directory.BoolField, v bool) error {
	return s.setScalar(ctx, ownerID, string(f), v)
}

// AuthKey reads the authorization key from the credential row.
func (s *Store) AuthKey(ctx context.Context, ownerID int64) ([]byte, error) {
	var key []byte
	err := s.getScalar(ctx, ownerID, "auth_key", &key)
	return key, err
}

// SetAuthKey writes the authorization key on the credential row.
func (s *Store) SetAuthKey(ctx context.Context, ownerID int64, key []byte) error {
	return s.setScalar(ctx, ownerID, "auth_key", key)
}

// DeleteOwner removes the owner's credential row; peers, usernames and
// update states follow by ON DELETE CASCADE.
func (s *Store) DeleteOwner(ctx context.Context, ownerID int64) error {
	query := `DELETE FROM session_credentials WHERE owner_id = $1`
	if _, err := s.db.ExecContext(ctx, query, ownerID); err != nil {
		return fmt.Errorf("deleting owner rows: %w", err)
	}
	return nil
}

// Version reads the schema version marker.
func (s *Store) Version(ctx context.Context) (int, error) {
	query := `SELECT number FROM schema_version WHERE id = 1`

	var v int
	err := s.db.QueryRowContext(ctx, query).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("schema version: %w", directory.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("scanning schema version: %w", err)
	}
	return v, nil
}

// SetVersion writes the schema version marker.
func (s *Store) SetVersion(ctx context.Context, v int) error {
	query := `
		INSERT INTO schema_version (id, number) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET number = EXCLUDED.number
	`
	if _, err := s.db.ExecContext(ctx, query, v); err != nil {
		return fmt.Errorf("setting schema version: %w", err)
	}
	return nil
}

// Close releases store resources. The shared *sql.DB stays open.
func (s *Store) Close() error { return nil }

// Verify interface compliance.
var _ directory.Store = (*Store)(nil)
