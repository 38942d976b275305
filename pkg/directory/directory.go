// Package directory implements the storage contract the protocol client
// drives: peer resolution by id, username and phone number, username
// bookkeeping, update-state checkpoints and per-session scalar
// accessors. The Engine fronts a durable Store with an in-memory read
// cache and a write-behind batching layer so reads are served from
// memory when possible and writes are coalesced into few round trips.
package directory

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a peer, username, phone number or
	// owner row is absent from both the cache and the durable store.
	ErrNotFound = errors.New("directory entry not found")

	// ErrExpired is returned when a username resolution is older than
	// the configured freshness window even though the row still exists.
	ErrExpired = errors.New("username resolution expired")
)

// FlushError reports a failed durable flush. The pending buffers are
// retained so the flush is retried on the next trigger or Save.
type FlushError struct {
	Entity string
	Err    error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flushing %s: %v", e.Entity, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// PeerType classifies a directory entry.
type PeerType string

// Peer types understood by the protocol layer.
const (
	PeerTypeUser       PeerType = "user"
	PeerTypeBot        PeerType = "bot"
	PeerTypeGroup      PeerType = "group"
	PeerTypeChannel    PeerType = "channel"
	PeerTypeSupergroup PeerType = "supergroup"
)

// Valid reports whether t is one of the supported peer types.
func (t PeerType) Valid() bool {
	switch t {
	case PeerTypeUser, PeerTypeBot, PeerTypeGroup, PeerTypeChannel, PeerTypeSupergroup:
		return true
	}
	return false
}

// Peer is a directory entry keyed by (owner, id). AccessHash and Type
// may be refreshed in place; the key never duplicates.
type Peer struct {
	OwnerID      int64
	ID           int64
	AccessHash   int64
	Type         PeerType
	PhoneNumber  string
	LastUpdateOn int64 // epoch seconds, drives username freshness
}

// Username maps a handle to a peer. Several handles may reference the
// same peer and a handle may be reassigned over time.
type Username struct {
	OwnerID  int64
	PeerID   int64
	Username string
}

// UpdateState is a protocol checkpoint cursor used to resume incremental
// updates after reconnect. An owner may hold several independent
// cursors.
type UpdateState struct {
	OwnerID int64
	ID      int64
	Pts     int64
	Qts     int64
	Date    int64
	Seq     int64
}

// PeerUpdate is one element of an UpdatePeers batch.
type PeerUpdate struct {
	ID          int64
	AccessHash  int64
	Type        PeerType
	PhoneNumber string
}

// UsernameUpdate assigns a peer its complete username set. Replace
// semantics: handles previously held by the peer but missing from
// Usernames stop resolving.
type UsernameUpdate struct {
	PeerID    int64
	Usernames []string
}

// IntField names a bigint scalar on the credential row.
type IntField string

// BoolField names a boolean scalar on the credential row.
type BoolField string

// Scalar fields the protocol client may read and write through the
// engine. Values are column names in the durable store.
const (
	FieldDCID  IntField = "dc_id"
	FieldAPIID IntField = "api_id"
	FieldDate  IntField = "date"
	FieldUser  IntField = "user_id"

	FieldTestMode BoolField = "test_mode"
	FieldIsBot    BoolField = "is_bot"
)

// Store is the durable layer beneath the Engine. Implementations must
// keep each batch method atomic: either the whole batch lands or none
// of it does.
type Store interface {
	// OwnerExists reports whether the owner's credential row exists.
	OwnerExists(ctx context.Context, ownerID int64) (bool, error)

	// PeerByID returns the peer with the given id, or ErrNotFound.
	PeerByID(ctx context.Context, ownerID, peerID int64) (*Peer, error)

	// PeerByUsername resolves a handle to its peer, preferring the most
	// recently updated row when several match. Returns ErrNotFound if
	// the handle is unknown.
	PeerByUsername(ctx context.Context, ownerID int64, username string) (*Peer, error)

	// PeerByPhone resolves a phone number to its peer, or ErrNotFound.
	PeerByPhone(ctx context.Context, ownerID int64, phone string) (*Peer, error)

	// UpsertPeers inserts or updates peers keyed by (owner_id, id) in a
	// single transaction.
	UpsertPeers(ctx context.Context, peers []*Peer) error

	// ReplaceUsernames makes each peer's username set exactly the given
	// one, in a single transaction.
	ReplaceUsernames(ctx context.Context, ownerID int64, sets map[int64][]string) error

	// States returns all checkpoints for an owner ordered by date.
	States(ctx context.Context, ownerID int64) ([]UpdateState, error)

	// SetState inserts or updates one checkpoint.
	SetState(ctx context.Context, st UpdateState) error

	// DeleteState removes the checkpoint with the given id.
	DeleteState(ctx context.Context, ownerID, stateID int64) error

	// GetIntField reads a bigint scalar from the credential row.
	GetIntField(ctx context.Context, ownerID int64, f IntField) (int64, error)

	// SetIntField writes a bigint scalar on the credential row.
	SetIntField(ctx context.Context, ownerID int64, f IntField, v int64) error

	// GetBoolField reads a boolean scalar from the credential row.
	GetBoolField(ctx context.Context, ownerID int64, f BoolField) (bool, error)

	// SetBoolField writes a boolean scalar on the credential row.
	SetBoolField(ctx context.Context, ownerID int64, f BoolField, v bool) error

	// AuthKey reads the authorization key from the credential row.
	AuthKey(ctx context.Context, ownerID int64) ([]byte, error)

	// SetAuthKey writes the authorization key on the credential row.
	SetAuthKey(ctx context.Context, ownerID int64, key []byte) error

	// DeleteOwner removes every row belonging to the owner. Child
	// tables follow by cascade.
	DeleteOwner(ctx context.Context, ownerID int64) error

	// Version reads the schema version marker.
	Version(ctx context.Context) (int, error)

	// SetVersion writes the schema version marker.
	SetVersion(ctx context.Context, v int) error

	// Close releases store resources.
	Close() error
}
