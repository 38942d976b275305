// Package credential stores the durable bootstrap credentials a tenant
// needs to re-establish its protocol session without re-authenticating.
// It defines the Store interface for credential persistence and the
// fixed-layout session-string codec used to hand credentials to the
// protocol client.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AuthKeySize is the exact length of a session authorization key.
const AuthKeySize = 256

// ErrNotFound is returned when no credential row exists for a tenant.
var ErrNotFound = errors.New("credential not found")

// Credential is one tenant's bootstrap row. It is created once when the
// tenant first authenticates and read on every session restoration.
type Credential struct {
	// OwnerID is the tenant identity and primary key.
	OwnerID int64

	// DCID is the data center the session is bound to (1-9).
	DCID int

	// APIID is the protocol application id.
	APIID int

	// TestMode marks sessions bound to the test network.
	TestMode bool

	// AuthKey is the opaque 256-byte authorization secret.
	AuthKey []byte

	// Date is the bootstrap timestamp in epoch seconds.
	Date int64

	// UserID is the protocol-level numeric identity. It may equal OwnerID.
	UserID int64

	// IsBot marks bot accounts.
	IsBot bool
}

// Validate checks the structural invariants of a credential.
func (c *Credential) Validate() error {
	if c.OwnerID == 0 {
		return errors.New("owner id is required")
	}
	if c.DCID < 1 || c.DCID > 9 {
		return fmt.Errorf("dc id must be between 1 and 9, got %d", c.DCID)
	}
	if len(c.AuthKey) != AuthKeySize {
		return fmt.Errorf("auth key must be exactly %d bytes, got %d", AuthKeySize, len(c.AuthKey))
	}
	if c.UserID == 0 {
		return errors.New("user id is required")
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (c *Credential) Clone() *Credential {
	cp := *c
	cp.AuthKey = make([]byte, len(c.AuthKey))
	copy(cp.AuthKey, c.AuthKey)
	return &cp
}

// Now returns the current time as epoch seconds, the unit Date is kept in.
func Now() int64 {
	return time.Now().Unix()
}

// Store defines the interface for credential persistence.
type Store interface {
	// Create persists a new credential. Creating a credential for an
	// owner that already has one is a no-op, not an error.
	Create(ctx context.Context, c *Credential) error

	// Get retrieves the credential for an owner.
	// Returns ErrNotFound if no row exists.
	Get(ctx context.Context, ownerID int64) (*Credential, error)

	// Exists reports whether a credential row exists for an owner.
	Exists(ctx context.Context, ownerID int64) (bool, error)

	// All returns every stored credential.
	All(ctx context.Context) ([]*Credential, error)

	// Delete removes the credential for an owner. Dependent directory
	// rows are removed by the store's cascade rules.
	Delete(ctx context.Context, ownerID int64) error
}
