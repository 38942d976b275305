// Package protocol defines the boundary to the external protocol client
// and the per-tenant Session wrapper the pool manages. The client itself
// (handshake, transport, framing) is an external collaborator; only its
// lifecycle surface is specified here.
package protocol

import (
	"context"
	"errors"
	"fmt"
)

// ErrAlreadyStarted is returned when Start is called on a session that
// is already running.
var ErrAlreadyStarted = errors.New("session already started")

// StartupError reports a failed protocol handshake. It is fatal for the
// tenant's request but not for the pool, and is distinct from a missing
// credential.
type StartupError struct {
	OwnerID int64
	Err     error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("starting session for owner %d: %v", e.OwnerID, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Handler marks an update handler registered on a client. Concrete
// client implementations define the handler kinds they accept.
type Handler interface{}

// ClientConfig carries everything a dialer needs to construct a client
// bound to one tenant's session.
type ClientConfig struct {
	// OwnerID is the tenant the client serves.
	OwnerID int64

	// SessionString is the encoded bootstrap credential
	// (credential.EncodeSessionString).
	SessionString string

	// APIID is the protocol application id.
	APIID int

	// TestMode binds the client to the test network.
	TestMode bool
}

// Client is the lifecycle surface of the external protocol client.
type Client interface {
	// Start performs the network handshake and begins receiving
	// updates. It must respect ctx cancellation.
	Start(ctx context.Context) error

	// Stop disconnects and releases client resources.
	Stop(ctx context.Context) error

	// AddHandler registers an update handler. Handlers added after
	// Start take effect immediately.
	AddHandler(h Handler)
}

// Dialer constructs protocol clients. Implementations live outside this
// module; tests use fakes.
type Dialer interface {
	Dial(ctx context.Context, cfg ClientConfig) (Client, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, cfg ClientConfig) (Client, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, cfg ClientConfig) (Client, error) {
	return f(ctx, cfg)
}
