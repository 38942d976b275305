package protocol

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telegrid/sessioncore/pkg/directory"
)

// DefaultStartTimeout bounds the protocol handshake when no timeout is
// configured.
const DefaultStartTimeout = 30 * time.Second

// Session binds one tenant's directory engine to one protocol client
// and owns the client's start/stop lifecycle. Stop is idempotent so the
// pool's two eviction paths can race on the same session safely.
type Session struct {
	ownerID      int64
	instanceID   string
	engine       *directory.Engine
	client       Client
	startTimeout time.Duration
	log          *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewSession wraps a client and its directory engine. Each call mints a
// fresh instance id, so a rebuilt session is distinguishable from a
// reused resident one.
func NewSession(ownerID int64, engine *directory.Engine, client Client, startTimeout time.Duration) *Session {
	if startTimeout <= 0 {
		startTimeout = DefaultStartTimeout
	}
	id := uuid.NewString()
	return &Session{
		ownerID:      ownerID,
		instanceID:   id,
		engine:       engine,
		client:       client,
		startTimeout: startTimeout,
		log:          slog.Default().With("owner_id", ownerID, "session_instance", id),
	}
}

// OwnerID returns the tenant this session serves.
func (s *Session) OwnerID() int64 { return s.ownerID }

// InstanceID returns the construction-unique id of this session object.
func (s *Session) InstanceID() string { return s.instanceID }

// Engine returns the session's directory engine.
func (s *Session) Engine() *directory.Engine { return s.engine }

// Client returns the underlying protocol client.
func (s *Session) Client() Client { return s.client }

// Start opens the directory, performs the bounded protocol handshake
// and registers handlers. A missing bootstrap row surfaces as the
// engine's not-found error; a failed handshake as *StartupError.
func (s *Session) Start(ctx context.Context, handlers ...Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	if err := s.engine.Open(ctx); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, s.startTimeout)
	defer cancel()

	if err := s.client.Start(startCtx); err != nil {
		return &StartupError{OwnerID: s.ownerID, Err: err}
	}

	for _, h := range handlers {
		s.client.AddHandler(h)
	}

	s.started = true
	s.stopped = false
	s.log.Debug("session started")
	return nil
}

// Stop disconnects the client and closes the engine, flushing pending
// directory writes. Stopping a never-started or already-stopped session
// is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true

	var firstErr error
	if err := s.client.Stop(ctx); err != nil {
		s.log.Warn("stopping protocol client failed", "error", err)
		firstErr = err
	}
	if err := s.engine.Close(ctx); err != nil {
		s.log.Warn("closing directory engine failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
