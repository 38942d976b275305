package directory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Engine tunables. Zero values fall back to the defaults below.
type Config struct {
	// BatchSize flushes once this many record operations are pending.
	BatchSize int `yaml:"batch_size"`

	// BatchTime flushes once this long has passed since the last flush.
	BatchTime time.Duration `yaml:"batch_time"`

	// PeersThreshold flushes once this many distinct peers are pending.
	PeersThreshold int `yaml:"peers_threshold"`

	// UsernameTTL is the freshness window for username resolution.
	UsernameTTL time.Duration `yaml:"username_ttl"`

	// OpTimeout bounds each durable-store round trip.
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// Engine defaults, matching the tuning the batching layer shipped with.
const (
	DefaultBatchSize      = 50
	DefaultBatchTime      = 5 * time.Second
	DefaultPeersThreshold = 25
	DefaultUsernameTTL    = 8 * time.Hour
	DefaultOpTimeout      = 10 * time.Second
)

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchTime <= 0 {
		c.BatchTime = DefaultBatchTime
	}
	if c.PeersThreshold <= 0 {
		c.PeersThreshold = DefaultPeersThreshold
	}
	if c.UsernameTTL <= 0 {
		c.UsernameTTL = DefaultUsernameTTL
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = DefaultOpTimeout
	}
}

// Engine is one owner's view of the directory. Reads hit the in-memory
// caches first; record operations update the caches immediately and
// coalesce durable writes behind three flush triggers, so a read after
// a write in the same process always observes the write.
type Engine struct {
	ownerID int64
	store   Store
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	// mu is the batching lock: every cache or pending-buffer mutation
	// and the flush itself happen under it, so a flush is atomic with
	// respect to concurrent record calls.
	mu            sync.Mutex
	peerCache     map[int64]*Peer
	usernameCache map[string]int64 // handle -> peer id
	phoneCache    map[string]int64 // phone -> peer id
	peerHandles   map[int64]map[string]bool

	pendingPeers     map[int64]*Peer
	pendingUsernames map[int64]map[string]bool
	opCount          int
	lastFlush        time.Time
}

// NewEngine creates an engine for one owner on top of a durable store.
func NewEngine(ownerID int64, store Store, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		ownerID:          ownerID,
		store:            store,
		cfg:              cfg,
		log:              slog.Default().With("owner_id", ownerID),
		now:              time.Now,
		peerCache:        make(map[int64]*Peer),
		usernameCache:    make(map[string]int64),
		phoneCache:       make(map[string]int64),
		peerHandles:      make(map[int64]map[string]bool),
		pendingPeers:     make(map[int64]*Peer),
		pendingUsernames: make(map[int64]map[string]bool),
		lastFlush:        time.Now(),
	}
}

// OwnerID returns the tenant this engine serves.
func (e *Engine) OwnerID() int64 { return e.ownerID }

func (e *Engine) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.OpTimeout)
}

// Open verifies the owner's bootstrap row exists.
func (e *Engine) Open(ctx context.Context) error {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	exists, err := e.store.OwnerExists(ctx, e.ownerID)
	if err != nil {
		return fmt.Errorf("checking owner row: %w", err)
	}
	if !exists {
		return fmt.Errorf("owner %d: %w", e.ownerID, ErrNotFound)
	}
	return nil
}

// UpdatePeers merges a peer batch into the cache and queues it for the
// next flush. An empty batch is a no-op.
func (e *Engine) UpdatePeers(ctx context.Context, updates []PeerUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	now := e.now().Unix()

	e.mu.Lock()
	for _, u := range updates {
		p := &Peer{
			OwnerID:      e.ownerID,
			ID:           u.ID,
			AccessHash:   u.AccessHash,
			Type:         u.Type,
			PhoneNumber:  u.PhoneNumber,
			LastUpdateOn: now,
		}
		e.peerCache[p.ID] = p
		if p.PhoneNumber != "" {
			e.phoneCache[p.PhoneNumber] = p.ID
		}
		e.pendingPeers[p.ID] = p
	}
	e.opCount++
	e.mu.Unlock()

	e.flushIfDue(ctx)
	return nil
}

// UpdateUsernames replaces each listed peer's username set both in the
// cache and in the pending buffer. An empty batch is a no-op.
func (e *Engine) UpdateUsernames(ctx context.Context, updates []UsernameUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	e.mu.Lock()
	for _, u := range updates {
		next := make(map[string]bool, len(u.Usernames))
		for _, name := range u.Usernames {
			next[strings.ToLower(name)] = true
		}

		// Replace semantics: handles the peer no longer holds must stop
		// resolving from the cache too.
		for handle := range e.peerHandles[u.PeerID] {
			if !next[handle] && e.usernameCache[handle] == u.PeerID {
				delete(e.usernameCache, handle)
			}
		}
		for handle := range next {
			e.usernameCache[handle] = u.PeerID
		}
		e.peerHandles[u.PeerID] = next

		e.pendingUsernames[u.PeerID] = next
	}
	e.opCount++
	e.mu.Unlock()

	e.flushIfDue(ctx)
	return nil
}

// flushIfDue runs a threshold-checked flush and logs rather than
// propagates failures; the pending buffers are kept for retry.
func (e *Engine) flushIfDue(ctx context.Context) {
	if err := e.flush(ctx, false); err != nil {
		e.log.Warn("directory flush failed, will retry", "error", err)
	}
}

func (e *Engine) shouldFlush() bool {
	return e.opCount >= e.cfg.BatchSize ||
		len(e.pendingPeers) >= e.cfg.PeersThreshold ||
		e.now().Sub(e.lastFlush) >= e.cfg.BatchTime
}

// flush writes the pending buffers to the durable store, one
// transaction per entity type. A failed flush leaves the corresponding
// buffer intact.
func (e *Engine) flush(ctx context.Context, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !force && !e.shouldFlush() {
		return nil
	}
	if len(e.pendingPeers) == 0 && len(e.pendingUsernames) == 0 {
		e.opCount = 0
		e.lastFlush = e.now()
		return nil
	}

	if len(e.pendingPeers) > 0 {
		peers := make([]*Peer, 0, len(e.pendingPeers))
		for _, p := range e.pendingPeers {
			peers = append(peers, p)
		}

		opCtx, cancel := e.opCtx(ctx)
		err := e.store.UpsertPeers(opCtx, peers)
		cancel()
		if err != nil {
			return &FlushError{Entity: "peers", Err: err}
		}
		e.pendingPeers = make(map[int64]*Peer)
	}

	if len(e.pendingUsernames) > 0 {
		sets := make(map[int64][]string, len(e.pendingUsernames))
		for peerID, handles := range e.pendingUsernames {
			names := make([]string, 0, len(handles))
			for h := range handles {
				names = append(names, h)
			}
			sets[peerID] = names
		}

		opCtx, cancel := e.opCtx(ctx)
		err := e.store.ReplaceUsernames(opCtx, e.ownerID, sets)
		cancel()
		if err != nil {
			return &FlushError{Entity: "usernames", Err: err}
		}
		e.pendingUsernames = make(map[int64]map[string]bool)
	}

	e.opCount = 0
	e.lastFlush = e.now()
	return nil
}

// Save forces an immediate flush of all pending buffers.
func (e *Engine) Save(ctx context.Context) error {
	return e.flush(ctx, true)
}

// Close flushes pending writes and releases store resources.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.Save(ctx); err != nil {
		return err
	}
	return e.store.Close()
}

// Delete removes every row belonging to the owner and empties the
// caches and pending buffers.
func (e *Engine) Delete(ctx context.Context) error {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()

	if err := e.store.DeleteOwner(opCtx, e.ownerID); err != nil {
		return fmt.Errorf("deleting owner rows: %w", err)
	}

	e.mu.Lock()
	e.peerCache = make(map[int64]*Peer)
	e.usernameCache = make(map[string]int64)
	e.phoneCache = make(map[string]int64)
	e.peerHandles = make(map[int64]map[string]bool)
	e.pendingPeers = make(map[int64]*Peer)
	e.pendingUsernames = make(map[int64]map[string]bool)
	e.opCount = 0
	e.mu.Unlock()
	return nil
}

// PeerByID resolves a peer id to a routable address, cache first.
func (e *Engine) PeerByID(ctx context.Context, peerID int64) (Address, error) {
	e.mu.Lock()
	if p, ok := e.peerCache[peerID]; ok {
		e.mu.Unlock()
		return AddressFor(p.ID, p.AccessHash, p.Type)
	}
	e.mu.Unlock()

	opCtx, cancel := e.opCtx(ctx)
	defer cancel()

	p, err := e.store.PeerByID(opCtx, e.ownerID, peerID)
	if err != nil {
		return Address{}, err
	}

	e.mu.Lock()
	e.peerCache[p.ID] = p
	e.mu.Unlock()

	return AddressFor(p.ID, p.AccessHash, p.Type)
}

// PeerByUsername resolves a handle to a routable address. A resolution
// older than UsernameTTL fails with ErrExpired whether it came from the
// cache or the store.
func (e *Engine) PeerByUsername(ctx context.Context, username string) (Address, error) {
	handle := strings.ToLower(username)

	e.mu.Lock()
	if peerID, ok := e.usernameCache[handle]; ok {
		if p, ok := e.peerCache[peerID]; ok && e.fresh(p) {
			e.mu.Unlock()
			return AddressFor(p.ID, p.AccessHash, p.Type)
		}
	}
	e.mu.Unlock()

	opCtx, cancel := e.opCtx(ctx)
	defer cancel()

	p, err := e.store.PeerByUsername(opCtx, e.ownerID, handle)
	if err != nil {
		return Address{}, err
	}
	if !e.fresh(p) {
		return Address{}, fmt.Errorf("username %q: %w", handle, ErrExpired)
	}

	e.mu.Lock()
	e.peerCache[p.ID] = p
	e.usernameCache[handle] = p.ID
	e.mu.Unlock()

	return AddressFor(p.ID, p.AccessHash, p.Type)
}

// PeerByPhone resolves a phone number to a routable address.
func (e *Engine) PeerByPhone(ctx context.Context, phone string) (Address, error) {
	e.mu.Lock()
	if peerID, ok := e.phoneCache[phone]; ok {
		if p, ok := e.peerCache[peerID]; ok {
			e.mu.Unlock()
			return AddressFor(p.ID, p.AccessHash, p.Type)
		}
	}
	e.mu.Unlock()

	opCtx, cancel := e.opCtx(ctx)
	defer cancel()

	p, err := e.store.PeerByPhone(opCtx, e.ownerID, phone)
	if err != nil {
		return Address{}, err
	}

	e.mu.Lock()
	e.peerCache[p.ID] = p
	e.phoneCache[phone] = p.ID
	e.mu.Unlock()

	return AddressFor(p.ID, p.AccessHash, p.Type)
}

func (e *Engine) fresh(p *Peer) bool {
	age := e.now().Unix() - p.LastUpdateOn
	if age < 0 {
		age = -age
	}
	return time.Duration(age)*time.Second <= e.cfg.UsernameTTL
}

// States returns all of the owner's checkpoints, oldest first.
func (e *Engine) States(ctx context.Context) ([]UpdateState, error) {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()

	return e.store.States(opCtx, e.ownerID)
}

// SetState inserts or updates one checkpoint.
func (e *Engine) SetState(ctx context.Context, st UpdateState) error {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()

	st.OwnerID = e.ownerID
	return e.store.SetState(opCtx, st)
}

// DeleteState removes the checkpoint with the given id.
func (e *Engine) DeleteState(ctx context.Context, stateID int64) error {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()

	return e.store.DeleteState(opCtx, e.ownerID, stateID)
}

// Scalar accessors read and write the credential row directly: the
// fields are rarely read and must always be current, so they bypass
// the caches.

func (e *Engine) getInt(ctx context.Context, f IntField) (int64, error) {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.store.GetIntField(opCtx, e.ownerID, f)
}

func (e *Engine) setInt(ctx context.Context, f IntField, v int64) error {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.store.SetIntField(opCtx, e.ownerID, f, v)
}

func (e *Engine) getBool(ctx context.Context, f BoolField) (bool, error) {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.store.GetBoolField(opCtx, e.ownerID, f)
}

func (e *Engine) setBool(ctx context.Context, f BoolField, v bool) error {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.store.SetBoolField(opCtx, e.ownerID, f, v)
}

// DCID reads the data-center id.
func (e *Engine) DCID(ctx context.Context) (int, error) {
	v, err := e.getInt(ctx, FieldDCID)
	return int(v), err
}

// SetDCID writes the data-center id.
func (e *Engine) SetDCID(ctx context.Context, v int) error {
	return e.setInt(ctx, FieldDCID, int64(v))
}

// APIID reads the application id.
func (e *Engine) APIID(ctx context.Context) (int, error) {
	v, err := e.getInt(ctx, FieldAPIID)
	return int(v), err
}

// SetAPIID writes the application id.
func (e *Engine) SetAPIID(ctx context.Context, v int) error {
	return e.setInt(ctx, FieldAPIID, int64(v))
}

// Date reads the bootstrap timestamp.
func (e *Engine) Date(ctx context.Context) (int64, error) {
	return e.getInt(ctx, FieldDate)
}

// SetDate writes the bootstrap timestamp.
func (e *Engine) SetDate(ctx context.Context, v int64) error {
	return e.setInt(ctx, FieldDate, v)
}

// UserID reads the protocol-level identity.
func (e *Engine) UserID(ctx context.Context) (int64, error) {
	return e.getInt(ctx, FieldUser)
}

// SetUserID writes the protocol-level identity.
func (e *Engine) SetUserID(ctx context.Context, v int64) error {
	return e.setInt(ctx, FieldUser, v)
}

// TestMode reads the test-network flag.
func (e *Engine) TestMode(ctx context.Context) (bool, error) {
	return e.getBool(ctx, FieldTestMode)
}

// SetTestMode writes the test-network flag.
func (e *Engine) SetTestMode(ctx context.Context, v bool) error {
	return e.setBool(ctx, FieldTestMode, v)
}

// IsBot reads the bot flag.
func (e *Engine) IsBot(ctx context.Context) (bool, error) {
	return e.getBool(ctx, FieldIsBot)
}

// SetIsBot writes the bot flag.
func (e *Engine) SetIsBot(ctx context.Context, v bool) error {
	return e.setBool(ctx, FieldIsBot, v)
}

// AuthKey reads the authorization key.
func (e *Engine) AuthKey(ctx context.Context) ([]byte, error) {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.store.AuthKey(opCtx, e.ownerID)
}

// SetAuthKey writes the authorization key.
func (e *Engine) SetAuthKey(ctx context.Context, key []byte) error {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.store.SetAuthKey(opCtx, e.ownerID, key)
}

// Version reads the schema version marker.
func (e *Engine) Version(ctx context.Context) (int, error) {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.store.Version(opCtx)
}

// SetVersion writes the schema version marker.
func (e *Engine) SetVersion(ctx context.Context, v int) error {
	opCtx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.store.SetVersion(opCtx, v)
}
