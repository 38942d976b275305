// Package pool keeps a bounded number of live protocol sessions
// resident in memory. Sessions are created or restored on demand from
// stored credentials, evicted by LRU when the pool is full and by a
// periodic TTL sweep when idle, with striped per-tenant locks so
// concurrent requests for the same tenant build exactly one session.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telegrid/sessioncore/pkg/credential"
	"github.com/telegrid/sessioncore/pkg/directory"
	"github.com/telegrid/sessioncore/pkg/protocol"
)

// lockStripes bounds per-tenant lock memory independently of tenant
// count. Tenants sharing a stripe serialize, tenants on different
// stripes do not.
const lockStripes = 64

// Pool defaults.
const (
	DefaultMaxSessions   = 100
	DefaultSessionTTL    = time.Hour
	DefaultCheckInterval = 15 * time.Minute
)

// Config holds the pool tunables. Zero values fall back to defaults.
type Config struct {
	// MaxSessions caps resident sessions; inserting beyond it evicts
	// the least recently used one.
	MaxSessions int `yaml:"max_sessions"`

	// SessionTTL is the idle time after which the sweep evicts a
	// session regardless of its LRU position.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// CheckInterval is how often the sweep runs.
	CheckInterval time.Duration `yaml:"check_interval"`

	// StartTimeout bounds the protocol handshake of a new session.
	StartTimeout time.Duration `yaml:"start_timeout"`
}

func (c *Config) applyDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = protocol.DefaultStartTimeout
	}
}

// Deps are the collaborators a Manager is built from.
type Deps struct {
	// Credentials is the durable credential store.
	Credentials credential.Store

	// Directory is the durable store each session's engine runs on.
	Directory directory.Store

	// Engine holds the directory-engine tunables applied per session.
	Engine directory.Config

	// Dialer constructs protocol clients.
	Dialer protocol.Dialer

	// Handlers are registered on every session the pool starts.
	Handlers []protocol.Handler
}

// entry is one resident session plus its recency bookkeeping.
type entry struct {
	ownerID    int64
	sess       *protocol.Session
	lastAccess time.Time
}

// Manager is the session pool. All registry and recency mutation
// happens under mu in short critical sections; session stop calls run
// outside it so a slow teardown cannot block unrelated tenants.
type Manager struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	locks [lockStripes]sync.Mutex

	mu      sync.Mutex
	entries map[int64]*list.Element
	lru     *list.List // front = most recently used

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a session pool and starts its TTL sweep. Call
// StopAll at shutdown to cancel the sweep and stop resident sessions.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Credentials == nil {
		return nil, fmt.Errorf("pool: credential store is required")
	}
	if deps.Directory == nil {
		return nil, fmt.Errorf("pool: directory store is required")
	}
	if deps.Dialer == nil {
		return nil, fmt.Errorf("pool: dialer is required")
	}
	cfg.applyDefaults()

	m := &Manager{
		cfg:     cfg,
		deps:    deps,
		log:     slog.Default().With("component", "session_pool"),
		now:     time.Now,
		entries: make(map[int64]*list.Element),
		lru:     list.New(),
	}
	m.startSweep()
	return m, nil
}

func (m *Manager) lockFor(ownerID int64) *sync.Mutex {
	// int64 cast keeps negative owner ids in range.
	idx := uint64(ownerID) % lockStripes
	return &m.locks[idx]
}

// touch marks an owner's session most recently used and returns it, or
// nil if not resident.
func (m *Manager) touch(ownerID int64) *protocol.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[ownerID]
	if !ok {
		return nil
	}
	ent := el.Value.(*entry)
	ent.lastAccess = m.now()
	m.lru.MoveToFront(el)
	return ent.sess
}

// GetOrCreate returns the resident session for an owner, or restores
// one from stored credentials. Concurrent calls for the same owner
// serialize on a stripe lock so exactly one construction happens;
// missing credentials surface as credential.ErrNotFound.
func (m *Manager) GetOrCreate(ctx context.Context, ownerID int64) (*protocol.Session, error) {
	lock := m.lockFor(ownerID)
	lock.Lock()
	defer lock.Unlock()

	if sess := m.touch(ownerID); sess != nil {
		return sess, nil
	}

	cred, err := m.deps.Credentials.Get(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("restoring session for owner %d: %w", ownerID, err)
	}

	sess, err := m.buildAndStart(ctx, cred)
	if err != nil {
		return nil, err
	}

	m.insert(ctx, sess)
	m.log.Info("session restored", "owner_id", ownerID, "session_instance", sess.InstanceID())
	return sess, nil
}

// CreateNew persists a credential (a repeat create for the same owner
// is a storage-level no-op) and starts and caches a session for it.
// Owner identity and protocol user id coincide at creation, so a zero
// UserID is bound to the owner id.
func (m *Manager) CreateNew(ctx context.Context, ownerID int64, cred *credential.Credential) (*protocol.Session, error) {
	cred = cred.Clone()
	cred.OwnerID = ownerID
	if cred.UserID == 0 {
		cred.UserID = ownerID
	}
	if cred.Date == 0 {
		cred.Date = credential.Now()
	}
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	if err := m.deps.Credentials.Create(ctx, cred); err != nil {
		return nil, fmt.Errorf("persisting credential for owner %d: %w", ownerID, err)
	}

	lock := m.lockFor(ownerID)
	lock.Lock()
	defer lock.Unlock()

	if sess := m.touch(ownerID); sess != nil {
		return sess, nil
	}

	sess, err := m.buildAndStart(ctx, cred)
	if err != nil {
		return nil, err
	}

	m.insert(ctx, sess)
	m.log.Info("session created", "owner_id", ownerID, "session_instance", sess.InstanceID())
	return sess, nil
}

// buildAndStart constructs the engine/client pair for a credential and
// starts the session with the pool's handler set.
func (m *Manager) buildAndStart(ctx context.Context, cred *credential.Credential) (*protocol.Session, error) {
	sess, err := m.build(ctx, cred)
	if err != nil {
		return nil, err
	}
	if err := sess.Start(ctx, m.deps.Handlers...); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) build(ctx context.Context, cred *credential.Credential) (*protocol.Session, error) {
	sessionString, err := credential.EncodeSessionString(cred)
	if err != nil {
		return nil, err
	}

	client, err := m.deps.Dialer.Dial(ctx, protocol.ClientConfig{
		OwnerID:       cred.OwnerID,
		SessionString: sessionString,
		APIID:         cred.APIID,
		TestMode:      cred.TestMode,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing client for owner %d: %w", cred.OwnerID, err)
	}

	engine := directory.NewEngine(cred.OwnerID, m.deps.Directory, m.deps.Engine)
	return protocol.NewSession(cred.OwnerID, engine, client, m.cfg.StartTimeout), nil
}

// insert caches a started session, evicting least-recently-used entries
// while over capacity. Victims are stopped outside the registry lock.
func (m *Manager) insert(ctx context.Context, sess *protocol.Session) {
	now := m.now()

	m.mu.Lock()
	if el, ok := m.entries[sess.OwnerID()]; ok {
		// A racing insert for the same owner lost; replace in place and
		// stop the displaced session so its client shuts down and its
		// pending directory writes flush.
		ent := el.Value.(*entry)
		displaced := ent.sess
		ent.sess = sess
		ent.lastAccess = now
		m.lru.MoveToFront(el)
		m.mu.Unlock()
		if displaced != sess {
			m.stopSession(ctx, &entry{ownerID: sess.OwnerID(), sess: displaced})
		}
		return
	}

	el := m.lru.PushFront(&entry{ownerID: sess.OwnerID(), sess: sess, lastAccess: now})
	m.entries[sess.OwnerID()] = el

	var victims []*entry
	for m.lru.Len() > m.cfg.MaxSessions {
		back := m.lru.Back()
		ent := back.Value.(*entry)
		m.lru.Remove(back)
		delete(m.entries, ent.ownerID)
		victims = append(victims, ent)
	}
	m.mu.Unlock()

	for _, ent := range victims {
		m.log.Info("evicting LRU session", "owner_id", ent.ownerID)
		m.stopSession(ctx, ent)
	}
}

// stopSession stops a session, logging rather than propagating
// failures so bookkeeping always completes.
func (m *Manager) stopSession(ctx context.Context, ent *entry) {
	if err := ent.sess.Stop(ctx); err != nil {
		m.log.Warn("stopping session failed", "owner_id", ent.ownerID, "error", err)
	}
}

// remove takes an owner's entry out of the registry, or nil if absent.
func (m *Manager) remove(ownerID int64) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[ownerID]
	if !ok {
		return nil
	}
	m.lru.Remove(el)
	delete(m.entries, ownerID)
	return el.Value.(*entry)
}

// Stop removes and gracefully stops a specific session. A no-op if the
// session is not resident.
func (m *Manager) Stop(ctx context.Context, ownerID int64) {
	lock := m.lockFor(ownerID)
	lock.Lock()
	defer lock.Unlock()

	if ent := m.remove(ownerID); ent != nil {
		m.stopSession(ctx, ent)
		m.log.Info("session stopped", "owner_id", ownerID)
	}
}

// StopAll cancels the sweep and stops every resident session.
// Individual stop failures are logged, never propagated.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	var ents []*entry
	for _, el := range m.entries {
		ents = append(ents, el.Value.(*entry))
	}
	m.entries = make(map[int64]*list.Element)
	m.lru.Init()
	m.mu.Unlock()

	for _, ent := range ents {
		m.stopSession(ctx, ent)
	}
	m.log.Info("all sessions stopped", "count", len(ents))
}

// ExtendTTL touches recency for a resident session without a credential
// round trip. Returns whether the session was resident.
func (m *Manager) ExtendTTL(ownerID int64) bool {
	return m.touch(ownerID) != nil
}

// ExtendTTLBatch touches several sessions at once, reporting per-owner
// residency.
func (m *Manager) ExtendTTLBatch(ownerIDs []int64) map[int64]bool {
	results := make(map[int64]bool, len(ownerIDs))
	for _, id := range ownerIDs {
		results[id] = m.ExtendTTL(id)
	}
	return results
}

// ActiveCount returns the number of resident sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// IsActive reports whether an owner's session is resident. It does not
// touch recency.
func (m *Manager) IsActive(ownerID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[ownerID]
	return ok
}

// SessionInfo returns each resident owner's last access time.
func (m *Manager) SessionInfo() map[int64]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := make(map[int64]time.Time, len(m.entries))
	for id, el := range m.entries {
		info[id] = el.Value.(*entry).lastAccess
	}
	return info
}

// LoadAll restores a session for every stored credential, starting them
// concurrently. Owners already resident are left untouched; one
// tenant's failure is logged and does not block the others; sessions
// that started are cached.
func (m *Manager) LoadAll(ctx context.Context, handlers ...protocol.Handler) error {
	creds, err := m.deps.Credentials.All(ctx)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	m.log.Info("loading sessions", "count", len(creds))

	if len(handlers) == 0 {
		handlers = m.deps.Handlers
	}

	type built struct {
		ownerID int64
		sess    *protocol.Session
	}
	sessions := make([]built, 0, len(creds))
	for _, cred := range creds {
		if m.IsActive(cred.OwnerID) {
			continue
		}
		sess, err := m.build(ctx, cred)
		if err != nil {
			m.log.Error("building session failed", "owner_id", cred.OwnerID, "error", err)
			continue
		}
		sessions = append(sessions, built{ownerID: cred.OwnerID, sess: sess})
	}

	var wg sync.WaitGroup
	started := make([]bool, len(sessions))
	for i, b := range sessions {
		wg.Add(1)
		go func(i int, b built) {
			defer wg.Done()
			if err := b.sess.Start(ctx, handlers...); err != nil {
				m.log.Error("starting session failed", "owner_id", b.ownerID, "error", err)
				return
			}
			started[i] = true
		}(i, b)
	}
	wg.Wait()

	loaded := 0
	for i, b := range sessions {
		if !started[i] {
			continue
		}
		m.insert(ctx, b.sess)
		loaded++
	}
	m.log.Info("sessions loaded", "count", loaded)
	return nil
}

// startSweep launches the periodic TTL sweep in the background.
func (m *Manager) startSweep() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)

		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

// sweep evicts sessions idle past SessionTTL, regardless of their LRU
// position. Stops run outside the registry lock; eviction racing a
// concurrent stop is safe because Session.Stop is idempotent.
func (m *Manager) sweep(ctx context.Context) {
	cutoff := m.now().Add(-m.cfg.SessionTTL)

	m.mu.Lock()
	var expired []*entry
	for _, el := range m.entries {
		ent := el.Value.(*entry)
		if ent.lastAccess.Before(cutoff) {
			expired = append(expired, ent)
		}
	}
	for _, ent := range expired {
		m.lru.Remove(m.entries[ent.ownerID])
		delete(m.entries, ent.ownerID)
	}
	m.mu.Unlock()

	for _, ent := range expired {
		m.log.Info("evicting expired session", "owner_id", ent.ownerID)
		m.stopSession(ctx, ent)
	}
}
