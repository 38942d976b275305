package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/telegrid/sessioncore/pkg/credential"
)

// MemoryStore implements Store over in-memory maps. It mirrors the
// relational layout (one credential row per owner with peers, usernames
// and update states cascading from it) and backs tests and ephemeral
// deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	creds     map[int64]*credential.Credential
	peers     map[int64]map[int64]*Peer           // owner -> peer id -> peer
	usernames map[int64]map[int64]map[string]bool // owner -> peer id -> username set
	states    map[int64]map[int64]UpdateState     // owner -> state id -> state
	version   int
	hasVer    bool
}

// NewMemoryStore creates an empty in-memory directory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds:     make(map[int64]*credential.Credential),
		peers:     make(map[int64]map[int64]*Peer),
		usernames: make(map[int64]map[int64]map[string]bool),
		states:    make(map[int64]map[int64]UpdateState),
	}
}

// SeedOwner installs a credential row so scalar accessors and
// OwnerExists have something to resolve against.
func (s *MemoryStore) SeedOwner(c *credential.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds[c.OwnerID] = c.Clone()
}

// OwnerExists reports whether the owner's credential row exists.
func (s *MemoryStore) OwnerExists(_ context.Context, ownerID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.creds[ownerID]
	return ok, nil
}

// PeerByID returns the peer with the given id.
func (s *MemoryStore) PeerByID(_ context.Context, ownerID, peerID int64) (*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.peers[ownerID][peerID]
	if !ok {
		return nil, fmt.Errorf("peer %d: %w", peerID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// PeerByUsername resolves a handle, preferring the most recently
// updated peer when several carry it.
func (s *MemoryStore) PeerByUsername(_ context.Context, ownerID int64, username string) (*Peer, error) {
	username = strings.ToLower(username)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Peer
	for peerID, set := range s.usernames[ownerID] {
		if !set[username] {
			continue
		}
		p, ok := s.peers[ownerID][peerID]
		if !ok {
			continue
		}
		if best == nil || p.LastUpdateOn > best.LastUpdateOn {
			best = p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("username %q: %w", username, ErrNotFound)
	}
	cp := *best
	return &cp, nil
}

// PeerByPhone resolves a phone number to its peer.
func (s *MemoryStore) PeerByPhone(_ context.Context, ownerID int64, phone string) (*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.peers[ownerID] {
		if p.PhoneNumber != "" && p.PhoneNumber == phone {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("phone %q: %w", phone, ErrNotFound)
}

// UpsertPeers inserts or updates peers keyed by (owner_id, id).
func (s *MemoryStore) UpsertPeers(_ context.Context, peers []*Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range peers {
		byID, ok := s.peers[p.OwnerID]
		if !ok {
			byID = make(map[int64]*Peer)
			s.peers[p.OwnerID] = byID
		}
		cp := *p
		byID[p.ID] = &cp
	}
	return nil
}

// ReplaceUsernames makes each peer's username set exactly the given one.
func (s *MemoryStore) ReplaceUsernames(_ context.Context, ownerID int64, sets map[int64][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPeer, ok := s.usernames[ownerID]
	if !ok {
		byPeer = make(map[int64]map[string]bool)
		s.usernames[ownerID] = byPeer
	}
	for peerID, names := range sets {
		set := make(map[string]bool, len(names))
		for _, n := range names {
			set[strings.ToLower(n)] = true
		}
		byPeer[peerID] = set
	}
	return nil
}

// States returns all checkpoints for an owner ordered by date.
func (s *MemoryStore) States(_ context.Context, ownerID int64) ([]UpdateState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]UpdateState, 0, len(s.states[ownerID]))
	for _, st := range s.states[ownerID] {
		result = append(result, st)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date < result[j].Date })
	return result, nil
}

// SetState inserts or updates one checkpoint.
func (s *MemoryStore) SetState(_ context.Context, st UpdateState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.states[st.OwnerID]
	if !ok {
		byID = make(map[int64]UpdateState)
		s.states[st.OwnerID] = byID
	}
	byID[st.ID] = st
	return nil
}

// DeleteState removes the checkpoint with the given id.
func (s *MemoryStore) DeleteState(_ context.Context, ownerID, stateID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states[ownerID], stateID)
	return nil
}

func (s *MemoryStore) cred(ownerID int64) (*credential.Credential, error) {
	c, ok := s.creds[ownerID]
	if !ok {
		return nil, fmt.Errorf("owner %d: %w", ownerID, ErrNotFound)
	}
	return c, nil
}

// GetIntField reads a bigint scalar from the credential row.
func (s *MemoryStore) GetIntField(_ context.Context, ownerID int64, f IntField) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.cred(ownerID)
	if err != nil {
		return 0, err
	}
	switch f {
	case FieldDCID:
		return int64(c.DCID), nil
	case FieldAPIID:
		return int64(c.APIID), nil
	case FieldDate:
		return c.Date, nil
	case FieldUser:
		return c.UserID, nil
	default:
		return 0, fmt.Errorf("unknown int field: %q", f)
	}
}

// SetIntField writes a bigint scalar on the credential row.
func (s *MemoryStore) SetIntField(_ context.Context, ownerID int64, f IntField, v int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.cred(ownerID)
	if err != nil {
		return err
	}
	switch f {
	case FieldDCID:
		c.DCID = int(v)
	case FieldAPIID:
		c.APIID = int(v)
	case FieldDate:
		c.Date = v
	case FieldUser:
		c.UserID = v
	default:
		return fmt.Errorf("unknown int field: %q", f)
	}
	return nil
}

// GetBoolField reads a boolean scalar from the credential row.
func (s *MemoryStore) GetBoolField(_ context.Context, ownerID int64, f BoolField) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.cred(ownerID)
	if err != nil {
		return false, err
	}
	switch f {
	case FieldTestMode:
		return c.TestMode, nil
	case FieldIsBot:
		return c.IsBot, nil
	default:
		return false, fmt.Errorf("unknown bool field: %q", f)
	}
}

// SetBoolField writes a boolean scalar on the credential row.
func (s *MemoryStore) SetBoolField(_ context.Context, ownerID int64, f BoolField, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.cred(ownerID)
	if err != nil {
		return err
	}
	switch f {
	case FieldTestMode:
		c.TestMode = v
	case FieldIsBot:
		c.IsBot = v
	default:
		return fmt.Errorf("unknown bool field: %q", f)
	}
	return nil
}

// AuthKey reads the authorization key from the credential row.
func (s *MemoryStore) AuthKey(_ context.Context, ownerID int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.cred(ownerID)
	if err != nil {
		return nil, err
	}
	key := make([]byte, len(c.AuthKey))
	copy(key, c.AuthKey)
	return key, nil
}

// SetAuthKey writes the authorization key on the credential row.
func (s *MemoryStore) SetAuthKey(_ context.Context, ownerID int64, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.cred(ownerID)
	if err != nil {
		return err
	}
	c.AuthKey = make([]byte, len(key))
	copy(c.AuthKey, key)
	return nil
}

// DeleteOwner removes every row belonging to the owner.
func (s *MemoryStore) DeleteOwner(_ context.Context, ownerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.creds, ownerID)
	delete(s.peers, ownerID)
	delete(s.usernames, ownerID)
	delete(s.states, ownerID)
	return nil
}

// Version reads the schema version marker.
func (s *MemoryStore) Version(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasVer {
		return 0, fmt.Errorf("schema version: %w", ErrNotFound)
	}
	return s.version, nil
}

// SetVersion writes the schema version marker.
func (s *MemoryStore) SetVersion(_ context.Context, v int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.version = v
	s.hasVer = true
	return nil
}

// Close releases store resources.
func (s *MemoryStore) Close() error { return nil }

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
