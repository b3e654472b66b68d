package party

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when no party matches the lookup.
var ErrNotFound = errors.New("remote party not found")

// Store is the registry of remote parties. It is injected explicitly into
// the authorization gate, the credentials handlers, and the exchange client;
// nothing reaches into ambient state.
//
// Implementations must let concurrent readers observe either the pre- or the
// post-mutation state of a party, never a partially written one.
type Store interface {
	// Add inserts the party under each of its role keys. The latest Add
	// wins: any party already occupying one of those keys is displaced
	// entirely, including its entries under non-overlapping keys.
	Add(ctx context.Context, p *RemoteParty) error

	// Remove deletes the entry for the given key. It reports whether an
	// entry existed; removing a missing key is not an error.
	Remove(ctx context.Context, key RoleKey) (bool, error)

	// Get returns the party registered under key, or ErrNotFound.
	Get(ctx context.Context, key RoleKey) (*RemoteParty, error)

	// GetByLocalToken resolves an inbound access token. The newest ALLOWED
	// match wins; when only blocked matches exist the party is returned with
	// honored=false so callers can answer without revealing which case it is.
	GetByLocalToken(ctx context.Context, token string) (p *RemoteParty, match *LocalAccessInfo, honored bool, err error)

	// List returns a snapshot of all registered parties.
	List(ctx context.Context) ([]*RemoteParty, error)

	// Update replaces the stored party having the same ID, re-keying it if
	// its roles changed.
	Update(ctx context.Context, p *RemoteParty) error
}

// MemoryStore is the in-memory Store. A single mutex guards the whole map;
// parties are cloned on the way in and out, so a stored record is never
// mutated in place.
type MemoryStore struct {
	mu      sync.RWMutex
	parties map[RoleKey]*RemoteParty
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{parties: make(map[RoleKey]*RemoteParty)}
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, p *RemoteParty) error {
	keys, err := RoleKeys(p.Roles)
	if err != nil {
		return err
	}
	seen := make(map[RoleKey]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			return errors.New("duplicate credentials role " + k.String())
		}
		seen[k] = struct{}{}
	}

	cp := p.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()

	// Displace whole parties, not just the overlapping keys, so no entry is
	// left pointing at a record whose roles it no longer reflects.
	displaced := make(map[string]struct{})
	for _, k := range keys {
		if old, ok := s.parties[k]; ok {
			displaced[old.ID] = struct{}{}
		}
	}
	if len(displaced) > 0 {
		for k, existing := range s.parties {
			if _, gone := displaced[existing.ID]; gone {
				delete(s.parties, k)
			}
		}
	}

	for _, k := range keys {
		s.parties[k] = cp
	}
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, key RoleKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parties[key]; !ok {
		return false, nil
	}
	delete(s.parties, key)
	return true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key RoleKey) (*RemoteParty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parties[key]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// GetByLocalToken implements Store. The scan is linear over parties and
// tokens; the registry holds one entry per bilateral partner, so the map
// stays small enough that a token index would buy nothing.
func (s *MemoryStore) GetByLocalToken(_ context.Context, token string) (*RemoteParty, *LocalAccessInfo, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blockedParty *RemoteParty
	var blockedMatch *LocalAccessInfo

	seen := make(map[string]struct{})
	for _, p := range s.parties {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}

		match, honored := p.MatchLocalToken(token)
		if match == nil {
			continue
		}
		if honored {
			return p.Clone(), match, true, nil
		}
		if blockedMatch == nil {
			blockedParty, blockedMatch = p, match
		}
	}
	if blockedMatch != nil {
		return blockedParty.Clone(), blockedMatch, false, nil
	}
	return nil, nil, false, ErrNotFound
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]*RemoteParty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	out := make([]*RemoteParty, 0, len(s.parties))
	for _, p := range s.parties {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p.Clone())
	}
	return out, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, p *RemoteParty) error {
	keys, err := RoleKeys(p.Roles)
	if err != nil {
		return err
	}

	cp := p.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for k, existing := range s.parties {
		if existing.ID == p.ID {
			delete(s.parties, k)
			found = true
		}
	}
	if !found {
		return ErrNotFound
	}
	for _, k := range keys {
		s.parties[k] = cp
	}
	return nil
}
