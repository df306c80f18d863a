// Package lobby tracks the authenticated clients connected to this lobby node
// and which of them are waiting to be matched.
package lobby

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cory-johannsen/lobby/internal/auth"
	"github.com/cory-johannsen/lobby/internal/protocol"
)

// ErrAlreadyRegistered is returned by Add for a connection that is already present.
// It indicates a programming fault in the caller.
var ErrAlreadyRegistered = errors.New("connection already registered")

// ErrNotRegistered is returned when an operation names an unknown connection.
var ErrNotRegistered = errors.New("connection not registered")

// Peer is the outbound side of a registered connection.
type Peer interface {
	// Send delivers one message to the client. Safe for concurrent use.
	Send(msg protocol.ServerMessage) error
}

// ClientState is the per-connection lobby state.
type ClientState struct {
	Identity    auth.Identity
	Matchmaking bool
}

// Member is a snapshot of one registered connection.
type Member struct {
	ConnID string
	Peer   Peer
	State  ClientState
}

type entry struct {
	peer  Peer
	state ClientState
}

// Registry maps live connection IDs to their client state.
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string // insertion order, for deterministic partner selection
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Add registers an authenticated connection with matchmaking off.
//
// Precondition: connID must be non-empty; peer must be non-nil.
// Postcondition: Returns ErrAlreadyRegistered if connID is present; the existing entry is left untouched.
func (r *Registry) Add(connID string, peer Peer, identity auth.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[connID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, connID)
	}
	r.entries[connID] = &entry{
		peer:  peer,
		state: ClientState{Identity: identity},
	}
	r.order = append(r.order, connID)
	return nil
}

// Remove deletes a connection. It is idempotent.
//
// Postcondition: connID is absent. Reports whether an entry was removed.
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[connID]; !exists {
		return false
	}
	delete(r.entries, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// SetMatchmaking sets the matchmaking flag of one connection.
//
// Postcondition: Returns ErrNotRegistered if connID is absent.
func (r *Registry) SetMatchmaking(connID string, flag bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, connID)
	}
	e.state.Matchmaking = flag
	return nil
}

// FindAndClaimPartner pairs the caller with another waiting connection in a
// single critical section. The caller must itself still be waiting: if another
// seeker claimed it first, nothing is claimed. On success both flags are
// cleared before the lock is released, so neither side can be claimed again.
//
// Postcondition: Returns (partner, true) with both flags cleared, or (Member{}, false) with no change.
func (r *Registry) FindAndClaimPartner(excluding string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	self, ok := r.entries[excluding]
	if !ok || !self.state.Matchmaking {
		return Member{}, false
	}

	for _, id := range r.order {
		if id == excluding {
			continue
		}
		e := r.entries[id]
		if !e.state.Matchmaking {
			continue
		}
		e.state.Matchmaking = false
		self.state.Matchmaking = false
		return Member{ConnID: id, Peer: e.peer, State: e.state}, true
	}
	return Member{}, false
}

// Get returns a copy of the state for connID.
//
// Postcondition: Returns (state, true) if found, or (ClientState{}, false) otherwise.
func (r *Registry) Get(connID string) (ClientState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[connID]
	if !ok {
		return ClientState{}, false
	}
	return e.state, true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// WaitingCount returns the number of connections flagged for matchmaking.
func (r *Registry) WaitingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.state.Matchmaking {
			n++
		}
	}
	return n
}
