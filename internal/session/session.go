// Package session exposes the current user, role, and tier to the rest of
// the app. It is a read-only projection of entitlement state plus a thin
// dispatch into the reconciler, which is the only writer in the system.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pranavgeek/SpaceApp-sub000/internal/backend"
	"github.com/pranavgeek/SpaceApp-sub000/internal/entitlement"
	"github.com/pranavgeek/SpaceApp-sub000/internal/localstore"
	"github.com/rs/zerolog/log"
)

// Dispatcher is the reconciler surface the session dispatches through.
type Dispatcher interface {
	ApplyChange(ctx context.Context, userID string, change entitlement.Change) error
}

// Snapshot is the read-only view handed to consumers.
type Snapshot struct {
	UserID string
	Name   string
	Role   entitlement.Role
	Tier   entitlement.Tier
}

// Session holds the in-memory auth context. All mutation requests funnel
// through the reconciler; the session only projects committed results.
type Session struct {
	store      *localstore.Store
	dispatcher Dispatcher

	mu          sync.RWMutex
	current     *entitlement.UserEntitlement
	name        string
	subscribers map[int]func(Snapshot)
	nextSubID   int
}

// New creates a session backed by the local store. The last-known
// entitlement is loaded immediately so consumers see the cached role and
// tier before any network call resolves (cold-start path). A corrupt cache
// reads as absent, never as a failure.
func New(store *localstore.Store, dispatcher Dispatcher) *Session {
	s := &Session{
		store:       store,
		dispatcher:  dispatcher,
		subscribers: make(map[int]func(Snapshot)),
	}

	if ent, ok := store.LoadEntitlement(); ok {
		s.current = &ent
		log.Info().
			Str("userId", ent.UserID).
			Str("role", string(ent.Role)).
			Str("tier", string(ent.Tier)).
			Msg("Restored session from local cache")
	}
	return s
}

// Current returns the session snapshot. A signed-out session reports the
// buyer floor with no user id.
func (s *Session) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Snapshot{Role: entitlement.RoleBuyer}
	}
	return Snapshot{
		UserID: s.current.UserID,
		Name:   s.name,
		Role:   s.current.Role,
		Tier:   s.current.Tier,
	}
}

// SignedIn reports whether a user is present.
func (s *Session) SignedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil
}

// Login installs the authenticated user's backend record as the session
// state and persists it for the next cold start. A user with no prior
// entitlement starts at the buyer floor.
func (s *Session) Login(user *backend.User) {
	ent := entitlement.Default(user.UserID)
	if user.Role != "" && entitlement.ValidRole(user.Role) {
		ent.Role = user.Role
		ent.Tier = user.Tier
	}
	ent.LastSyncedAt = time.Now()

	s.mu.Lock()
	s.current = &ent
	s.name = user.Name
	s.mu.Unlock()

	if err := s.store.SaveEntitlement(ent); err != nil {
		log.Warn().Err(err).Str("userId", ent.UserID).Msg("Failed to cache entitlement at login")
	}

	log.Info().Str("userId", user.UserID).Str("role", string(ent.Role)).Msg("User logged in")
	s.broadcast()
}

// Logout clears the session and the local cache entries for user, role, and
// tier. In-flight reconciler operations are untouched; their results are
// discarded by the user-id guard in EntitlementChanged unless the same user
// signs back in.
func (s *Session) Logout() {
	s.mu.Lock()
	userID := ""
	if s.current != nil {
		userID = s.current.UserID
	}
	s.current = nil
	s.name = ""
	s.mu.Unlock()

	if err := s.store.ClearEntitlement(); err != nil {
		log.Warn().Err(err).Msg("Failed to clear local cache at logout")
	}

	log.Info().Str("userId", userID).Msg("User logged out")
	s.broadcast()
}

// UpdateRole dispatches an explicit role/tier change for the signed-in user
// into the reconciler. The session itself never writes entitlement state.
func (s *Session) UpdateRole(ctx context.Context, role entitlement.Role, tier entitlement.Tier, source entitlement.Source) error {
	s.mu.RLock()
	current := s.current
	s.mu.RUnlock()
	if current == nil {
		return nil
	}

	return s.dispatcher.ApplyChange(ctx, current.UserID, entitlement.Change{
		Role:   role,
		Tier:   tier,
		Source: source,
		At:     time.Now(),
	})
}

// EntitlementChanged implements the reconciler's Notifier. The queued result
// is applied only when it belongs to the signed-in user, so a logout (or a
// different user signing in) between enqueue and commit cannot corrupt the
// session.
func (s *Session) EntitlementChanged(ent entitlement.UserEntitlement) {
	s.mu.Lock()
	if s.current == nil || s.current.UserID != ent.UserID {
		s.mu.Unlock()
		log.Debug().
			Str("userId", ent.UserID).
			Msg("Dropping entitlement update for a user no longer signed in")
		return
	}
	s.current = &ent
	s.mu.Unlock()

	s.broadcast()
}

// Subscribe registers a consumer re-render callback. The returned function
// unsubscribes it.
func (s *Session) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *Session) broadcast() {
	snap := s.Current()
	s.mu.RLock()
	fns := make([]func(Snapshot), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(snap)
	}
}
