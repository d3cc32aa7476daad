// Package favorites keeps the device user's favorite routes with optimistic
// toggles that roll back when the backend rejects them.
package favorites

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotInitialized = errors.New("favorites not initialized")
	ErrEmptyRouteID   = errors.New("empty route id")
)

// Backend is the source of truth for favorites.
type Backend interface {
	Favorites(ctx context.Context, userID string) ([]string, error)
	AddFavorite(ctx context.Context, userID, routeID string) error
	RemoveFavorite(ctx context.Context, userID, routeID string) error
}

// State is a copy of the local favorites. Pending lists ids with a toggle in
// flight.
type State struct {
	IDs     []string `json:"ids"`
	Pending []string `json:"pending"`
}

type Store struct {
	backend Backend
	userID  string
	logger  *slog.Logger

	mu      sync.Mutex
	ready   bool
	ids     map[string]struct{}
	pending map[string]int
	// gen counts toggles per id. A failed toggle rolls back only if no newer
	// toggle of the same id was issued after it.
	gen map[string]uint64

	subSeq      int
	subscribers map[int]func(State)
	notifyMu    sync.Mutex
}

func New(backend Backend, userID string, logger *slog.Logger) *Store {
	return &Store{
		backend:     backend,
		userID:      userID,
		logger:      logger.With("component", "favorites", "user_id", userID),
		ids:         make(map[string]struct{}),
		pending:     make(map[string]int),
		gen:         make(map[string]uint64),
		subscribers: make(map[int]func(State)),
	}
}

func (s *Store) UserID() string {
	return s.userID
}

// Initialize seeds local state from the backend. Calling it again replaces
// the local set with a fresh snapshot.
func (s *Store) Initialize(ctx context.Context) ([]string, error) {
	start := time.Now()
	ids, err := s.backend.Favorites(ctx, s.userID)
	if err != nil {
		s.logger.Error("failed to fetch favorites", "error", err)
		return nil, fmt.Errorf("fetching favorites: %w", err)
	}

	s.mu.Lock()
	s.ids = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			s.ids[id] = struct{}{}
		}
	}
	s.ready = true
	out := s.sortedIDsLocked()
	s.mu.Unlock()

	s.logger.Info("favorites loaded", "count", len(out), "duration_ms", time.Since(start).Milliseconds())
	s.notify()
	return out, nil
}

func (s *Store) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Store) IsFavorite(routeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[routeID]
	return ok
}

func (s *Store) IsPending(routeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[routeID] > 0
}

func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedIDsLocked()
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Toggle flips routeID locally, notifies subscribers, then syncs with the
// backend: POST when it became a favorite, DELETE when it stopped being one.
// On failure the id returns to its pre-toggle membership and the error is
// returned. The result reports whether routeID is a favorite afterwards.
func (s *Store) Toggle(ctx context.Context, routeID string) (bool, error) {
	if routeID == "" {
		return false, ErrEmptyRouteID
	}

	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return false, ErrNotInitialized
	}
	_, wasFavorite := s.ids[routeID]
	if wasFavorite {
		delete(s.ids, routeID)
	} else {
		s.ids[routeID] = struct{}{}
	}
	s.gen[routeID]++
	gen := s.gen[routeID]
	s.pending[routeID]++
	s.mu.Unlock()

	s.notify()

	var err error
	if wasFavorite {
		err = s.backend.RemoveFavorite(ctx, s.userID, routeID)
	} else {
		err = s.backend.AddFavorite(ctx, s.userID, routeID)
	}

	s.mu.Lock()
	s.pending[routeID]--
	if s.pending[routeID] <= 0 {
		delete(s.pending, routeID)
	}
	rolledBack := false
	if err != nil && s.gen[routeID] == gen {
		if wasFavorite {
			s.ids[routeID] = struct{}{}
		} else {
			delete(s.ids, routeID)
		}
		rolledBack = true
	}
	_, isFavorite := s.ids[routeID]
	s.mu.Unlock()

	s.notify()

	if err != nil {
		s.logger.Error("failed to update favorite status",
			"route_id", routeID,
			"was_favorite", wasFavorite,
			"rolled_back", rolledBack,
			"error", err,
		)
		return isFavorite, fmt.Errorf("updating favorite %s: %w", routeID, err)
	}

	s.logger.Debug("favorite updated", "route_id", routeID, "favorite", isFavorite)
	return isFavorite, nil
}

// Subscribe registers fn to receive the state after every local change.
// Calls are serialized. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subSeq++
	id := s.subSeq
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Store) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	state := s.stateLocked()
	subs := make([]func(State), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
}

func (s *Store) stateLocked() State {
	pending := make([]string, 0, len(s.pending))
	for id := range s.pending {
		pending = append(pending, id)
	}
	sort.Strings(pending)
	return State{IDs: s.sortedIDsLocked(), Pending: pending}
}

func (s *Store) sortedIDsLocked() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
