package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"transitmap/internal/favorites"
)

type FavoritesHandler struct {
	store  *favorites.Store
	logger *slog.Logger
}

func NewFavoritesHandler(store *favorites.Store, logger *slog.Logger) *FavoritesHandler {
	return &FavoritesHandler{store: store, logger: logger.With("component", "favorites_handler")}
}

type FavoritesResponse struct {
	UserID  string   `json:"userId"`
	Ready   bool     `json:"ready"`
	IDs     []string `json:"ids"`
	Pending []string `json:"pending"`
}

type ToggleResponse struct {
	RouteID  string   `json:"routeId"`
	Favorite bool     `json:"favorite"`
	IDs      []string `json:"ids"`
}

func (h *FavoritesHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.store.Ready() {
		respondError(w, http.StatusServiceUnavailable, favorites.ErrNotInitialized.Error())
		return
	}
	st := h.store.State()
	respondJSON(w, http.StatusOK, FavoritesResponse{
		UserID:  h.store.UserID(),
		Ready:   true,
		IDs:     nonNil(st.IDs),
		Pending: nonNil(st.Pending),
	})
}

func (h *FavoritesHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	routeID, ok := pathParam(w, r, "routeId")
	if !ok {
		return
	}

	// The backend sync outlives the caller: a dropped client must not roll
	// back a change the backend already committed. The API client's timeout
	// bounds the call.
	fav, err := h.store.Toggle(context.WithoutCancel(r.Context()), routeID)
	switch {
	case errors.Is(err, favorites.ErrNotInitialized):
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, favorites.ErrEmptyRouteID):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Warn("favorite toggle rolled back", "route_id", routeID, "error", err)
		respondError(w, http.StatusBadGateway, "backend rejected the change")
		return
	}

	respondJSON(w, http.StatusOK, ToggleResponse{
		RouteID:  routeID,
		Favorite: fav,
		IDs:      nonNil(h.store.IDs()),
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
