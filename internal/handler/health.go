package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"transitmap/internal/favorites"
	"transitmap/internal/hub"
)

type HealthHandler struct {
	favorites *favorites.Store
	hub       *hub.Hub
}

func NewHealthHandler(fav *favorites.Store, h *hub.Hub) *HealthHandler {
	return &HealthHandler{
		favorites: fav,
		hub:       h,
	}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type ReadyResponse struct {
	Ready         bool      `json:"ready"`
	FavoriteCount int       `json:"favoriteCount"`
	Sessions      int       `json:"sessions"`
	ServerTime    time.Time `json:"serverTime"`
}

// Readyz reports ready once the favorites have been loaded from the backend.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ready := h.favorites.Ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}

	resp := ReadyResponse{
		Ready:         ready,
		FavoriteCount: len(h.favorites.IDs()),
		ServerTime:    time.Now(),
	}
	if h.hub != nil {
		resp.Sessions = h.hub.ClientCount()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
