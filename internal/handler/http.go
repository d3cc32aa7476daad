package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"transitmap/internal/domain"
	"transitmap/internal/tracker"
	"transitmap/pkg/transitapi"
)

// TransitAPI is the backend surface served over HTTP.
type TransitAPI interface {
	Agencies(ctx context.Context) ([]domain.Agency, error)
	StopRoutes(ctx context.Context, stopID string) ([]domain.StopRoute, error)
	RouteShape(ctx context.Context, routeID string) ([]domain.ShapePoint, error)
	RouteStops(ctx context.Context, routeID string) ([]domain.RouteStop, error)
	RoutePositions(ctx context.Context, routeID string) ([]domain.VehiclePosition, error)
	Station(ctx context.Context, stationID string) (*domain.SubwayStation, error)
	StationArrivals(ctx context.Context, stationID string) ([]domain.StationArrival, error)
	SubwayAlerts(ctx context.Context) ([]domain.SubwayAlert, error)
	SubwayLineShape(ctx context.Context, shortName string) ([]domain.ShapePoint, error)
	SubwayLineStations(ctx context.Context, shortName string) ([]domain.SubwayStation, error)
}

type HTTPHandler struct {
	api    TransitAPI
	logger *slog.Logger
}

func NewHTTPHandler(api TransitAPI, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{api: api, logger: logger.With("component", "http_handler")}
}

type ListResponse[T any] struct {
	Items      []T       `json:"items"`
	Count      int       `json:"count"`
	ServerTime time.Time `json:"serverTime"`
}

func newList[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items), ServerTime: time.Now()}
}

func (h *HTTPHandler) ListAgencies(w http.ResponseWriter, r *http.Request) {
	agencies, err := h.api.Agencies(r.Context())
	if err != nil {
		h.upstreamError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newList(agencies))
}

func (h *HTTPHandler) GetStopRoutes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathParam(w, r, "id")
	if !ok {
		return
	}
	routes, err := h.api.StopRoutes(r.Context(), id)
	if err != nil {
		h.upstreamError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newList(routes))
}

// GetStopArrivals lists the routes serving a stop that have vehicles on the
// road right now, with their positions.
func (h *HTTPHandler) GetStopArrivals(w http.ResponseWriter, r *http.Request) {
	id, ok := pathParam(w, r, "id")
	if !ok {
		return
	}
	arrivals, err := tracker.StopArrivals(r.Context(), h.api, h.api, id, h.logger)
	if err != nil {
		h.upstreamError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newList(arrivals))
}

func (h *HTTPHandler) GetRouteShape(w http.ResponseWriter, r *http.Request) {
	id, ok := pathParam(w, r, "id")
	if !ok {
		return
	}
	shape, err := h.api.RouteShape(r.Context(), id)
	if err != nil {
		h.upstreamError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newList(shape))
}

func (h *HTTPHandler) GetRouteStops(w http.ResponseWriter, r *http.Request) {
	id, ok := pathParam(w, r, "id")
	if !ok {
		return
	}
	stops, err := h.api.RouteStops(r.Context(), id)
	if err != nil {
		h.upstreamError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newList(stops))
}

func (h *HTTPHandler) GetRoutePositions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathParam(w, r, "id")
	if !ok {
		return
	}
	positions, err := h.api.RoutePositions(r.Context(), id)
	if err != nil {
		h.upstreamError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newList(positions))
}

func (h *HTTPHandler) GetStation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathParam(w, r, "id")
	if !ok {
		return
	}
	station, err := h.api.Station(r.Context(), id)
	if err != nil {
		h.upstreamError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, station)
}

func (h *HTTPHandler) GetStationArrivals(w http.ResponseWriter, r *http.Request) {
	id, ok := pathParam(w, r, "id")
	if !ok {
		return
	}
	arrivals, err := h.api.StationArrivals(r.Context(), id)
	if err != nil {
		h.upstreamError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newList(arrivals))
}

func (h *HTTPHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.api.SubwayAlerts(r.Context())
	if err != nil {
		h.upstreamError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newList(alerts))
}

func (h *HTTPHandler) GetSubwayLineShape(w http.ResponseWriter, r *http.Request) {
	name, ok := pathParam(w, r, "name")
	if !ok {
		return
	}
	shape, err := h.api.SubwayLineShape(r.Context(), name)
	if err != nil {
		h.upstreamError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newList(shape))
}

func (h *HTTPHandler) GetSubwayLineStations(w http.ResponseWriter, r *http.Request) {
	name, ok := pathParam(w, r, "name")
	if !ok {
		return
	}
	stations, err := h.api.SubwayLineStations(r.Context(), name)
	if err != nil {
		h.upstreamError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newList(stations))
}

func (h *HTTPHandler) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case transitapi.IsNotFound(err), errors.Is(err, transitapi.ErrEmptyResponse):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, context.Canceled):
	default:
		h.logger.Error("backend request failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusBadGateway, "backend unavailable")
	}
}

func pathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(chi.URLParam(r, name))
	if v == "" {
		respondError(w, http.StatusBadRequest, "missing "+name)
		return "", false
	}
	return v, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
