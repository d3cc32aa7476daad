// Package tracker follows the live vehicles of bus routes.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"transitmap/internal/domain"
)

// Source returns the live vehicles of a route.
type Source interface {
	RoutePositions(ctx context.Context, routeID string) ([]domain.VehiclePosition, error)
}

type Broadcaster interface {
	Broadcast(deltas []domain.VehicleDelta)
}

type Tracker struct {
	source      Source
	routeID     string
	positions   *Positions
	broadcaster Broadcaster
	interval    time.Duration
	logger      *slog.Logger

	ready   bool
	readyMu sync.RWMutex
}

func New(source Source, routeID string, broadcaster Broadcaster, interval, staleAfter time.Duration, logger *slog.Logger) *Tracker {
	return &Tracker{
		source:      source,
		routeID:     routeID,
		positions:   NewPositions(routeID, staleAfter),
		broadcaster: broadcaster,
		interval:    interval,
		logger:      logger.With("component", "route_tracker", "route_id", routeID),
	}
}

func (t *Tracker) RouteID() string {
	return t.routeID
}

// Run polls until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	pruneTicker := time.NewTicker(t.interval * 3)
	defer pruneTicker.Stop()

	t.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.poll(ctx)
		case <-pruneTicker.C:
			t.prune()
		}
	}
}

func (t *Tracker) poll(ctx context.Context) {
	vehicles, err := t.source.RoutePositions(ctx, t.routeID)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Error("failed to fetch vehicle positions", "error", err)
		}
		return
	}

	deltas := t.positions.Update(vehicles)

	if t.broadcaster != nil && len(deltas) > 0 {
		t.broadcaster.Broadcast(deltas)
	}

	if !t.IsReady() {
		t.setReady(true)
		t.logger.Info("tracker ready", "vehicles", len(vehicles))
	}

	t.logger.Debug("poll completed",
		"vehicles", len(vehicles),
		"deltas", len(deltas),
		"total", t.positions.Count(),
	)
}

func (t *Tracker) prune() {
	deltas := t.positions.PruneStale()
	if len(deltas) > 0 {
		if t.broadcaster != nil {
			t.broadcaster.Broadcast(deltas)
		}
		t.logger.Info("pruned stale vehicles", "count", len(deltas))
	}
}

func (t *Tracker) Snapshot() []domain.VehiclePosition {
	return t.positions.Snapshot()
}

func (t *Tracker) IsReady() bool {
	t.readyMu.RLock()
	defer t.readyMu.RUnlock()
	return t.ready
}

func (t *Tracker) setReady(ready bool) {
	t.readyMu.Lock()
	defer t.readyMu.Unlock()
	t.ready = ready
}

// StopRoutesSource lists the routes serving a stop.
type StopRoutesSource interface {
	StopRoutes(ctx context.Context, stopID string) ([]domain.StopRoute, error)
}

// ActiveRoutes fetches live positions for every route concurrently and keeps
// only routes that currently have vehicles, in input order. Routes
// whose positions fail to load are dropped and logged.
func ActiveRoutes(ctx context.Context, source Source, routes []domain.StopRoute, logger *slog.Logger) []domain.StopRouteArrivals {
	positions := make([][]domain.VehiclePosition, len(routes))

	var wg sync.WaitGroup
	for i, r := range routes {
		wg.Add(1)
		go func(i int, routeID string) {
			defer wg.Done()
			vs, err := source.RoutePositions(ctx, routeID)
			if err != nil {
				logger.Error("failed to fetch vehicle positions", "route_id", routeID, "error", err)
				return
			}
			positions[i] = vs
		}(i, r.RouteID)
	}
	wg.Wait()

	result := make([]domain.StopRouteArrivals, 0, len(routes))
	for i, r := range routes {
		if len(positions[i]) == 0 {
			continue
		}
		result = append(result, domain.StopRouteArrivals{
			StopRoute: r,
			Positions: positions[i],
		})
	}
	return result
}

// StopArrivals lists the routes serving stopID that have live vehicles.
func StopArrivals(ctx context.Context, routesSource StopRoutesSource, source Source, stopID string, logger *slog.Logger) ([]domain.StopRouteArrivals, error) {
	routes, err := routesSource.StopRoutes(ctx, stopID)
	if err != nil {
		return nil, err
	}
	return ActiveRoutes(ctx, source, routes, logger), nil
}
