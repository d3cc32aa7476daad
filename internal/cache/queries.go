package cache

import (
	"context"
	"log/slog"

	"transitmap/internal/domain"
	"transitmap/pkg/transitapi"
)

// CachedClient serves read-mostly backend queries through a QueryCache.
// Live data (nearby queries, positions, arrivals, alerts, favorites) goes
// straight to the embedded client.
type CachedClient struct {
	*transitapi.Client
	queries *QueryCache
	logger  *slog.Logger
}

func NewCachedClient(client *transitapi.Client, queries *QueryCache, logger *slog.Logger) *CachedClient {
	return &CachedClient{
		Client:  client,
		queries: queries,
		logger:  logger.With("component", "query_cache"),
	}
}

func (c *CachedClient) Queries() *QueryCache {
	return c.queries
}

func (c *CachedClient) Agencies(ctx context.Context) ([]domain.Agency, error) {
	return Load(ctx, c.queries, KeyAgencies, c.Client.Agencies)
}

func (c *CachedClient) StopRoutes(ctx context.Context, stopID string) ([]domain.StopRoute, error) {
	return Load(ctx, c.queries, KeyStopRoutes(stopID), func(ctx context.Context) ([]domain.StopRoute, error) {
		return c.Client.StopRoutes(ctx, stopID)
	})
}

func (c *CachedClient) RouteShape(ctx context.Context, routeID string) ([]domain.ShapePoint, error) {
	return Load(ctx, c.queries, KeyRouteShape(routeID), func(ctx context.Context) ([]domain.ShapePoint, error) {
		return c.Client.RouteShape(ctx, routeID)
	})
}

func (c *CachedClient) RouteStops(ctx context.Context, routeID string) ([]domain.RouteStop, error) {
	return Load(ctx, c.queries, KeyRouteStops(routeID), func(ctx context.Context) ([]domain.RouteStop, error) {
		return c.Client.RouteStops(ctx, routeID)
	})
}

func (c *CachedClient) Station(ctx context.Context, stationID string) (*domain.SubwayStation, error) {
	return Load(ctx, c.queries, KeyStation(stationID), func(ctx context.Context) (*domain.SubwayStation, error) {
		return c.Client.Station(ctx, stationID)
	})
}

func (c *CachedClient) SubwayLineShape(ctx context.Context, shortName string) ([]domain.ShapePoint, error) {
	return Load(ctx, c.queries, KeySubwayLineShape(shortName), func(ctx context.Context) ([]domain.ShapePoint, error) {
		return c.Client.SubwayLineShape(ctx, shortName)
	})
}

func (c *CachedClient) SubwayLineStations(ctx context.Context, shortName string) ([]domain.SubwayStation, error) {
	return Load(ctx, c.queries, KeySubwayLineStations(shortName), func(ctx context.Context) ([]domain.SubwayStation, error) {
		return c.Client.SubwayLineStations(ctx, shortName)
	})
}

// Close releases the cached queries.
func (c *CachedClient) Close() {
	c.logger.Debug("releasing query cache", "entries", c.queries.Len())
	c.queries.Close()
}
