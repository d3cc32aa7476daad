package tracker

import (
	"sort"
	"sync"
	"time"

	"transitmap/internal/domain"
)

// Positions holds the last known vehicles of one route and reports what
// changed between polls.
type Positions struct {
	mu       sync.RWMutex
	routeID  string
	vehicles map[string]*domain.VehiclePosition

	staleAfter time.Duration
	now        func() time.Time
}

func NewPositions(routeID string, staleAfter time.Duration) *Positions {
	return &Positions{
		routeID:    routeID,
		vehicles:   make(map[string]*domain.VehiclePosition),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (p *Positions) Update(vehicles []domain.VehiclePosition) []domain.VehicleDelta {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	deltas := make([]domain.VehicleDelta, 0, len(vehicles))

	for i := range vehicles {
		v := vehicles[i]
		v.RouteID = p.routeID
		v.UpdatedAt = now
		key := v.Key()

		existing, exists := p.vehicles[key]
		if !exists || hasChanged(existing, &v) {
			p.vehicles[key] = &v
			copy := v
			deltas = append(deltas, domain.VehicleDelta{
				Type:    domain.DeltaUpdate,
				RouteID: p.routeID,
				Vehicle: &copy,
				Key:     key,
			})
		} else {
			existing.UpdatedAt = now
		}
	}

	return deltas
}

func (p *Positions) PruneStale() []domain.VehicleDelta {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-p.staleAfter)
	var deltas []domain.VehicleDelta

	for key, v := range p.vehicles {
		if v.UpdatedAt.Before(cutoff) {
			deltas = append(deltas, domain.VehicleDelta{
				Type:    domain.DeltaRemove,
				RouteID: p.routeID,
				Key:     key,
			})
			delete(p.vehicles, key)
		}
	}

	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Key < deltas[j].Key })
	return deltas
}

func (p *Positions) Snapshot() []domain.VehiclePosition {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]domain.VehiclePosition, 0, len(p.vehicles))
	for _, v := range p.vehicles {
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key() < result[j].Key() })
	return result
}

func (p *Positions) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.vehicles)
}

func hasChanged(old, new *domain.VehiclePosition) bool {
	const epsilon = 0.000001

	latDiff := old.Latitude - new.Latitude
	if latDiff < 0 {
		latDiff = -latDiff
	}
	lonDiff := old.Longitude - new.Longitude
	if lonDiff < 0 {
		lonDiff = -lonDiff
	}

	return latDiff > epsilon || lonDiff > epsilon
}
