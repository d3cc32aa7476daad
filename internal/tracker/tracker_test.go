package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitmap/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource struct {
	mu        sync.Mutex
	positions map[string][]domain.VehiclePosition
	errs      map[string]error
	calls     int
}

func (s *fakeSource) RoutePositions(ctx context.Context, routeID string) ([]domain.VehiclePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.errs[routeID]; err != nil {
		return nil, err
	}
	return s.positions[routeID], nil
}

func (s *fakeSource) StopRoutes(ctx context.Context, stopID string) ([]domain.StopRoute, error) {
	if stopID == "missing" {
		return nil, errors.New("not found")
	}
	return []domain.StopRoute{{RouteID: "R1"}, {RouteID: "R2"}, {RouteID: "R3"}}, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recorder struct {
	mu     sync.Mutex
	deltas []domain.VehicleDelta
}

func (r *recorder) Broadcast(deltas []domain.VehicleDelta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, deltas...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deltas)
}

func TestPositionsUpdateReportsOnlyChanges(t *testing.T) {
	p := NewPositions("R1", time.Minute)

	deltas := p.Update([]domain.VehiclePosition{
		{VehicleID: "v1", Latitude: -34.60, Longitude: -58.38},
		{VehicleID: "v2", Latitude: -34.61, Longitude: -58.39},
	})
	require.Len(t, deltas, 2)
	assert.Equal(t, domain.DeltaUpdate, deltas[0].Type)
	assert.Equal(t, "R1", deltas[0].Vehicle.RouteID)

	deltas = p.Update([]domain.VehiclePosition{
		{VehicleID: "v1", Latitude: -34.60, Longitude: -58.38},
		{VehicleID: "v2", Latitude: -34.6100000001, Longitude: -58.39},
	})
	assert.Empty(t, deltas, "movement under the epsilon is not a change")

	deltas = p.Update([]domain.VehiclePosition{
		{VehicleID: "v1", Latitude: -34.62, Longitude: -58.38},
	})
	require.Len(t, deltas, 1)
	assert.Equal(t, "v1", deltas[0].Key)
	assert.Equal(t, 2, p.Count())
}

func TestPositionsPruneStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := NewPositions("R1", time.Minute)
	p.now = func() time.Time { return now }

	p.Update([]domain.VehiclePosition{{VehicleID: "b"}, {VehicleID: "a"}})

	now = now.Add(30 * time.Second)
	p.Update([]domain.VehiclePosition{{VehicleID: "a"}})

	now = now.Add(45 * time.Second)
	deltas := p.PruneStale()
	require.Len(t, deltas, 1)
	assert.Equal(t, domain.DeltaRemove, deltas[0].Type)
	assert.Equal(t, "b", deltas[0].Key)

	snap := p.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].VehicleID)
}

func TestTrackerPollsAndBroadcasts(t *testing.T) {
	src := &fakeSource{positions: map[string][]domain.VehiclePosition{
		"R1": {{VehicleID: "v1", Latitude: 1, Longitude: 2}},
	}}
	rec := &recorder{}
	tr := New(src, "R1", rec, 10*time.Millisecond, time.Minute, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Run(ctx)
	}()

	require.Eventually(t, tr.IsReady, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return src.callCount() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 1, rec.count(), "unchanged vehicles are broadcast once")
	assert.Len(t, tr.Snapshot(), 1)
}

func TestTrackerNotReadyOnError(t *testing.T) {
	src := &fakeSource{errs: map[string]error{"R1": errors.New("down")}}
	tr := New(src, "R1", nil, 10*time.Millisecond, time.Minute, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Run(ctx)
	}()

	require.Eventually(t, func() bool { return src.callCount() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.False(t, tr.IsReady())
	assert.Empty(t, tr.Snapshot())
}

func TestActiveRoutesKeepsRoutesWithVehicles(t *testing.T) {
	src := &fakeSource{
		positions: map[string][]domain.VehiclePosition{
			"R1": {{VehicleID: "v1"}},
			"R3": {{VehicleID: "v3"}, {VehicleID: "v4"}},
		},
		errs: map[string]error{"R2": errors.New("timeout")},
	}

	got, err := StopArrivals(context.Background(), src, src, "S1", testLogger())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "R1", got[0].RouteID)
	assert.Equal(t, "R3", got[1].RouteID)
	assert.Len(t, got[1].Positions, 2)

	_, err = StopArrivals(context.Background(), src, src, "missing", testLogger())
	assert.Error(t, err)
}
