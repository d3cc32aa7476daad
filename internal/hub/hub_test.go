package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitmap/internal/domain"
	"transitmap/internal/favorites"
)

type staticSource struct {
	mu     sync.Mutex
	routes map[string][]domain.VehiclePosition
}

func (s *staticSource) RoutePositions(ctx context.Context, routeID string) ([]domain.VehiclePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routes[routeID], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRunningHub(t *testing.T, src *staticSource) *Hub {
	t.Helper()
	h := NewHub(TrackerConfig{Source: src, Interval: time.Hour, StaleAfter: time.Hour}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func readMessage(t *testing.T, c *Client) map[string]json.RawMessage {
	t.Helper()
	select {
	case data := <-c.Send:
		var msg map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message")
		return nil
	}
}

func TestWatchStartsTrackerAndFansOut(t *testing.T) {
	src := &staticSource{routes: map[string][]domain.VehiclePosition{
		"R1": {{VehicleID: "v1", Latitude: -34.6, Longitude: -58.4}},
	}}
	h := newRunningHub(t, src)

	watcher := NewClient("a", 8)
	other := NewClient("b", 8)
	h.Register(watcher)
	h.Register(other)

	h.Watch(watcher, "R1")
	assert.Equal(t, []string{"R1"}, h.TrackedRoutes())
	assert.True(t, watcher.IsWatching("R1"))

	msg := readMessage(t, watcher)
	assert.JSONEq(t, `"vehicles"`, string(msg["type"]))

	var payload VehiclesPayload
	require.NoError(t, json.Unmarshal(msg["payload"], &payload))
	assert.Equal(t, "R1", payload.RouteID)
	require.Len(t, payload.Updates, 1)
	assert.Equal(t, "v1", payload.Updates[0].VehicleID)

	assert.Empty(t, other.Send, "sessions not watching the route get nothing")
}

func TestLastUnwatchStopsTracker(t *testing.T) {
	h := newRunningHub(t, &staticSource{})
	a := NewClient("a", 8)
	b := NewClient("b", 8)

	h.Watch(a, "R1")
	h.Watch(b, "R1")
	h.Unwatch(a, "R1")
	assert.Equal(t, []string{"R1"}, h.TrackedRoutes())

	h.Unwatch(b, "R1")
	assert.Empty(t, h.TrackedRoutes())
}

func TestUnregisterReleasesWatches(t *testing.T) {
	h := newRunningHub(t, &staticSource{})
	c := NewClient("a", 8)
	h.Register(c)
	h.Watch(c, "R1")
	h.Watch(c, "R2")

	h.Unregister(c)
	require.Eventually(t, func() bool { return len(h.TrackedRoutes()) == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, c.Enqueue([]byte("late")))
	assert.Equal(t, 0, h.ClientCount())
}

func TestStoppedHubRefusesClients(t *testing.T) {
	h := NewHub(TrackerConfig{Source: &staticSource{}, Interval: time.Hour, StaleAfter: time.Hour}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	registered := make(chan struct{})
	go func() {
		for i := 0; i < 32; i++ {
			c := NewClient("late", 1)
			h.Register(c)
			h.Unregister(c)
		}
		close(registered)
	}()
	select {
	case <-registered:
	case <-time.After(time.Second):
		t.Fatal("register blocked after shutdown")
	}

	c := NewClient("late", 1)
	h.Register(c)
	_, err := h.Watch(c, "R1")
	assert.ErrorIs(t, err, ErrStopped)
	assert.Empty(t, h.TrackedRoutes())
	assert.False(t, c.Enqueue([]byte("x")))
}

func TestBroadcastFavoritesReachesEverySession(t *testing.T) {
	h := newRunningHub(t, &staticSource{})
	a := NewClient("a", 8)
	b := NewClient("b", 8)
	h.Register(a)
	h.Register(b)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	h.BroadcastFavorites(favorites.State{IDs: []string{"R1"}})

	for _, c := range []*Client{a, b} {
		msg := readMessage(t, c)
		assert.JSONEq(t, `"favorites"`, string(msg["type"]))
		assert.JSONEq(t, `{"ids":["R1"],"pending":[]}`, string(msg["payload"]))
	}
}

func TestVehiclesMessageSplitsDeltas(t *testing.T) {
	v := &domain.VehiclePosition{VehicleID: "v1"}
	msg := NewVehiclesMessage("R1", []domain.VehicleDelta{
		{Type: domain.DeltaUpdate, RouteID: "R1", Vehicle: v, Key: "v1"},
		{Type: domain.DeltaRemove, RouteID: "R1", Key: "v2"},
	})

	payload := msg.Payload.(VehiclesPayload)
	assert.Equal(t, []*domain.VehiclePosition{v}, payload.Updates)
	assert.Equal(t, []string{"v2"}, payload.Removes)
}
