package favorites_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitmap/internal/favorites"
	"transitmap/pkg/transitapi"
)

type call struct {
	method  string
	routeID string
}

type fakeBackend struct {
	mu       sync.Mutex
	initial  []string
	fetchErr error
	calls    []call
	// results are consumed in call order; a nil entry means success.
	results []chan error
}

func (b *fakeBackend) Favorites(ctx context.Context, userID string) ([]string, error) {
	return b.initial, b.fetchErr
}

func (b *fakeBackend) AddFavorite(ctx context.Context, userID, routeID string) error {
	return b.record(http.MethodPost, routeID)
}

func (b *fakeBackend) RemoveFavorite(ctx context.Context, userID, routeID string) error {
	return b.record(http.MethodDelete, routeID)
}

func (b *fakeBackend) record(method, routeID string) error {
	b.mu.Lock()
	b.calls = append(b.calls, call{method, routeID})
	var ch chan error
	if len(b.results) > 0 {
		ch, b.results = b.results[0], b.results[1:]
	}
	b.mu.Unlock()
	if ch == nil {
		return nil
	}
	return <-ch
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newInitialized(t *testing.T, b *fakeBackend) *favorites.Store {
	t.Helper()
	s := favorites.New(b, "device-1", testLogger())
	_, err := s.Initialize(context.Background())
	require.NoError(t, err)
	return s
}

func TestInitializeSeedsState(t *testing.T) {
	s := newInitialized(t, &fakeBackend{initial: []string{"R2", "R1", "R1"}})

	assert.True(t, s.Ready())
	assert.Equal(t, []string{"R1", "R2"}, s.IDs())
	assert.True(t, s.IsFavorite("R1"))
	assert.False(t, s.IsFavorite("R3"))
}

func TestInitializeFailure(t *testing.T) {
	s := favorites.New(&fakeBackend{fetchErr: errors.New("boom")}, "device-1", testLogger())

	_, err := s.Initialize(context.Background())
	require.Error(t, err)
	assert.False(t, s.Ready())

	_, err = s.Toggle(context.Background(), "R1")
	assert.ErrorIs(t, err, favorites.ErrNotInitialized)
}

func TestToggleAddsOptimistically(t *testing.T) {
	result := make(chan error)
	b := &fakeBackend{results: []chan error{result}}
	s := newInitialized(t, b)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fav, err := s.Toggle(context.Background(), "R1")
		assert.NoError(t, err)
		assert.True(t, fav)
	}()

	require.Eventually(t, func() bool { return b.callCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.IsFavorite("R1"), "membership flips before the backend answers")
	assert.True(t, s.IsPending("R1"))

	result <- nil
	<-done

	assert.True(t, s.IsFavorite("R1"))
	assert.False(t, s.IsPending("R1"))
	assert.Equal(t, call{http.MethodPost, "R1"}, b.calls[0])
}

func TestToggleRemovesWithDelete(t *testing.T) {
	b := &fakeBackend{initial: []string{"R1"}}
	s := newInitialized(t, b)

	fav, err := s.Toggle(context.Background(), "R1")
	require.NoError(t, err)
	assert.False(t, fav)
	assert.Equal(t, call{http.MethodDelete, "R1"}, b.calls[0])
}

func TestToggleRollsBackOnFailure(t *testing.T) {
	tests := []struct {
		name    string
		initial []string
	}{
		{name: "failed add", initial: nil},
		{name: "failed remove", initial: []string{"X"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := make(chan error, 1)
			result <- errors.New("backend unavailable")
			b := &fakeBackend{initial: tt.initial, results: []chan error{result}}
			s := newInitialized(t, b)
			before := s.IsFavorite("X")

			fav, err := s.Toggle(context.Background(), "X")
			require.Error(t, err)
			assert.Equal(t, before, fav)
			assert.Equal(t, before, s.IsFavorite("X"))
			assert.False(t, s.IsPending("X"))
		})
	}
}

func TestIndependentIDsInFlight(t *testing.T) {
	r1 := make(chan error)
	r2 := make(chan error)
	b := &fakeBackend{results: []chan error{r1, r2}}
	s := newInitialized(t, b)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Toggle(context.Background(), "A")
	}()
	require.Eventually(t, func() bool { return b.callCount() == 1 }, time.Second, 5*time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Toggle(context.Background(), "B")
	}()
	require.Eventually(t, func() bool { return b.callCount() == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"A", "B"}, s.State().Pending)

	r2 <- nil
	r1 <- errors.New("timeout")
	wg.Wait()

	assert.False(t, s.IsFavorite("A"))
	assert.True(t, s.IsFavorite("B"))
}

func TestStaleRollbackDoesNotClobberNewerToggle(t *testing.T) {
	first := make(chan error)
	second := make(chan error)
	b := &fakeBackend{results: []chan error{first, second}}
	s := newInitialized(t, b)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Toggle(context.Background(), "R1")
	}()
	require.Eventually(t, func() bool { return b.callCount() == 1 }, time.Second, 5*time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Toggle(context.Background(), "R1")
	}()
	require.Eventually(t, func() bool { return b.callCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.IsFavorite("R1"))

	second <- nil
	first <- errors.New("late failure")
	wg.Wait()

	assert.False(t, s.IsFavorite("R1"), "the newer toggle owns the state")
}

func TestSubscribersSeeOptimisticAndFinalState(t *testing.T) {
	result := make(chan error, 1)
	result <- errors.New("nope")
	b := &fakeBackend{results: []chan error{result}}
	s := newInitialized(t, b)

	var states []favorites.State
	unsubscribe := s.Subscribe(func(st favorites.State) { states = append(states, st) })
	defer unsubscribe()

	_, err := s.Toggle(context.Background(), "R9")
	require.Error(t, err)

	require.Len(t, states, 2)
	assert.Equal(t, []string{"R9"}, states[0].IDs)
	assert.Equal(t, []string{"R9"}, states[0].Pending)
	assert.Empty(t, states[1].IDs)
	assert.Empty(t, states[1].Pending)
}

func TestToggleAgainstHTTPBackend(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/user/device-1/favorites":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"favorites":[]}`))
		case r.URL.Path == "/api/user/device-1/favorite":
			gotMethod, gotPath = r.Method, r.URL.Path
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := transitapi.New(srv.URL, 5*time.Second)
	s := favorites.New(client, "device-1", testLogger())
	_, err := s.Initialize(context.Background())
	require.NoError(t, err)

	fav, err := s.Toggle(context.Background(), "R1")
	require.NoError(t, err)
	assert.True(t, fav)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/user/device-1/favorite", gotPath)
	assert.Equal(t, map[string]string{"lineRouteId": "R1"}, gotBody)
}
