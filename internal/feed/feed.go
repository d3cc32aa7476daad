// Package feed keeps the stops and stations visible in a moving map viewport.
//
// A Feed receives viewport changes, debounces them, queries the backend for
// bus stops and subway stations around the viewport center, and accumulates
// the results into deduplicated sets. Zooming out past the configured
// threshold clears both sets.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"transitmap/internal/domain"
)

// Fetcher queries the backend for transit around a point.
type Fetcher interface {
	NearbyStops(ctx context.Context, lat, lon, radius float64) ([]domain.BusStop, error)
	NearbyStations(ctx context.Context, lat, lon, radius float64) ([]domain.SubwayStation, error)
}

type Config struct {
	// MinZoomLevelToShowStops is the largest latitudeDelta for which stops
	// are queried. Above it both visible sets are reset.
	MinZoomLevelToShowStops float64
	Debounce                time.Duration
	RadiusCapMeters         float64
}

func DefaultConfig() Config {
	return Config{
		MinZoomLevelToShowStops: 0.01,
		Debounce:                500 * time.Millisecond,
		RadiusCapMeters:         300,
	}
}

// Timer is a pending debounce that can be cancelled.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Option func(*Feed)

// WithAfterFunc replaces the debounce timer factory.
func WithAfterFunc(fn AfterFunc) Option {
	return func(f *Feed) { f.afterFunc = fn }
}

type State int

const (
	StateIdle State = iota
	StateDebouncing
	StateFetching
	StateCleared
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateFetching:
		return "fetching"
	case StateCleared:
		return "cleared"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateClosed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown feed state %q", text)
}

// Snapshot is a copy of the feed's visible sets.
type Snapshot struct {
	Stops    []domain.BusStop       `json:"stops"`
	Stations []domain.SubwayStation `json:"stations"`
	State    State                  `json:"state"`
}

type Stats struct {
	Cycles          uint64 `json:"cycles"`
	StopErrors      uint64 `json:"stopErrors"`
	StationErrors   uint64 `json:"stationErrors"`
	VisibleStops    int    `json:"visibleStops"`
	VisibleStations int    `json:"visibleStations"`
}

type Feed struct {
	fetcher   Fetcher
	cfg       Config
	logger    *slog.Logger
	afterFunc AfterFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	timer    Timer
	timerSeq uint64
	pending  domain.Region

	// epoch advances on every clear; results of cycles issued in an older
	// epoch are discarded.
	epoch    uint64
	cycleSeq uint64
	inflight map[uint64]context.CancelFunc

	stops    *VisibleSet[domain.BusStop]
	stations *VisibleSet[domain.SubwayStation]

	subSeq      int
	subscribers map[int]func(Snapshot)
	notifyMu    sync.Mutex

	stats Stats
}

func New(fetcher Fetcher, cfg Config, logger *slog.Logger, opts ...Option) *Feed {
	def := DefaultConfig()
	if cfg.MinZoomLevelToShowStops <= 0 {
		cfg.MinZoomLevelToShowStops = def.MinZoomLevelToShowStops
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.RadiusCapMeters <= 0 {
		cfg.RadiusCapMeters = def.RadiusCapMeters
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		fetcher:     fetcher,
		cfg:         cfg,
		logger:      logger.With("component", "viewport_feed"),
		afterFunc:   realAfterFunc,
		ctx:         ctx,
		cancel:      cancel,
		inflight:    make(map[uint64]context.CancelFunc),
		stops:       NewVisibleSet(stopKey),
		stations:    NewVisibleSet(stationKey),
		subscribers: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// OnViewportChange feeds a new viewport. Regions zoomed out past the
// threshold clear both sets and cancel any pending query; regions zoomed in
// enough (re)start the debounce timer.
func (f *Feed) OnViewportChange(region domain.Region) {
	if err := region.Validate(); err != nil {
		f.logger.Warn("ignoring viewport", "error", err)
		return
	}

	f.mu.Lock()
	if f.state == StateClosed {
		f.mu.Unlock()
		return
	}

	if region.LatitudeDelta > f.cfg.MinZoomLevelToShowStops {
		changed := f.clearLocked()
		f.mu.Unlock()
		if changed {
			f.notify()
		}
		return
	}

	f.stopTimerLocked()
	f.pending = region
	f.timerSeq++
	seq := f.timerSeq
	f.timer = f.afterFunc(f.cfg.Debounce, func() { f.fire(seq) })
	f.state = StateDebouncing
	f.mu.Unlock()
}

// clearLocked resets both sets and reports whether anything was visible.
func (f *Feed) clearLocked() bool {
	f.stopTimerLocked()
	for id, cancel := range f.inflight {
		cancel()
		delete(f.inflight, id)
	}
	f.epoch++

	changed := f.stops.Len() > 0 || f.stations.Len() > 0 || f.state != StateCleared
	f.stops.Clear()
	f.stations.Clear()
	f.state = StateCleared
	return changed
}

func (f *Feed) stopTimerLocked() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	// A timer that already fired but has not taken the lock yet is
	// invalidated by the sequence bump.
	f.timerSeq++
}

func (f *Feed) fire(seq uint64) {
	f.mu.Lock()
	if seq != f.timerSeq || f.state == StateClosed {
		f.mu.Unlock()
		return
	}
	f.timer = nil
	region := f.pending
	radius := Radius(region.LatitudeDelta, f.cfg.RadiusCapMeters)

	f.cycleSeq++
	id := f.cycleSeq
	ctx, cancel := context.WithCancel(f.ctx)
	f.inflight[id] = cancel
	epoch := f.epoch
	f.state = StateFetching
	f.stats.Cycles++
	f.mu.Unlock()

	f.logger.Debug("querying nearby transit",
		"latitude", region.Latitude,
		"longitude", region.Longitude,
		"radius", radius,
	)

	go f.runCycle(ctx, id, epoch, region, radius)
}

func (f *Feed) runCycle(ctx context.Context, id, epoch uint64, region domain.Region, radius float64) {
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		stops, err := f.fetcher.NearbyStops(ctx, region.Latitude, region.Longitude, radius)
		f.mergeStops(epoch, stops, err)
	}()

	go func() {
		defer wg.Done()
		stations, err := f.fetcher.NearbyStations(ctx, region.Latitude, region.Longitude, radius)
		f.mergeStations(epoch, stations, err)
	}()

	wg.Wait()

	f.mu.Lock()
	if cancel, ok := f.inflight[id]; ok {
		cancel()
		delete(f.inflight, id)
	}
	if len(f.inflight) == 0 && f.state == StateFetching {
		f.state = StateIdle
	}
	f.mu.Unlock()

	f.logger.Debug("nearby query completed", "duration_ms", time.Since(start).Milliseconds())
}

func (f *Feed) mergeStops(epoch uint64, stops []domain.BusStop, err error) {
	f.mu.Lock()
	if f.state == StateClosed || epoch != f.epoch {
		f.mu.Unlock()
		return
	}
	if err != nil {
		f.stats.StopErrors++
		f.mu.Unlock()
		f.logger.Error("failed to fetch bus stops", "error", err)
		return
	}
	added := f.stops.Merge(stops)
	f.mu.Unlock()

	if added > 0 {
		f.notify()
	}
}

func (f *Feed) mergeStations(epoch uint64, stations []domain.SubwayStation, err error) {
	f.mu.Lock()
	if f.state == StateClosed || epoch != f.epoch {
		f.mu.Unlock()
		return
	}
	if err != nil {
		f.stats.StationErrors++
		f.mu.Unlock()
		f.logger.Error("failed to fetch subway stations", "error", err)
		return
	}
	added := f.stations.Merge(stations)
	f.mu.Unlock()

	if added > 0 {
		f.notify()
	}
}

func (f *Feed) VisibleStops() []domain.BusStop {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops.Items()
}

func (f *Feed) VisibleStations() []domain.SubwayStation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stations.Items()
}

func (f *Feed) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *Feed) snapshotLocked() Snapshot {
	return Snapshot{
		Stops:    f.stops.Items(),
		Stations: f.stations.Items(),
		State:    f.state,
	}
}

func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Feed) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	s.VisibleStops = f.stops.Len()
	s.VisibleStations = f.stations.Len()
	return s
}

// Subscribe registers fn to receive a snapshot after every change to the
// visible sets. Calls are serialized; fn must not feed viewports back into
// the same Feed. The returned func unsubscribes.
func (f *Feed) Subscribe(fn func(Snapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateClosed {
		return func() {}
	}
	f.subSeq++
	id := f.subSeq
	f.subscribers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subscribers, id)
	}
}

func (f *Feed) notify() {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()

	f.mu.Lock()
	if f.state == StateClosed {
		f.mu.Unlock()
		return
	}
	snap := f.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(f.subscribers))
	for _, fn := range f.subscribers {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// Close cancels the pending debounce and any in-flight query, and drops all
// subscribers. The feed ignores further viewport changes.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateClosed {
		return
	}
	f.stopTimerLocked()
	f.cancel()
	f.inflight = make(map[uint64]context.CancelFunc)
	f.epoch++
	f.state = StateClosed
	f.subscribers = make(map[int]func(Snapshot))
}
