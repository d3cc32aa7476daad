package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"transitmap/internal/domain"
	"transitmap/internal/favorites"
	"transitmap/internal/feed"
	"transitmap/internal/tracker"
)

// ErrStopped is returned by Watch once the hub has shut down or the client
// has been unregistered.
var ErrStopped = errors.New("hub stopped")

type Client struct {
	ID   string
	Send chan []byte

	mu     sync.RWMutex
	routes map[string]struct{}
	feed   *feed.Feed
	closed bool
}

func NewClient(id string, bufferSize int) *Client {
	return &Client{
		ID:     id,
		Send:   make(chan []byte, bufferSize),
		routes: make(map[string]struct{}),
	}
}

// Enqueue queues data without blocking. It reports false when the buffer is
// full or the client is gone.
func (c *Client) Enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// AttachFeed records the viewport feed owned by this client's session.
func (c *Client) AttachFeed(f *feed.Feed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feed = f
}

func (c *Client) Feed() *feed.Feed {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.feed
}

func (c *Client) IsWatching(routeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.routes[routeID]
	return ok
}

func (c *Client) Routes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	routes := make([]string, 0, len(c.routes))
	for id := range c.routes {
		routes = append(routes, id)
	}
	sort.Strings(routes)
	return routes
}

// TrackerConfig controls the route trackers the hub starts on demand.
type TrackerConfig struct {
	Source     tracker.Source
	Interval   time.Duration
	StaleAfter time.Duration
}

type trackedRoute struct {
	tracker *tracker.Tracker
	cancel  context.CancelFunc
}

// Hub fans route vehicle updates out to the sessions watching each route and
// favorites changes out to every session. A route is polled only while at
// least one session watches it.
type Hub struct {
	mu           sync.RWMutex
	clients      map[*Client]struct{}
	routeClients map[string]map[*Client]struct{}
	trackers     map[string]*trackedRoute

	register   chan *Client
	unregister chan *Client
	broadcast  chan []domain.VehicleDelta
	messages   chan []byte
	done       chan struct{}
	stopped    bool

	trackerCfg TrackerConfig
	logger     *slog.Logger
}

func NewHub(trackerCfg TrackerConfig, logger *slog.Logger) *Hub {
	return &Hub{
		clients:      make(map[*Client]struct{}),
		routeClients: make(map[string]map[*Client]struct{}),
		trackers:     make(map[string]*trackedRoute),
		register:     make(chan *Client, 16),
		unregister:   make(chan *Client, 16),
		broadcast:    make(chan []domain.VehicleDelta, 256),
		messages:     make(chan []byte, 64),
		done:         make(chan struct{}),
		trackerCfg:   trackerCfg,
		logger:       logger.With("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			if client.isClosed() {
				h.mu.Unlock()
				continue
			}
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.ID, "total", total)

		case client := <-h.unregister:
			h.removeClient(client)

		case deltas := <-h.broadcast:
			h.fanoutDeltas(deltas)

		case data := <-h.messages:
			h.fanoutAll(data)
		}
	}
}

// Watch subscribes client to routeID and returns the vehicles already known
// for it. The first watcher starts the route's tracker.
func (h *Hub) Watch(client *Client, routeID string) ([]domain.VehiclePosition, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped || client.isClosed() {
		return nil, ErrStopped
	}

	client.mu.Lock()
	client.routes[routeID] = struct{}{}
	client.mu.Unlock()

	if h.routeClients[routeID] == nil {
		h.routeClients[routeID] = make(map[*Client]struct{})
	}
	h.routeClients[routeID][client] = struct{}{}

	tr, ok := h.trackers[routeID]
	if !ok {
		tr = h.startTrackerLocked(routeID)
	}
	return tr.tracker.Snapshot(), nil
}

// Unwatch drops client's subscription. The last watcher stops the tracker.
func (h *Hub) Unwatch(client *Client, routeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	delete(client.routes, routeID)
	client.mu.Unlock()

	h.unwatchLocked(client, routeID)
}

func (h *Hub) unwatchLocked(client *Client, routeID string) {
	clients := h.routeClients[routeID]
	if clients == nil {
		return
	}
	delete(clients, client)
	if len(clients) > 0 {
		return
	}
	delete(h.routeClients, routeID)
	if tr, ok := h.trackers[routeID]; ok {
		tr.cancel()
		delete(h.trackers, routeID)
		h.logger.Debug("route tracker stopped", "route_id", routeID)
	}
}

func (h *Hub) startTrackerLocked(routeID string) *trackedRoute {
	ctx, cancel := context.WithCancel(context.Background())
	t := tracker.New(h.trackerCfg.Source, routeID, h, h.trackerCfg.Interval, h.trackerCfg.StaleAfter, h.logger)
	tr := &trackedRoute{tracker: t, cancel: cancel}
	h.trackers[routeID] = tr
	go t.Run(ctx)
	h.logger.Debug("route tracker started", "route_id", routeID)
	return tr
}

// Broadcast queues vehicle deltas for the sessions watching their routes.
func (h *Hub) Broadcast(deltas []domain.VehicleDelta) {
	if len(deltas) == 0 {
		return
	}
	select {
	case h.broadcast <- deltas:
	default:
		h.logger.Warn("broadcast channel full, dropping deltas", "count", len(deltas))
	}
}

// BroadcastFavorites sends the favorites state to every session.
func (h *Hub) BroadcastFavorites(state favorites.State) {
	data, err := json.Marshal(NewFavoritesMessage(state))
	if err != nil {
		return
	}
	select {
	case h.messages <- data:
	default:
		h.logger.Warn("message channel full, dropping favorites update")
	}
}

// Register hands client to the run loop. After shutdown the client is closed
// instead.
func (h *Hub) Register(client *Client) {
	select {
	case <-h.done:
		client.close()
		return
	default:
	}
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.close()
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TrackedRoutes lists the routes currently polled.
func (h *Hub) TrackedRoutes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	routes := make([]string, 0, len(h.trackers))
	for id := range h.trackers {
		routes = append(routes, id)
	}
	sort.Strings(routes)
	return routes
}

// FeedStats sums the viewport feed counters of every connected session.
func (h *Hub) FeedStats() feed.Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var total feed.Stats
	for client := range h.clients {
		f := client.Feed()
		if f == nil {
			continue
		}
		s := f.Stats()
		total.Cycles += s.Cycles
		total.StopErrors += s.StopErrors
		total.StationErrors += s.StationErrors
		total.VisibleStops += s.VisibleStops
		total.VisibleStations += s.VisibleStations
	}
	return total
}

func (h *Hub) fanoutDeltas(deltas []domain.VehicleDelta) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	byRoute := make(map[string][]domain.VehicleDelta)
	for _, d := range deltas {
		byRoute[d.RouteID] = append(byRoute[d.RouteID], d)
	}

	for routeID, ds := range byRoute {
		clients, ok := h.routeClients[routeID]
		if !ok {
			continue
		}

		data, err := json.Marshal(NewVehiclesMessage(routeID, ds))
		if err != nil {
			continue
		}

		for client := range clients {
			if !client.Enqueue(data) {
				h.logger.Debug("client send buffer full", "client_id", client.ID)
			}
		}
	}
}

func (h *Hub) fanoutAll(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.Enqueue(data) {
			h.logger.Debug("client send buffer full", "client_id", client.ID)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// register and unregister travel on separate channels, so a client may be
	// removed before its registration is processed.
	for _, routeID := range client.Routes() {
		h.unwatchLocked(client, routeID)
	}

	delete(h.clients, client)
	client.close()
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", len(h.clients))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped = true
	close(h.done)

	for client := range h.clients {
		client.close()
	}
	for _, tr := range h.trackers {
		tr.cancel()
	}
	h.clients = make(map[*Client]struct{})
	h.routeClients = make(map[string]map[*Client]struct{})
	h.trackers = make(map[string]*trackedRoute)
}
