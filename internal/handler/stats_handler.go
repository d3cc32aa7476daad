package handler

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"transitmap/internal/cache"
	"transitmap/internal/feed"
	"transitmap/internal/hub"
	"transitmap/internal/middleware"
)

// Stats tracks server-wide counters
type Stats struct {
	startTime     time.Time
	requestCount  atomic.Int64
	wsConnections atomic.Int64
	wsMessagesIn  atomic.Int64
	wsMessagesOut atomic.Int64
}

var ServerStats = &Stats{
	startTime: time.Now(),
}

func (s *Stats) IncRequests()      { s.requestCount.Add(1) }
func (s *Stats) IncWSConnections() { s.wsConnections.Add(1) }
func (s *Stats) DecWSConnections() { s.wsConnections.Add(-1) }
func (s *Stats) IncWSMessagesIn()  { s.wsMessagesIn.Add(1) }
func (s *Stats) IncWSMessagesOut() { s.wsMessagesOut.Add(1) }

type StatsHandler struct {
	hub         *hub.Hub
	queries     *cache.QueryCache
	rateLimiter *middleware.RateLimiter
}

// NewStatsHandler reports on the given components; nil ones are skipped.
func NewStatsHandler(h *hub.Hub, queries *cache.QueryCache, rl *middleware.RateLimiter) *StatsHandler {
	return &StatsHandler{hub: h, queries: queries, rateLimiter: rl}
}

type StatsResponse struct {
	Server    ServerStatsResponse    `json:"server"`
	WebSocket WebSocketStatsResponse `json:"websocket"`
	Feeds     feed.Stats             `json:"feeds"`
	Cache     *cache.QueryStats      `json:"cache,omitempty"`
	RateLimit *middleware.Stats      `json:"rate_limit,omitempty"`
	Go        GoStatsResponse        `json:"go"`
}

type ServerStatsResponse struct {
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	StartTime     time.Time `json:"start_time"`
	RequestCount  int64     `json:"request_count"`
	Version       string    `json:"version"`
}

type WebSocketStatsResponse struct {
	Connections   int64    `json:"connections"`
	Sessions      int      `json:"sessions"`
	MessagesIn    int64    `json:"messages_in"`
	MessagesOut   int64    `json:"messages_out"`
	TrackedRoutes []string `json:"tracked_routes"`
}

type GoStatsResponse struct {
	Goroutines  int     `json:"goroutines"`
	HeapAlloc   uint64  `json:"heap_alloc_bytes"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	NumGC       uint32  `json:"num_gc"`
	GoVersion   string  `json:"go_version"`
}

func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(ServerStats.startTime)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	response := StatsResponse{
		Server: ServerStatsResponse{
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			StartTime:     ServerStats.startTime,
			RequestCount:  ServerStats.requestCount.Load(),
			Version:       "1.0.0",
		},
		WebSocket: WebSocketStatsResponse{
			Connections:   ServerStats.wsConnections.Load(),
			MessagesIn:    ServerStats.wsMessagesIn.Load(),
			MessagesOut:   ServerStats.wsMessagesOut.Load(),
			TrackedRoutes: []string{},
		},
		Go: GoStatsResponse{
			Goroutines:  runtime.NumGoroutine(),
			HeapAlloc:   mem.HeapAlloc,
			HeapAllocMB: float64(mem.HeapAlloc) / 1024 / 1024,
			NumGC:       mem.NumGC,
			GoVersion:   runtime.Version(),
		},
	}

	if h.hub != nil {
		response.WebSocket.Sessions = h.hub.ClientCount()
		response.WebSocket.TrackedRoutes = h.hub.TrackedRoutes()
		response.Feeds = h.hub.FeedStats()
	}
	if h.queries != nil {
		qs := h.queries.Stats()
		response.Cache = &qs
	}
	if h.rateLimiter != nil {
		rs := h.rateLimiter.Stats()
		response.RateLimit = &rs
	}

	w.Header().Set("Cache-Control", "no-cache")
	respondJSON(w, http.StatusOK, response)
}
