package middleware

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Request kinds the default classifier distinguishes.
const (
	KindAPI     = "api"
	KindSession = "session"
)

// RateLimiter counts requests per client IP and request kind in fixed
// windows. Each kind has its own budget, so opening websocket sessions does
// not eat into the API budget and the other way round.
type RateLimiter struct {
	mu       sync.Mutex
	counters map[counterKey]*counter
	limits   map[string]int
	blocked  map[string]int64

	window    time.Duration
	whitelist map[string]struct{}
	classify  func(*http.Request) string
	now       func() time.Time
	logger    *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type counterKey struct {
	ip   string
	kind string
}

type counter struct {
	start time.Time
	count int
}

type Option func(*RateLimiter)

// WithKindLimit sets the per-window budget of one request kind.
func WithKindLimit(kind string, rate int) Option {
	return func(rl *RateLimiter) {
		if rate > 0 {
			rl.limits[kind] = rate
		}
	}
}

// WithClassifier replaces the function that assigns a kind to a request.
func WithClassifier(fn func(*http.Request) string) Option {
	return func(rl *RateLimiter) { rl.classify = fn }
}

// NewRateLimiter allows rate requests per window for every kind without its
// own limit. IPs in whitelist bypass the limiter. Stop ends the eviction
// goroutine.
func NewRateLimiter(rate int, window time.Duration, whitelist []string, logger *slog.Logger, opts ...Option) *RateLimiter {
	wl := make(map[string]struct{}, len(whitelist))
	for _, ip := range whitelist {
		if ip = strings.TrimSpace(ip); ip != "" {
			wl[ip] = struct{}{}
		}
	}

	rl := &RateLimiter{
		counters:  make(map[counterKey]*counter),
		limits:    map[string]int{KindAPI: rate},
		blocked:   make(map[string]int64),
		window:    window,
		whitelist: wl,
		classify:  RequestKind,
		now:       time.Now,
		logger:    logger.With("component", "rate_limiter"),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rl)
	}

	go rl.evictLoop()
	return rl
}

// RequestKind classifies websocket upgrades as sessions and everything else
// as API calls.
func RequestKind(r *http.Request) string {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return KindSession
	}
	return KindAPI
}

func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(rl.window * 2)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.evict()
		}
	}
}

// evict drops counters whose window ended.
func (rl *RateLimiter) evict() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, c := range rl.counters {
		if now.Sub(c.start) > rl.window {
			delete(rl.counters, key)
		}
	}
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) IsWhitelisted(ip string) bool {
	_, ok := rl.whitelist[ip]
	return ok
}

func (rl *RateLimiter) limitFor(kind string) int {
	if rate, ok := rl.limits[kind]; ok {
		return rate
	}
	return rl.limits[KindAPI]
}

// Allow counts one request of kind from ip. When the budget is spent it
// reports false along with the time left in the current window.
func (rl *RateLimiter) Allow(ip, kind string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	key := counterKey{ip: ip, kind: kind}
	c, ok := rl.counters[key]
	if !ok || now.Sub(c.start) >= rl.window {
		rl.counters[key] = &counter{start: now, count: 1}
		return true, 0
	}

	if c.count < rl.limitFor(kind) {
		c.count++
		return true, 0
	}

	rl.blocked[kind]++
	return false, c.start.Add(rl.window).Sub(now)
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if rl.IsWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		kind := rl.classify(r)
		ok, wait := rl.Allow(ip, kind)
		if !ok {
			rl.logger.Warn("rate limit exceeded", "ip", ip, "kind", kind, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(wait)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// retrySeconds rounds up so clients never retry inside the window.
func retrySeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

func getClientIP(r *http.Request) string {
	// X-Forwarded-For is "client, proxy1, proxy2"
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if host, _, err := net.SplitHostPort(first); err == nil {
			return host
		}
		return first
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

type KindStats struct {
	Kind          string `json:"kind"`
	RatePerWindow int    `json:"rate_per_window"`
	Blocked       int64  `json:"blocked"`
}

type Stats struct {
	TrackedClients   int         `json:"tracked_clients"`
	WindowSeconds    float64     `json:"window_seconds"`
	WhitelistEntries int         `json:"whitelist_entries"`
	Blocked          int64       `json:"blocked"`
	Kinds            []KindStats `json:"kinds"`
}

func (rl *RateLimiter) Stats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := Stats{
		TrackedClients:   len(rl.counters),
		WindowSeconds:    rl.window.Seconds(),
		WhitelistEntries: len(rl.whitelist),
	}
	kinds := make([]string, 0, len(rl.limits))
	for kind := range rl.limits {
		kinds = append(kinds, kind)
	}
	for kind := range rl.blocked {
		if _, ok := rl.limits[kind]; !ok {
			kinds = append(kinds, kind)
		}
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		s.Blocked += rl.blocked[kind]
		s.Kinds = append(s.Kinds, KindStats{Kind: kind, RatePerWindow: rl.limitFor(kind), Blocked: rl.blocked[kind]})
	}
	return s
}
