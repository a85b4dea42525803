// Package admin implements the REST + WebSocket administrative surface:
// pool/stats/rotation-rules/domain-overrides endpoints and a live traffic
// stream, all Bearer-token protected except /health. The rotation and pool
// "internal contract" endpoints of spec.md §6 are collapsed into direct
// pool/engine calls here rather than a second HTTP hop, matching the
// gateway's same collapsing decision.
package admin

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/drsoft-oss/gengar/internal/live"
	"github.com/drsoft-oss/gengar/internal/pool"
	"github.com/drsoft-oss/gengar/internal/rotation"
	"github.com/drsoft-oss/gengar/internal/scraper"
)

const (
	defaultListenAddr = ":8080"
	defaultAPISecret  = "changeme"

	defaultPerPage = 20
	maxPerPage     = 100
	defaultCount   = 100
	maxCount       = 500
	statsWindow    = 100
)

var validStrategies = map[string]bool{
	rotation.PerRequest: true,
	rotation.PerSession: true,
	rotation.TimeBased:  true,
	rotation.OnBlock:    true,
	rotation.RoundRobin: true,
}

// Config controls the listen address and the Bearer secret required on
// every non-health endpoint.
type Config struct {
	ListenAddr string
	APISecret  string
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.APISecret == "" {
		c.APISecret = defaultAPISecret
	}
	return c
}

// Server is the administrative HTTP+WS server.
type Server struct {
	pool      *pool.Pool
	feed      *live.Feed
	scraper   *scraper.Scraper
	apiSecret string
	log       *zap.Logger
	upgrader  websocket.Upgrader
	server    *http.Server
}

// New wires up every route. scr may be nil if pool refresh is handled
// elsewhere (the refresh endpoint then responds 502).
func New(p *pool.Pool, feed *live.Feed, scr *scraper.Scraper, cfg Config, log *zap.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		pool:      p,
		feed:      feed,
		scraper:   scr,
		apiSecret: cfg.APISecret,
		log:       log,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.withAuth(s.handleStats))
	mux.HandleFunc("/api/pool", s.withAuth(s.handlePool))
	mux.HandleFunc("/api/pool/flush", s.withAuth(s.handlePoolFlush))
	mux.HandleFunc("/api/pool/refresh", s.withAuth(s.handlePoolRefresh))
	mux.HandleFunc("/api/requests", s.withAuth(s.handleRequests))
	mux.HandleFunc("/api/rotation-rules", s.withAuth(s.handleRotationRules))
	mux.HandleFunc("/api/domain-overrides", s.withAuth(s.handleDomainOverrides))
	mux.HandleFunc("/api/domain-overrides/", s.withAuth(s.handleDomainOverrideDelete))
	mux.HandleFunc("/ws/live", s.withAuth(s.handleWSLive))

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      withCORS(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /ws/live holds the connection open indefinitely
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info("admin_started", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ── Middleware ───────────────────────────────────────────────

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.apiSecret {
			writeError(w, http.StatusUnauthorized, "invalid API secret")
			return
		}
		next(w, r)
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Health ───────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": "admin"})
}

// ── Stats ────────────────────────────────────────────────────

// handleStats derives req_per_sec and avg_latency_ms from the last
// statsWindow log entries, per original_source/api-server's get_stats.
// block_rate is blocks/requests from the stats counters; when the requests
// counter is zero, the number of recent log entries stands in for it.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.GetStats()
	recent := s.feed.Recent(statsWindow)

	totalReqs := stats["requests"]
	if totalReqs == 0 {
		totalReqs = int64(len(recent))
	}
	totalBlocks := stats["blocks"]

	var blockRate float64
	if totalReqs > 0 {
		blockRate = round(float64(totalBlocks)/float64(totalReqs)*100, 1)
	}

	var latSum float64
	var latCount int
	var lastMinute int
	cutoff := float64(time.Now().Unix()) - 60
	for _, e := range recent {
		if e.LatencyMS > 0 {
			latSum += e.LatencyMS
			latCount++
		}
		if e.TS > cutoff {
			lastMinute++
		}
	}
	var avgLatency float64
	if latCount > 0 {
		avgLatency = round(latSum/float64(latCount), 1)
	}
	reqPerSec := round(float64(lastMinute)/60, 2)

	writeJSON(w, http.StatusOK, map[string]any{
		"total_proxies":  s.pool.PoolSize(),
		"healthy":        s.pool.HealthyCount(),
		"dead":           s.pool.DeadCount(),
		"req_per_sec":    reqPerSec,
		"block_rate":     blockRate,
		"avg_latency_ms": avgLatency,
		"total_requests": totalReqs,
		"total_blocks":   totalBlocks,
	})
}

func round(f float64, places int) float64 {
	mul := math.Pow(10, float64(places))
	return math.Round(f*mul) / mul
}

// ── Pool ─────────────────────────────────────────────────────

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := parseIntDefault(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	perPage := parseIntDefault(q.Get("per_page"), defaultPerPage)
	if perPage < 1 {
		perPage = 1
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	var proxies []pool.Proxy
	switch q.Get("status") {
	case "healthy":
		proxies = s.pool.GetHealthy(0)
	case "dead":
		proxies = s.pool.GetDead()
	default:
		proxies = s.pool.GetAll()
		sortProxies(proxies)
	}

	total := len(proxies)
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"proxies":  proxies[start:end],
		"page":     page,
		"per_page": perPage,
		"total":    total,
	})
}

func sortProxies(proxies []pool.Proxy) {
	sort.Slice(proxies, func(i, j int) bool {
		if proxies[i].HealthScore != proxies[j].HealthScore {
			return proxies[i].HealthScore > proxies[j].HealthScore
		}
		return proxies[i].LatencyMS < proxies[j].LatencyMS
	})
}

func (s *Server) handlePoolFlush(w http.ResponseWriter, r *http.Request) {
	n := s.pool.FlushDead()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "flushed": n})
}

func (s *Server) handlePoolRefresh(w http.ResponseWriter, r *http.Request) {
	if s.scraper == nil {
		writeError(w, http.StatusBadGateway, "scraper unavailable")
		return
	}
	result, err := s.scraper.Run(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"scraped": result.Scraped,
		"healthy": result.Healthy,
		"dead":    result.Dead,
	})
}

// ── Requests ─────────────────────────────────────────────────

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	count := parseIntDefault(r.URL.Query().Get("count"), defaultCount)
	if count < 1 {
		count = 1
	}
	if count > maxCount {
		count = maxCount
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": s.feed.Recent(count)})
}

// ── Rotation rules ───────────────────────────────────────────

type rotationRulesUpdate struct {
	Strategy         string `json:"strategy"`
	SessionTTL       *int   `json:"session_ttl,omitempty"`
	RotationInterval *int   `json:"rotation_interval,omitempty"`
}

func (s *Server) handleRotationRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		resp := map[string]any{"strategy": s.pool.GetConfig("rotation_strategy", rotation.PerRequest)}
		if v := s.pool.GetConfig("session_ttl", ""); v != "" {
			resp["session_ttl"] = v
		}
		if v := s.pool.GetConfig("rotation_interval", ""); v != "" {
			resp["rotation_interval"] = v
		}
		writeJSON(w, http.StatusOK, resp)

	case http.MethodPost:
		var body rotationRulesUpdate
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if !validStrategies[body.Strategy] {
			writeError(w, http.StatusBadRequest, "unknown strategy")
			return
		}
		s.pool.SetConfig("rotation_strategy", body.Strategy)
		if body.SessionTTL != nil {
			s.pool.SetConfig("session_ttl", strconv.Itoa(*body.SessionTTL))
		}
		if body.RotationInterval != nil {
			s.pool.SetConfig("rotation_interval", strconv.Itoa(*body.RotationInterval))
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "strategy": body.Strategy})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// ── Domain overrides ─────────────────────────────────────────

type domainOverrideBody struct {
	Domain   string `json:"domain"`
	Strategy string `json:"strategy"`
	Country  string `json:"country,omitempty"`
}

func (s *Server) handleDomainOverrides(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		overrides := s.pool.GetDomainOverrides()
		out := make([]map[string]any, 0, len(overrides))
		for domain, ov := range overrides {
			entry := map[string]any{"domain": domain, "strategy": ov.Strategy}
			if ov.Country != "" {
				entry["country"] = ov.Country
			}
			out = append(out, entry)
		}
		writeJSON(w, http.StatusOK, map[string]any{"overrides": out})

	case http.MethodPost:
		var body domainOverrideBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Domain == "" || body.Strategy == "" {
			writeError(w, http.StatusBadRequest, "domain and strategy are required")
			return
		}
		s.pool.SetDomainOverride(body.Domain, pool.DomainOverride{Strategy: body.Strategy, Country: body.Country})
		writeJSON(w, http.StatusOK, map[string]any{"status": "added", "domain": body.Domain})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleDomainOverrideDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	domain := strings.TrimPrefix(r.URL.Path, "/api/domain-overrides/")
	if domain == "" {
		writeError(w, http.StatusBadRequest, "domain is required")
		return
	}
	s.pool.DeleteDomainOverride(domain)
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "domain": domain})
}

// ── Live WebSocket stream ────────────────────────────────────

func (s *Server) handleWSLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.feed.Subscribe()
	defer cancel()

	for e := range ch {
		raw, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
}

// ── Helpers ──────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
