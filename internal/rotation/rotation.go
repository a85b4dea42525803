// Package rotation implements the five proxy-rotation strategies and the
// dispatcher that picks among them per request, honoring per-domain
// overrides before falling back to the globally configured strategy.
//
// Every strategy shares one contract: Select(ctx, healthy) -> proxy, ok.
// ok is false only when the healthy set (after any country narrowing) is
// empty — a strategy never errors on a populated pool.
package rotation

import (
	"encoding/json"
	"math/rand"
	"strconv"
	"time"

	"github.com/drsoft-oss/gengar/internal/pool"
)

// Names of the five built-in strategies, matching the config value the
// dispatcher reads from gengar:config:rotation_strategy.
const (
	PerRequest = "per-request"
	PerSession = "per-session"
	TimeBased  = "time-based"
	OnBlock    = "on-block"
	RoundRobin = "round-robin"
)

const (
	defaultSessionTTL       = 300 * time.Second
	defaultRotationInterval = 30 * time.Second
)

// Context carries the per-selection request parameters a strategy may
// consult.
type Context struct {
	SessionID        string
	TargetDomain     string
	SessionTTL       time.Duration
	RotationInterval time.Duration
	Country          string
}

// Strategy picks one proxy out of an already country-filtered healthy
// list.
type Strategy interface {
	Name() string
	Select(ctx Context, healthy []pool.Proxy) (pool.Proxy, bool)
}

// Engine dispatches a selection to the configured or domain-overridden
// strategy.
type Engine struct {
	pool       *pool.Pool
	strategies map[string]Strategy
}

// NewEngine wires up all five strategies against pool p.
func NewEngine(p *pool.Pool) *Engine {
	e := &Engine{pool: p, strategies: make(map[string]Strategy, 5)}
	for _, s := range []Strategy{
		&perRequestStrategy{},
		&perSessionStrategy{pool: p},
		&timeBasedStrategy{pool: p},
		&onBlockStrategy{pool: p},
		&roundRobinStrategy{pool: p},
	} {
		e.strategies[s.Name()] = s
	}
	return e
}

// Select resolves the strategy to use — a per-domain override if one
// exists for ctx.TargetDomain, else the globally configured strategy —
// and runs it over the country-filtered healthy pool. Unknown strategy
// names (misconfigured override or config) fall back to per-request.
func (e *Engine) Select(ctx Context) (pool.Proxy, bool) {
	px, _, ok := e.SelectStrategy(ctx)
	return px, ok
}

// SelectStrategy is Select plus the name of the strategy actually used —
// the gateway needs this for its live-log "strategy" field.
func (e *Engine) SelectStrategy(ctx Context) (pool.Proxy, string, bool) {
	name := e.pool.GetConfig("rotation_strategy", PerRequest)

	if ctx.TargetDomain != "" {
		if ov, ok := e.pool.GetDomainOverride(ctx.TargetDomain); ok {
			name = ov.Strategy
			if ov.Country != "" {
				ctx.Country = ov.Country
			}
		}
	}

	if ctx.SessionTTL == 0 {
		ctx.SessionTTL = configDuration(e.pool, "session_ttl", defaultSessionTTL)
	}
	if ctx.RotationInterval == 0 {
		ctx.RotationInterval = configDuration(e.pool, "rotation_interval", defaultRotationInterval)
	}

	strat, ok := e.strategies[name]
	if !ok {
		strat = e.strategies[PerRequest]
		name = PerRequest
	}
	px, ok := strat.Select(ctx, e.healthy(ctx))
	return px, name, ok
}

func (e *Engine) healthy(ctx Context) []pool.Proxy {
	all := e.pool.GetHealthy(0)
	if ctx.Country == "" {
		return all
	}
	out := make([]pool.Proxy, 0, len(all))
	for _, px := range all {
		if px.Country == ctx.Country {
			out = append(out, px)
		}
	}
	return out
}

func configDuration(p *pool.Pool, key string, def time.Duration) time.Duration {
	raw := p.GetConfig(key, "")
	if raw == "" {
		return def
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}

// ── per-request ──────────────────────────────────────────────

type perRequestStrategy struct{}

func (s *perRequestStrategy) Name() string { return PerRequest }

// Select picks at random, weighted by max(health_score, 1) so
// a fresh zero-score proxy still has a shot instead of being starved.
func (s *perRequestStrategy) Select(_ Context, healthy []pool.Proxy) (pool.Proxy, bool) {
	if len(healthy) == 0 {
		return pool.Proxy{}, false
	}
	weights := make([]float64, len(healthy))
	var total float64
	for i, px := range healthy {
		w := px.HealthScore
		if w < 1 {
			w = 1
		}
		weights[i] = w
		total += w
	}
	r := rand.Float64() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if r < cum {
			return healthy[i], true
		}
	}
	return healthy[len(healthy)-1], true
}

// ── per-session ──────────────────────────────────────────────

type perSessionStrategy struct {
	pool *pool.Pool
}

func (s *perSessionStrategy) Name() string { return PerSession }

func (s *perSessionStrategy) Select(ctx Context, healthy []pool.Proxy) (pool.Proxy, bool) {
	if ctx.SessionID != "" {
		if cached, ok := s.pool.GetSessionProxy(ctx.SessionID); ok {
			if !s.pool.IsDead(cached.IP, cached.Port) {
				return cached, true
			}
		}
	}
	if len(healthy) == 0 {
		return pool.Proxy{}, false
	}
	px := healthy[rand.Intn(len(healthy))]
	if ctx.SessionID != "" {
		s.pool.SetSessionProxy(ctx.SessionID, px, ctx.SessionTTL)
	}
	return px, true
}

// ── time-based ───────────────────────────────────────────────

type timeBasedStrategy struct {
	pool *pool.Pool
}

func (s *timeBasedStrategy) Name() string { return TimeBased }

func (s *timeBasedStrategy) Select(ctx Context, healthy []pool.Proxy) (pool.Proxy, bool) {
	now := float64(time.Now().Unix())
	last, _ := strconv.ParseFloat(s.pool.GetConfig("time_based_last_rotation", "0"), 64)

	if raw := s.pool.GetConfig("time_based_current_proxy", ""); raw != "" {
		var current pool.Proxy
		if json.Unmarshal([]byte(raw), &current) == nil {
			if now-last < ctx.RotationInterval.Seconds() && !s.pool.IsDead(current.IP, current.Port) {
				return current, true
			}
		}
	}

	if len(healthy) == 0 {
		return pool.Proxy{}, false
	}
	px := healthy[rand.Intn(len(healthy))]
	raw, _ := json.Marshal(px)
	s.pool.SetConfig("time_based_current_proxy", string(raw))
	s.pool.SetConfig("time_based_last_rotation", strconv.FormatFloat(now, 'f', -1, 64))
	return px, true
}

// ── on-block ─────────────────────────────────────────────────

type onBlockStrategy struct {
	pool *pool.Pool
}

func (s *onBlockStrategy) Name() string { return OnBlock }

func (s *onBlockStrategy) Select(_ Context, healthy []pool.Proxy) (pool.Proxy, bool) {
	if raw := s.pool.GetConfig("on_block_current_proxy", ""); raw != "" {
		var current pool.Proxy
		if json.Unmarshal([]byte(raw), &current) == nil && !s.pool.IsDead(current.IP, current.Port) {
			return current, true
		}
	}

	if len(healthy) == 0 {
		return pool.Proxy{}, false
	}
	// healthy is already sorted by (-health_score, latency_ms); best first.
	px := healthy[0]
	raw, _ := json.Marshal(px)
	s.pool.SetConfig("on_block_current_proxy", string(raw))
	return px, true
}

// ── round-robin ──────────────────────────────────────────────

type roundRobinStrategy struct {
	pool *pool.Pool
}

func (s *roundRobinStrategy) Name() string { return RoundRobin }

func (s *roundRobinStrategy) Select(_ Context, healthy []pool.Proxy) (pool.Proxy, bool) {
	if len(healthy) == 0 {
		return pool.Proxy{}, false
	}
	idx := s.pool.GetRRIndex()
	if idx >= len(healthy) {
		idx = 0
	}
	px := healthy[idx]
	s.pool.SetRRIndex(idx + 1)
	return px, true
}
