// Package pool implements the proxy pool: the durable catalogue of
// upstream proxies with per-entry health state, membership sets, sessions,
// the round-robin cursor, stats, and per-domain rotation overrides.
//
// It is the single source of truth the rotation engine, health checker,
// scraper and gateway all read and mutate; every operation here is a thin
// wrapper over the shared store (see internal/store). Each store call is
// atomic, but multi-step operations such as RecordSuccess and
// RecordFailure are unguarded read-modify-write sequences, so concurrent
// updates to the same proxy can be lost.
package pool

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/drsoft-oss/gengar/internal/store"
)

const (
	keyPrefix          = "gengar:"
	proxyKeyPrefix     = keyPrefix + "proxy:"
	indexKey           = keyPrefix + "pool:index"
	deadKey            = keyPrefix + "pool:dead"
	healthyKey         = keyPrefix + "pool:healthy"
	sessionKeyPrefix   = keyPrefix + "session:"
	statsKey           = keyPrefix + "stats"
	rrIndexKey         = keyPrefix + "rr:index"
	configKeyPrefix    = keyPrefix + "config:"
	domainOverridesKey = keyPrefix + "domain_overrides"
)

// deadFailThreshold is the number of consecutive failures that moves a
// proxy into the dead set (spec §3 / §8 invariant 4).
const deadFailThreshold = 3

// Proxy is a single upstream proxy record, keyed by (IP, Port).
type Proxy struct {
	IP               string  `json:"ip"`
	Port             int     `json:"port"`
	Protocol         string  `json:"protocol"`
	Country          string  `json:"country"`
	LatencyMS        float64 `json:"latency_ms"`
	HealthScore      float64 `json:"health_score"`
	LastChecked      float64 `json:"last_checked"`
	Source           string  `json:"source"`
	FailCount        int64   `json:"fail_count"`
	SuccessCount     int64   `json:"success_count"`
	TotalChecks      int64   `json:"total_checks"`
	ConsecutiveFails int64   `json:"consecutive_fails"`
	CreatedAt        float64 `json:"created_at"`
}

// Address returns the canonical "ip:port" identity of the proxy.
func (p Proxy) Address() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// NewProxy builds a fresh proxy record with zeroed counters, stamped "now".
func NewProxy(ip string, port int, source string) Proxy {
	now := float64(time.Now().Unix())
	return Proxy{
		IP:          ip,
		Port:        port,
		Protocol:    "http",
		Source:      source,
		LastChecked: now,
		CreatedAt:   now,
	}
}

func proxyKey(ip string, port int) string {
	return fmt.Sprintf("%s%s:%d", proxyKeyPrefix, ip, port)
}

func addr(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

// DomainOverride pins a target domain to a named strategy, optionally
// narrowed to a country.
type DomainOverride struct {
	Strategy string `json:"strategy"`
	Country  string `json:"country,omitempty"`
}

// Pool is the shared, durable proxy catalogue.
type Pool struct {
	st store.Store
}

// NewPool wraps a store with the proxy-pool operations.
func NewPool(st store.Store) *Pool {
	return &Pool{st: st}
}

func (p *Pool) load(ip string, port int) (Proxy, bool) {
	raw, ok := p.st.Get(proxyKey(ip, port))
	if !ok {
		return Proxy{}, false
	}
	var px Proxy
	if err := json.Unmarshal([]byte(raw), &px); err != nil {
		return Proxy{}, false
	}
	return px, true
}

func (p *Pool) save(px Proxy) {
	raw, _ := json.Marshal(px)
	p.st.Set(proxyKey(px.IP, px.Port), string(raw), 0)
}

// Add inserts proxy if absent, preserving whatever record is already
// there. It always adds the address to the index and healthy sets and
// removes it from dead, regardless of whether the insert happened.
func (p *Pool) Add(px Proxy) {
	raw, _ := json.Marshal(px)
	a := px.Address()
	p.st.SetNX(proxyKey(px.IP, px.Port), string(raw), 0)
	p.st.SAdd(indexKey, a)
	p.st.SAdd(healthyKey, a)
	p.st.SRem(deadKey, a)
}

// Put unconditionally overwrites a proxy's record — unlike Add, it does
// not preserve an existing entry's stats. Used by fallback sources
// (Webshare) that are trusted to supersede whatever stale record might
// already sit at that address.
func (p *Pool) Put(px Proxy) {
	p.save(px)
	a := px.Address()
	p.st.SAdd(indexKey, a)
	p.st.SAdd(healthyKey, a)
	p.st.SRem(deadKey, a)
}

// BulkAdd does the same as Add for every proxy, pipelined.
func (p *Pool) BulkAdd(proxies []Proxy) {
	pipe := p.st.Pipeline()
	for _, px := range proxies {
		raw, _ := json.Marshal(px)
		a := px.Address()
		pipe.SetNX(proxyKey(px.IP, px.Port), string(raw), 0)
		pipe.SAdd(indexKey, a)
		pipe.SAdd(healthyKey, a)
		pipe.SRem(deadKey, a)
	}
	pipe.Exec()
}

// Get returns a single proxy by address.
func (p *Pool) Get(ip string, port int) (Proxy, bool) {
	return p.load(ip, port)
}

// GetAll returns every proxy known to the index, healthy or not.
func (p *Pool) GetAll() []Proxy {
	members := p.st.SMembers(indexKey)
	out := make([]Proxy, 0, len(members))
	for _, a := range members {
		ip, port, err := splitHostPort(a)
		if err != nil {
			continue
		}
		if px, ok := p.load(ip, port); ok {
			out = append(out, px)
		}
	}
	return out
}

// GetHealthy returns proxies in the healthy set with health_score >=
// minScore, sorted by (-health_score, latency_ms) ascending latency.
func (p *Pool) GetHealthy(minScore float64) []Proxy {
	members := p.st.SMembers(healthyKey)
	out := make([]Proxy, 0, len(members))
	for _, a := range members {
		ip, port, err := splitHostPort(a)
		if err != nil {
			continue
		}
		px, ok := p.load(ip, port)
		if !ok {
			continue
		}
		if px.HealthScore < minScore {
			continue
		}
		out = append(out, px)
	}
	sortByScoreThenLatency(out)
	return out
}

func sortByScoreThenLatency(proxies []Proxy) {
	sort.Slice(proxies, func(i, j int) bool {
		if proxies[i].HealthScore != proxies[j].HealthScore {
			return proxies[i].HealthScore > proxies[j].HealthScore
		}
		return proxies[i].LatencyMS < proxies[j].LatencyMS
	})
}

// GetDead returns every proxy currently in the dead set, sorted by
// (-health_score, latency_ms).
func (p *Pool) GetDead() []Proxy {
	members := p.st.SMembers(deadKey)
	out := make([]Proxy, 0, len(members))
	for _, a := range members {
		ip, port, err := splitHostPort(a)
		if err != nil {
			continue
		}
		if px, ok := p.load(ip, port); ok {
			out = append(out, px)
		}
	}
	sortByScoreThenLatency(out)
	return out
}

// PoolSize returns the number of proxies in the index (includes dead).
func (p *Pool) PoolSize() int { return p.st.SCard(indexKey) }

// HealthyCount returns the number of proxies in the healthy set.
func (p *Pool) HealthyCount() int { return p.st.SCard(healthyKey) }

// DeadCount returns the number of proxies in the dead set.
func (p *Pool) DeadCount() int { return p.st.SCard(deadKey) }

// RecordSuccess records a successful probe/transaction. No-op if the
// proxy is unknown.
func (p *Pool) RecordSuccess(ip string, port int, latencyMS float64) {
	px, ok := p.load(ip, port)
	if !ok {
		return
	}
	px.SuccessCount++
	px.TotalChecks++
	px.ConsecutiveFails = 0
	px.LatencyMS = latencyMS
	px.LastChecked = float64(time.Now().Unix())
	px.HealthScore = scoreOf(px)
	p.save(px)

	a := addr(ip, port)
	p.st.SAdd(healthyKey, a)
	p.st.SRem(deadKey, a)
}

// RecordFailure records a failed probe/transaction. After three
// consecutive failures the proxy moves to the dead set (but is not
// removed). No-op if the proxy is unknown.
func (p *Pool) RecordFailure(ip string, port int) {
	px, ok := p.load(ip, port)
	if !ok {
		return
	}
	px.FailCount++
	px.TotalChecks++
	px.ConsecutiveFails++
	px.LastChecked = float64(time.Now().Unix())
	px.HealthScore = scoreOf(px)
	p.save(px)

	if px.ConsecutiveFails >= deadFailThreshold {
		p.MarkDead(ip, port)
	}
}

// RecordHealthCheckFailure is the health checker's stronger variant of
// RecordFailure: every failure below the threshold marks the proxy dead
// immediately, and the third consecutive failure permanently removes it.
// No-op if the proxy is unknown.
func (p *Pool) RecordHealthCheckFailure(ip string, port int) {
	px, ok := p.load(ip, port)
	if !ok {
		return
	}
	px.FailCount++
	px.TotalChecks++
	px.ConsecutiveFails++
	px.LastChecked = float64(time.Now().Unix())
	px.HealthScore = scoreOf(px)

	if px.ConsecutiveFails >= deadFailThreshold {
		p.Remove(ip, port)
		return
	}
	p.save(px)
	p.MarkDead(ip, port)
}

func scoreOf(px Proxy) float64 {
	if px.TotalChecks == 0 {
		return 0
	}
	return float64(px.SuccessCount) / float64(px.TotalChecks) * 100
}

// MarkDead moves a proxy into the dead set without removing its record.
func (p *Pool) MarkDead(ip string, port int) {
	a := addr(ip, port)
	p.st.SAdd(deadKey, a)
	p.st.SRem(healthyKey, a)
}

// Remove permanently deletes a proxy's record and all set memberships.
// This is the health checker's stronger rule, distinct from MarkDead.
func (p *Pool) Remove(ip string, port int) {
	a := addr(ip, port)
	p.st.Del(proxyKey(ip, port))
	p.st.SRem(indexKey, a)
	p.st.SRem(deadKey, a)
	p.st.SRem(healthyKey, a)
}

// FlushDead removes every proxy currently in the dead set. Returns the
// count flushed.
func (p *Pool) FlushDead() int {
	dead := p.st.SMembers(deadKey)
	for _, a := range dead {
		ip, port, err := splitHostPort(a)
		if err != nil {
			continue
		}
		p.st.Del(proxyKey(ip, port))
		p.st.SRem(indexKey, a)
	}
	if len(dead) > 0 {
		p.st.SRem(deadKey, dead...)
	}
	return len(dead)
}

// ── Sessions ─────────────────────────────────────────────────

// SetSessionProxy pins a proxy to a session ID for ttl.
func (p *Pool) SetSessionProxy(sessionID string, px Proxy, ttl time.Duration) {
	raw, _ := json.Marshal(px)
	p.st.Set(sessionKeyPrefix+sessionID, string(raw), ttl)
}

// GetSessionProxy returns the proxy pinned to sessionID, if the pin is
// still live.
func (p *Pool) GetSessionProxy(sessionID string) (Proxy, bool) {
	raw, ok := p.st.Get(sessionKeyPrefix + sessionID)
	if !ok {
		return Proxy{}, false
	}
	var px Proxy
	if err := json.Unmarshal([]byte(raw), &px); err != nil {
		return Proxy{}, false
	}
	return px, true
}

// ── Round-robin cursor ───────────────────────────────────────

// GetRRIndex returns the current round-robin cursor.
func (p *Pool) GetRRIndex() int {
	raw, ok := p.st.Get(rrIndexKey)
	if !ok {
		return 0
	}
	var idx int
	fmt.Sscanf(raw, "%d", &idx)
	return idx
}

// SetRRIndex persists the round-robin cursor.
func (p *Pool) SetRRIndex(idx int) {
	p.st.Set(rrIndexKey, fmt.Sprintf("%d", idx), 0)
}

// ── Stats ────────────────────────────────────────────────────

// IncrStat atomically bumps a named counter (e.g. "requests", "blocks").
func (p *Pool) IncrStat(field string, amount int64) int64 {
	return p.st.HIncrBy(statsKey, field, amount)
}

// GetStats returns all counters.
func (p *Pool) GetStats() map[string]int64 {
	raw := p.st.HGetAll(statsKey)
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		var n int64
		fmt.Sscanf(v, "%d", &n)
		out[k] = n
	}
	return out
}

// ── Config ───────────────────────────────────────────────────

// SetConfig persists a recognized config key's value.
func (p *Pool) SetConfig(key, value string) {
	p.st.Set(configKeyPrefix+key, value, 0)
}

// GetConfig returns a config value, or def if unset.
func (p *Pool) GetConfig(key, def string) string {
	if v, ok := p.st.Get(configKeyPrefix + key); ok {
		return v
	}
	return def
}

// ── Domain overrides ─────────────────────────────────────────

// SetDomainOverride writes a per-domain rotation override.
func (p *Pool) SetDomainOverride(domain string, o DomainOverride) {
	raw, _ := json.Marshal(o)
	p.st.HSet(domainOverridesKey, domain, string(raw))
}

// GetDomainOverride returns the override for domain, if any.
func (p *Pool) GetDomainOverride(domain string) (DomainOverride, bool) {
	raw, ok := p.st.HGet(domainOverridesKey, domain)
	if !ok {
		return DomainOverride{}, false
	}
	var o DomainOverride
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return DomainOverride{}, false
	}
	return o, true
}

// GetDomainOverrides returns every configured override, keyed by domain.
func (p *Pool) GetDomainOverrides() map[string]DomainOverride {
	raw := p.st.HGetAll(domainOverridesKey)
	out := make(map[string]DomainOverride, len(raw))
	for domain, v := range raw {
		var o DomainOverride
		if json.Unmarshal([]byte(v), &o) == nil {
			out[domain] = o
		}
	}
	return out
}

// DeleteDomainOverride removes a per-domain override.
func (p *Pool) DeleteDomainOverride(domain string) {
	p.st.HDel(domainOverridesKey, domain)
}

// IsDead reports whether the given address is currently in the dead set.
func (p *Pool) IsDead(ip string, port int) bool {
	return p.st.SIsMember(deadKey, addr(ip, port))
}

// splitHostPort parses "ip:port" without pulling in net.SplitHostPort's
// bracket-handling (addresses here are always IPv4 dotted-quad).
func splitHostPort(a string) (string, int, error) {
	for i := len(a) - 1; i >= 0; i-- {
		if a[i] == ':' {
			ip := a[:i]
			var port int
			if _, err := fmt.Sscanf(a[i+1:], "%d", &port); err != nil {
				return "", 0, err
			}
			return ip, port, nil
		}
	}
	return "", 0, fmt.Errorf("malformed address %q", a)
}
