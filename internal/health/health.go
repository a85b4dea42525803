// Package health runs the background proxy health checker: a
// semaphore-bounded sweep over every known proxy, probing each through
// itself against https://httpbin.org/ip and scoring the result into the
// pool.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drsoft-oss/gengar/internal/pool"
)

// checkURL is the fixed probe target; a 200 response whose JSON body
// carries an "origin" field is a pass.
const checkURL = "https://httpbin.org/ip"

const (
	defaultInterval    = 600 * time.Second
	defaultTimeout     = 8 * time.Second
	defaultConcurrency = 200
)

// Config controls the checker's cadence and probe behavior.
type Config struct {
	// Interval between full-pool passes.
	Interval time.Duration
	// Timeout per individual proxy probe.
	Timeout time.Duration
	// Concurrency bounds how many proxies are probed in parallel —
	// probes are I/O-bound, 200 is a safe default before socket
	// exhaustion on most hosts.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = defaultInterval
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.Concurrency == 0 {
		c.Concurrency = defaultConcurrency
	}
	return c
}

// Stats summarizes one pass.
type Stats struct {
	Total   int
	Healthy int
	Dead    int
}

// Checker owns one health-check pass. Its cadence is driven externally
// by internal/schedule — Checker itself holds no ticker.
type Checker struct {
	pool *pool.Pool
	cfg  Config
	log  *zap.Logger
}

// New builds a Checker. Call RunOnce directly, or wire Interval into a
// scheduler for periodic passes.
func New(p *pool.Pool, cfg Config, log *zap.Logger) *Checker {
	return &Checker{pool: p, cfg: cfg.withDefaults(), log: log}
}

// Interval exposes the configured cadence for the caller to wire into a
// scheduler.
func (c *Checker) Interval() time.Duration { return c.cfg.Interval }

// RunOnce probes every proxy in the index once, under a concurrency
// semaphore, and returns the aggregate result. Errors during individual
// probes never escape — they resolve to a failure for that proxy.
func (c *Checker) RunOnce(ctx context.Context) Stats {
	proxies := c.pool.GetAll()
	if len(proxies) == 0 {
		c.log.Info("health check skipped", zap.String("reason", "empty_pool"))
		return Stats{}
	}

	c.log.Info("health check started", zap.Int("count", len(proxies)))

	sem := make(chan struct{}, c.cfg.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var healthy, dead int

	for _, px := range proxies {
		wg.Add(1)
		sem <- struct{}{}
		go func(px pool.Proxy) {
			defer wg.Done()
			defer func() { <-sem }()
			ok := c.check(ctx, px)
			mu.Lock()
			if ok {
				healthy++
			} else {
				dead++
			}
			mu.Unlock()
		}(px)
	}
	wg.Wait()

	stats := Stats{Total: len(proxies), Healthy: healthy, Dead: dead}
	c.log.Info("health check complete",
		zap.Int("total", stats.Total),
		zap.Int("healthy", stats.Healthy),
		zap.Int("dead", stats.Dead),
	)
	return stats
}

// check probes a single proxy and records the outcome into the pool.
func (c *Checker) check(ctx context.Context, px pool.Proxy) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	ok, err := c.probe(ctx, px)
	latency := time.Since(start)

	if !ok {
		c.log.Debug("health check fail", zap.String("proxy", px.Address()), zap.Error(err))
		c.pool.RecordHealthCheckFailure(px.IP, px.Port)
		return false
	}

	c.log.Debug("health check pass", zap.String("proxy", px.Address()), zap.Duration("latency", latency))
	c.pool.RecordSuccess(px.IP, px.Port, float64(latency.Milliseconds()))
	return true
}

// probe dials through the proxy and checks for an "origin" field in the
// httpbin.org/ip JSON body.
func (c *Checker) probe(ctx context.Context, px pool.Proxy) (bool, error) {
	proxyURL := &url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", px.IP, px.Port)}

	transport := &http.Transport{
		Proxy: http.ProxyURL(proxyURL),
		DialContext: (&net.Dialer{
			Timeout: c.cfg.Timeout,
		}).DialContext,
	}
	client := &http.Client{Transport: transport, Timeout: c.cfg.Timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", px.Address(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("probe %s: status %d", px.Address(), resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return false, fmt.Errorf("read body: %w", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, fmt.Errorf("decode body: %w", err)
	}
	if _, ok := parsed["origin"]; !ok {
		return false, fmt.Errorf("missing origin field")
	}
	return true, nil
}
