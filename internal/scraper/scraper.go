// Package scraper fetches proxy lists from a fixed set of public sources,
// deduplicates them by address, inserts new entries into the pool
// (preserving any existing stats), runs an initial health-check pass, and
// falls back to the Webshare API when too few proxies come back healthy.
package scraper

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drsoft-oss/gengar/internal/health"
	"github.com/drsoft-oss/gengar/internal/pool"
)

// defaultSources is the fixed ordered list of newline-delimited ip:port
// feeds scraped every cycle.
var defaultSources = []string{
	"https://api.proxyscrape.com/v2/?request=getproxies&protocol=http",
	"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
	"https://raw.githubusercontent.com/clarketm/proxy-list/master/proxy-list-raw.txt",
	"https://raw.githubusercontent.com/monosans/proxy-list/main/proxies/http.txt",
	"https://raw.githubusercontent.com/ShiftyTR/Proxy-List/master/http.txt",
}

var ipPortRE = regexp.MustCompile(`^(\d{1,3}(?:\.\d{1,3}){3}):(\d{2,5})$`)

const (
	sourceTimeout         = 30 * time.Second
	webshareTimeout       = 15 * time.Second
	defaultRefreshInterval = 1800 * time.Second
	defaultMinPoolSize     = 20
	webshareURL            = "https://proxy.webshare.io/api/v2/proxy/list/?mode=direct&page=1&page_size=25"
)

// Config controls cadence, fallback behavior, and the HTTP client used to
// fetch sources.
type Config struct {
	Sources         []string
	RefreshInterval time.Duration
	MinPoolSize     int
	WebshareEnabled bool
	WebshareAPIKey  string
	WebshareURL     string
	HTTPClient      *http.Client
}

func (c Config) withDefaults() Config {
	if len(c.Sources) == 0 {
		c.Sources = defaultSources
	}
	if c.WebshareURL == "" {
		c.WebshareURL = webshareURL
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	if c.MinPoolSize == 0 {
		c.MinPoolSize = defaultMinPoolSize
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return c
}

// Result summarizes one scrape-and-store cycle.
type Result struct {
	Scraped int
	Healthy int
	Dead    int
}

// Scraper owns the scrape-merge-dedupe-store-healthcheck cycle. Its
// cadence is driven externally by internal/schedule (or by the
// /api/pool/refresh admin endpoint for an on-demand pass) — Scraper
// itself holds no ticker.
type Scraper struct {
	pool    *pool.Pool
	checker *health.Checker
	cfg     Config
	log     *zap.Logger
}

// New builds a Scraper. checker is used to run an initial health-check
// pass over whatever the scrape adds.
func New(p *pool.Pool, checker *health.Checker, cfg Config, log *zap.Logger) *Scraper {
	return &Scraper{pool: p, checker: checker, cfg: cfg.withDefaults(), log: log}
}

// RefreshInterval exposes the configured cadence for the caller to wire
// into a scheduler.
func (s *Scraper) RefreshInterval() time.Duration { return s.cfg.RefreshInterval }

// Run performs one full scrape-merge-dedupe-store-healthcheck cycle,
// including the Webshare fallback if the result still falls short of
// MinPoolSize healthy proxies.
func (s *Scraper) Run(ctx context.Context) (Result, error) {
	fetched := s.fetchAllSources(ctx)
	unique := dedupe(fetched)

	s.log.Info("scrape complete", zap.Int("total_raw", len(fetched)), zap.Int("unique", len(unique)))

	s.pool.BulkAdd(unique)

	stats := s.checker.RunOnce(ctx)

	if stats.Healthy < s.cfg.MinPoolSize {
		s.log.Info("webshare fallback triggered", zap.Int("healthy", stats.Healthy), zap.Int("min", s.cfg.MinPoolSize))
		if ws := s.fetchWebshare(ctx); len(ws) > 0 {
			s.storeWebshare(ws)
		}
	}

	return Result{Scraped: len(unique), Healthy: stats.Healthy, Dead: stats.Dead}, nil
}

func (s *Scraper) fetchAllSources(ctx context.Context) []pool.Proxy {
	var wg sync.WaitGroup
	results := make([][]pool.Proxy, len(s.cfg.Sources))

	for i, src := range s.cfg.Sources {
		wg.Add(1)
		go func(i int, src string) {
			defer wg.Done()
			results[i] = s.fetchSource(ctx, src)
		}(i, src)
	}
	wg.Wait()

	var all []pool.Proxy
	for _, r := range results {
		all = append(all, r...)
	}
	return all
}

func (s *Scraper) fetchSource(ctx context.Context, src string) []pool.Proxy {
	name := sourceName(src)
	ctx, cancel := context.WithTimeout(ctx, sourceTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		s.log.Error("source error", zap.String("source", name), zap.Error(err))
		return nil
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		s.log.Error("source error", zap.String("source", name), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.log.Error("source error", zap.String("source", name), zap.Int("status", resp.StatusCode))
		return nil
	}

	var out []pool.Proxy
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if px, ok := parseLine(scanner.Text(), name); ok {
			out = append(out, px)
		}
	}
	s.log.Info("source fetched", zap.String("source", name), zap.Int("count", len(out)))
	return out
}

func sourceName(rawURL string) string {
	parts := strings.SplitN(rawURL, "/", 4)
	if len(parts) >= 3 {
		return parts[2]
	}
	return rawURL
}

func parseLine(line, source string) (pool.Proxy, bool) {
	m := ipPortRE.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return pool.Proxy{}, false
	}
	port, err := strconv.Atoi(m[2])
	if err != nil || port < 1 || port > 65535 {
		return pool.Proxy{}, false
	}
	return pool.NewProxy(m[1], port, source), true
}

// dedupe keeps the first occurrence of each ip:port, matching scrape
// order across sources.
func dedupe(proxies []pool.Proxy) []pool.Proxy {
	seen := make(map[string]struct{}, len(proxies))
	out := make([]pool.Proxy, 0, len(proxies))
	for _, px := range proxies {
		a := px.Address()
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, px)
	}
	return out
}

// webshareItem mirrors the subset of the Webshare proxy-list response we
// consume.
type webshareItem struct {
	ProxyAddress string `json:"proxy_address"`
	Port         int    `json:"port"`
	CountryCode  string `json:"country_code"`
}

type webshareResponse struct {
	Results []webshareItem `json:"results"`
}

func (s *Scraper) fetchWebshare(ctx context.Context) []pool.Proxy {
	if !s.cfg.WebshareEnabled || s.cfg.WebshareAPIKey == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, webshareTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.WebshareURL, nil)
	if err != nil {
		s.log.Error("webshare error", zap.Error(err))
		return nil
	}
	req.Header.Set("Authorization", fmt.Sprintf("Token %s", s.cfg.WebshareAPIKey))

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		s.log.Error("webshare error", zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.log.Error("webshare error", zap.Int("status", resp.StatusCode))
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.log.Error("webshare error", zap.Error(err))
		return nil
	}
	var parsed webshareResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		s.log.Error("webshare error", zap.Error(err))
		return nil
	}

	out := make([]pool.Proxy, 0, len(parsed.Results))
	for _, item := range parsed.Results {
		px := pool.NewProxy(item.ProxyAddress, item.Port, "webshare")
		px.Country = item.CountryCode
		px.HealthScore = 50
		out = append(out, px)
	}
	s.log.Info("webshare fetched", zap.Int("count", len(out)))
	return out
}

// storeWebshare writes fallback proxies unconditionally (SET, not
// SETNX) — unlike a routine scrape, Webshare results are trusted to
// overwrite whatever stale record might exist at that address.
func (s *Scraper) storeWebshare(proxies []pool.Proxy) {
	for _, px := range proxies {
		s.pool.Put(px)
	}
}
