package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/drsoft-oss/gengar/internal/health"
	"github.com/drsoft-oss/gengar/internal/pool"
	"github.com/drsoft-oss/gengar/internal/store"
)

func newScraper(t *testing.T, cfg Config) (*Scraper, *pool.Pool) {
	t.Helper()
	st := store.New()
	t.Cleanup(st.Close)
	p := pool.NewPool(st)
	checker := health.New(p, health.Config{Timeout: 50 * time.Millisecond, Concurrency: 4}, zap.NewNop())
	return New(p, checker, cfg, zap.NewNop()), p
}

func TestParseLine_ValidAndInvalid(t *testing.T) {
	if _, ok := parseLine("1.2.3.4:8080", "src"); !ok {
		t.Error("expected valid ip:port to parse")
	}
	if _, ok := parseLine("not-a-proxy", "src"); ok {
		t.Error("expected garbage line to be rejected")
	}
	if _, ok := parseLine("1.2.3.4:99999", "src"); ok {
		t.Error("expected out-of-range port to be rejected")
	}
}

func TestRun_DedupesAcrossSourcesAndStores(t *testing.T) {
	src1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1.1.1.1:80\n2.2.2.2:80\n"))
	}))
	defer src1.Close()
	src2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("2.2.2.2:80\n3.3.3.3:80\n"))
	}))
	defer src2.Close()

	s, p := newScraper(t, Config{
		Sources:     []string{src1.URL, src2.URL},
		MinPoolSize: 0, // defaults to 20; webshare stays disabled, so the fallback fetches nothing
	})

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Scraped != 3 {
		t.Fatalf("expected 3 unique proxies, got %d", result.Scraped)
	}
	if p.PoolSize() != 3 {
		t.Fatalf("expected pool size 3, got %d", p.PoolSize())
	}
}

func TestRun_PreservesExistingStatsOnRescrape(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1.1.1.1:80\n"))
	}))
	defer src.Close()

	s, p := newScraper(t, Config{Sources: []string{src.URL}, MinPoolSize: 0})

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	p.RecordSuccess("1.1.1.1", 80, 42)

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, ok := p.Get("1.1.1.1", 80)
	if !ok {
		t.Fatal("expected proxy to still exist")
	}
	if got.SuccessCount != 1 {
		t.Errorf("expected prior success count preserved across re-scrape, got %d", got.SuccessCount)
	}
}

func TestRun_WebshareFallbackTriggersBelowMinPoolSize(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1.1.1.1:80\n"))
	}))
	defer src.Close()

	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results": [{"proxy_address": "9.9.9.9", "port": 8080, "country_code": "US"}]}`))
	}))
	defer ws.Close()

	s, p := newScraper(t, Config{
		Sources:         []string{src.URL},
		MinPoolSize:     100, // guarantees the health-check pass falls short
		WebshareEnabled: true,
		WebshareAPIKey:  "test-key",
		WebshareURL:     ws.URL,
	})

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := p.Get("9.9.9.9", 8080); !ok {
		t.Fatal("expected the webshare fallback proxy to land in the pool")
	}
	if p.PoolSize() < 2 {
		t.Fatal("expected both the primary-source proxy and the fallback proxy to remain")
	}
}
