package gateway

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/drsoft-oss/gengar/internal/live"
	"github.com/drsoft-oss/gengar/internal/pool"
	"github.com/drsoft-oss/gengar/internal/rotation"
	"github.com/drsoft-oss/gengar/internal/store"
)

func TestIsBlocked(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		location string
		want     bool
	}{
		{"403 status", 403, "", "", true},
		{"429 status", 429, "", "", true},
		{"ok passthrough", 200, "hello world", "", false},
		{"captcha body", 200, "please solve this CAPTCHA to continue", "", true},
		{"cloudflare body", 200, "Attention Required! | Cloudflare", "", true},
		{"challenge redirect", 302, "", "https://site.com/cdn-cgi/challenge", true},
		{"unrelated redirect", 302, "", "https://site.com/next", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := isBlocked(c.status, c.body, c.location); got != c.want {
				t.Errorf("isBlocked(%d, %q, %q) = %v, want %v", c.status, c.body, c.location, got, c.want)
			}
		})
	}
}

func TestIsHealthPath(t *testing.T) {
	if !isHealthPath("/health") {
		t.Error("expected /health to match")
	}
	if !isHealthPath("/gateway/health") {
		t.Error("expected a /health suffix to match")
	}
	if isHealthPath("/healthy") {
		t.Error("did not expect /healthy to match")
	}
}

func newTestGateway(t *testing.T) (*Gateway, *pool.Pool, *store.Memory) {
	t.Helper()
	st := store.New()
	t.Cleanup(st.Close)
	p := pool.NewPool(st)
	engine := rotation.NewEngine(p)
	feed := live.NewFeed(st)
	return New(p, engine, feed, Config{}, zap.NewNop()), p, st
}

func addProxyFromServer(t *testing.T, p *pool.Pool, srv *httptest.Server) pool.Proxy {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	px := pool.NewProxy(host, port, "test")
	p.Add(px)
	return px
}

func TestHandleForward_NoHealthyProxiesReturns502(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	u, _ := url.Parse("http://example.com/foo")
	req := &http.Request{Method: "GET", URL: u, Header: http.Header{}}

	status, _, body := gw.handleForward(req, nil)
	if status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", status)
	}
	if !strings.Contains(string(body), "no healthy proxies") {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestHandleForward_SuccessReturnsResponseVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	gw, p, _ := newTestGateway(t)
	addProxyFromServer(t, p, srv)

	u, _ := url.Parse("http://example.com/foo")
	req := &http.Request{Method: "GET", URL: u, Header: http.Header{}}

	status, headers, body := gw.handleForward(req, nil)
	if status != 200 || string(body) != "ok" {
		t.Fatalf("expected 200/ok, got status=%d body=%q", status, body)
	}
	if headers.Get("X-Upstream") != "yes" {
		t.Error("expected upstream headers to pass through")
	}
}

func TestHandleForward_BlockTriggersRetryToNextProxy(t *testing.T) {
	var blockedHits, okHits int32
	blockedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&blockedHits, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer blockedSrv.Close()
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&okHits, 1)
		w.Write([]byte("ok"))
	}))
	defer okSrv.Close()

	gw, p, _ := newTestGateway(t)
	p.SetConfig("rotation_strategy", rotation.RoundRobin)

	blockedPx := addProxyFromServer(t, p, blockedSrv)
	addProxyFromServer(t, p, okSrv)

	// Force round-robin to visit the blocked proxy first regardless of
	// which ephemeral port sorts first.
	healthy := p.GetHealthy(0)
	for i, px := range healthy {
		if px.Address() == blockedPx.Address() {
			p.SetRRIndex(i)
			break
		}
	}

	u, _ := url.Parse("http://example.com/foo")
	req := &http.Request{Method: "GET", URL: u, Header: http.Header{}}

	status, _, body := gw.handleForward(req, nil)
	if status != 200 || string(body) != "ok" {
		t.Fatalf("expected successful retry, got status=%d body=%q", status, body)
	}
	if blockedHits != 1 || okHits != 1 {
		t.Fatalf("expected exactly one hit on each backend, got blocked=%d ok=%d", blockedHits, okHits)
	}
	if got := p.GetStats()["blocks"]; got != 1 {
		t.Errorf("expected blocks stat incremented once, got %d", got)
	}
}

func TestHandleForward_StripsHopByHopHeaders(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	gw, p, _ := newTestGateway(t)
	addProxyFromServer(t, p, srv)

	u, _ := url.Parse("http://example.com/foo")
	req := &http.Request{
		Method: "GET",
		URL:    u,
		Header: http.Header{
			"X-Session-Id":        {"abc"},
			"Proxy-Authorization": {"secret"},
			"Proxy-Connection":    {"keep-alive"},
			"Accept":              {"*/*"},
		},
	}

	if _, _, _ = gw.handleForward(req, nil); gotHeaders == nil {
		t.Fatal("expected upstream to receive the request")
	}
	for _, h := range []string{"X-Session-Id", "Proxy-Authorization", "Proxy-Connection"} {
		if gotHeaders.Get(h) != "" {
			t.Errorf("expected %s to be stripped, got %q", h, gotHeaders.Get(h))
		}
	}
	if gotHeaders.Get("Accept") != "*/*" {
		t.Error("expected non-hop headers to pass through")
	}
}

func TestHandleConnect_TunnelsBidirectionallyAndTerminatesOnClose(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upstreamLn.Close()

	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		br.ReadString('\n')
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" || line == "\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		buf := make([]byte, 4)
		n, err := io.ReadFull(br, buf)
		if err != nil {
			return
		}
		conn.Write(buf[:n])
	}()

	host, portStr, err := net.SplitHostPort(upstreamLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	gw, p, _ := newTestGateway(t)
	p.Add(pool.NewProxy(host, port, "test"))

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		gw.handleConnect(serverConn, "example.com", "443")
		close(done)
	}()

	br := bufio.NewReader(clientConn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(status, "200") {
		t.Fatalf("expected a 200 response line, got %q", status)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if line == "\r\n" {
			break
		}
	}

	if _, err := clientConn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	echoed := make([]byte, 4)
	if _, err := io.ReadFull(br, echoed); err != nil {
		t.Fatal(err)
	}
	if string(echoed) != "ping" {
		t.Fatalf("expected echoed bytes, got %q", echoed)
	}

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConnect did not return after the client closed")
	}
}

func TestHandleConnect_NoHealthyProxiesReturns502(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		gw.handleConnect(serverConn, "example.com", "443")
		close(done)
	}()

	br := bufio.NewReader(clientConn)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, "502") {
		t.Fatalf("expected 502, got %q", line)
	}
	<-done
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("expected default listen addr %q, got %q", defaultListenAddr, cfg.ListenAddr)
	}
	if cfg.MaxConnections != defaultMaxConnections {
		t.Errorf("expected default max connections %d, got %d", defaultMaxConnections, cfg.MaxConnections)
	}
}
