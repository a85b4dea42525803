// Package gateway implements the forward-proxy listener clients connect
// to: plain HTTP requests are round-tripped through a rotation-selected
// upstream proxy with retry-on-block, and CONNECT requests are tunnelled
// the same way. Every forward-proxy attempt is logged to the live feed
// regardless of outcome; a CONNECT tunnel is logged once, when it is
// established, and failed CONNECT attempts are not logged.
package gateway

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drsoft-oss/gengar/internal/live"
	"github.com/drsoft-oss/gengar/internal/metrics"
	"github.com/drsoft-oss/gengar/internal/pool"
	"github.com/drsoft-oss/gengar/internal/rotation"
)

// ── Block detection ──────────────────────────────────────────

var blockStatusCodes = map[int]bool{403: true, 407: true, 429: true, 503: true}

var blockBodyPatterns = mustCompileAll(
	`cloudflare`, `captcha`, `access denied`, `blocked`,
	`unusual traffic`, `rate limit`, `banned`, `forbidden`,
)

var challengeURLPatterns = mustCompileAll(
	`/cdn-cgi/challenge`, `/challenge`, `captcha`, `recaptcha`,
)

func mustCompileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile("(?i)" + p)
	}
	return out
}

const blockBodyScanLimit = 5000

// isBlocked decides whether a response indicates the proxy got blocked:
// a block status code, a block phrase in the first 5KB of the body, or a
// redirect Location pointing at a known challenge URL.
func isBlocked(status int, body string, location string) bool {
	if blockStatusCodes[status] {
		return true
	}
	scan := body
	if len(scan) > blockBodyScanLimit {
		scan = scan[:blockBodyScanLimit]
	}
	for _, p := range blockBodyPatterns {
		if p.MatchString(scan) {
			return true
		}
	}
	if location != "" {
		for _, p := range challengeURLPatterns {
			if p.MatchString(location) {
				return true
			}
		}
	}
	return false
}

const (
	maxRetries = 3

	defaultListenAddr      = ":6969"
	defaultMaxConnections  = 200
	requestParseTimeout    = 30 * time.Second
	forwardTimeout         = 30 * time.Second
	connectDialTimeout     = 10 * time.Second
	connectHandshakeLine   = 10 * time.Second
	connectIdleTimeout     = 300 * time.Second
	shutdownDrainTimeout   = 30 * time.Second
	shutdownDrainPollEvery = 500 * time.Millisecond
	relayBufSize           = 32 * 1024
)

var hopHeaders = map[string]bool{
	"Host":                true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"X-Session-Id":        true,
}

// Config controls the listener address and connection ceiling.
type Config struct {
	ListenAddr     string
	MaxConnections int
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = defaultMaxConnections
	}
	return c
}

// Gateway is the forward-proxy listener.
type Gateway struct {
	cfg    Config
	pool    *pool.Pool
	engine  *rotation.Engine
	feed    *live.Feed
	log     *zap.Logger
	metrics *metrics.Collector

	ln  net.Listener
	sem chan struct{}
	wg  sync.WaitGroup

	active int64
}

// SetMetrics attaches a metrics collector. Optional — a Gateway with no
// collector simply skips metric recording.
func (g *Gateway) SetMetrics(m *metrics.Collector) {
	g.metrics = m
}

// New builds a Gateway. Call Start to begin accepting connections.
func New(p *pool.Pool, engine *rotation.Engine, feed *live.Feed, cfg Config, log *zap.Logger) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		cfg:    cfg,
		pool:   p,
		engine: engine,
		feed:   feed,
		log:    log,
		sem:    make(chan struct{}, cfg.MaxConnections),
	}
}

// Start begins listening and accepting in the background.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.cfg.ListenAddr, err)
	}
	g.ln = ln
	g.log.Info("gateway_started", zap.String("addr", g.cfg.ListenAddr), zap.Int("max_connections", g.cfg.MaxConnections))
	go g.acceptLoop()
	return nil
}

func (g *Gateway) acceptLoop() {
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			return
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.handleConn(conn)
		}()
	}
}

// Stop closes the listener and waits up to 30s (polling every 500ms) for
// in-flight connections to drain before returning.
func (g *Gateway) Stop() {
	if g.ln != nil {
		g.ln.Close()
	}
	g.log.Info("draining", zap.Int64("active_connections", atomic.LoadInt64(&g.active)))

	deadline := time.Now().Add(shutdownDrainTimeout)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(&g.active) == 0 {
			break
		}
		time.Sleep(shutdownDrainPollEvery)
	}
	drained := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(time.Until(deadline)):
	}
	g.log.Info("gateway_stopped")
}

// ── Connection handling ──────────────────────────────────────

func (g *Gateway) handleConn(conn net.Conn) {
	g.sem <- struct{}{}
	defer func() { <-g.sem }()

	n := atomic.AddInt64(&g.active, 1)
	if g.metrics != nil {
		g.metrics.SetActiveConnections(n)
	}
	defer func() {
		n := atomic.AddInt64(&g.active, -1)
		if g.metrics != nil {
			g.metrics.SetActiveConnections(n)
		}
	}()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(requestParseTimeout))
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	conn.SetReadDeadline(time.Time{})

	if req.Method == http.MethodConnect {
		host, port := splitConnectTarget(req.Host)
		g.handleConnect(conn, host, port)
		return
	}

	if isHealthPath(req.URL.Path) {
		g.writeHealth(conn)
		return
	}

	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}

	status, headers, respBody := g.handleForward(req, body)
	writeForwardResponse(conn, status, headers, respBody)
}

func isHealthPath(path string) bool {
	return path == "/health" || strings.HasSuffix(path, "/health")
}

func (g *Gateway) writeHealth(conn net.Conn) {
	body := fmt.Sprintf(`{"status": "ok", "service": "gateway", "active_connections": %d}`, atomic.LoadInt64(&g.active))
	fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
}

func splitConnectTarget(hostport string) (host, port string) {
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		return h, p
	}
	return hostport, "443"
}

// ── Forward-proxy mode ───────────────────────────────────────

// handleForward round-trips a plain HTTP request through up to maxRetries
// rotation-selected proxies, retrying on a detected block and otherwise
// returning the first response verbatim. On exhausting retries while
// blocked, the last (blocked) response is returned as-is, matching the
// source handler's behavior.
func (g *Gateway) handleForward(req *http.Request, body []byte) (int, http.Header, []byte) {
	sessionID := req.Header.Get("X-Session-Id")
	rawURL, targetDomain := requestTarget(req)
	method := req.Method

	var lastStatus int
	var lastHeaders http.Header
	var lastBody []byte

	for attempt := 1; attempt <= maxRetries; attempt++ {
		px, strategyUsed, ok := g.engine.SelectStrategy(rotation.Context{SessionID: sessionID, TargetDomain: targetDomain})
		if !ok {
			return http.StatusBadGateway, http.Header{}, []byte(`{"error": "no healthy proxies available"}`)
		}

		start := time.Now()
		status, headers, respBody, errMsg := g.doForwardAttempt(method, rawURL, req.Header, body, px)
		latencyMS := float64(time.Since(start)) / float64(time.Millisecond)

		location := headers.Get("Location")
		blocked := errMsg != "" || isBlocked(status, string(respBody), location)

		g.feed.Publish(live.NewEntry(live.Entry{
			Method:          method,
			URL:             rawURL,
			TargetDomain:    targetDomain,
			ProxyIP:         px.Address(),
			Status:          status,
			LatencyMS:       latencyMS,
			Blocked:         blocked,
			Attempt:         attempt,
			Strategy:        strategyUsed,
			Error:           errMsg,
			ResponseHeaders: flattenHeaders(headers, 20),
		}))

		lastStatus, lastHeaders, lastBody = status, headers, respBody
		g.pool.IncrStat("requests", 1)
		if g.metrics != nil {
			outcome := "ok"
			if blocked {
				outcome = "blocked"
			}
			g.metrics.RecordRequest(outcome, strategyUsed, blocked, latencyMS/1000)
		}

		if blocked {
			g.log.Info("block_detected",
				zap.String("proxy", px.Address()),
				zap.String("domain", targetDomain),
				zap.Int("status", status),
				zap.Int("attempt", attempt),
			)
			g.markBlocked(px)
			if attempt < maxRetries {
				continue
			}
			return lastStatus, lastHeaders, lastBody
		}

		return status, headers, respBody
	}

	return http.StatusBadGateway, http.Header{}, []byte(`{"error": "all retries exhausted"}`)
}

func (g *Gateway) markBlocked(px pool.Proxy) {
	g.pool.RecordFailure(px.IP, px.Port)
	g.pool.IncrStat("blocks", 1)
}

// doForwardAttempt sends one attempt of the request through proxy px,
// returning (status, headers, body, errMsg). A non-empty errMsg means the
// attempt transport-failed (timeout, dial refused, …), which always
// counts as blocked.
func (g *Gateway) doForwardAttempt(method, rawURL string, headers http.Header, body []byte, px pool.Proxy) (int, http.Header, []byte, string) {
	proxyURL := &url.URL{Scheme: "http", Host: px.Address()}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   forwardTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	outReq, err := http.NewRequest(method, rawURL, bytes.NewReader(body))
	if err != nil {
		return http.StatusBadGateway, http.Header{}, nil, err.Error()
	}
	outReq.Header = stripHopHeaders(headers)

	resp, err := client.Do(outReq)
	if err != nil {
		return http.StatusBadGateway, http.Header{}, nil, err.Error()
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return http.StatusBadGateway, http.Header{}, nil, err.Error()
	}
	return resp.StatusCode, resp.Header, respBody, ""
}

func stripHopHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		if hopHeaders[k] {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

// requestTarget recovers the absolute request URL and target domain. A
// well-behaved forward-proxy client sends an absolute-form request line;
// if not, fall back to the Host header.
func requestTarget(req *http.Request) (rawURL, domain string) {
	if req.URL.IsAbs() {
		return req.URL.String(), req.URL.Hostname()
	}
	return "http://" + req.Host + req.URL.RequestURI(), hostOnly(req.Host)
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

func flattenHeaders(h http.Header, limit int) map[string]string {
	out := make(map[string]string, limit)
	i := 0
	for k, v := range h {
		if i >= limit {
			break
		}
		if len(v) > 0 {
			out[k] = v[0]
		}
		i++
	}
	return out
}

// writeForwardResponse frames the response back to the client, stripping
// Transfer-Encoding/Connection and recomputing Content-Length.
func writeForwardResponse(conn net.Conn, status int, headers http.Header, body []byte) {
	var buf bytes.Buffer
	text := http.StatusText(status)
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, text)
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	for k, vs := range headers {
		if k == "Transfer-Encoding" || k == "Connection" || k == "Content-Length" {
			continue
		}
		for _, v := range vs {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	conn.Write(buf.Bytes())
}

// ── CONNECT mode ─────────────────────────────────────────────

// handleConnect tunnels a CONNECT request through up to maxRetries
// rotation-selected proxies, issuing the CONNECT handshake to each in
// turn until one answers 200, then relays bytes until either side closes
// or the connection goes idle for connectIdleTimeout.
func (g *Gateway) handleConnect(conn net.Conn, host, port string) {
	dest := net.JoinHostPort(host, port)

	for attempt := 1; attempt <= maxRetries; attempt++ {
		px, strategyUsed, ok := g.engine.SelectStrategy(rotation.Context{TargetDomain: host})
		if !ok {
			break
		}

		upstream, err := net.DialTimeout("tcp", px.Address(), connectDialTimeout)
		if err != nil {
			g.markBlocked(px)
			continue
		}

		ok, ubr := g.connectHandshake(upstream, dest)
		if !ok {
			upstream.Close()
			g.markBlocked(px)
			continue
		}

		g.feed.Publish(live.NewEntry(live.Entry{
			Method:       "CONNECT",
			URL:          dest,
			TargetDomain: host,
			ProxyIP:      px.Address(),
			Status:       200,
			Attempt:      attempt,
			Strategy:     strategyUsed,
		}))

		fmt.Fprint(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")
		g.relay(conn, upstream, ubr)
		upstream.Close()
		return
	}

	fmt.Fprint(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
}

// connectHandshake issues "CONNECT dest HTTP/1.1" to the upstream proxy
// and reads its status line and headers, returning the buffered reader so
// any bytes read past the header block survive into the relay.
func (g *Gateway) connectHandshake(upstream net.Conn, dest string) (bool, *bufio.Reader) {
	upstream.SetDeadline(time.Now().Add(connectHandshakeLine))
	defer upstream.SetDeadline(time.Time{})

	fmt.Fprintf(upstream, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", dest, dest)

	ubr := bufio.NewReader(upstream)
	statusLine, err := ubr.ReadString('\n')
	if err != nil {
		return false, nil
	}
	for {
		line, err := ubr.ReadString('\n')
		if err != nil {
			return false, nil
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	return strings.Contains(statusLine, "200"), ubr
}

func (g *Gateway) relay(client net.Conn, upstream net.Conn, upstreamReader io.Reader) {
	done := make(chan struct{}, 2)
	go relayClientToUpstream(done, client, upstream)
	go relayUpstreamToClient(done, upstream, upstreamReader, client)
	<-done
	// One direction has ended; close both sides so the other loop returns.
	client.Close()
	upstream.Close()
	<-done
}

func relayClientToUpstream(done chan<- struct{}, client, upstream net.Conn) {
	defer func() { done <- struct{}{} }()
	buf := make([]byte, relayBufSize)
	for {
		client.SetReadDeadline(time.Now().Add(connectIdleTimeout))
		n, err := client.Read(buf)
		if n > 0 {
			if _, werr := upstream.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func relayUpstreamToClient(done chan<- struct{}, upstream net.Conn, upstreamReader io.Reader, client net.Conn) {
	defer func() { done <- struct{}{} }()
	buf := make([]byte, relayBufSize)
	for {
		upstream.SetReadDeadline(time.Now().Add(connectIdleTimeout))
		n, err := upstreamReader.Read(buf)
		if n > 0 {
			if _, werr := client.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
