package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drsoft-oss/gengar/internal/admin"
	"github.com/drsoft-oss/gengar/internal/config"
	"github.com/drsoft-oss/gengar/internal/gateway"
	"github.com/drsoft-oss/gengar/internal/health"
	"github.com/drsoft-oss/gengar/internal/live"
	"github.com/drsoft-oss/gengar/internal/logging"
	"github.com/drsoft-oss/gengar/internal/metrics"
	"github.com/drsoft-oss/gengar/internal/pool"
	"github.com/drsoft-oss/gengar/internal/rotation"
	"github.com/drsoft-oss/gengar/internal/schedule"
	"github.com/drsoft-oss/gengar/internal/scraper"
	"github.com/drsoft-oss/gengar/internal/store"
)

// version is injected at build time via ldflags.
var version = "dev"

var (
	flagGatewayAddr string
	flagAdminAddr   string
	flagMetricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "gengar",
	Short: "Rotating HTTP forward-proxy fleet",
	Long: `gengar — a self-rotating HTTP/HTTPS forward proxy.

It scrapes free proxy lists on a schedule, health-checks every entry
against httpbin.org/ip, and fronts the healthy subset with a forward
proxy + CONNECT tunnel listener. Which upstream a request gets is
decided by one of five rotation strategies (per-request, per-session,
time-based, on-block, round-robin), with per-domain overrides.

The administrative API (pool listing, stats, rotation rules, domain
overrides, and a live request stream over WebSocket) is served on a
separate listener, Bearer-protected by API_SECRET.
`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// Execute is the entry point called from main.go.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagGatewayAddr, "gateway-addr", "", "Gateway listen address (overrides GATEWAY_ADDR)")
	f.StringVar(&flagAdminAddr, "admin-addr", "", "Admin API listen address (overrides ADMIN_ADDR)")
	f.StringVar(&flagMetricsAddr, "metrics-addr", ":9090", "Prometheus /metrics listen address")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("gateway-addr") {
		cfg.GatewayAddr = flagGatewayAddr
	}
	if cmd.Flags().Changed("admin-addr") {
		cfg.AdminAddr = flagAdminAddr
	}

	logger, err := logging.New(cfg.LogLevel, "gengar")
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	st := store.New()
	defer st.Close()

	p := pool.NewPool(st)
	p.SetConfig("rotation_strategy", cfg.RotationStrategy)
	p.SetConfig("session_ttl", strconv.Itoa(int(cfg.SessionTTL.Seconds())))
	p.SetConfig("rotation_interval", strconv.Itoa(int(cfg.RotationInterval.Seconds())))

	engine := rotation.NewEngine(p)
	feed := live.NewFeed(st)
	mc := metrics.NewCollector()

	checker := health.New(p, health.Config{
		Interval:    cfg.HealthCheckInterval,
		Timeout:     cfg.HealthCheckTimeout,
		Concurrency: cfg.MaxConcurrentChecks,
	}, logger.With(zap.String("component", "health")))

	scr := scraper.New(p, checker, scraper.Config{
		RefreshInterval: cfg.PoolRefreshInterval,
		MinPoolSize:     cfg.MinPoolSize,
		WebshareEnabled: cfg.WebshareEnabled,
		WebshareAPIKey:  cfg.WebshareAPIKey,
	}, logger.With(zap.String("component", "scraper")))

	gw := gateway.New(p, engine, feed, gateway.Config{
		ListenAddr:     cfg.GatewayAddr,
		MaxConnections: cfg.MaxConnections,
	}, logger.With(zap.String("component", "gateway")))
	gw.SetMetrics(mc)

	adminSrv := admin.New(p, feed, scr, admin.Config{
		ListenAddr: cfg.AdminAddr,
		APISecret:  cfg.APISecret,
	}, logger.With(zap.String("component", "admin")))

	sched := schedule.New(logger.With(zap.String("component", "schedule")))
	if err := sched.AddInterval("pool-scrape", cfg.PoolRefreshInterval, func() {
		if _, err := scr.Run(context.Background()); err != nil {
			logger.Error("scheduled scrape failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule pool-scrape: %w", err)
	}
	if err := sched.AddInterval("health-check", cfg.HealthCheckInterval, func() {
		checker.RunOnce(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule health-check: %w", err)
	}
	if err := sched.AddInterval("pool-metrics", 10*time.Second, func() {
		mc.SetPoolStats(p.PoolSize(), p.HealthyCount(), p.DeadCount())
	}); err != nil {
		return fmt.Errorf("schedule pool-metrics: %w", err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", mc.Handler())
	metricsSrv := &http.Server{Addr: flagMetricsAddr, Handler: metricsMux}

	// Run the initial scrape in the background so startup is instant; the
	// scheduler takes over cadence from here.
	go func() {
		logger.Info("running initial scrape")
		if _, err := scr.Run(context.Background()); err != nil {
			logger.Error("initial scrape failed", zap.Error(err))
		}
	}()

	if err := gw.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	sched.Start()

	errCh := make(chan error, 2)
	go func() { errCh <- adminSrv.Start() }()
	go func() { errCh <- metricsSrv.ListenAndServe() }()

	printBanner(cfg, p)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched.Stop()
	gw.Stop()
	_ = adminSrv.Stop(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info("gengar stopped")
	return nil
}

func printBanner(cfg config.Config, p *pool.Pool) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════════════╗
║                        gengar %s
╠══════════════════════════════════════════════════════════════╣
║  Gateway       : %s
║  Admin API     : http://%s
║  Metrics       : http://%s/metrics
║  Rotation      : %s
║  Pool          : %d proxies (%d healthy)
╠══════════════════════════════════════════════════════════════╣
║  Admin endpoints (Bearer API_SECRET):
║    GET  /api/stats
║    GET  /api/pool
║    POST /api/pool/flush
║    POST /api/pool/refresh
║    GET  /api/requests
║    GET/POST /api/rotation-rules
║    GET/POST/DELETE /api/domain-overrides/{domain}
║    WS   /ws/live
╚══════════════════════════════════════════════════════════════╝

`, padRight(version, 44),
		padRight(cfg.GatewayAddr, 46),
		padRight(cfg.AdminAddr, 39),
		padRight(flagMetricsAddr, 39),
		padRight(cfg.RotationStrategy, 46),
		p.PoolSize(), p.HealthyCount(),
	)
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
