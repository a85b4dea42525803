// Package config binds every environment variable gengar recognizes
// into a typed Config, via viper so values can equally come from a
// config file or flags later without touching call sites.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is every tunable the spec's Administrative surface lists as an
// environment variable.
type Config struct {
	RedisURL  string
	APISecret string
	LogLevel  string

	RotationStrategy string
	SessionTTL       time.Duration
	RotationInterval time.Duration

	PoolRefreshInterval time.Duration

	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	MaxConcurrentChecks int

	MaxConnections int
	MinPoolSize    int

	WebshareEnabled bool
	WebshareAPIKey  string

	GatewayAddr string
	AdminAddr   string
}

var validStrategies = map[string]bool{
	"per-request": true, "per-session": true, "time-based": true,
	"on-block": true, "round-robin": true,
}

// Load reads every GENGAR_-agnostic env var (the spec's names are used
// bare: REDIS_URL, API_SECRET, …) plus sane defaults, and validates the
// result.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("redis_url", "")
	v.SetDefault("api_secret", "changeme")
	v.SetDefault("log_level", "info")
	v.SetDefault("rotation_strategy", "per-request")
	v.SetDefault("session_ttl", 300*time.Second)
	v.SetDefault("rotation_interval", 30*time.Second)
	v.SetDefault("pool_refresh_interval", 1800*time.Second)
	v.SetDefault("health_check_interval", 600*time.Second)
	v.SetDefault("health_check_timeout", 8*time.Second)
	v.SetDefault("max_concurrent_checks", 200)
	v.SetDefault("max_connections", 200)
	v.SetDefault("min_pool_size", 20)
	v.SetDefault("webshare_enabled", false)
	v.SetDefault("webshare_api_key", "")
	v.SetDefault("gateway_addr", ":6969")
	v.SetDefault("admin_addr", ":8080")

	for _, name := range []string{
		"redis_url", "api_secret", "log_level", "rotation_strategy", "session_ttl",
		"rotation_interval", "pool_refresh_interval", "health_check_interval",
		"health_check_timeout", "max_concurrent_checks", "max_connections",
		"min_pool_size", "webshare_enabled", "webshare_api_key",
	} {
		_ = v.BindEnv(name, strings.ToUpper(name))
	}
	_ = v.BindEnv("gateway_addr", "GATEWAY_ADDR")
	_ = v.BindEnv("admin_addr", "ADMIN_ADDR")

	cfg := Config{
		RedisURL:            v.GetString("redis_url"),
		APISecret:           v.GetString("api_secret"),
		LogLevel:            v.GetString("log_level"),
		RotationStrategy:    v.GetString("rotation_strategy"),
		SessionTTL:          secondsDuration(v, "session_ttl"),
		RotationInterval:    secondsDuration(v, "rotation_interval"),
		PoolRefreshInterval: secondsDuration(v, "pool_refresh_interval"),
		HealthCheckInterval: secondsDuration(v, "health_check_interval"),
		HealthCheckTimeout:  secondsDuration(v, "health_check_timeout"),
		MaxConcurrentChecks: v.GetInt("max_concurrent_checks"),
		MaxConnections:      v.GetInt("max_connections"),
		MinPoolSize:         v.GetInt("min_pool_size"),
		WebshareEnabled:     v.GetBool("webshare_enabled"),
		WebshareAPIKey:      v.GetString("webshare_api_key"),
		GatewayAddr:         v.GetString("gateway_addr"),
		AdminAddr:           v.GetString("admin_addr"),
	}

	if !validStrategies[cfg.RotationStrategy] {
		return Config{}, fmt.Errorf("invalid ROTATION_STRATEGY %q", cfg.RotationStrategy)
	}
	return cfg, nil
}

// secondsDuration reads key either as a plain number of seconds (the
// spec's env var convention, e.g. SESSION_TTL=300) or as a Go duration
// string (e.g. "300s"). A value that is neither is passed to viper's
// GetDuration, which yields zero for it rather than the configured
// default.
func secondsDuration(v *viper.Viper, key string) time.Duration {
	raw := v.GetString(key)
	if raw == "" {
		return v.GetDuration(key)
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return v.GetDuration(key)
}
