// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"trustcore/internal/identity/models"
	platformstrings "trustcore/pkg/platform/strings"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config is the full process configuration.
type Config struct {
	Server     Server
	Store      string
	Database   DatabaseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Log        LogConfig
	Trust      models.TrustPolicy
	Credential CredentialConfig
	RateLimit  RateLimitConfig
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// CORSOrigins enables CORS for browser clients when non-empty.
	CORSOrigins []string
	// TrustedProxies lists the peers whose forwarding headers are believed.
	TrustedProxies []netip.Prefix
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig enables the audit stream when Brokers is non-empty.
type KafkaConfig struct {
	Brokers     []string
	AuditTopic  string
	AuditBuffer int
}

type LogConfig struct {
	Level  string
	Format string
}

type CredentialConfig struct {
	HashCost int
}

// RateLimitConfig holds per-address budgets. A zero budget disables the
// limiter for that endpoint class.
type RateLimitConfig struct {
	Disabled bool
	Window   time.Duration
	Global   int
	Register int
	Issue    int
	Validate int
}

func defaults(v *viper.Viper) {
	v.SetDefault("trustcore_addr", ":8080")
	v.SetDefault("read_timeout", 10*time.Second)
	v.SetDefault("write_timeout", 15*time.Second)
	v.SetDefault("idle_timeout", 60*time.Second)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("cors_allowed_origins", "")
	v.SetDefault("trusted_proxies", "")
	v.SetDefault("trustcore_store", StoreMemory)
	v.SetDefault("database_url", "")
	v.SetDefault("database_max_open_conns", 25)
	v.SetDefault("database_max_idle_conns", 5)
	v.SetDefault("database_conn_max_lifetime", 5*time.Minute)
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_pool_size", 10)
	v.SetDefault("redis_min_idle_conns", 2)
	v.SetDefault("redis_dial_timeout", 5*time.Second)
	v.SetDefault("redis_read_timeout", 3*time.Second)
	v.SetDefault("redis_write_timeout", 3*time.Second)
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("audit_topic", "trustcore.audit")
	v.SetDefault("audit_buffer", 1024)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("suspicious_threshold", models.DefaultTrustPolicy.Threshold)
	v.SetDefault("suspicious_window", models.DefaultTrustPolicy.Window)
	v.SetDefault("credential_hash_cost", bcrypt.DefaultCost)
	v.SetDefault("rate_limit_disabled", false)
	v.SetDefault("rate_limit_window", time.Minute)
	v.SetDefault("rate_limit_global", 600)
	v.SetDefault("rate_limit_register", 20)
	v.SetDefault("rate_limit_issue", 10)
	v.SetDefault("rate_limit_validate", 120)
}

// FromEnv reads configuration from environment variables.
func FromEnv() (Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	return Load(v)
}

// Load builds and validates a Config from v. Tests pass a viper instance
// with explicit values.
func Load(v *viper.Viper) (Config, error) {
	proxies, err := parseTrustedProxies(platformstrings.SplitList(v.GetString("trusted_proxies")))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Server: Server{
			Addr:            v.GetString("trustcore_addr"),
			ReadTimeout:     v.GetDuration("read_timeout"),
			WriteTimeout:    v.GetDuration("write_timeout"),
			IdleTimeout:     v.GetDuration("idle_timeout"),
			ShutdownTimeout: v.GetDuration("shutdown_timeout"),
			CORSOrigins:     platformstrings.SplitList(v.GetString("cors_allowed_origins")),
			TrustedProxies:  proxies,
		},
		Store: strings.ToLower(strings.TrimSpace(v.GetString("trustcore_store"))),
		Database: DatabaseConfig{
			URL:             v.GetString("database_url"),
			MaxOpenConns:    v.GetInt("database_max_open_conns"),
			MaxIdleConns:    v.GetInt("database_max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database_conn_max_lifetime"),
		},
		Redis: RedisConfig{
			URL:          v.GetString("redis_url"),
			PoolSize:     v.GetInt("redis_pool_size"),
			MinIdleConns: v.GetInt("redis_min_idle_conns"),
			DialTimeout:  v.GetDuration("redis_dial_timeout"),
			ReadTimeout:  v.GetDuration("redis_read_timeout"),
			WriteTimeout: v.GetDuration("redis_write_timeout"),
		},
		Kafka: KafkaConfig{
			Brokers:     platformstrings.SplitList(v.GetString("kafka_brokers")),
			AuditTopic:  v.GetString("audit_topic"),
			AuditBuffer: v.GetInt("audit_buffer"),
		},
		Log: LogConfig{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
		},
		Trust: models.TrustPolicy{
			Threshold: v.GetInt("suspicious_threshold"),
			Window:    v.GetDuration("suspicious_window"),
		},
		Credential: CredentialConfig{
			HashCost: v.GetInt("credential_hash_cost"),
		},
		RateLimit: RateLimitConfig{
			Disabled: v.GetBool("rate_limit_disabled"),
			Window:   v.GetDuration("rate_limit_window"),
			Global:   v.GetInt("rate_limit_global"),
			Register: v.GetInt("rate_limit_register"),
			Issue:    v.GetInt("rate_limit_issue"),
			Validate: v.GetInt("rate_limit_validate"),
		},
	}
	return cfg, cfg.Validate()
}

// parseTrustedProxies accepts CIDRs and bare addresses.
func parseTrustedProxies(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES entry %q: %w", v, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES entry %q: %w", v, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for store %q", c.Store)
		}
	case StoreRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required for store %q", c.Store)
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.Trust.Threshold < 1 {
		return fmt.Errorf("SUSPICIOUS_THRESHOLD must be positive, got %d", c.Trust.Threshold)
	}
	if c.Trust.Window < 0 {
		return fmt.Errorf("SUSPICIOUS_WINDOW must not be negative, got %s", c.Trust.Window)
	}
	if !c.RateLimit.Disabled && c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimit.Window)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.AuditTopic == "" {
		return fmt.Errorf("AUDIT_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}
