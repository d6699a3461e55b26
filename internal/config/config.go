package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Store   StoreConfig   `yaml:"store"`
	Redis   RedisConfig   `yaml:"redis"`
	Bot     BotConfig     `yaml:"bot"`
	Log     LogConfig     `yaml:"log"`
	Billing BillingConfig `yaml:"billing"`
	NodeID  int64         `yaml:"node_id"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// InternalToken guards the /internal routes. Empty disables them.
	InternalToken string `yaml:"internal_token"`
}

type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	CacheTTL int    `yaml:"cache_ttl_hours"`
}

func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, r.Port)
}

type BotConfig struct {
	Token    string        `yaml:"token"`
	Username string        `yaml:"username"`
	LinkTTL  time.Duration `yaml:"link_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type BillingConfig struct {
	OpTimeout          time.Duration `yaml:"op_timeout"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	RequestWindow      time.Duration `yaml:"request_window"`
	IdempotencyTTL     time.Duration `yaml:"idempotency_ttl"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	TickTolerance      time.Duration `yaml:"tick_tolerance"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	PlatformFeePercent int           `yaml:"platform_fee_percent"`
	RenewalMaxFailures int           `yaml:"renewal_max_failures"`
	RenewalRetryDelay  time.Duration `yaml:"renewal_retry_delay"`
	RenewalBatchSize   int           `yaml:"renewal_batch_size"`
	ExpiryEvery        time.Duration `yaml:"expiry_every"`
	ReaperEvery        time.Duration `yaml:"reaper_every"`
	RenewalEvery       time.Duration `yaml:"renewal_every"`
}

func Default() Config {
	return Config{
		HTTP:  HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Store: StoreConfig{Driver: "postgres"},
		Redis: RedisConfig{Host: "localhost", Port: "6379", Prefix: "coinmeter", CacheTTL: 24},
		Bot:   BotConfig{LinkTTL: 15 * time.Minute},
		Log:   LogConfig{Level: "info"},
		Billing: BillingConfig{
			OpTimeout:          5 * time.Second,
			ReadTimeout:        2 * time.Second,
			RequestWindow:      5 * time.Minute,
			IdempotencyTTL:     10 * time.Minute,
			TickInterval:       time.Minute,
			TickTolerance:      5 * time.Second,
			IdleTimeout:        3 * time.Minute,
			PlatformFeePercent: 20,
			RenewalMaxFailures: 3,
			RenewalRetryDelay:  24 * time.Hour,
			RenewalBatchSize:   100,
			ExpiryEvery:        30 * time.Second,
			ReaperEvery:        time.Minute,
			RenewalEvery:       5 * time.Minute,
		},
		NodeID: 1,
	}
}

// Load starts from the defaults, applies the YAML file at path when one is
// given and then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want postgres or memory", c.Store.Driver))
	}
	b := c.Billing
	if b.PlatformFeePercent < 0 || b.PlatformFeePercent > 100 {
		errs = append(errs, fmt.Errorf("billing.platform_fee_percent %d out of range", b.PlatformFeePercent))
	}
	if b.TickInterval <= 0 || b.TickTolerance < 0 || b.TickTolerance >= b.TickInterval {
		errs = append(errs, fmt.Errorf("billing.tick_tolerance %s must be below tick_interval %s", b.TickTolerance, b.TickInterval))
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("node_id %d out of range 0..1023", c.NodeID))
	}
	return errors.Join(errs...)
}

func applyEnv(c *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	str("HTTP_ADDR", &c.HTTP.Addr)
	str("INTERNAL_TOKEN", &c.HTTP.InternalToken)
	str("STORE_DRIVER", &c.Store.Driver)
	str("POSTGRES_DSN", &c.Store.PostgresDSN)
	str("REDIS_HOST", &c.Redis.Host)
	str("REDIS_PORT", &c.Redis.Port)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	str("REDIS_PREFIX", &c.Redis.Prefix)
	str("BOT_TOKEN", &c.Bot.Token)
	str("BOT_USERNAME", &c.Bot.Username)
	str("LOG_LEVEL", &c.Log.Level)
	if v, ok := os.LookupEnv("LOG_PRETTY"); ok && v != "" {
		pretty, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("LOG_PRETTY: %w", err))
		} else {
			c.Log.Pretty = pretty
		}
	}
	if v, ok := os.LookupEnv("NODE_ID"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("NODE_ID: %w", err))
		} else {
			c.NodeID = n
		}
	}
	dur("OP_TIMEOUT", &c.Billing.OpTimeout)
	dur("REQUEST_WINDOW", &c.Billing.RequestWindow)
	dur("TICK_INTERVAL", &c.Billing.TickInterval)
	num("PLATFORM_FEE_PERCENT", &c.Billing.PlatformFeePercent)
	return errors.Join(errs...)
}
