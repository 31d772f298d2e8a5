package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Gateway  GatewayConfig
	Dispatch DispatchConfig
	Recovery RecoveryConfig
	Log      LogConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type GatewayConfig struct {
	URL         string
	APIKey      string
	CountryCode string
	Timeout     time.Duration
}

type DispatchConfig struct {
	MinIntervalSeconds int
	MaxIntervalSeconds int
	TestMode           bool
	TestDelay          time.Duration
}

type RecoveryConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func LoadAll() (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		collect(err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := getEnvBool(key, def)
		collect(err)
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Dispatch: DispatchConfig{
			MinIntervalSeconds: intVar("DISPATCH_MIN_INTERVAL_SECONDS", 10),
			MaxIntervalSeconds: intVar("DISPATCH_MAX_INTERVAL_SECONDS", 45),
			TestMode:           boolVar("DISPATCH_TEST_MODE", false),
			TestDelay:          time.Duration(intVar("DISPATCH_TEST_DELAY_MS", 1000)) * time.Millisecond,
		},
		Gateway: GatewayConfig{
			APIKey:      os.Getenv("GATEWAY_API_KEY"),
			CountryCode: getEnv("GATEWAY_COUNTRY_CODE", "55"),
			Timeout:     time.Duration(intVar("GATEWAY_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Recovery: RecoveryConfig{
			Interval:   time.Duration(intVar("RECOVERY_INTERVAL_SECONDS", 300)) * time.Second,
			StaleAfter: time.Duration(intVar("RECOVERY_STALE_AFTER_SECONDS", 900)) * time.Second,
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	pg, err := requireEnv("POSTGRES_URL")
	collect(err)
	cfg.Database.PostgresURL = pg

	// The stub gateway replaces the real one in test mode.
	if cfg.Dispatch.TestMode {
		cfg.Gateway.URL = os.Getenv("GATEWAY_URL")
	} else {
		url, err := requireEnv("GATEWAY_URL")
		collect(err)
		cfg.Gateway.URL = url
	}

	redisCfg, err := loadRedisConfig()
	collect(err)
	cfg.Redis = redisCfg

	collect(validate(cfg))

	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, dbErr := getEnvInt("REDIS_DB", 0)
	ttl, ttlErr := getEnvInt("REDIS_TTL_SECONDS", 86400)

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, joinErrors([]error{dbErr, ttlErr})
}

func validate(cfg *Config) error {
	var errs []error
	d := cfg.Dispatch
	if d.MinIntervalSeconds < 0 {
		errs = append(errs, errors.New("DISPATCH_MIN_INTERVAL_SECONDS must be >= 0"))
	}
	if d.MaxIntervalSeconds < d.MinIntervalSeconds {
		errs = append(errs, errors.New("DISPATCH_MAX_INTERVAL_SECONDS must be >= DISPATCH_MIN_INTERVAL_SECONDS"))
	}
	if d.TestDelay < 0 {
		errs = append(errs, errors.New("DISPATCH_TEST_DELAY_MS must be >= 0"))
	}
	if cfg.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT_SECONDS must be > 0"))
	}
	if cfg.Recovery.Interval <= 0 {
		errs = append(errs, errors.New("RECOVERY_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Recovery.StaleAfter <= 0 {
		errs = append(errs, errors.New("RECOVERY_STALE_AFTER_SECONDS must be > 0"))
	}
	if cfg.Redis.Enabled && cfg.Redis.TTL <= 0 {
		errs = append(errs, errors.New("REDIS_TTL_SECONDS must be > 0"))
	}
	return joinErrors(errs)
}

func requireEnv(key string) (string, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid bool for env %s: %q", key, v)
	}
	return b, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
