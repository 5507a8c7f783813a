package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "HAZARDMAP"
	defaultHTTPAddress     = "0.0.0.0:8000"
	defaultAllowedOrigin   = "http://localhost:3000"
	defaultDatabaseDriver  = DatabaseDriverSQLite
	defaultDatabasePath    = "hazardmap.db"
	defaultLogLevel        = "info"
	defaultTokenTTLMinutes = 12 * 60
	defaultKakaoBaseURL    = "https://dapi.kakao.com"
	defaultAlertsBaseURL   = "https://www.safetydata.go.kr/V2/api/DSSP-IF-00247"
	defaultAlertsCacheTTL  = 300
	defaultBlocksDataDir   = "data/blocks"
	defaultGeocodeCacheTTL = 3600
)

// Supported database drivers.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	AllowedOrigins   []string
	DatabaseDriver   string
	DatabasePath     string
	DatabaseDSN      string
	SigningSecret    string
	TokenTTL         time.Duration
	LogLevel         string
	KakaoRESTKey     string
	KakaoBaseURL     string
	AlertsServiceKey string
	AlertsBaseURL    string
	AlertsCacheTTL   time.Duration
	RedisAddress     string
	RedisPassword    string
	RedisDB          int
	BlocksDataDir    string
	GeocodeCacheTTL  time.Duration
	TracingEndpoint  string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("kakao.base_url", defaultKakaoBaseURL)
	configViper.SetDefault("alerts.base_url", defaultAlertsBaseURL)
	configViper.SetDefault("alerts.cache_ttl_seconds", defaultAlertsCacheTTL)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("blocks.data_dir", defaultBlocksDataDir)
	configViper.SetDefault("geocode.cache_ttl_seconds", defaultGeocodeCacheTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		AllowedOrigins:   splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:     configViper.GetString("database.path"),
		DatabaseDSN:      configViper.GetString("database.dsn"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		LogLevel:         configViper.GetString("log.level"),
		KakaoRESTKey:     strings.TrimSpace(configViper.GetString("kakao.rest_key")),
		KakaoBaseURL:     configViper.GetString("kakao.base_url"),
		AlertsServiceKey: strings.TrimSpace(configViper.GetString("alerts.service_key")),
		AlertsBaseURL:    configViper.GetString("alerts.base_url"),
		AlertsCacheTTL:   time.Duration(configViper.GetInt("alerts.cache_ttl_seconds")) * time.Second,
		RedisAddress:     strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:    configViper.GetString("redis.password"),
		RedisDB:          configViper.GetInt("redis.db"),
		BlocksDataDir:    configViper.GetString("blocks.data_dir"),
		GeocodeCacheTTL:  time.Duration(configViper.GetInt("geocode.cache_ttl_seconds")) * time.Second,
		TracingEndpoint:  strings.TrimSpace(configViper.GetString("tracing.endpoint")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("redis.db must not be negative")
	}
	return nil
}

// env vars arrive as a single comma separated value.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
