package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/hazardmap/internal/addresses"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/alerts"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/auth"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/blocks"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/config"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/database"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/facilities"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/geocode"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/logging"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/observability"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/server"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/users"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuer   = "hazardmap-auth"
	tokenAudience = "hazardmap-api"

	shutdownTimeout = 10 * time.Second
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hazardmap-api",
		Short: "Busan hazard map backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL DSN")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("blocks-data-dir", defaults.GetString("blocks.data_dir"), "Directory holding district block CSV files")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for the alert cache")
	cmd.PersistentFlags().String("tracing-endpoint", "", "OTLP/HTTP trace collector endpoint")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "blocks.data_dir", "blocks-data-dir")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "tracing.endpoint", "tracing-endpoint")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	shutdownTracing, err := observability.SetupTracing(ctx, appConfig.TracingEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		tracingCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(tracingCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	metrics := observability.NewMetrics()

	accounts, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	addressStore, err := addresses.NewService(addresses.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}
	facilityCatalog, err := facilities.NewService(db)
	if err != nil {
		return err
	}
	blockCatalog := blocks.NewService(blocks.ServiceConfig{DataDir: appConfig.BlocksDataDir, Logger: logger})

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	var geocoder geocode.Geocoder
	if appConfig.KakaoRESTKey != "" {
		kakao, err := geocode.NewKakaoClient(geocode.KakaoConfig{
			RESTKey: appConfig.KakaoRESTKey,
			BaseURL: appConfig.KakaoBaseURL,
			Metrics: metrics,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		geocoder = geocode.NewCachedGeocoder(kakao, appConfig.GeocodeCacheTTL, metrics)
	} else {
		logger.Warn("kakao.rest_key not configured; map composition disabled")
	}

	var alertSource alerts.Source
	if appConfig.AlertsServiceKey != "" {
		alertCache, closeCache := newAlertCache(appConfig, logger)
		defer closeCache()
		alertSource = alerts.NewCachedSource(alerts.NewClient(alerts.ClientConfig{
			ServiceKey: appConfig.AlertsServiceKey,
			BaseURL:    appConfig.AlertsBaseURL,
			Metrics:    metrics,
			Logger:     logger,
		}), alertCache, metrics, nil)
	} else {
		logger.Warn("alerts.service_key not configured; disaster alerts disabled")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Accounts:       accounts,
		Issuer:         issuer,
		Validator:      issuer.Validator(),
		Addresses:      addressStore,
		Facilities:     facilityCatalog,
		Blocks:         blockCatalog,
		Alerts:         alertSource,
		Geocoder:       geocoder,
		Metrics:        metrics,
		Dispatcher:     server.NewRealtimeDispatcher(),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newAlertCache prefers Redis when an address is configured so several API
// instances share cached alert pages.
func newAlertCache(appConfig config.AppConfig, logger *zap.Logger) (alerts.Cache, func()) {
	if appConfig.RedisAddress == "" {
		return alerts.NewMemoryCache(appConfig.AlertsCacheTTL), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	logger.Info("alert cache backed by redis", zap.String("address", appConfig.RedisAddress))
	return alerts.NewRedisCache(client, appConfig.AlertsCacheTTL, logger), func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}
}
