package database

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/hazardmap/internal/addresses"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/facilities"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// gormLogOutput receives gorm's slow-query and error lines.
var gormLogOutput io.Writer = os.Stdout

// Config selects the database driver and its location.
type Config struct {
	Driver string
	// Path is the SQLite file path.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN string
}

// Open connects to the configured database and brings the schema up to date.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		db       *gorm.DB
		err      error
		location string
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		db, err = OpenSQLite(cfg.Path)
		location = cfg.Path
	case DriverPostgres:
		db, err = OpenPostgres(cfg.DSN)
		location = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", cfg.Driver), zap.String("location", location))
	return db, nil
}

// OpenSQLite opens a single-connection SQLite database.
func OpenSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// OpenPostgres opens a PostgreSQL database.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(),
	})
}

// newGormLogger reports slow queries and real errors; lookups that find
// nothing are expected and stay silent.
func newGormLogger() gormlogger.Interface {
	return gormlogger.New(
		log.New(gormLogOutput, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             300 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// Migrate creates the tables and applies the seed migrations once.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&users.User{}, &addresses.Address{}, &facilities.Facility{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
