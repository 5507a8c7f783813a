package blocks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	defaultTTL     = 30 * time.Minute
	cleanupWindow  = 45 * time.Minute
	cacheKeyPrefix = "district:"
)

// ServiceConfig configures dataset loading.
type ServiceConfig struct {
	DataDir string
	TTL     time.Duration
	Logger  *zap.Logger
}

// Service loads per-district datasets from disk and caches the parsed result.
type Service struct {
	dataDir string
	cache   *cache.Cache
	logger  *zap.Logger
}

func NewService(cfg ServiceConfig) *Service {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		dataDir: cfg.DataDir,
		cache:   cache.New(ttl, cleanupWindow),
		logger:  logger,
	}
}

// Districts returns the district list in display order.
func (s *Service) Districts() []District {
	out := make([]District, len(Districts))
	copy(out, Districts)
	return out
}

// Load returns the dataset for the named district.
func (s *Service) Load(ctx context.Context, name string) (Dataset, error) {
	district, ok := LookupDistrict(name)
	if !ok {
		return Dataset{}, fmt.Errorf("%w: %s", ErrUnknownDistrict, name)
	}
	if cached, found := s.cache.Get(cacheKeyPrefix + district.Name); found {
		return cached.(Dataset), nil
	}
	if err := ctx.Err(); err != nil {
		return Dataset{}, err
	}

	path := filepath.Join(s.dataDir, district.Filename)
	file, err := os.Open(path)
	if err != nil {
		s.logger.Warn("block dataset unavailable", zap.String("district", district.Name), zap.String("path", path), zap.Error(err))
		return Dataset{}, fmt.Errorf("%w: %s", ErrDatasetUnavailable, district.Name)
	}
	defer file.Close()

	parsed, err := Parse(file)
	if err != nil {
		s.logger.Warn("block dataset unreadable", zap.String("district", district.Name), zap.Error(err))
		return Dataset{}, fmt.Errorf("%w: %v", ErrDatasetUnavailable, err)
	}
	dataset := Dataset{
		District: district,
		Blocks:   parsed,
		Bounds:   enclose(parsed),
	}
	if dataset.Blocks == nil {
		dataset.Blocks = []Block{}
	}
	s.cache.Set(cacheKeyPrefix+district.Name, dataset, cache.DefaultExpiration)
	return dataset, nil
}
