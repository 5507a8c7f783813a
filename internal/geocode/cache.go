package geocode

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/hazardmap/internal/observability"
	"github.com/patrickmn/go-cache"
)

// Coordinates are rounded to roughly 100m before keying reverse lookups.
const reversePrecision = 1000.0

// CachedGeocoder wraps a Geocoder with an in-memory TTL cache.
type CachedGeocoder struct {
	inner   Geocoder
	cache   *cache.Cache
	metrics *observability.Metrics
}

// NewCachedGeocoder creates a cache decorator around a geocoder.
func NewCachedGeocoder(inner Geocoder, ttl time.Duration, metrics *observability.Metrics) *CachedGeocoder {
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	return &CachedGeocoder{
		inner:   inner,
		cache:   cache.New(ttl, 2*ttl),
		metrics: metrics,
	}
}

func (c *CachedGeocoder) Forward(ctx context.Context, address string) (LatLng, error) {
	key := "fwd:" + address
	if cached, ok := c.cache.Get(key); ok {
		c.metrics.GeocodeCache.WithLabelValues("forward", "hit").Inc()
		return cached.(LatLng), nil
	}
	c.metrics.GeocodeCache.WithLabelValues("forward", "miss").Inc()

	result, err := c.inner.Forward(ctx, address)
	if err != nil {
		// Misses are not cached so a transient "not found" can be retried.
		return result, err
	}
	c.cache.SetDefault(key, result)
	return result, nil
}

func (c *CachedGeocoder) Reverse(ctx context.Context, point LatLng) (Region, error) {
	key := fmt.Sprintf("rev:%.0f,%.0f", math.Round(point.Lat*reversePrecision), math.Round(point.Lng*reversePrecision))
	if cached, ok := c.cache.Get(key); ok {
		c.metrics.GeocodeCache.WithLabelValues("reverse", "hit").Inc()
		return cached.(Region), nil
	}
	c.metrics.GeocodeCache.WithLabelValues("reverse", "miss").Inc()

	result, err := c.inner.Reverse(ctx, point)
	if err != nil {
		return result, err
	}
	if result.SearchKey != "" {
		c.cache.SetDefault(key, result)
	}
	return result, nil
}

// IsNoResult reports whether err means the provider found nothing.
func IsNoResult(err error) bool {
	return errors.Is(err, ErrNoResult)
}
