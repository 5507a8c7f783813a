package mapview

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/hazardmap/internal/alerts"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/geocode"
	"go.uber.org/zap"
)

// FetchState is the viewport fetcher's lifecycle state.
type FetchState string

const (
	StateIdle     FetchState = "idle"
	StateFetching FetchState = "fetching"
	StateReady    FetchState = "ready"
)

// RegionResolver reverse-geocodes a coordinate.
type RegionResolver interface {
	Reverse(ctx context.Context, point geocode.LatLng) (geocode.Region, error)
}

// AlertSource returns recent alert messages for a region name.
type AlertSource interface {
	Recent(ctx context.Context, region string) ([]alerts.Message, error)
}

// ViewportSnapshot is the fetcher's published state.
type ViewportSnapshot struct {
	State    FetchState       `json:"state"`
	Region   geocode.Region   `json:"region"`
	Messages []alerts.Message `json:"messages"`
	// Fetched is true when the call that produced the snapshot hit the alert source.
	Fetched bool `json:"fetched"`
}

// ViewportFetcherConfig describes the fetcher's collaborators.
type ViewportFetcherConfig struct {
	Resolver RegionResolver
	Source   AlertSource
	// OnError receives fetch failures; the published state still becomes ready.
	OnError func(error)
	Logger  *zap.Logger
}

// ViewportFetcher loads alerts for the region under the map centre,
// skipping the fetch when the region has not changed.
type ViewportFetcher struct {
	resolver RegionResolver
	source   AlertSource
	onError  func(error)
	logger   *zap.Logger

	mu         sync.Mutex
	state      FetchState
	lastKey    string
	region     geocode.Region
	messages   []alerts.Message
	generation uint64
}

// viewportFetchTimeout bounds an alert fetch that outlives the idle event's request.
const viewportFetchTimeout = 15 * time.Second

// ErrSuperseded is returned when a newer fetch replaced the one in flight.
var ErrSuperseded = errors.New("mapview: fetch superseded")

func NewViewportFetcher(cfg ViewportFetcherConfig) (*ViewportFetcher, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("mapview: region resolver is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("mapview: alert source is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ViewportFetcher{
		resolver: cfg.Resolver,
		source:   cfg.Source,
		onError:  cfg.OnError,
		logger:   logger,
		state:    StateIdle,
		messages: []alerts.Message{},
	}, nil
}

// OnIdle handles a map idle event at center. It resolves the region and
// fetches its alerts unless the region matches the last fetched one. A fetch
// error leaves the fetcher ready with no messages and is returned. Cancelled,
// timed-out and unconfigured fetches return the fetcher to idle so the next
// idle event in the same region fetches again.
func (f *ViewportFetcher) OnIdle(ctx context.Context, center geocode.LatLng) (ViewportSnapshot, error) {
	region, err := f.resolver.Reverse(ctx, center)
	if err != nil {
		f.report(err)
		return f.Snapshot(), err
	}

	f.mu.Lock()
	if region.SearchKey == f.lastKey && f.state != StateIdle {
		snapshot := f.snapshotLocked()
		f.mu.Unlock()
		return snapshot, nil
	}
	f.generation++
	generation := f.generation
	f.lastKey = region.SearchKey
	f.region = region
	f.state = StateFetching
	f.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), viewportFetchTimeout)
	messages, fetchErr := f.source.Recent(fetchCtx, region.SearchKey)
	cancel()

	f.mu.Lock()
	if generation != f.generation {
		f.mu.Unlock()
		f.logger.Debug("discarding superseded alert fetch", zap.String("region", region.SearchKey))
		return f.Snapshot(), ErrSuperseded
	}
	f.state = StateReady
	if retryable(fetchErr) {
		f.state = StateIdle
		f.lastKey = ""
	}
	if fetchErr != nil {
		f.messages = []alerts.Message{}
	} else {
		f.messages = messages
		if f.messages == nil {
			f.messages = []alerts.Message{}
		}
	}
	snapshot := f.snapshotLocked()
	f.mu.Unlock()
	snapshot.Fetched = true

	if fetchErr != nil {
		f.report(fetchErr)
		return snapshot, fetchErr
	}
	return snapshot, nil
}

// Snapshot returns the current state.
func (f *ViewportFetcher) Snapshot() ViewportSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *ViewportFetcher) snapshotLocked() ViewportSnapshot {
	messages := make([]alerts.Message, len(f.messages))
	copy(messages, f.messages)
	return ViewportSnapshot{State: f.state, Region: f.region, Messages: messages}
}

// retryable reports fetch failures that say nothing about the region's alerts.
func retryable(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, alerts.ErrMissingServiceKey)
}

func (f *ViewportFetcher) report(err error) {
	f.logger.Warn("viewport alert fetch failed", zap.Error(err))
	if f.onError != nil {
		f.onError(err)
	}
}
