package mapview

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/hazardmap/internal/geocode"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultGeocodeConcurrency = 8

// Locator resolves address text to a coordinate.
type Locator interface {
	Forward(ctx context.Context, address string) (geocode.LatLng, error)
}

// Config describes the dependencies of a View.
type Config struct {
	Surface Surface
	Locator Locator
	// SessionUserID decides which records are "mine".
	SessionUserID int64
	Visibility    Visibility
	// Concurrency bounds in-flight geocoding calls during a rebuild.
	Concurrency int
	Metrics     *observability.Metrics
	Logger      *zap.Logger
}

// View reconciles records and facilities against the markers of one surface.
// All registry state is guarded by a single mutex; surface calls are made
// while holding it.
type View struct {
	surface     Surface
	locator     Locator
	userID      int64
	concurrency int
	metrics     *observability.Metrics
	logger      *zap.Logger

	mu         sync.Mutex
	entries    map[Key]*entry
	visibility Visibility
	open       *entry
	generation uint64
	closed     bool
}

type entry struct {
	key        Key
	category   Category
	marker     Marker
	popup      Popup
	listener   ListenerID
	generation uint64
}

// EntryState is a read-only view of one registry entry.
type EntryState struct {
	Key      Key            `json:"key"`
	Category Category       `json:"category"`
	Position geocode.LatLng `json:"position"`
	Attached bool           `json:"attached"`
	Open     bool           `json:"open"`
}

var errMissingSurface = errors.New("mapview: surface is required")
var errMissingLocator = errors.New("mapview: locator is required")

// NewView creates an empty view.
func NewView(cfg Config) (*View, error) {
	if cfg.Surface == nil {
		return nil, errMissingSurface
	}
	if cfg.Locator == nil {
		return nil, errMissingLocator
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultGeocodeConcurrency
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &View{
		surface:     cfg.Surface,
		locator:     cfg.Locator,
		userID:      cfg.SessionUserID,
		concurrency: concurrency,
		metrics:     metrics,
		logger:      logger,
		entries:     make(map[Key]*entry),
		visibility:  cfg.Visibility,
	}, nil
}

type placement struct {
	key      Key
	category Category
	address  string
	content  PopupContent
}

// Rebuild tears down every marker and places one per geocodable record and
// facility. Records whose address cannot be geocoded get no marker. Results
// that arrive after a newer Rebuild (or Close) started are discarded.
func (v *View) Rebuild(ctx context.Context, records []Record, facilities []Facility) (BuildReport, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return BuildReport{}, ErrClosed
	}
	v.teardownLocked()
	v.generation++
	generation := v.generation
	v.mu.Unlock()

	placements := make([]placement, 0, len(records)+len(facilities))
	var skipped, placed, stale atomic.Int64
	for _, record := range records {
		placements = append(placements, placement{
			key:      RecordKey(record.ID),
			category: categorize(record, v.userID),
			address:  record.Address,
			content:  recordContent(record),
		})
	}
	for _, facility := range facilities {
		category, ok := facilityCategory(facility.Type)
		if !ok {
			v.logger.Debug("skipping facility with unknown type", zap.Int64("facility_id", facility.ID), zap.String("type", string(facility.Type)))
			skipped.Add(1)
			continue
		}
		placements = append(placements, placement{
			key:      FacilityKey(facility.ID),
			category: category,
			address:  facility.Address,
			content:  PopupContent{Title: facility.Name, Body: facility.Address},
		})
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(v.concurrency)
	for _, item := range placements {
		group.Go(func() error {
			position, err := v.locator.Forward(groupCtx, item.address)
			if err != nil {
				if ctxErr := groupCtx.Err(); ctxErr != nil {
					return ctxErr
				}
				v.logger.Debug("geocode failed, record skipped", zap.Stringer("key", item.key), zap.Error(err))
				skipped.Add(1)
				return nil
			}
			if v.place(generation, item, position) {
				placed.Add(1)
			} else {
				stale.Add(1)
			}
			return nil
		})
	}
	err := group.Wait()

	report := BuildReport{Placed: int(placed.Load()), Skipped: int(skipped.Load()), Stale: int(stale.Load())}
	v.metrics.MarkersPlaced.Add(float64(report.Placed))
	v.metrics.MarkersSkipped.Add(float64(report.Skipped))
	v.metrics.StaleBuilds.Add(float64(report.Stale))
	return report, err
}

// place inserts a marker for item unless generation is stale.
func (v *View) place(generation uint64, item placement, position geocode.LatLng) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if generation != v.generation || v.closed {
		return false
	}

	if previous, ok := v.entries[item.key]; ok {
		v.releaseLocked(previous)
	}

	marker := v.surface.CreateMarker(position, StyleFor(item.category))
	current := &entry{
		key:        item.key,
		category:   item.category,
		marker:     marker,
		popup:      v.surface.CreatePopup(item.content),
		generation: generation,
	}
	key := item.key
	current.listener = v.surface.AddListener(marker, EventClick, func() {
		v.handleClick(key, generation)
	})
	v.entries[item.key] = current
	if v.visibility.Enabled(item.category) {
		marker.Attach()
	}
	return true
}

func (v *View) handleClick(key Key, generation uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	current, ok := v.entries[key]
	if !ok || current.generation != generation || !current.marker.Attached() {
		return
	}
	v.openLocked(current)
	v.surface.PanTo(current.marker.Position())
}

// SetVisibility applies new per-category toggles. Markers are attached or
// detached in place; an open popup whose marker is detached is closed.
func (v *View) SetVisibility(visibility Visibility) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.visibility = visibility
	v.applyLocked()
}

// Toggle switches one category on or off.
func (v *View) Toggle(category Category, on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.visibility = v.visibility.With(category, on)
	v.applyLocked()
}

// Visibility returns the current toggles.
func (v *View) Visibility() Visibility {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visibility
}

func (v *View) applyLocked() {
	for _, current := range v.entries {
		enabled := v.visibility.Enabled(current.category)
		attached := current.marker.Attached()
		switch {
		case enabled && !attached:
			current.marker.Attach()
		case !enabled && attached:
			current.marker.Detach()
			if v.open == current {
				current.popup.Close()
				v.open = nil
			}
		}
	}
}

// Select pans to the entry's marker and opens its popup. Nothing changes when
// the key is unknown or the marker is filtered out.
func (v *View) Select(key Key) SelectOutcome {
	v.mu.Lock()
	defer v.mu.Unlock()
	current, ok := v.entries[key]
	if !ok {
		return SelectUnknown
	}
	if !current.marker.Attached() {
		return SelectHidden
	}
	v.surface.PanTo(current.marker.Position())
	v.openLocked(current)
	return SelectOpened
}

func (v *View) openLocked(target *entry) {
	if v.open != nil && v.open != target {
		v.open.popup.Close()
	}
	target.popup.Open(target.marker)
	v.open = target
}

// Entries returns the registry state ordered by key.
func (v *View) Entries() []EntryState {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]EntryState, 0, len(v.entries))
	for _, current := range v.entries {
		out = append(out, EntryState{
			Key:      current.key,
			Category: current.category,
			Position: current.marker.Position(),
			Attached: current.marker.Attached(),
			Open:     v.open == current,
		})
	}
	sortEntries(out)
	return out
}

// OpenKey returns the key whose popup is open.
func (v *View) OpenKey() (Key, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.open == nil {
		return Key{}, false
	}
	return v.open.key, true
}

// Close releases every handle and rejects further rebuilds. In-flight
// geocoding results are discarded.
func (v *View) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.teardownLocked()
	v.generation++
	v.closed = true
}

func (v *View) teardownLocked() {
	if v.open != nil {
		v.open.popup.Close()
		v.open = nil
	}
	for key, current := range v.entries {
		v.releaseLocked(current)
		delete(v.entries, key)
	}
}

func (v *View) releaseLocked(current *entry) {
	if v.open == current {
		current.popup.Close()
		v.open = nil
	}
	v.surface.RemoveListener(current.listener)
	current.marker.Release()
}
