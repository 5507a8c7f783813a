package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/hazardmap/internal/addresses"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/alerts"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/facilities"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/geocode"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/mapview"
	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	layerGeneral = "general"
	layerFire    = "fire"

	viewportIdleExpiry = 30 * time.Minute
)

// busanCityHall is the initial map centre.
var busanCityHall = geocode.LatLng{Lat: 35.1798, Lng: 129.0750}

type mapLayersResponse struct {
	Layer      string                    `json:"layer"`
	Visibility mapview.Visibility        `json:"visibility"`
	Report     mapview.BuildReport       `json:"report"`
	Markers    []mapview.EntryState      `json:"markers"`
	Selection  string                    `json:"selection,omitempty"`
	Center     geocode.LatLng            `json:"center"`
	Surface    mapview.SurfaceSnapshot   `json:"surface"`
	Records    map[string]addressPayload `json:"records"`
}

func (h *httpHandler) handleMapLayers(c *gin.Context) {
	if h.geocoder == nil {
		unavailable(c, "geocoding_disabled")
		return
	}
	layer := c.DefaultQuery("layer", layerGeneral)
	var kind addresses.Kind
	var facilityType facilities.Type
	switch layer {
	case layerGeneral:
		kind = addresses.KindGeneral
	case layerFire:
		kind = addresses.KindFire
		facilityType = facilities.TypeFire
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_layer"})
		return
	}

	visibility, err := visibilityFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_visibility"})
		return
	}
	var selected *mapview.Key
	if raw := strings.TrimSpace(c.Query("selected")); raw != "" {
		key, err := parseKey(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_selection"})
			return
		}
		selected = &key
	}

	ctx := c.Request.Context()
	entries, err := h.addresses.List(ctx, addresses.Filter{Kinds: []addresses.Kind{kind}})
	if err != nil {
		h.writeAddressError(c, err)
		return
	}
	records := make([]mapview.Record, 0, len(entries))
	payloads := make(map[string]addressPayload, len(entries))
	for _, entry := range entries {
		records = append(records, mapview.Record{
			ID:        entry.ID,
			Address:   entry.Address.Address,
			Memo:      entry.Memo,
			Author:    entry.Username,
			CreatedAt: entry.CreatedAt,
			OwnerID:   entry.UserID,
		})
		payloads[mapview.RecordKey(entry.ID).String()] = newAddressPayload(entry)
	}

	var places []mapview.Facility
	if h.facilities != nil {
		items, err := h.facilities.List(ctx, facilityType)
		if err != nil {
			h.requestLogger(c).Error("failed to list facilities", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		places = make([]mapview.Facility, 0, len(items))
		for _, item := range items {
			places = append(places, mapview.Facility{
				ID:      item.ID,
				Name:    item.Name,
				Address: item.Address,
				Type:    mapview.FacilityType(item.Type),
			})
		}
	}

	surface := mapview.NewMemorySurface(busanCityHall)
	view, err := mapview.NewView(mapview.Config{
		Surface:       surface,
		Locator:       h.geocoder,
		SessionUserID: c.GetInt64(userIDContextKey),
		Visibility:    visibility,
		Metrics:       h.metrics,
		Logger:        h.requestLogger(c),
	})
	if err != nil {
		h.requestLogger(c).Error("failed to construct map view", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	defer view.Close()

	report, err := view.Rebuild(ctx, records, places)
	if err != nil {
		h.requestLogger(c).Warn("map rebuild failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rebuild_failed"})
		return
	}

	response := mapLayersResponse{
		Layer:      layer,
		Visibility: view.Visibility(),
		Report:     report,
		Records:    payloads,
	}
	if selected != nil {
		response.Selection = view.Select(*selected).String()
	}
	response.Markers = view.Entries()
	response.Center = surface.Center()
	response.Surface = surface.Snapshot()
	c.JSON(http.StatusOK, response)
}

// visibilityFromQuery reads the mine, other and facilities toggles. Absent toggles default to on.
func visibilityFromQuery(c *gin.Context) (mapview.Visibility, error) {
	visibility := mapview.ShowAll()
	toggles := []struct {
		name       string
		categories []mapview.Category
	}{
		{name: "mine", categories: []mapview.Category{mapview.CategoryMine}},
		{name: "other", categories: []mapview.Category{mapview.CategoryOther}},
		{name: "facilities", categories: []mapview.Category{mapview.CategoryFacilityFire, mapview.CategoryFacilityMedical}},
	}
	for _, toggle := range toggles {
		raw, ok := c.GetQuery(toggle.name)
		if !ok || raw == "" {
			continue
		}
		on, err := strconv.ParseBool(raw)
		if err != nil {
			return mapview.Visibility{}, err
		}
		for _, category := range toggle.categories {
			visibility = visibility.With(category, on)
		}
	}
	return visibility, nil
}

// parseKey accepts "record:12", "facility:3" or a bare record id.
func parseKey(raw string) (mapview.Key, error) {
	source, idText, found := strings.Cut(raw, ":")
	if !found {
		source, idText = string(mapview.SourceRecord), raw
	}
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil || id <= 0 {
		return mapview.Key{}, errors.New("invalid marker id")
	}
	switch mapview.Source(source) {
	case mapview.SourceRecord:
		return mapview.RecordKey(id), nil
	case mapview.SourceFacility:
		return mapview.FacilityKey(id), nil
	default:
		return mapview.Key{}, errors.New("invalid marker source")
	}
}

// viewportRegistry keeps one fetcher per user so repeated idle events in the
// same region skip the alert fetch.
type viewportRegistry struct {
	mu       sync.Mutex
	fetchers *gocache.Cache
}

func newViewportRegistry() *viewportRegistry {
	return &viewportRegistry{fetchers: gocache.New(viewportIdleExpiry, viewportIdleExpiry)}
}

func (r *viewportRegistry) fetcherFor(userID int64, build func() (*mapview.ViewportFetcher, error)) (*mapview.ViewportFetcher, error) {
	key := strconv.FormatInt(userID, 10)
	r.mu.Lock()
	defer r.mu.Unlock()
	if value, ok := r.fetchers.Get(key); ok {
		fetcher := value.(*mapview.ViewportFetcher)
		r.fetchers.SetDefault(key, fetcher)
		return fetcher, nil
	}
	fetcher, err := build()
	if err != nil {
		return nil, err
	}
	r.fetchers.SetDefault(key, fetcher)
	return fetcher, nil
}

func (h *httpHandler) handleViewport(c *gin.Context) {
	if h.geocoder == nil {
		unavailable(c, "geocoding_disabled")
		return
	}
	if h.alerts == nil {
		unavailable(c, "alerts_disabled")
		return
	}
	lat, latOK := parseCoordinate(c.Query("lat"))
	lon, lonOK := parseCoordinate(c.Query("lon"))
	if !latOK || !lonOK {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_coordinates"})
		return
	}

	userID := c.GetInt64(userIDContextKey)
	fetcher, err := h.viewports.fetcherFor(userID, func() (*mapview.ViewportFetcher, error) {
		return mapview.NewViewportFetcher(mapview.ViewportFetcherConfig{
			Resolver: h.geocoder,
			Source:   h.alerts,
			Logger:   h.logger.With(zap.Int64("user_id", userID)),
		})
	})
	if err != nil {
		h.requestLogger(c).Error("failed to construct viewport fetcher", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	snapshot, err := fetcher.OnIdle(c.Request.Context(), geocode.LatLng{Lat: lat, Lng: lon})
	switch {
	case err == nil, errors.Is(err, mapview.ErrSuperseded):
		c.JSON(http.StatusOK, snapshot)
	case errors.Is(err, alerts.ErrMissingServiceKey):
		unavailable(c, "alerts_disabled")
	case geocode.IsNoResult(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "region_not_found", "viewport": snapshot})
	case snapshot.Fetched:
		c.JSON(http.StatusBadGateway, gin.H{"error": "alerts_unavailable", "viewport": snapshot})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "region_unavailable", "viewport": snapshot})
	}
}

// parseCoordinate accepts finite decimal degrees only.
func parseCoordinate(raw string) (float64, bool) {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}
