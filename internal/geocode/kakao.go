package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/hazardmap/internal/observability"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// DefaultKakaoBaseURL is the Kakao Local API host.
const DefaultKakaoBaseURL = "https://dapi.kakao.com"

const (
	addressSearchPath = "/v2/local/search/address.json"
	regionCodePath    = "/v2/local/geo/coord2regioncode.json"
	legalRegionType   = "B"
)

var tracer = otel.Tracer("geocode")

// KakaoClient implements Geocoder using the Kakao Local REST API.
type KakaoClient struct {
	restKey    string
	baseURL    string
	httpClient *http.Client
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// KakaoConfig configures the Kakao client.
type KakaoConfig struct {
	RESTKey string
	BaseURL string
	Timeout time.Duration
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// NewKakaoClient creates a Kakao Local geocoding client.
func NewKakaoClient(cfg KakaoConfig) (*KakaoClient, error) {
	if strings.TrimSpace(cfg.RESTKey) == "" {
		return nil, errors.New("geocode: kakao rest key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultKakaoBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KakaoClient{
		restKey:    cfg.RESTKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// Forward converts an address to a coordinate.
func (c *KakaoClient) Forward(ctx context.Context, address string) (LatLng, error) {
	ctx, span := tracer.Start(ctx, "Geocode.Kakao.Forward")
	defer span.End()

	params := url.Values{"query": {address}}
	var resp addressResponse
	if err := c.get(ctx, "forward", addressSearchPath, params, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "forward geocode failed")
		return LatLng{}, err
	}
	if len(resp.Documents) == 0 {
		c.metrics.GeocodeRequests.WithLabelValues("forward", "empty").Inc()
		return LatLng{}, ErrNoResult
	}

	doc := resp.Documents[0]
	lng, errX := strconv.ParseFloat(doc.X, 64)
	lat, errY := strconv.ParseFloat(doc.Y, 64)
	if errX != nil || errY != nil {
		c.metrics.GeocodeRequests.WithLabelValues("forward", "error").Inc()
		err := errors.Errorf("geocode: malformed coordinate %q,%q", doc.Y, doc.X)
		span.RecordError(err)
		return LatLng{}, err
	}
	c.metrics.GeocodeRequests.WithLabelValues("forward", "success").Inc()
	span.SetAttributes(attribute.Float64("geo.lat", lat), attribute.Float64("geo.lng", lng))
	return LatLng{Lat: lat, Lng: lng}, nil
}

// Reverse converts a coordinate to its administrative region.
func (c *KakaoClient) Reverse(ctx context.Context, point LatLng) (Region, error) {
	ctx, span := tracer.Start(ctx, "Geocode.Kakao.Reverse")
	defer span.End()

	// Kakao takes x=longitude, y=latitude.
	params := url.Values{
		"x": {strconv.FormatFloat(point.Lng, 'f', 6, 64)},
		"y": {strconv.FormatFloat(point.Lat, 'f', 6, 64)},
	}
	var resp regionResponse
	if err := c.get(ctx, "reverse", regionCodePath, params, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reverse geocode failed")
		return Region{}, err
	}
	if len(resp.Documents) == 0 {
		c.metrics.GeocodeRequests.WithLabelValues("reverse", "empty").Inc()
		return Region{}, ErrNoResult
	}

	doc := resp.Documents[0]
	for _, candidate := range resp.Documents {
		if candidate.RegionType == legalRegionType {
			doc = candidate
			break
		}
	}
	c.metrics.GeocodeRequests.WithLabelValues("reverse", "success").Inc()
	return Region{
		DisplayName: doc.AddressName,
		SearchKey:   strings.TrimSpace(doc.Region1Depth + " " + doc.Region2Depth),
	}, nil
}

func (c *KakaoClient) get(ctx context.Context, method, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return errors.Wrap(err, "geocode: create request")
	}
	req.Header.Set("Authorization", "KakaoAK "+c.restKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.GeocodeAPIDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.GeocodeRequests.WithLabelValues(method, "error").Inc()
		return errors.Wrapf(err, "geocode: %s request", method)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.metrics.GeocodeRequests.WithLabelValues(method, "error").Inc()
		c.logger.Debug("kakao api error", zap.String("method", method), zap.Int("status", resp.StatusCode))
		return errors.Errorf("geocode: kakao api status %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.metrics.GeocodeRequests.WithLabelValues(method, "error").Inc()
		return errors.Wrap(err, "geocode: decode response")
	}
	return nil
}

// Kakao Local API response types.

type addressResponse struct {
	Documents []addressDocument `json:"documents"`
}

type addressDocument struct {
	AddressName string `json:"address_name"`
	X           string `json:"x"`
	Y           string `json:"y"`
}

type regionResponse struct {
	Documents []regionDocument `json:"documents"`
}

type regionDocument struct {
	RegionType   string `json:"region_type"`
	AddressName  string `json:"address_name"`
	Region1Depth string `json:"region_1depth_name"`
	Region2Depth string `json:"region_2depth_name"`
	Region3Depth string `json:"region_3depth_name"`
}
