package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/hazardmap/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// DefaultBaseURL is the disaster message endpoint of the safety data portal.
const DefaultBaseURL = "https://www.safetydata.go.kr/V2/api/DSSP-IF-00247"

// PageSize is the number of rows requested for the last-page fetch.
const PageSize = 100

const (
	createdAtLayout = "2006/01/02 15:04:05"
	successCode     = "00"
)

var (
	tracer = otel.Tracer("alerts")
	seoul  = loadSeoul()
)

func loadSeoul() *time.Location {
	location, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return location
}

// ClientConfig configures the disaster message API client.
type ClientConfig struct {
	ServiceKey string
	BaseURL    string
	Timeout    time.Duration
	Clock      clockwork.Clock
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// Client fetches disaster messages. The API pages oldest-first, so each fetch
// asks for the total count first and then requests only the last page.
type Client struct {
	serviceKey string
	baseURL    string
	httpClient *http.Client
	clock      clockwork.Clock
	metrics    *observability.Metrics
	logger     *zap.Logger
}

func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		serviceKey: strings.TrimSpace(cfg.ServiceKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		clock:      clock,
		metrics:    metrics,
		logger:     logger,
	}
}

// Recent returns the region's messages from the last three days, newest first.
func (c *Client) Recent(ctx context.Context, region string) ([]Message, error) {
	if c.serviceKey == "" {
		return nil, ErrMissingServiceKey
	}
	region = strings.TrimSpace(region)
	if region == "" {
		return nil, ErrEmptyRegion
	}

	ctx, span := tracer.Start(ctx, "Alerts.Client.Recent")
	defer span.End()
	span.SetAttributes(attribute.String("alerts.region", region))

	messages, err := c.fetch(ctx, region)
	if err != nil {
		c.metrics.AlertRequests.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "alert fetch failed")
		return nil, err
	}
	c.metrics.AlertRequests.WithLabelValues("success").Inc()
	return FilterRecent(messages, c.clock.Now()), nil
}

func (c *Client) fetch(ctx context.Context, region string) ([]Message, error) {
	head, err := c.page(ctx, region, 1, 1)
	if err != nil {
		return nil, errors.Wrap(err, "alerts: count request")
	}
	if head.TotalCount <= 0 {
		return []Message{}, nil
	}

	last := LastPage(head.TotalCount, PageSize)
	body, err := c.page(ctx, region, last, PageSize)
	if err != nil {
		return nil, errors.Wrapf(err, "alerts: page %d request", last)
	}

	out := make([]Message, 0, len(body.Body))
	for _, row := range body.Body {
		createdAt, err := time.ParseInLocation(createdAtLayout, strings.TrimSpace(row.CreatedAt), seoul)
		if err != nil {
			c.logger.Debug("skipping alert with malformed timestamp", zap.String("serial", string(row.Serial)), zap.String("crt_dt", row.CreatedAt))
			continue
		}
		out = append(out, Message{
			Serial:    string(row.Serial),
			Region:    row.Region,
			Body:      row.Body,
			Step:      row.Step,
			Kind:      row.Kind,
			CreatedAt: createdAt,
		})
	}
	return out, nil
}

// LastPage is ceil(total/size), the 1-based index of the newest page.
func LastPage(total, size int) int {
	if total <= 0 || size <= 0 {
		return 1
	}
	return (total + size - 1) / size
}

func (c *Client) page(ctx context.Context, region string, pageNo, rows int) (apiResponse, error) {
	params := url.Values{
		"serviceKey": {c.serviceKey},
		"returnType": {"json"},
		"pageNo":     {strconv.Itoa(pageNo)},
		"numOfRows":  {strconv.Itoa(rows)},
		"rgnNm":      {region},
	}
	separator := "?"
	if strings.Contains(c.baseURL, "?") {
		separator = "&"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+separator+params.Encode(), nil)
	if err != nil {
		return apiResponse{}, errors.Wrap(err, "create request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apiResponse{}, errors.Wrap(err, "perform request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apiResponse{}, errors.Errorf("disaster api status %d: %s", resp.StatusCode, body)
	}

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return apiResponse{}, errors.Wrap(err, "decode response")
	}
	if code := strings.TrimSpace(decoded.Header.ResultCode); code != "" && code != successCode {
		return apiResponse{}, errors.Errorf("disaster api result %s: %s", code, decoded.Header.ResultMsg)
	}
	return decoded, nil
}

// Disaster message API response types.

type apiResponse struct {
	Header     apiHeader `json:"header"`
	TotalCount int       `json:"totalCount"`
	Body       []apiRow  `json:"body"`
}

type apiHeader struct {
	ResultCode string `json:"resultCode"`
	ResultMsg  string `json:"resultMsg"`
}

type apiRow struct {
	Serial    flexString `json:"SN"`
	CreatedAt string     `json:"CRT_DT"`
	Body      string     `json:"MSG_CN"`
	Region    string     `json:"RCPTN_RGN_NM"`
	Step      string     `json:"EMRG_STEP_NM"`
	Kind      string     `json:"DST_SE_NM"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(data)
	return nil
}
