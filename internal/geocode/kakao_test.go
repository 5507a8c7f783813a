package geocode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "test-key"

func testClient(t *testing.T, baseURL string) *KakaoClient {
	t.Helper()
	client, err := NewKakaoClient(KakaoConfig{RESTKey: testKey, BaseURL: baseURL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return client
}

func TestKakaoClient_Forward_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, addressSearchPath, r.URL.Path)
		assert.Equal(t, "부산광역시 연제구 중앙대로 1001", r.URL.Query().Get("query"))
		assert.Equal(t, "KakaoAK "+testKey, r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(addressResponse{
			Documents: []addressDocument{{AddressName: "부산 연제구 연산동 1000", X: "129.0799", Y: "35.1763"}},
		}))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	point, err := c.Forward(context.Background(), "부산광역시 연제구 중앙대로 1001")
	require.NoError(t, err)
	assert.Equal(t, 35.1763, point.Lat)
	assert.Equal(t, 129.0799, point.Lng)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.GeocodeRequests.WithLabelValues("forward", "success")))
}

func TestKakaoClient_Forward_NoResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"documents":[],"meta":{"total_count":0}}`))
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Forward(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrNoResult)
	assert.True(t, IsNoResult(err))
}

func TestKakaoClient_Forward_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errorType":"AccessDeniedError"}`))
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Forward(context.Background(), "A")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.False(t, IsNoResult(err))
}

func TestKakaoClient_Reverse_PrefersLegalRegion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, regionCodePath, r.URL.Path)
		assert.Equal(t, "129.080000", r.URL.Query().Get("x"))
		assert.Equal(t, "35.180000", r.URL.Query().Get("y"))
		require.NoError(t, json.NewEncoder(w).Encode(regionResponse{
			Documents: []regionDocument{
				{RegionType: "H", AddressName: "부산광역시 연제구 연산1동", Region1Depth: "부산광역시", Region2Depth: "연제구"},
				{RegionType: "B", AddressName: "부산광역시 연제구 연산동", Region1Depth: "부산광역시", Region2Depth: "연제구"},
			},
		}))
	}))
	defer srv.Close()

	region, err := testClient(t, srv.URL).Reverse(context.Background(), LatLng{Lat: 35.18, Lng: 129.08})
	require.NoError(t, err)
	assert.Equal(t, "부산광역시 연제구 연산동", region.DisplayName)
	assert.Equal(t, "부산광역시 연제구", region.SearchKey)
}

func TestNewKakaoClient_RequiresKey(t *testing.T) {
	_, err := NewKakaoClient(KakaoConfig{})
	assert.Error(t, err)
}

type countingGeocoder struct {
	forward atomic.Int32
	reverse atomic.Int32
	err     error
}

func (g *countingGeocoder) Forward(context.Context, string) (LatLng, error) {
	g.forward.Add(1)
	if g.err != nil {
		return LatLng{}, g.err
	}
	return LatLng{Lat: 1, Lng: 2}, nil
}

func (g *countingGeocoder) Reverse(context.Context, LatLng) (Region, error) {
	g.reverse.Add(1)
	return Region{DisplayName: "부산광역시 연제구 연산동", SearchKey: "부산광역시 연제구"}, nil
}

func TestCachedGeocoder_HitsAvoidInnerCalls(t *testing.T) {
	inner := &countingGeocoder{}
	cached := NewCachedGeocoder(inner, time.Minute, nil)
	ctx := context.Background()

	for range 3 {
		point, err := cached.Forward(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, LatLng{Lat: 1, Lng: 2}, point)
	}
	assert.Equal(t, int32(1), inner.forward.Load())

	_, err := cached.Reverse(ctx, LatLng{Lat: 35.18001, Lng: 129.08001})
	require.NoError(t, err)
	_, err = cached.Reverse(ctx, LatLng{Lat: 35.18002, Lng: 129.08002})
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.reverse.Load())
}

func TestCachedGeocoder_DoesNotCacheMisses(t *testing.T) {
	inner := &countingGeocoder{err: ErrNoResult}
	cached := NewCachedGeocoder(inner, time.Minute, nil)

	for range 2 {
		_, err := cached.Forward(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNoResult)
	}
	assert.Equal(t, int32(2), inner.forward.Load())
}
