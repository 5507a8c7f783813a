package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/hazardmap/internal/addresses"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/alerts"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/auth"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/database"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/facilities"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/geocode"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/mapview"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/observability"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const unknownAddress = "주소 없음"

type stubGeocoder struct{}

func (stubGeocoder) Forward(_ context.Context, address string) (geocode.LatLng, error) {
	if address == unknownAddress {
		return geocode.LatLng{}, geocode.ErrNoResult
	}
	offset := float64(len([]rune(address))) / 10000
	return geocode.LatLng{Lat: 35.17 + offset, Lng: 129.07 + offset}, nil
}

func (stubGeocoder) Reverse(_ context.Context, point geocode.LatLng) (geocode.Region, error) {
	if point.Lat < 30 {
		return geocode.Region{}, geocode.ErrNoResult
	}
	if point.Lng > 129.1 {
		return geocode.Region{DisplayName: "부산광역시 해운대구 우동", SearchKey: "부산광역시 해운대구"}, nil
	}
	return geocode.Region{DisplayName: "부산광역시 연제구 연산동", SearchKey: "부산광역시 연제구"}, nil
}

type stubAlertSource struct {
	mu      sync.Mutex
	regions []string
	err     error
}

func (s *stubAlertSource) Recent(_ context.Context, region string) ([]alerts.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions = append(s.regions, region)
	if s.err != nil {
		return nil, s.err
	}
	return []alerts.Message{{Serial: "1", Region: region, Body: region + " 호우경보"}}, nil
}

func (s *stubAlertSource) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regions)
}

type testServer struct {
	handler    http.Handler
	issuer     *auth.TokenIssuer
	dispatcher *RealtimeDispatcher
	alerts     *stubAlertSource
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	accounts, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build account service: %v", err)
	}
	store, err := addresses.NewService(addresses.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build address service: %v", err)
	}
	catalog, err := facilities.NewService(db)
	if err != nil {
		t.Fatalf("failed to build facility service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "hazardmap-auth",
		Audience:      "hazardmap-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	source := &stubAlertSource{}
	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Accounts:       accounts,
		Issuer:         issuer,
		Validator:      issuer.Validator(),
		Addresses:      store,
		Facilities:     catalog,
		Alerts:         source,
		Geocoder:       stubGeocoder{},
		Metrics:        observability.NewMetricsForTesting(),
		Dispatcher:     dispatcher,
		AllowedOrigins: []string{"http://localhost:3000"},
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testServer{handler: handler, issuer: issuer, dispatcher: dispatcher, alerts: source}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

// signUp registers and logs in a user, returning its id and bearer token.
func (s *testServer) signUp(t *testing.T, username string) (int64, string) {
	t.Helper()
	credentials := credentialsPayload{Username: username, Password: "password-1234"}
	if recorder := s.do(t, http.MethodPost, "/register", "", credentials); recorder.Code != http.StatusCreated {
		t.Fatalf("register %s: expected 201, got %d: %s", username, recorder.Code, recorder.Body.String())
	}
	recorder := s.do(t, http.MethodPost, "/login", "", credentials)
	if recorder.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d: %s", username, recorder.Code, recorder.Body.String())
	}
	var response loginResponsePayload
	decode(t, recorder, &response)
	if response.TokenType != "Bearer" || response.AccessToken == "" {
		t.Fatalf("unexpected login response: %+v", response)
	}
	return response.UserID, response.AccessToken
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestRegisterAndLoginFailures(t *testing.T) {
	server := newTestServer(t)
	server.signUp(t, "kim")

	duplicate := server.do(t, http.MethodPost, "/register", "", credentialsPayload{Username: "kim", Password: "password-1234"})
	if duplicate.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate username, got %d", duplicate.Code)
	}
	var body map[string]string
	decode(t, duplicate, &body)
	if body["detail"] != detailDuplicateUsername {
		t.Fatalf("unexpected duplicate detail: %q", body["detail"])
	}

	wrong := server.do(t, http.MethodPost, "/login", "", credentialsPayload{Username: "kim", Password: "wrong-password"})
	if wrong.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for wrong password, got %d", wrong.Code)
	}
	decode(t, wrong, &body)
	if body["detail"] != detailInvalidCredentials {
		t.Fatalf("unexpected login detail: %q", body["detail"])
	}

	missing := server.do(t, http.MethodPost, "/login", "", credentialsPayload{Username: "kim"})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing password, got %d", missing.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := newTestServer(t)
	for _, path := range []string{"/addresses", "/fire-addresses", "/default-addresses", "/facilities", "/map/layers"} {
		if recorder := server.do(t, http.MethodGet, path, "", nil); recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, recorder.Code)
		}
	}
	if recorder := server.do(t, http.MethodGet, "/healthz", "", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected healthz to be public, got %d", recorder.Code)
	}
}

func TestAddressLifecycleEnforcesOwnership(t *testing.T) {
	server := newTestServer(t)
	_, ownerToken := server.signUp(t, "kim")
	_, otherToken := server.signUp(t, "lee")

	created := server.do(t, http.MethodPost, "/addresses", ownerToken, addressRequestPayload{Address: "부산광역시 연제구 연산동 1", Memo: "배수구 막힘"})
	if created.Code != http.StatusOK {
		t.Fatalf("expected 200 on create, got %d: %s", created.Code, created.Body.String())
	}
	var entry addressPayload
	decode(t, created, &entry)
	if entry.Username != "kim" || entry.Memo != "배수구 막힘" {
		t.Fatalf("unexpected created entry: %+v", entry)
	}
	if _, err := time.Parse(addresses.TimestampLayout, entry.CreatedAt); err != nil {
		t.Fatalf("unexpected created_at format %q: %v", entry.CreatedAt, err)
	}

	listed := server.do(t, http.MethodGet, "/addresses", otherToken, nil)
	var entries []addressPayload
	decode(t, listed, &entries)
	if len(entries) != 1 || entries[0].ID != entry.ID {
		t.Fatalf("expected other users to see the entry, got %+v", entries)
	}

	path := fmt.Sprintf("/addresses/%d", entry.ID)
	if recorder := server.do(t, http.MethodPut, path, otherToken, addressRequestPayload{Address: "변경"}); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign update, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodDelete, path, otherToken, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign delete, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodPut, "/addresses/9999", ownerToken, addressRequestPayload{Address: "변경"}); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing record, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodPut, fmt.Sprintf("/fire-addresses/%d", entry.ID), ownerToken, addressRequestPayload{Address: "변경"}); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when updating through another kind, got %d", recorder.Code)
	}

	updated := server.do(t, http.MethodPut, path, ownerToken, addressRequestPayload{Address: "부산광역시 연제구 연산동 2", Memo: "정리됨"})
	if updated.Code != http.StatusOK {
		t.Fatalf("expected 200 on update, got %d", updated.Code)
	}
	decode(t, updated, &entry)
	if entry.Address != "부산광역시 연제구 연산동 2" {
		t.Fatalf("expected updated address, got %q", entry.Address)
	}

	if recorder := server.do(t, http.MethodDelete, path, ownerToken, nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodDelete, path, ownerToken, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", recorder.Code)
	}
}

func TestAddressValidationErrorsAreBadRequest(t *testing.T) {
	server := newTestServer(t)
	_, token := server.signUp(t, "kim")

	recorder := server.do(t, http.MethodPost, "/addresses", token, addressRequestPayload{Address: "   "})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank address, got %d", recorder.Code)
	}
	var body map[string]string
	decode(t, recorder, &body)
	if body["error"] != "invalid_request" {
		t.Fatalf("unexpected error code: %+v", body)
	}
}

func TestFireAddressesCarryCause(t *testing.T) {
	server := newTestServer(t)
	_, token := server.signUp(t, "kim")

	created := server.do(t, http.MethodPost, "/fire-addresses", token, addressRequestPayload{Address: "부산광역시 동래구 온천동 1", Memo: "주택 화재", Cause: "전기 합선"})
	if created.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", created.Code, created.Body.String())
	}
	var entry addressPayload
	decode(t, created, &entry)
	if entry.Cause != "전기 합선" {
		t.Fatalf("expected cause to round trip, got %q", entry.Cause)
	}

	general := server.do(t, http.MethodGet, "/addresses", token, nil)
	var entries []addressPayload
	decode(t, general, &entries)
	if len(entries) != 0 {
		t.Fatalf("expected fire records to stay out of the general list, got %+v", entries)
	}
}

func TestUserAddressesAreScopedToCaller(t *testing.T) {
	server := newTestServer(t)
	ownerID, ownerToken := server.signUp(t, "kim")
	otherID, otherToken := server.signUp(t, "lee")

	ownPath := fmt.Sprintf("/users/%d/addresses", ownerID)
	if recorder := server.do(t, http.MethodPost, ownPath, ownerToken, addressRequestPayload{Address: "부산광역시 수영구 광안동 1", Memo: "집"}); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodGet, ownPath, otherToken, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when reading another user's pins, got %d", recorder.Code)
	}

	listed := server.do(t, http.MethodGet, fmt.Sprintf("/users/%d/addresses", otherID), otherToken, nil)
	var entries []addressPayload
	decode(t, listed, &entries)
	if len(entries) != 0 {
		t.Fatalf("expected no pins for the other user, got %+v", entries)
	}

	listed = server.do(t, http.MethodGet, ownPath, ownerToken, nil)
	decode(t, listed, &entries)
	if len(entries) != 1 {
		t.Fatalf("expected one pin, got %+v", entries)
	}
	deletePath := fmt.Sprintf("/user-addresses/%d", entries[0].ID)
	if recorder := server.do(t, http.MethodDelete, deletePath, otherToken, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 deleting another user's pin, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodDelete, deletePath, ownerToken, nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 deleting own pin, got %d", recorder.Code)
	}
}

func TestDefaultAddressesAreSeeded(t *testing.T) {
	server := newTestServer(t)
	_, token := server.signUp(t, "kim")

	recorder := server.do(t, http.MethodGet, "/default-addresses", token, nil)
	var entries []addressPayload
	decode(t, recorder, &entries)
	if len(entries) == 0 {
		t.Fatalf("expected seeded default addresses")
	}
	for _, entry := range entries {
		if entry.Username != database.SystemUsername {
			t.Fatalf("expected default addresses to be owned by the system user, got %q", entry.Username)
		}
	}
}

func TestFacilitiesFilterByType(t *testing.T) {
	server := newTestServer(t)
	_, token := server.signUp(t, "kim")

	recorder := server.do(t, http.MethodGet, "/facilities?type=fire", token, nil)
	var items []facilityPayload
	decode(t, recorder, &items)
	if len(items) == 0 {
		t.Fatalf("expected seeded fire stations")
	}
	for _, item := range items {
		if item.Type != string(facilities.TypeFire) {
			t.Fatalf("expected only fire facilities, got %+v", item)
		}
	}

	if recorder := server.do(t, http.MethodGet, "/facilities?type=police", token, nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", recorder.Code)
	}
}

func TestMapLayersCategorizeAndFilterBySession(t *testing.T) {
	server := newTestServer(t)
	_, ownerToken := server.signUp(t, "kim")
	_, otherToken := server.signUp(t, "lee")

	mine := server.do(t, http.MethodPost, "/addresses", ownerToken, addressRequestPayload{Address: "부산광역시 연제구 연산동 1", Memo: "내 기록"})
	var own addressPayload
	decode(t, mine, &own)
	server.do(t, http.MethodPost, "/addresses", otherToken, addressRequestPayload{Address: "부산광역시 남구 대연동 1", Memo: "다른 기록"})
	server.do(t, http.MethodPost, "/addresses", otherToken, addressRequestPayload{Address: unknownAddress, Memo: "좌표 없음"})

	recorder := server.do(t, http.MethodGet, fmt.Sprintf("/map/layers?layer=general&mine=false&facilities=false&selected=record:%d", own.ID), ownerToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response mapLayersResponse
	decode(t, recorder, &response)

	if response.Report.Skipped != 1 {
		t.Fatalf("expected the unresolvable address to be skipped, got %+v", response.Report)
	}
	if response.Selection != mapview.SelectHidden.String() {
		t.Fatalf("expected hidden selection for a filtered record, got %q", response.Selection)
	}
	categories := map[mapview.Category]int{}
	for _, marker := range response.Markers {
		if marker.Key.Source != mapview.SourceRecord {
			if marker.Attached {
				t.Fatalf("expected facilities hidden, got %+v", marker)
			}
			continue
		}
		categories[marker.Category]++
		switch marker.Category {
		case mapview.CategoryMine:
			if marker.Attached {
				t.Fatalf("expected own record to be hidden, got %+v", marker)
			}
		case mapview.CategoryOther:
			if !marker.Attached {
				t.Fatalf("expected other record to be visible, got %+v", marker)
			}
		}
	}
	if categories[mapview.CategoryMine] != 1 || categories[mapview.CategoryOther] != 1 {
		t.Fatalf("unexpected record categories: %+v", categories)
	}
	if len(response.Surface.Popups) != 0 {
		t.Fatalf("expected no popup for a hidden selection, got %+v", response.Surface.Popups)
	}
}

func TestMapLayersSelectionOpensPopup(t *testing.T) {
	server := newTestServer(t)
	_, token := server.signUp(t, "kim")

	created := server.do(t, http.MethodPost, "/fire-addresses", token, addressRequestPayload{Address: "부산광역시 동래구 온천동 1", Memo: "화재"})
	var entry addressPayload
	decode(t, created, &entry)

	recorder := server.do(t, http.MethodGet, fmt.Sprintf("/map/layers?layer=fire&selected=%d", entry.ID), token, nil)
	var response mapLayersResponse
	decode(t, recorder, &response)

	if response.Selection != mapview.SelectOpened.String() {
		t.Fatalf("expected opened selection, got %q", response.Selection)
	}
	if len(response.Surface.Popups) != 1 {
		t.Fatalf("expected exactly one open popup, got %+v", response.Surface.Popups)
	}
	for _, marker := range response.Markers {
		if marker.Key.Source == mapview.SourceFacility && marker.Category != mapview.CategoryFacilityFire {
			t.Fatalf("expected only fire stations on the fire layer, got %+v", marker)
		}
	}
	if response.Records[mapview.RecordKey(entry.ID).String()].Username != "kim" {
		t.Fatalf("expected record payload keyed by marker key, got %+v", response.Records)
	}

	if recorder := server.do(t, http.MethodGet, "/map/layers?layer=flood", token, nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown layer, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodGet, "/map/layers?selected=bogus:1", token, nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed selection, got %d", recorder.Code)
	}
}

func TestViewportFetchesOncePerRegion(t *testing.T) {
	server := newTestServer(t)
	_, token := server.signUp(t, "kim")

	var snapshot mapview.ViewportSnapshot
	decode(t, server.do(t, http.MethodGet, "/map/viewport?lat=35.18&lon=129.08", token, nil), &snapshot)
	if !snapshot.Fetched || snapshot.State != mapview.StateReady || len(snapshot.Messages) != 1 {
		t.Fatalf("expected first idle event to fetch, got %+v", snapshot)
	}

	decode(t, server.do(t, http.MethodGet, "/map/viewport?lat=35.181&lon=129.081", token, nil), &snapshot)
	if snapshot.Fetched {
		t.Fatalf("expected same region to skip the fetch")
	}
	if server.alerts.calls() != 1 {
		t.Fatalf("expected one alert fetch, got %d", server.alerts.calls())
	}

	decode(t, server.do(t, http.MethodGet, "/map/viewport?lat=35.16&lon=129.16", token, nil), &snapshot)
	if !snapshot.Fetched || snapshot.Region.SearchKey != "부산광역시 해운대구" {
		t.Fatalf("expected a new region to fetch, got %+v", snapshot)
	}

	if recorder := server.do(t, http.MethodGet, "/map/viewport?lat=1&lon=1", token, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside any region, got %d", recorder.Code)
	}
	for _, query := range []string{"lat=abc", "lat=NaN&lon=129.08", "lat=35.18&lon=Inf", "lat=-Inf&lon=129.08"} {
		if recorder := server.do(t, http.MethodGet, "/map/viewport?"+query, token, nil); recorder.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 for bad coordinates, got %d", query, recorder.Code)
		}
	}
	if server.alerts.calls() != 2 {
		t.Fatalf("expected invalid coordinates to skip the alert fetch, got %d calls", server.alerts.calls())
	}
}

func TestAlertsWithoutServiceKeyAreDisabled(t *testing.T) {
	server := newTestServer(t)
	_, token := server.signUp(t, "kim")
	server.alerts.err = alerts.ErrMissingServiceKey

	recorder := server.do(t, http.MethodGet, "/alerts?region="+url.QueryEscape("부산광역시"), token, nil)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
	var body map[string]string
	decode(t, recorder, &body)
	if body["error"] != "alerts_disabled" {
		t.Fatalf("unexpected error code %q", body["error"])
	}

	if recorder := server.do(t, http.MethodGet, "/alerts", token, nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without region, got %d", recorder.Code)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		recorder := server.do(t, http.MethodGet, "/map/viewport?lat=35.18&lon=129.08", token, nil)
		if recorder.Code != http.StatusServiceUnavailable {
			t.Fatalf("viewport attempt %d: expected 503, got %d: %s", attempt, recorder.Code, recorder.Body.String())
		}
		decode(t, recorder, &body)
		if body["error"] != "alerts_disabled" {
			t.Fatalf("viewport attempt %d: unexpected error code %q", attempt, body["error"])
		}
	}
}

func TestWritesPublishAddressChangeEvents(t *testing.T) {
	server := newTestServer(t)
	userID, token := server.signUp(t, "kim")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := server.dispatcher.Subscribe(ctx, userID)
	defer cleanup()

	created := server.do(t, http.MethodPost, "/fire-addresses", token, addressRequestPayload{Address: "부산광역시 중구 남포동 1", Memo: "화재"})
	var entry addressPayload
	decode(t, created, &entry)

	select {
	case message := <-stream:
		if message.EventType != RealtimeEventAddressChanged || message.Action != ChangeActionCreated {
			t.Fatalf("unexpected message: %+v", message)
		}
		if message.Kind != string(addresses.KindFire) || message.AddressID != entry.ID || message.ActorID != userID {
			t.Fatalf("unexpected message payload: %+v", message)
		}
	case <-time.After(time.Second):
		t.Fatal("expected address-change event after create")
	}
}
