// internal/server/mux_test.go
// Package server provides unit tests for the HTTP handlers and routing.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/communitylink/service-discovery/internal/discovery"
	"github.com/communitylink/service-discovery/internal/feeds"
	"github.com/communitylink/service-discovery/internal/model"
	"github.com/communitylink/service-discovery/internal/storage"
)

// stubSyncer records the requested source and returns a canned result.
type stubSyncer struct {
	source model.Source
	all    bool
	err    error
}

func (s *stubSyncer) SyncAll(ctx context.Context) (*feeds.Report, error) {
	s.all = true
	if s.err != nil {
		return nil, s.err
	}
	return &feeds.Report{Feeds: map[model.Source]feeds.Result{}, Synced: 2}, nil
}

func (s *stubSyncer) SyncSource(ctx context.Context, source model.Source) (*feeds.Report, error) {
	s.source = source
	if s.err != nil {
		return nil, s.err
	}
	return &feeds.Report{Feeds: map[model.Source]feeds.Result{source: {Synced: 1}}, Synced: 1}, nil
}

// errorBody is the decoded error envelope.
type errorBody struct {
	Error struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId"`
		Details       []struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		} `json:"details"`
	} `json:"error"`
}

func newTestMux(t *testing.T, sync Syncer) http.Handler {
	t.Helper()
	engine := discovery.New(discovery.Options{Store: storage.NewMemory()})
	return NewMux(Options{Engine: engine, Sync: sync, CORSAllowedOrigins: []string{"https://app.example.org"}})
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeData[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid success envelope %q: %v", rr.Body.String(), err)
	}
	return env.Data
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid error envelope %q: %v", rr.Body.String(), err)
	}
	return body
}

const clinicBody = `{
	"name": "Hunter Community Health Clinic",
	"category": "health",
	"coordinates": [151.7817, -32.9283],
	"region": "Hunter",
	"phone": "02 4900 0000",
	"services": ["bulk billing", "vaccinations"],
	"tags": ["Free", "walk-in"],
	"offlineAvailable": true
}`

func createClinic(t *testing.T, h http.Handler) model.ServiceRecord {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/services", clinicBody, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create returned %v: %s", rr.Code, rr.Body.String())
	}
	return decodeData[model.ServiceRecord](t, rr)
}

func TestHealthzEndpoint(t *testing.T) {
	rr := do(t, newTestMux(t, nil), http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), "ok")
	}
}

func TestReadyzEndpoint(t *testing.T) {
	rr := do(t, newTestMux(t, nil), http.MethodGet, "/readyz", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
}

func TestCreateAndGet(t *testing.T) {
	h := newTestMux(t, nil)
	created := createClinic(t, h)
	if created.ID == "" {
		t.Fatal("created record has no id")
	}
	if created.Source != model.SourceManual {
		t.Errorf("source: got %v want %v", created.Source, model.SourceManual)
	}
	if !created.IsEssential {
		t.Errorf("health services should default to essential")
	}

	rr := do(t, h, http.MethodGet, "/services/"+created.ID+"?view=true", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get returned %v: %s", rr.Code, rr.Body.String())
	}
	got := decodeData[model.ServiceRecord](t, rr)
	if got.Name != created.Name {
		t.Errorf("name: got %v want %v", got.Name, created.Name)
	}
	if got.ViewCount != 1 {
		t.Errorf("viewCount: got %v want 1", got.ViewCount)
	}
	if rr.Header().Get("X-Correlation-Id") == "" {
		t.Errorf("response is missing X-Correlation-Id")
	}
}

func TestCreateRejectsInvalidBody(t *testing.T) {
	h := newTestMux(t, nil)
	rr := do(t, h, http.MethodPost, "/services", `{"name": "No location", "category": "health"}`,
		map[string]string{"X-Correlation-Id": "corr-123"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: got %v want %v", rr.Code, http.StatusBadRequest)
	}
	body := decodeError(t, rr)
	if body.Error.Code != "DISC_VALIDATION" {
		t.Errorf("code: got %v want DISC_VALIDATION", body.Error.Code)
	}
	if body.Error.CorrelationID != "corr-123" {
		t.Errorf("correlationId: got %v want corr-123", body.Error.CorrelationID)
	}
	if len(body.Error.Details) == 0 {
		t.Errorf("expected field details")
	}
}

func TestCreateRejectsMalformedJSON(t *testing.T) {
	rr := do(t, newTestMux(t, nil), http.MethodPost, "/services", `{"name":`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status: got %v want %v", rr.Code, http.StatusBadRequest)
	}
}

func TestCreateRejectsOversizedBody(t *testing.T) {
	big := `{"name": "x", "description": "` + strings.Repeat("a", MaxBodyBytes) + `"}`
	rr := do(t, newTestMux(t, nil), http.MethodPost, "/services", big, nil)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status: got %v want %v", rr.Code, http.StatusRequestEntityTooLarge)
	}
	if code := decodeError(t, rr).Error.Code; code != "DISC_TOO_LARGE" {
		t.Errorf("code: got %v want DISC_TOO_LARGE", code)
	}
}

func TestGetUnknownService(t *testing.T) {
	rr := do(t, newTestMux(t, nil), http.MethodGet, "/services/missing", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status: got %v want %v", rr.Code, http.StatusNotFound)
	}
	if code := decodeError(t, rr).Error.Code; code != "DISC_NOT_FOUND" {
		t.Errorf("code: got %v want DISC_NOT_FOUND", code)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	h := newTestMux(t, nil)
	created := createClinic(t, h)

	updated := strings.Replace(clinicBody, "Hunter Community Health Clinic", "Hunter Family Clinic", 1)
	rr := do(t, h, http.MethodPut, "/services/"+created.ID, updated, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("update returned %v: %s", rr.Code, rr.Body.String())
	}
	if got := decodeData[model.ServiceRecord](t, rr).Name; got != "Hunter Family Clinic" {
		t.Errorf("name: got %v want Hunter Family Clinic", got)
	}

	rr = do(t, h, http.MethodDelete, "/services/"+created.ID, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete returned %v: %s", rr.Code, rr.Body.String())
	}
	rr = do(t, h, http.MethodGet, "/services/"+created.ID, "", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("get after delete: got %v want %v", rr.Code, http.StatusNotFound)
	}
	rr = do(t, h, http.MethodDelete, "/services/"+created.ID, "", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete: got %v want %v", rr.Code, http.StatusNotFound)
	}
}

func TestSearchEndpoint(t *testing.T) {
	h := newTestMux(t, nil)
	created := createClinic(t, h)

	rr := do(t, h, http.MethodGet, "/services/search?category=health&tags[]=free&lat=-32.93&lon=151.78&sortBy=distance", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("search returned %v: %s", rr.Code, rr.Body.String())
	}
	res := decodeData[model.SearchResult](t, rr)
	if res.Total != 1 || len(res.Services) != 1 {
		t.Fatalf("total: got %v (%d hits) want 1", res.Total, len(res.Services))
	}
	if res.Services[0].ID != created.ID {
		t.Errorf("hit: got %v want %v", res.Services[0].ID, created.ID)
	}
	if res.Services[0].Distance == nil {
		t.Errorf("expected a distance when an origin is given")
	}

	rr = do(t, h, http.MethodGet, "/services/search?category=transport", "", nil)
	if res := decodeData[model.SearchResult](t, rr); res.Total != 0 {
		t.Errorf("transport total: got %v want 0", res.Total)
	}
}

func TestSearchRejectsBadParameters(t *testing.T) {
	h := newTestMux(t, nil)
	tests := []struct {
		name  string
		query string
		field string
	}{
		{"lat without lon", "lat=-33.8", "lon"},
		{"non-numeric rating", "minRating=high", "minRating"},
		{"bad boolean", "verified=maybe", "verified"},
		{"bad insight", "insight=notjson", "insight"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodGet, "/services/search?"+tt.query, "", nil)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status: got %v want %v", rr.Code, http.StatusBadRequest)
			}
			body := decodeError(t, rr)
			if len(body.Error.Details) == 0 || body.Error.Details[0].Field != tt.field {
				t.Errorf("details: got %+v want field %v", body.Error.Details, tt.field)
			}
		})
	}
}

func TestParseSearch(t *testing.T) {
	q := url.Values{}
	q.Set("query", "  gp clinic ")
	q.Set("lat", "-33.87")
	q.Set("lng", "151.21")
	q.Add("tags[]", "free")
	q.Add("tags", "walk-in, bulk billing")
	q.Set("limit", "500")
	q.Set("essentialOnly", "true")
	q.Set("insight", `{"category":"health","tags":["ignored"]}`)

	filters, opts, err := parseSearch(q)
	if err != nil {
		t.Fatalf("parseSearch: %v", err)
	}
	if filters.Origin == nil || filters.Origin.Longitude != 151.21 || filters.Origin.Latitude != -33.87 {
		t.Errorf("origin: got %+v", filters.Origin)
	}
	if len(filters.Tags) != 3 {
		t.Errorf("tags: got %v want 3 entries", filters.Tags)
	}
	if filters.Category != model.CategoryHealth {
		t.Errorf("category from insight: got %v want health", filters.Category)
	}
	if !filters.EssentialOnly {
		t.Errorf("essentialOnly: got false want true")
	}
	if opts.Limit != model.MaxLimit {
		t.Errorf("limit: got %v want %v", opts.Limit, model.MaxLimit)
	}
}

func TestEssentialEndpoint(t *testing.T) {
	h := newTestMux(t, nil)
	createClinic(t, h)

	rr := do(t, h, http.MethodGet, "/services/essential?lat=-32.93&lon=151.78", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("essential returned %v: %s", rr.Code, rr.Body.String())
	}
	if res := decodeData[model.SearchResult](t, rr); res.Total != 1 {
		t.Errorf("total: got %v want 1", res.Total)
	}

	rr = do(t, h, http.MethodGet, "/services/essential", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing origin: got %v want %v", rr.Code, http.StatusBadRequest)
	}
}

func TestCategoriesEndpoint(t *testing.T) {
	h := newTestMux(t, nil)
	createClinic(t, h)

	rr := do(t, h, http.MethodGet, "/services/categories", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("categories returned %v: %s", rr.Code, rr.Body.String())
	}
	stats := decodeData[[]model.CategoryStat](t, rr)
	if len(stats) != 1 || stats[0].Category != model.CategoryHealth || stats[0].Count != 1 {
		t.Errorf("stats: got %+v", stats)
	}
}

func TestReviewFlow(t *testing.T) {
	h := newTestMux(t, nil)
	created := createClinic(t, h)
	path := "/services/" + created.ID + "/reviews"

	rr := do(t, h, http.MethodPost, path, `{"rating": 4}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("review without user: got %v want %v", rr.Code, http.StatusBadRequest)
	}

	rr = do(t, h, http.MethodPost, path, `{"rating": 9}`, map[string]string{HeaderUserID: "u1"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("out of range rating: got %v want %v", rr.Code, http.StatusBadRequest)
	}

	rr = do(t, h, http.MethodPost, path, `{"rating": 4, "comment": "Friendly staff"}`, map[string]string{HeaderUserID: "u1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("review returned %v: %s", rr.Code, rr.Body.String())
	}
	got := decodeData[struct {
		Ratings model.Ratings  `json:"ratings"`
		Reviews []model.Review `json:"reviews"`
	}](t, rr)
	if got.Ratings.Count != 1 || got.Ratings.Average != 4 {
		t.Errorf("ratings: got %+v want count 1 average 4", got.Ratings)
	}

	rr = do(t, h, http.MethodPost, path+"/u1/helpful", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("helpful returned %v: %s", rr.Code, rr.Body.String())
	}
	if review := decodeData[model.Review](t, rr); review.HelpfulVotes != 1 {
		t.Errorf("helpful: got %v want 1", review.HelpfulVotes)
	}

	rr = do(t, h, http.MethodPost, path+"/nobody/helpful", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown review: got %v want %v", rr.Code, http.StatusNotFound)
	}
}

func TestContactAlwaysSucceeds(t *testing.T) {
	h := newTestMux(t, nil)
	created := createClinic(t, h)

	for _, id := range []string{created.ID, "missing"} {
		rr := do(t, h, http.MethodPost, "/services/"+id+"/contact", "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("contact %s: got %v want %v", id, rr.Code, http.StatusOK)
		}
	}
	rr := do(t, h, http.MethodGet, "/services/"+created.ID, "", nil)
	if got := decodeData[model.ServiceRecord](t, rr); got.ContactCount != 1 {
		t.Errorf("contactCount: got %v want 1", got.ContactCount)
	}
}

func TestSyncEndpoints(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		rr := do(t, newTestMux(t, nil), http.MethodPost, "/services/sync/government", "", nil)
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("status: got %v want %v", rr.Code, http.StatusServiceUnavailable)
		}
	})

	t.Run("government", func(t *testing.T) {
		s := &stubSyncer{}
		rr := do(t, newTestMux(t, s), http.MethodPost, "/services/sync/government", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("status: got %v want %v", rr.Code, http.StatusOK)
		}
		if s.source != model.SourceGovernmentAPI {
			t.Errorf("source: got %v want %v", s.source, model.SourceGovernmentAPI)
		}
		if report := decodeData[feeds.Report](t, rr); report.Synced != 1 {
			t.Errorf("synced: got %v want 1", report.Synced)
		}
	})

	t.Run("all feeds", func(t *testing.T) {
		s := &stubSyncer{}
		rr := do(t, newTestMux(t, s), http.MethodPost, "/services/sync", "", nil)
		if rr.Code != http.StatusOK || !s.all {
			t.Errorf("status: got %v, all: %v", rr.Code, s.all)
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		rr := do(t, newTestMux(t, &stubSyncer{}), http.MethodPost, "/services/sync?source=carrier_pigeon", "", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status: got %v want %v", rr.Code, http.StatusBadRequest)
		}
	})

	t.Run("already running", func(t *testing.T) {
		rr := do(t, newTestMux(t, &stubSyncer{err: feeds.ErrSyncInProgress}), http.MethodPost, "/services/sync", "", nil)
		if rr.Code != http.StatusConflict {
			t.Fatalf("status: got %v want %v", rr.Code, http.StatusConflict)
		}
		if code := decodeError(t, rr).Error.Code; code != "DISC_SYNC_IN_PROGRESS" {
			t.Errorf("code: got %v want DISC_SYNC_IN_PROGRESS", code)
		}
	})
}

func TestCORS(t *testing.T) {
	h := newTestMux(t, nil)

	rr := do(t, h, http.MethodOptions, "/services/search", "", map[string]string{"Origin": "https://app.example.org"})
	if rr.Code != http.StatusNoContent {
		t.Errorf("preflight: got %v want %v", rr.Code, http.StatusNoContent)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.org" {
		t.Errorf("allow origin: got %q", got)
	}

	rr = do(t, h, http.MethodGet, "/services/categories", "", map[string]string{"Origin": "https://evil.example.com"})
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin echoed: %q", got)
	}
}
