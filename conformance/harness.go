// Package conformance provides a test harness that drives the discovery API
// end to end over HTTP, with a fake provider feed behind the sync routes.
package conformance

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/communitylink/service-discovery/internal/cache"
	"github.com/communitylink/service-discovery/internal/discovery"
	"github.com/communitylink/service-discovery/internal/feeds"
	"github.com/communitylink/service-discovery/internal/model"
	"github.com/communitylink/service-discovery/internal/server"
	"github.com/communitylink/service-discovery/internal/storage"
)

// FeedAPIKey is the key the fake provider expects.
const FeedAPIKey = "conformance-key"

// Harness runs the API against an in-memory catalogue.
type Harness struct {
	server *httptest.Server
	feed   *httptest.Server
	store  storage.Store
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// FeedItems is served by the fake government feed. Nil serves DefaultFeedItems.
	FeedItems []map[string]any

	// CacheTTL bounds cached search results; zero uses the default.
	CacheTTL time.Duration
}

// DefaultFeedItems is a small government batch with one item that cannot be mapped.
func DefaultFeedItems() []map[string]any {
	return []map[string]any{
		{
			"id": "gov-001", "name": "Centrelink Newcastle", "category": "government",
			"latitude": -32.9267, "longitude": 151.7789, "phone": "13 24 68",
			"region": "Hunter", "services": []string{"payments", "housing support"},
		},
		{
			"id": "gov-002", "name": "Newcastle Emergency Relief", "category": "emergency services",
			"latitude": -32.9200, "longitude": 151.7500, "phone": "02 4900 1111",
			"state": "NSW", "tags": "food,crisis",
		},
		{
			"id": "gov-003", "name": "Missing Phone Service", "category": "legal",
			"latitude": -33.0, "longitude": 151.0, "region": "Hunter",
		},
	}
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) *Harness {
	items := cfg.FeedItems
	if items == nil {
		items = DefaultFeedItems()
	}
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != FeedAPIKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": items})
	}))

	store := storage.NewMemory()
	resultCache := cache.NewMemory(cache.Options{TTL: cfg.CacheTTL})
	engine := discovery.New(discovery.Options{Store: store, Cache: resultCache})
	govFeed := feeds.Feed{Source: model.SourceGovernmentAPI, Endpoint: feed.URL, APIKey: FeedAPIKey}
	sync := feeds.NewSynchronizer(feeds.Options{
		Store: store,
		Client: feeds.NewClient([]model.Source{model.SourceGovernmentAPI}, feeds.ClientOptions{
			Timeout:           5 * time.Second,
			RequestsPerSecond: 100,
			MaxTries:          1,
		}),
		Feeds: []feeds.Feed{govFeed},
		Cache: resultCache,
	})

	mux := server.NewMux(server.Options{Engine: engine, Sync: sync})
	return &Harness{
		server: httptest.NewServer(mux),
		feed:   feed,
		store:  store,
	}
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test servers.
func (h *Harness) Close() {
	h.server.Close()
	h.feed.Close()
	_ = h.store.Close()
}

// response is a decoded API reply.
type response struct {
	Status        int
	Data          json.RawMessage
	Error         *apiError
	CorrelationID string
}

type apiError struct {
	Code          string          `json:"code"`
	Message       string          `json:"message"`
	CorrelationID string          `json:"correlationId"`
	Details       json.RawMessage `json:"details"`
}

func (h *Harness) call(t *testing.T, method, path string, body any) response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.URL()+path, rdr)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(server.HeaderUserID, "conformance-user")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env struct {
		Data  json.RawMessage `json:"data"`
		Error *apiError       `json:"error"`
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &env)
	return response{
		Status:        resp.StatusCode,
		Data:          env.Data,
		Error:         env.Error,
		CorrelationID: resp.Header.Get("X-Correlation-Id"),
	}
}

func decode[T any](t *testing.T, r response) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(r.Data, &v); err != nil {
		t.Fatalf("decode %s: %v", r.Data, err)
	}
	return v
}

// RunConformanceTests runs all conformance tests against the API.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("CatalogueLifecycle", h.testCatalogueLifecycle)
	t.Run("ErrorEnvelope", h.testErrorEnvelope)
	t.Run("ProviderSync", h.testProviderSync)
	t.Run("SearchSemantics", h.testSearchSemantics)
}

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

func (h *Harness) testCatalogueLifecycle(t *testing.T) {
	input := map[string]any{
		"name":        "Hamilton Legal Aid",
		"category":    "legal",
		"coordinates": []float64{151.7480, -32.9220},
		"region":      "Hunter",
		"phone":       "1300 888 529",
		"services":    []string{"tenancy advice"},
	}
	created := h.call(t, http.MethodPost, "/services", input)
	if created.Status != http.StatusCreated {
		t.Fatalf("create: got %d (%+v)", created.Status, created.Error)
	}
	rec := decode[model.ServiceRecord](t, created)
	if rec.IsEssential {
		t.Errorf("legal services are not essential by default")
	}
	if len(rec.SearchKeywords) == 0 {
		t.Errorf("created record has no search keywords")
	}

	input["name"] = "Hamilton Community Legal Centre"
	updated := h.call(t, http.MethodPut, "/services/"+rec.ID, input)
	if updated.Status != http.StatusOK {
		t.Fatalf("update: got %d (%+v)", updated.Status, updated.Error)
	}
	if got := decode[model.ServiceRecord](t, updated); got.Name != "Hamilton Community Legal Centre" || !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("update: got name %q createdAt %v", got.Name, got.CreatedAt)
	}

	if r := h.call(t, http.MethodPost, "/services/"+rec.ID+"/reviews", map[string]any{"rating": 5}); r.Status != http.StatusOK {
		t.Errorf("review: got %d (%+v)", r.Status, r.Error)
	}
	if r := h.call(t, http.MethodPost, "/services/"+rec.ID+"/reviews", map[string]any{"rating": 3}); r.Status != http.StatusOK {
		t.Errorf("review update: got %d", r.Status)
	}
	got := decode[model.ServiceRecord](t, h.call(t, http.MethodGet, "/services/"+rec.ID, nil))
	if got.Ratings.Count != 1 || got.Ratings.Average != 3 {
		t.Errorf("one review per user: got %+v", got.Ratings)
	}

	if r := h.call(t, http.MethodDelete, "/services/"+rec.ID, nil); r.Status != http.StatusOK {
		t.Fatalf("delete: got %d", r.Status)
	}
	if r := h.call(t, http.MethodGet, "/services/"+rec.ID, nil); r.Status != http.StatusNotFound {
		t.Errorf("get deleted: got %d want 404", r.Status)
	}
}

func (h *Harness) testErrorEnvelope(t *testing.T) {
	r := h.call(t, http.MethodGet, "/services/does-not-exist", nil)
	if r.Status != http.StatusNotFound || r.Error == nil {
		t.Fatalf("expected 404 error envelope, got %d", r.Status)
	}
	if r.Error.Code != "DISC_NOT_FOUND" {
		t.Errorf("code: got %s", r.Error.Code)
	}
	if r.Error.CorrelationID == "" || r.Error.CorrelationID != r.CorrelationID {
		t.Errorf("correlation id mismatch: body %q header %q", r.Error.CorrelationID, r.CorrelationID)
	}

	r = h.call(t, http.MethodGet, "/services/search?sortBy=popularity", nil)
	if r.Status != http.StatusBadRequest || r.Error == nil || r.Error.Code != "DISC_VALIDATION" {
		t.Errorf("unknown sort: got %d %+v", r.Status, r.Error)
	}
}

func (h *Harness) testProviderSync(t *testing.T) {
	first := h.call(t, http.MethodPost, "/services/sync/government", nil)
	if first.Status != http.StatusOK {
		t.Fatalf("sync: got %d (%+v)", first.Status, first.Error)
	}
	report := decode[feeds.Report](t, first)
	gov := report.Feeds[model.SourceGovernmentAPI]
	if gov.Synced != 2 || gov.Errors != 1 {
		t.Errorf("first sync: got %+v want synced 2 errors 1", gov)
	}

	second := decode[feeds.Report](t, h.call(t, http.MethodPost, "/services/sync", nil))
	if second.Synced != 2 {
		t.Errorf("second sync: got %d synced", second.Synced)
	}

	res := decode[model.SearchResult](t, h.call(t, http.MethodGet, "/services/search?query=centrelink", nil))
	if res.Total != 1 {
		t.Fatalf("repeat sync duplicated records: total %d", res.Total)
	}
	hit := res.Services[0]
	if hit.Source != model.SourceGovernmentAPI || hit.SourceID != "gov-001" || !hit.IsVerified {
		t.Errorf("provider fields: source %s sourceId %s verified %v", hit.Source, hit.SourceID, hit.IsVerified)
	}
}

func (h *Harness) testSearchSemantics(t *testing.T) {
	res := decode[model.SearchResult](t, h.call(t, http.MethodGet, "/services/essential?lat=-32.9283&lon=151.7817", nil))
	if res.Total == 0 {
		t.Fatalf("expected essential services near Newcastle")
	}
	var last float64
	for _, hit := range res.Services {
		if hit.Distance == nil {
			t.Fatalf("essential hit %s has no distance", hit.ID)
		}
		if *hit.Distance < last {
			t.Errorf("essential results not ordered by distance")
		}
		last = *hit.Distance
	}

	r := h.call(t, http.MethodGet, "/services/search?category=emergency&lowDataMode=true", nil)
	var lowData struct {
		Services []map[string]json.RawMessage `json:"services"`
	}
	if err := json.Unmarshal(r.Data, &lowData); err != nil || len(lowData.Services) != 1 {
		t.Fatalf("low data search: %v (%s)", err, r.Data)
	}
	keys := make([]string, 0, len(lowData.Services[0]))
	for k := range lowData.Services[0] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch k {
		case "id", "name", "category", "address", "region", "phone", "hours", "isEssential", "distance":
		default:
			t.Errorf("low data projection leaked field %q", k)
		}
	}

	sugg := decode[model.SearchResult](t, h.call(t, http.MethodGet, "/services/search?query=newcastle", nil))
	if len(sugg.Suggestions) > 5 {
		t.Errorf("too many suggestions: %v", sugg.Suggestions)
	}
}
