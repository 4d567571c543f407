// integration/sync_test.go
// Package integration exercises provider sync through the HTTP API with real
// feed clients talking to fake provider servers.
package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/communitylink/service-discovery/internal/discovery"
	"github.com/communitylink/service-discovery/internal/feeds"
	"github.com/communitylink/service-discovery/internal/model"
	"github.com/communitylink/service-discovery/internal/server"
	"github.com/communitylink/service-discovery/internal/storage"
)

// provider is a fake feed whose batch and status can change between syncs.
type provider struct {
	mu     sync.Mutex
	items  []map[string]any
	status int
	calls  atomic.Int32
}

func (p *provider) set(status int, items ...map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status, p.items = status, items
}

func (p *provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if p.status != http.StatusOK {
		w.WriteHeader(p.status)
		return
	}
	items := p.items
	if items == nil {
		items = []map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(items)
}

type env struct {
	api    http.Handler
	gov    *provider
	health *provider
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{gov: &provider{status: http.StatusOK}, health: &provider{status: http.StatusOK}}
	govSrv := httptest.NewServer(e.gov)
	healthSrv := httptest.NewServer(e.health)
	t.Cleanup(govSrv.Close)
	t.Cleanup(healthSrv.Close)

	store := storage.NewMemory()
	engine := discovery.New(discovery.Options{Store: store})
	sources := []model.Source{model.SourceGovernmentAPI, model.SourceHealthDirect}
	syncer := feeds.NewSynchronizer(feeds.Options{
		Store: store,
		Client: feeds.NewClient(sources, feeds.ClientOptions{
			Timeout:           2 * time.Second,
			RequestsPerSecond: 1000,
			MaxTries:          2,
		}),
		Feeds: []feeds.Feed{
			{Source: model.SourceGovernmentAPI, Endpoint: govSrv.URL, APIKey: "gov-key"},
			{Source: model.SourceHealthDirect, Endpoint: healthSrv.URL, APIKey: "health-key"},
		},
		Cache: engine.Cache(),
	})
	e.api = server.NewMux(server.Options{Engine: engine, Sync: syncer})
	return e
}

func (e *env) request(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set(server.HeaderUserID, "resident-1")
	rr := httptest.NewRecorder()
	e.api.ServeHTTP(rr, req)
	if out != nil && rr.Code < 300 {
		wrapper := struct {
			Data any `json:"data"`
		}{Data: out}
		if err := json.Unmarshal(rr.Body.Bytes(), &wrapper); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return rr.Code
}

func gp(id, name string) map[string]any {
	return map[string]any{
		"service_id": id, "service_name": name, "service_type": "GP",
		"location": map[string]any{"lat": -33.8150, "lng": 151.0011},
		"contact": map[string]any{"phone": "02 9000 0000"},
		"suburb": "Parramatta", "state": "NSW",
	}
}

func TestSyncAcrossFeeds(t *testing.T) {
	e := newEnv(t)
	e.gov.set(http.StatusOK, map[string]any{
		"id": "g-1", "name": "Service NSW Parramatta", "category": "government",
		"latitude": -33.8170, "longitude": 151.0030, "phone": "13 77 88", "region": "Western Sydney",
	})
	e.health.set(http.StatusServiceUnavailable)

	var report feeds.Report
	if code := e.request(t, http.MethodPost, "/services/sync", "", &report); code != http.StatusOK {
		t.Fatalf("sync: got %d", code)
	}
	if got := report.Feeds[model.SourceGovernmentAPI]; got.Synced != 1 || got.Errors != 0 {
		t.Errorf("government feed: got %+v", got)
	}
	if got := report.Feeds[model.SourceHealthDirect]; got.Synced != 0 || got.Errors != 1 {
		t.Errorf("failing health feed: got %+v want one error", got)
	}
	if calls := e.health.calls.Load(); calls != 2 {
		t.Errorf("health feed calls: got %d want 2 attempts", calls)
	}

	e.health.set(http.StatusOK, gp("h-1", "Parramatta Medical Centre"))
	if code := e.request(t, http.MethodPost, "/services/sync?source=health_direct", "", &report); code != http.StatusOK {
		t.Fatalf("health sync: got %d", code)
	}
	if report.Synced != 1 {
		t.Errorf("health sync: got %d synced", report.Synced)
	}

	var res model.SearchResult
	e.request(t, http.MethodGet, "/services/search?lat=-33.8150&lon=151.0011&radius=5km&sortBy=distance", "", &res)
	if res.Total != 2 {
		t.Fatalf("nearby services: got %d want 2", res.Total)
	}
	if res.Services[0].Source != model.SourceHealthDirect {
		t.Errorf("nearest service: got %s want the GP", res.Services[0].Name)
	}
}

func TestResyncKeepsCommunityData(t *testing.T) {
	e := newEnv(t)
	e.health.set(http.StatusOK, gp("h-7", "Westmead Family Practice"))

	if code := e.request(t, http.MethodPost, "/services/sync?source=health_direct", "", nil); code != http.StatusOK {
		t.Fatalf("sync: got %d", code)
	}
	var res model.SearchResult
	e.request(t, http.MethodGet, "/services/search?query=westmead", "", &res)
	if res.Total != 1 {
		t.Fatalf("search after sync: got %d", res.Total)
	}
	id := res.Services[0].ID

	if code := e.request(t, http.MethodPost, "/services/"+id+"/reviews", `{"rating": 5, "comment": "Bulk bills"}`, nil); code != http.StatusOK {
		t.Fatalf("review: got %d", code)
	}
	e.request(t, http.MethodGet, "/services/"+id+"?view=true", "", nil)

	e.health.set(http.StatusOK, gp("h-7", "Westmead Family Medical Practice"))
	if code := e.request(t, http.MethodPost, "/services/sync?source=health_direct", "", nil); code != http.StatusOK {
		t.Fatalf("resync: got %d", code)
	}

	var rec model.ServiceRecord
	e.request(t, http.MethodGet, "/services/"+id, "", &rec)
	if rec.Name != "Westmead Family Medical Practice" {
		t.Errorf("provider update not applied: %q", rec.Name)
	}
	if rec.Ratings.Count != 1 || rec.ViewCount != 1 {
		t.Errorf("community data lost: ratings %+v views %d", rec.Ratings, rec.ViewCount)
	}

	// A provider dropping an item leaves the record in place.
	e.health.set(http.StatusOK)
	e.request(t, http.MethodPost, "/services/sync?source=health_direct", "", nil)
	if code := e.request(t, http.MethodGet, "/services/"+id, "", nil); code != http.StatusOK {
		t.Errorf("record removed after provider dropped it: %d", code)
	}
}
