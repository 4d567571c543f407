package feeds

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communitylink/service-discovery/internal/cache"
	"github.com/communitylink/service-discovery/internal/model"
	"github.com/communitylink/service-discovery/internal/storage"
)

var feedItems = []map[string]any{
	{"id": "g-1", "name": "Service NSW Parramatta", "category": "government", "lat": -33.815, "lon": 151.003, "phone": "137788", "region": "NSW"},
	{"id": "g-2", "name": "Legal Aid Sydney", "category": "law", "lat": -33.869, "lon": 151.207, "phone": "1300888529", "region": "NSW"},
	{"id": "g-3", "name": "Westmead Hospital", "category": "healthcare", "lat": -33.802, "lon": 150.987, "phone": "0288905555", "state": "NSW"},
}

// feedServer serves body as JSON and checks the API key header.
func feedServer(t *testing.T, body any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	store storage.Store
	cache cache.ResultCache
	sync  *Synchronizer
}

func newFixture(t *testing.T, feeds ...Feed) *fixture {
	t.Helper()
	sources := make([]model.Source, 0, len(feeds))
	for _, f := range feeds {
		sources = append(sources, f.Source)
	}
	f := &fixture{
		store: storage.NewMemory(),
		cache: cache.NewMemory(cache.Options{}),
	}
	f.sync = NewSynchronizer(Options{
		Store:  f.store,
		Client: NewClient(sources, ClientOptions{Timeout: 200 * time.Millisecond, RequestsPerSecond: 1000, MaxTries: 1}),
		Feeds:  feeds,
		Cache:  f.cache,
	})
	return f
}

func TestSyncInsertsWithDefaults(t *testing.T) {
	srv := feedServer(t, map[string]any{"data": feedItems})
	f := newFixture(t, Feed{Source: model.SourceGovernmentAPI, Endpoint: srv.URL, APIKey: "key"})

	report, err := f.sync.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Synced: 3}, report.Feeds[model.SourceGovernmentAPI])
	assert.Equal(t, 3, report.Synced)
	assert.Zero(t, report.Errors)

	rec, err := f.store.FindBySource(context.Background(), model.SourceGovernmentAPI, "g-3")
	require.NoError(t, err)
	assert.True(t, rec.IsVerified)
	assert.True(t, rec.OfflineAvailable)
	assert.True(t, rec.IsActive)
	assert.True(t, rec.IsEssential)
	assert.Equal(t, model.CategoryHealth, rec.Category)
	assert.Equal(t, "NSW", rec.Region)
	assert.Contains(t, rec.SearchKeywords, "westmead")
}

func TestSyncIsIdempotent(t *testing.T) {
	srv := feedServer(t, feedItems)
	f := newFixture(t, Feed{Source: model.SourceGovernmentAPI, Endpoint: srv.URL, APIKey: "key"})
	ctx := context.Background()

	_, err := f.sync.SyncAll(ctx)
	require.NoError(t, err)
	first, err := f.store.FindBySource(ctx, model.SourceGovernmentAPI, "g-1")
	require.NoError(t, err)

	// Reviews and counters gathered between syncs must survive the update.
	_, err = f.store.Mutate(ctx, first.ID, func(rec *model.ServiceRecord) error {
		rec.ApplyReview("user-1", 4, "helpful staff", time.Now())
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.store.RecordView(ctx, first.ID, time.Now()))

	report, err := f.sync.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Synced)

	count, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count, "second sync updates in place")

	again, err := f.store.FindBySource(ctx, model.SourceGovernmentAPI, "g-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)
	assert.Equal(t, 1, again.Ratings.Count)
	assert.Equal(t, int64(1), again.ViewCount)
	assert.False(t, again.LastUpdated.Before(first.LastUpdated))
}

func TestSyncIsolatesBadItems(t *testing.T) {
	items := append([]map[string]any{
		{"id": "bad", "name": "No coordinates", "phone": "1", "region": "r"},
	}, feedItems...)
	srv := feedServer(t, map[string]any{"results": items})
	f := newFixture(t, Feed{Source: model.SourceGovernmentAPI, Endpoint: srv.URL, APIKey: "key"})

	report, err := f.sync.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Synced: 3, Errors: 1}, report.Feeds[model.SourceGovernmentAPI])
}

func TestSyncUnconfiguredFeed(t *testing.T) {
	f := newFixture(t,
		Feed{Source: model.SourceGovernmentAPI},
		Feed{Source: model.SourceHealthDirect, Endpoint: "http://example.invalid"},
	)

	report, err := f.sync.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, report.Feeds[model.SourceGovernmentAPI])
	assert.Equal(t, Result{}, report.Feeds[model.SourceHealthDirect])
	assert.Zero(t, report.Synced)
	assert.Zero(t, report.Errors)

	report, err = f.sync.SyncSource(context.Background(), model.SourceDataGovAU)
	require.NoError(t, err)
	assert.Equal(t, Result{}, report.Feeds[model.SourceDataGovAU])
}

func TestSyncFeedTimeoutIsPerFeedError(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)
	good := feedServer(t, feedItems)

	f := newFixture(t,
		Feed{Source: model.SourceGovernmentAPI, Endpoint: slow.URL, APIKey: "key"},
		Feed{Source: model.SourceHealthDirect, Endpoint: good.URL, APIKey: "key"},
	)

	report, err := f.sync.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Errors: 1}, report.Feeds[model.SourceGovernmentAPI])
	assert.Equal(t, Result{Synced: 3}, report.Feeds[model.SourceHealthDirect])
}

func TestSyncServerErrorIsPerFeedError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	f := newFixture(t, Feed{Source: model.SourceGovernmentAPI, Endpoint: srv.URL, APIKey: "key"})

	report, err := f.sync.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Errors: 1}, report.Feeds[model.SourceGovernmentAPI])
	assert.Equal(t, int32(1), calls.Load())
}

func TestSyncClearsCache(t *testing.T) {
	srv := feedServer(t, feedItems)
	f := newFixture(t, Feed{Source: model.SourceGovernmentAPI, Endpoint: srv.URL, APIKey: "key"})
	f.cache.Set("k", &model.SearchResult{})
	require.Equal(t, 1, f.cache.Len())

	_, err := f.sync.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, f.cache.Len())
}

func TestSyncRejectsOverlappingRuns(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		_ = json.NewEncoder(w).Encode(feedItems)
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, Feed{Source: model.SourceGovernmentAPI, Endpoint: srv.URL, APIKey: "key"})
	f.sync.client = NewClient([]model.Source{model.SourceGovernmentAPI}, ClientOptions{Timeout: 5 * time.Second, MaxTries: 1})

	done := make(chan error, 1)
	go func() {
		_, err := f.sync.SyncAll(context.Background())
		done <- err
	}()
	<-started

	_, err := f.sync.SyncAll(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestClientSendsCredentials(t *testing.T) {
	var auth, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, key = r.Header.Get("Authorization"), r.Header.Get("X-API-Key")
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(nil, ClientOptions{MaxTries: 1})
	batch, err := c.FetchBatch(context.Background(), Feed{Source: model.SourceDataGovAU, Endpoint: srv.URL, APIKey: "s3cret"})
	require.NoError(t, err)
	assert.Empty(t, batch.Items)
	assert.Equal(t, "[]", string(batch.Raw))
	assert.Equal(t, "Bearer s3cret", auth)
	assert.Equal(t, "s3cret", key)
}
