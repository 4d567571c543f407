// internal/discovery/engine.go
// Package discovery is the search and catalogue engine behind the HTTP API.
// It compiles searches, serves them through the result cache, annotates
// distances and suggestions, and keeps the cache coherent with every write.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/communitylink/service-discovery/internal/cache"
	"github.com/communitylink/service-discovery/internal/event"
	"github.com/communitylink/service-discovery/internal/geo"
	"github.com/communitylink/service-discovery/internal/metrics"
	"github.com/communitylink/service-discovery/internal/model"
	"github.com/communitylink/service-discovery/internal/query"
	"github.com/communitylink/service-discovery/internal/storage"
)

// Bounds of the essential-services listing.
const (
	EssentialRadius = "100km"
	EssentialLimit  = 50
)

// Options wires an Engine. Only Store is required.
type Options struct {
	Store     storage.Store
	Cache     cache.ResultCache
	Publisher event.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Engine serves searches and catalogue mutations.
type Engine struct {
	store     storage.Store
	cache     cache.ResultCache
	publisher event.Publisher
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time
}

// New creates an Engine. A nil Cache gets a default memory cache reporting
// to Metrics; a nil Publisher drops events.
func New(opts Options) *Engine {
	e := &Engine{
		store:     opts.Store,
		cache:     opts.Cache,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.cache == nil {
		e.cache = cache.NewMemory(cache.Options{Now: e.now, Observer: CacheObserver(e.metrics, e.log)})
	}
	if e.publisher == nil {
		e.publisher = event.NewNoop()
	}
	return e
}

// CacheObserver reports cache events to m and logs them at debug level.
func CacheObserver(m *metrics.Metrics, log *slog.Logger) cache.Observer {
	if log == nil {
		log = slog.Default()
	}
	count := func(ev, reason string) {
		if m != nil {
			m.CacheEventsTotal.WithLabelValues(ev, reason).Inc()
		}
	}
	return cache.Observer{
		Hit:  func() { count("hit", "") },
		Miss: func() { count("miss", "") },
		Evict: func(reason string) {
			count("evict", reason)
			log.Debug("cache entry evicted", "reason", reason)
		},
		Clear: func() {
			count("clear", "")
			log.Debug("cache cleared")
		},
	}
}

// Cache exposes the engine's result cache.
func (e *Engine) Cache() cache.ResultCache { return e.cache }

// Search runs a catalogue search. Identical requests within the cache TTL
// return the same result object without touching the store.
func (e *Engine) Search(ctx context.Context, filters model.SearchFilters, opts model.SearchOptions) (*model.SearchResult, error) {
	plan, err := query.Compile(filters, opts)
	if err != nil {
		return nil, err
	}
	key := plan.CacheKey()
	if res, ok := e.cache.Get(key); ok {
		return res, nil
	}

	start := time.Now()
	found, err := e.store.Find(ctx, plan)
	e.metrics.ObserveStore("find", start, err)
	if err != nil {
		e.log.Error("search failed", "sort_mode", plan.SortMode.String(), "error", err)
		return nil, fmt.Errorf("search: %w", err)
	}

	hits := found.Hits
	if hits == nil {
		hits = []model.ServiceHit{}
	}
	for i := range hits {
		hits[i].LowData = plan.LowData
	}
	if plan.Near != nil {
		geo.Annotate(plan.Near.Point, hits)
	}

	res := &model.SearchResult{
		Services:    hits,
		Total:       found.Total,
		Suggestions: e.suggestions(ctx, plan.Text),
	}
	e.cache.Set(key, res)
	if e.metrics != nil {
		e.metrics.CacheEntries.Set(float64(e.cache.Len()))
	}
	return res, nil
}

// Essential lists active, essential, offline-available records within
// 100 km of origin, nearest first, in low-data form.
func (e *Engine) Essential(ctx context.Context, origin *model.Point) (*model.SearchResult, error) {
	if origin == nil {
		return nil, &model.ValidationError{Fields: []model.FieldError{
			{Field: "lat", Message: "is required"},
			{Field: "lon", Message: "is required"},
		}}
	}
	return e.Search(ctx,
		model.SearchFilters{Origin: origin, Radius: EssentialRadius, EssentialOnly: true, OfflineOnly: true},
		model.SearchOptions{Limit: EssentialLimit, SortBy: model.SortDistance, LowDataMode: true},
	)
}

// Get returns an active record. With recordView set the view counter is
// bumped; a failure to record the view is logged and ignored.
func (e *Engine) Get(ctx context.Context, id string, recordView bool) (*model.ServiceRecord, error) {
	start := time.Now()
	rec, err := e.store.Get(ctx, id)
	e.metrics.ObserveStore("get", start, err)
	if err != nil {
		return nil, err
	}
	if !rec.IsActive {
		return nil, storage.ErrNotFound
	}
	if recordView {
		at := e.now().UTC()
		if err := e.store.RecordView(ctx, id, at); err != nil {
			e.log.Warn("failed to record view", "id", id, "error", err)
		} else {
			rec.ViewCount++
			rec.LastViewedAt = &at
		}
	}
	return rec, nil
}

// Create validates in and stores a new active record.
func (e *Engine) Create(ctx context.Context, in *model.ServiceInput) (*model.ServiceRecord, error) {
	if err := model.Validate(in); err != nil {
		return nil, err
	}
	now := e.now().UTC()

	start := time.Now()
	rec, err := e.store.Create(ctx, in.NewRecord(now))
	e.metrics.ObserveStore("create", start, err)
	if err != nil {
		return nil, err
	}
	e.changed(ctx, event.ServiceCreated, rec)
	return rec, nil
}

// Update replaces the content of an active record. Reviews, counters and
// lifecycle fields are kept and search keywords are regenerated.
func (e *Engine) Update(ctx context.Context, id string, in *model.ServiceInput) (*model.ServiceRecord, error) {
	if err := model.Validate(in); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	rec, err := e.mutate(ctx, "update", id, func(rec *model.ServiceRecord) error {
		in.ApplyTo(rec, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.changed(ctx, event.ServiceUpdated, rec)
	return rec, nil
}

// Delete soft-deletes an active record.
func (e *Engine) Delete(ctx context.Context, id string) error {
	rec, err := e.Get(ctx, id, false)
	if err != nil {
		return err
	}
	start := time.Now()
	err = e.store.Deactivate(ctx, id, e.now().UTC())
	e.metrics.ObserveStore("deactivate", start, err)
	if err != nil {
		return err
	}
	e.changed(ctx, event.ServiceDeleted, rec)
	return nil
}

// AddOrUpdateReview records userID's review of an active record and
// recomputes its rating aggregate in the same write.
func (e *Engine) AddOrUpdateReview(ctx context.Context, id, userID string, in model.ReviewInput) (*model.ServiceRecord, error) {
	if userID == "" {
		return nil, model.NewValidationError("userId", "is required")
	}
	if err := model.Validate(&in); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	rec, err := e.mutate(ctx, "review", id, func(rec *model.ServiceRecord) error {
		rec.ApplyReview(userID, in.Rating, in.Comment, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.changed(ctx, event.ServiceReviewed, rec)
	return rec, nil
}

// VoteHelpful adds a helpful vote to reviewUserID's review of record id.
func (e *Engine) VoteHelpful(ctx context.Context, id, reviewUserID string) (*model.ServiceRecord, error) {
	rec, err := e.mutate(ctx, "helpful", id, func(rec *model.ServiceRecord) error {
		return rec.VoteHelpful(reviewUserID)
	})
	if err != nil {
		return nil, err
	}
	e.changed(ctx, event.ServiceReviewed, rec)
	return rec, nil
}

// RecordContact bumps the contact counter. It never fails the caller.
func (e *Engine) RecordContact(ctx context.Context, id string) {
	start := time.Now()
	err := e.store.RecordContact(ctx, id, e.now().UTC())
	e.metrics.ObserveStore("contact", start, err)
	if err != nil {
		e.log.Warn("failed to record contact", "id", id, "error", err)
	}
}

// Categories summarises the active catalogue per category.
func (e *Engine) Categories(ctx context.Context) ([]model.CategoryStat, error) {
	start := time.Now()
	stats, err := e.store.CategoryStats(ctx)
	e.metrics.ObserveStore("category_stats", start, err)
	return stats, err
}

// InvalidateCache drops every cached search result.
func (e *Engine) InvalidateCache() {
	e.cache.Clear()
	if e.metrics != nil {
		e.metrics.CacheEntries.Set(0)
	}
}

// HandleEvent clears the cache when another instance changed the catalogue.
func (e *Engine) HandleEvent(env event.Envelope) {
	e.log.Debug("remote catalogue change", "type", env.Type, "origin", env.Origin)
	e.InvalidateCache()
}

// Ping checks the store.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// mutate applies fn to an active record.
func (e *Engine) mutate(ctx context.Context, op, id string, fn storage.MutateFunc) (*model.ServiceRecord, error) {
	start := time.Now()
	rec, err := e.store.Mutate(ctx, id, func(rec *model.ServiceRecord) error {
		if !rec.IsActive {
			return storage.ErrNotFound
		}
		return fn(rec)
	})
	e.metrics.ObserveStore(op, start, err)
	return rec, err
}

// changed clears the cache and announces the change. Publish failures are logged.
func (e *Engine) changed(ctx context.Context, kind event.ChangeType, rec *model.ServiceRecord) {
	e.InvalidateCache()
	err := e.publisher.PublishServiceChanged(ctx, event.ServiceChange{Type: kind, ServiceID: rec.ID, Source: rec.Source})
	e.metrics.ObserveEvent("services."+string(kind), err)
	if err != nil {
		e.log.Warn("failed to publish catalogue change", "type", kind, "id", rec.ID, "error", err)
	}
}
