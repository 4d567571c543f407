package feeds

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/communitylink/service-discovery/internal/cache"
	"github.com/communitylink/service-discovery/internal/event"
	"github.com/communitylink/service-discovery/internal/metrics"
	"github.com/communitylink/service-discovery/internal/model"
	"github.com/communitylink/service-discovery/internal/schema"
	"github.com/communitylink/service-discovery/internal/storage"
	"github.com/communitylink/service-discovery/internal/telemetry"
)

// ErrSyncInProgress is returned when a sync is requested while one is running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Archiver stores raw provider batches. *archive.S3Archive satisfies it.
type Archiver interface {
	PutBatch(ctx context.Context, source model.Source, fetchedAt time.Time, body []byte) (string, error)
}

// Result is one feed's outcome.
type Result struct {
	Synced int `json:"synced"`
	Errors int `json:"errors"`
}

// Report is the outcome of a sync run.
type Report struct {
	Feeds      map[model.Source]Result `json:"feeds"`
	Synced     int                     `json:"synced"`
	Errors     int                     `json:"errors"`
	StartedAt  time.Time               `json:"startedAt"`
	FinishedAt time.Time               `json:"finishedAt"`
}

// Options wires a Synchronizer. Cache, Publisher, Archive, Schema, Metrics,
// Logger and Now are optional.
type Options struct {
	Store     storage.Store
	Client    *Client
	Feeds     []Feed
	Cache     cache.ResultCache
	Publisher event.Publisher
	Archive   Archiver
	Schema    *schema.Validator
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Synchronizer reconciles external feeds into the catalogue. Feeds and the
// items within a feed are processed one at a time, and at most one run is
// active at once.
type Synchronizer struct {
	store     storage.Store
	client    *Client
	feeds     []Feed
	cache     cache.ResultCache
	publisher event.Publisher
	archive   Archiver
	schema    *schema.Validator
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time

	running sync.Mutex
}

// NewSynchronizer creates a synchronizer over the given feeds.
func NewSynchronizer(opts Options) *Synchronizer {
	s := &Synchronizer{
		store:     opts.Store,
		client:    opts.Client,
		feeds:     opts.Feeds,
		cache:     opts.Cache,
		publisher: opts.Publisher,
		archive:   opts.Archive,
		schema:    opts.Schema,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if s.client == nil {
		sources := make([]model.Source, 0, len(s.feeds))
		for _, f := range s.feeds {
			sources = append(sources, f.Source)
		}
		s.client = NewClient(sources, ClientOptions{Metrics: s.metrics})
	}
	if s.publisher == nil {
		s.publisher = event.NewNoop()
	}
	if s.schema == nil {
		s.schema = schema.MustNewValidator()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SyncAll syncs every feed in configuration order.
func (s *Synchronizer) SyncAll(ctx context.Context) (*Report, error) {
	return s.run(ctx, s.feeds)
}

// SyncSource syncs the single feed for source. A source with no feed
// configured yields zero counts.
func (s *Synchronizer) SyncSource(ctx context.Context, source model.Source) (*Report, error) {
	feed := Feed{Source: source}
	for _, f := range s.feeds {
		if f.Source == source {
			feed = f
			break
		}
	}
	return s.run(ctx, []Feed{feed})
}

func (s *Synchronizer) run(ctx context.Context, feeds []Feed) (*Report, error) {
	if !s.running.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer s.running.Unlock()

	report := &Report{Feeds: make(map[model.Source]Result, len(feeds)), StartedAt: s.now().UTC()}
	for _, feed := range feeds {
		res := s.syncFeed(ctx, feed)
		report.Feeds[feed.Source] = res
		report.Synced += res.Synced
		report.Errors += res.Errors
	}
	report.FinishedAt = s.now().UTC()

	if s.cache != nil {
		s.cache.Clear()
	}

	summary := event.SyncCompleted{
		Feeds:  make(map[model.Source]event.SyncCounts, len(report.Feeds)),
		Synced: report.Synced,
		Errors: report.Errors,
	}
	for source, res := range report.Feeds {
		summary.Feeds[source] = event.SyncCounts{Synced: res.Synced, Errors: res.Errors}
	}
	err := s.publisher.PublishSyncCompleted(ctx, summary)
	s.metrics.ObserveEvent("sync.completed", err)
	if err != nil {
		s.log.Warn("failed to publish sync completion", "error", err)
	}

	s.log.Info("sync finished", "synced", report.Synced, "errors", report.Errors,
		"duration", report.FinishedAt.Sub(report.StartedAt).String())
	return report, nil
}

// syncFeed never fails: a failed fetch counts as one error for the feed and
// each failed item as one more.
func (s *Synchronizer) syncFeed(ctx context.Context, feed Feed) Result {
	if !feed.Configured() {
		s.log.Debug("feed not configured, skipping", "source", feed.Source)
		return Result{}
	}

	ctx, span := telemetry.Tracer().Start(ctx, "feeds.sync")
	span.SetAttributes(attribute.String("feed.source", string(feed.Source)))
	defer span.End()
	start := time.Now()
	if s.metrics != nil {
		defer func() {
			s.metrics.SyncDuration.WithLabelValues(string(feed.Source)).Observe(time.Since(start).Seconds())
		}()
	}

	batch, err := s.client.FetchBatch(ctx, feed)
	if err != nil {
		s.log.Warn("feed fetch failed", "source", feed.Source, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		s.metrics.ObserveSyncItem(string(feed.Source), "error")
		return Result{Errors: 1}
	}
	span.SetAttributes(attribute.Int("feed.items", len(batch.Items)))

	if s.archive != nil {
		if key, err := s.archive.PutBatch(ctx, feed.Source, batch.FetchedAt, batch.Raw); err != nil {
			s.log.Warn("failed to archive feed batch", "source", feed.Source, "error", err)
		} else {
			s.log.Debug("archived feed batch", "source", feed.Source, "key", key)
		}
	}

	var res Result
	for i, item := range batch.Items {
		if ctx.Err() != nil {
			remaining := len(batch.Items) - i
			s.log.Warn("sync cancelled", "source", feed.Source, "unprocessed", remaining)
			res.Errors += remaining
			break
		}
		outcome, err := s.reconcile(ctx, feed.Source, item)
		if err != nil {
			res.Errors++
			s.metrics.ObserveSyncItem(string(feed.Source), "error")
			s.log.Warn("failed to sync item", "source", feed.Source, "index", i, "source_id", firstString(item, idFields), "error", err)
			continue
		}
		res.Synced++
		s.metrics.ObserveSyncItem(string(feed.Source), outcome)
	}
	return res
}

// reconcile upserts one provider item by provenance and reports whether it
// was "created" or "updated".
func (s *Synchronizer) reconcile(ctx context.Context, source model.Source, item map[string]any) (string, error) {
	if err := s.schema.ValidateValue(schema.KindProviderItem, item); err != nil {
		return "", err
	}
	mapped, err := MapItem(source, item)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()

	existing, err := s.store.FindBySource(ctx, source, mapped.SourceID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		mapped.IsVerified = true
		mapped.OfflineAvailable = true
		mapped.IsActive = true
		mapped.CreatedAt = now
		mapped.LastUpdated = now
		if _, err := s.store.Create(ctx, mapped); err != nil {
			return "", err
		}
		return "created", nil
	case err != nil:
		return "", err
	}

	_, err = s.store.Mutate(ctx, existing.ID, func(rec *model.ServiceRecord) error {
		applyProviderFields(rec, mapped, now)
		return nil
	})
	if err != nil {
		return "", err
	}
	return "updated", nil
}

// applyProviderFields copies the fields a provider owns onto rec. Reviews,
// ratings, usage counters, verification and lifecycle fields are kept.
func applyProviderFields(rec, mapped *model.ServiceRecord, now time.Time) {
	rec.Name = mapped.Name
	rec.Description = mapped.Description
	rec.Category = mapped.Category
	rec.Subcategory = mapped.Subcategory
	rec.Location = mapped.Location
	rec.Address = mapped.Address
	rec.City = mapped.City
	rec.State = mapped.State
	rec.Postcode = mapped.Postcode
	rec.Region = mapped.Region
	rec.Phone = mapped.Phone
	rec.Email = mapped.Email
	rec.Website = mapped.Website
	rec.Hours = mapped.Hours
	rec.EmergencyContact = mapped.EmergencyContact
	rec.Services = mapped.Services
	rec.Tags = mapped.Tags
	rec.IsEssential = mapped.IsEssential
	rec.LastUpdated = now
}
