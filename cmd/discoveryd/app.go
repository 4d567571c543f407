package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/communitylink/service-discovery/internal/archive"
	"github.com/communitylink/service-discovery/internal/cache"
	"github.com/communitylink/service-discovery/internal/config"
	"github.com/communitylink/service-discovery/internal/discovery"
	"github.com/communitylink/service-discovery/internal/event"
	"github.com/communitylink/service-discovery/internal/feeds"
	"github.com/communitylink/service-discovery/internal/metrics"
	"github.com/communitylink/service-discovery/internal/model"
	"github.com/communitylink/service-discovery/internal/schema"
	"github.com/communitylink/service-discovery/internal/storage"
)

// feedOrder fixes the order feeds are synced in.
var feedOrder = []model.Source{
	model.SourceGovernmentAPI,
	model.SourceHealthDirect,
	model.SourceDataGovAU,
}

// app holds the wired components shared by the serve and sync commands.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	store   storage.Store
	pub     event.Publisher
	metrics *metrics.Metrics
	schema  *schema.Validator
	engine  *discovery.Engine
	sync    *feeds.Synchronizer
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		log:     logger,
		metrics: metrics.NewMetrics(),
		schema:  schema.MustNewValidator(),
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.pub = event.NewPublisher(cfg.NATSURL)

	resultCache := cache.NewMemory(cache.Options{
		TTL:      cfg.CacheTTL,
		Capacity: cfg.CacheCapacity,
		Observer: discovery.CacheObserver(a.metrics, logger),
	})
	a.engine = discovery.New(discovery.Options{
		Store:     store,
		Cache:     resultCache,
		Publisher: a.pub,
		Metrics:   a.metrics,
		Logger:    logger,
	})
	if err := a.pub.Subscribe(a.engine.HandleEvent); err != nil {
		logger.Warn("event subscription failed, peer changes will not clear the cache", "error", err)
	}

	var feedList []feeds.Feed
	var sources []model.Source
	for _, src := range feedOrder {
		f := cfg.Feeds[src]
		feedList = append(feedList, feeds.Feed{Source: src, Endpoint: f.Endpoint, APIKey: f.APIKey})
		sources = append(sources, src)
	}
	syncOpts := feeds.Options{
		Store: store,
		Client: feeds.NewClient(sources, feeds.ClientOptions{
			Timeout:           cfg.FeedTimeout,
			RequestsPerSecond: cfg.FeedRate,
			MaxTries:          cfg.FeedRetries,
			Metrics:           a.metrics,
		}),
		Feeds:     feedList,
		Cache:     resultCache,
		Publisher: a.pub,
		Schema:    a.schema,
		Metrics:   a.metrics,
		Logger:    logger,
	}
	if cfg.S3Bucket != "" {
		arch, err := archive.NewS3Archive(ctx, cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("feed archive: %w", err)
		}
		syncOpts.Archive = arch
	}
	a.sync = feeds.NewSynchronizer(syncOpts)
	return a, nil
}

// openStore selects MongoDB, then PostgreSQL, then the in-memory store.
func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch {
	case cfg.MongoURI != "":
		logger.Info("using mongodb catalogue", "database", cfg.MongoDB)
		store, err := storage.NewMongo(cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("mongodb storage: %w", err)
		}
		return store, nil
	case cfg.DatabaseDSN != "":
		logger.Info("using postgres catalogue")
		store, err := storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres storage: %w", err)
		}
		return store, nil
	default:
		logger.Warn("no database configured, using in-memory catalogue")
		return storage.NewMemory(), nil
	}
}

func (a *app) close() {
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			a.log.Warn("event publisher close failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close failed", "error", err)
		}
	}
}
