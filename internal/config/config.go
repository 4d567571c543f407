// Package config loads the discovery service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/communitylink/service-discovery/internal/model"
)

// init loads .env and then .env.local when they exist. godotenv never
// overrides variables already set, so the OS environment wins.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Feed is the endpoint and credential of one external provider feed.
type Feed struct {
	Endpoint string
	APIKey   string
}

// Config captures environment-driven settings for the discovery service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	MongoURI    string // MongoDB connection string; preferred store when set
	MongoDB     string // MongoDB database name
	DatabaseDSN string // PostgreSQL connection string; used when MongoURI is empty
	NATSURL     string // NATS server URL

	// Raw feed archive
	S3Endpoint  string
	S3Region    string
	S3Bucket    string // Empty disables archiving
	S3AccessKey string
	S3SecretKey string

	// Result cache
	CacheTTL      time.Duration
	CacheCapacity int

	// Source sync
	FeedTimeout  time.Duration // Bound on each provider request
	FeedRate     float64       // Requests per second per feed
	FeedRetries  uint          // Attempts per provider request
	SyncSchedule string        // Cron spec for scheduled sync; empty disables
	Feeds        map[model.Source]Feed

	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultEnv           = "dev"
	defaultPort          = "8080"
	defaultMongoDB       = "discovery"
	defaultS3Region      = "us-east-1"
	defaultCacheTTL      = 5 * time.Minute
	defaultCacheCapacity = 100
	defaultFeedTimeout   = 30 * time.Second
	defaultFeedRate      = 5.0
	defaultFeedRetries   = 3
)

// feedEnv names the environment prefix of each external feed.
var feedEnv = map[model.Source]string{
	model.SourceGovernmentAPI: "DISCOVERY_GOVERNMENT_API",
	model.SourceHealthDirect:  "DISCOVERY_HEALTH_DIRECT",
	model.SourceDataGovAU:     "DISCOVERY_DATA_GOV_AU",
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Env:          getEnv("DISCOVERY_ENV", defaultEnv),
		Port:         getEnv("DISCOVERY_PORT", defaultPort),
		MongoURI:     os.Getenv("DISCOVERY_MONGO_URI"),
		MongoDB:      getEnv("DISCOVERY_MONGO_DB", defaultMongoDB),
		DatabaseDSN:  os.Getenv("DISCOVERY_DB_DSN"),
		NATSURL:      os.Getenv("DISCOVERY_NATS_URL"),
		S3Endpoint:   os.Getenv("DISCOVERY_S3_ENDPOINT"),
		S3Region:     getEnv("DISCOVERY_S3_REGION", defaultS3Region),
		S3Bucket:     os.Getenv("DISCOVERY_S3_BUCKET"),
		S3AccessKey:  os.Getenv("DISCOVERY_S3_ACCESS_KEY"),
		S3SecretKey:  os.Getenv("DISCOVERY_S3_SECRET_KEY"),
		SyncSchedule: strings.TrimSpace(os.Getenv("DISCOVERY_SYNC_SCHEDULE")),
		Feeds:        make(map[model.Source]Feed),
	}

	var err error
	if cfg.CacheTTL, err = getDuration("DISCOVERY_CACHE_TTL", defaultCacheTTL); err != nil {
		return cfg, err
	}
	if cfg.CacheCapacity, err = getInt("DISCOVERY_CACHE_CAPACITY", defaultCacheCapacity); err != nil {
		return cfg, err
	}
	if cfg.FeedTimeout, err = getDuration("DISCOVERY_FEED_TIMEOUT", defaultFeedTimeout); err != nil {
		return cfg, err
	}
	if cfg.FeedRate, err = getFloat("DISCOVERY_FEED_RATE", defaultFeedRate); err != nil {
		return cfg, err
	}
	retries, err := getInt("DISCOVERY_FEED_RETRIES", defaultFeedRetries)
	if err != nil {
		return cfg, err
	}

	if cfg.CacheTTL <= 0 {
		return cfg, fmt.Errorf("DISCOVERY_CACHE_TTL must be positive")
	}
	if cfg.CacheCapacity <= 0 {
		return cfg, fmt.Errorf("DISCOVERY_CACHE_CAPACITY must be positive")
	}
	if cfg.FeedTimeout <= 0 {
		return cfg, fmt.Errorf("DISCOVERY_FEED_TIMEOUT must be positive")
	}
	if cfg.FeedRate <= 0 {
		return cfg, fmt.Errorf("DISCOVERY_FEED_RATE must be positive")
	}
	if retries < 1 {
		return cfg, fmt.Errorf("DISCOVERY_FEED_RETRIES must be at least 1")
	}
	cfg.FeedRetries = uint(retries)

	for source, prefix := range feedEnv {
		cfg.Feeds[source] = Feed{
			Endpoint: strings.TrimSpace(os.Getenv(prefix + "_URL")),
			APIKey:   strings.TrimSpace(os.Getenv(prefix + "_KEY")),
		}
	}

	if origins, ok := os.LookupEnv("DISCOVERY_CORS_ALLOWED_ORIGINS"); ok {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}
	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
