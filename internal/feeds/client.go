// internal/feeds/client.go
// Package feeds fetches provider batches from external service directories
// and reconciles them into the catalogue.
package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/communitylink/service-discovery/internal/metrics"
	"github.com/communitylink/service-discovery/internal/model"
)

// maxBatchBytes bounds a provider response body.
const maxBatchBytes = 32 << 20

// batchKeys are the envelope keys providers wrap their item arrays in.
var batchKeys = []string{"data", "results", "items", "services", "records"}

// ErrUnexpectedBody is returned when a feed response holds no item array.
var ErrUnexpectedBody = errors.New("feed response holds no item array")

// Feed is one configured external provider.
type Feed struct {
	Source   model.Source
	Endpoint string
	APIKey   string
}

// Configured reports whether the feed has both an endpoint and a key.
func (f Feed) Configured() bool {
	return f.Endpoint != "" && f.APIKey != ""
}

// Batch is one fetched provider response.
type Batch struct {
	Items     []map[string]any
	Raw       []byte    // Response body as received, for archiving
	FetchedAt time.Time // When the response arrived
}

// ClientOptions tunes the provider client. Zero values take defaults.
type ClientOptions struct {
	Timeout           time.Duration // Per request, including retries' individual attempts
	RequestsPerSecond float64
	MaxTries          uint
	Metrics           *metrics.Metrics
}

// Client fetches provider batches with pacing, retries and a circuit breaker
// per source.
type Client struct {
	hc       *http.Client
	rps      float64
	maxTries uint
	metrics  *metrics.Metrics

	limiters map[model.Source]*rate.Limiter
	breakers map[model.Source]*gobreaker.CircuitBreaker
}

// NewClient creates a client for the given sources.
func NewClient(sources []model.Source, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = 3
	}

	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	c := &Client{
		hc:       &http.Client{Transport: transport, Timeout: opts.Timeout},
		rps:      opts.RequestsPerSecond,
		maxTries: opts.MaxTries,
		metrics:  opts.Metrics,
		limiters: make(map[model.Source]*rate.Limiter, len(sources)),
		breakers: make(map[model.Source]*gobreaker.CircuitBreaker, len(sources)),
	}
	for _, s := range sources {
		c.limiters[s] = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
		c.breakers[s] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(s),
			MaxRequests: 1,
			Interval:    10 * time.Minute,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	return c
}

// statusError is a non-2xx provider response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("feed returned %d %s", e.code, http.StatusText(e.code))
}

// FetchBatch downloads and decodes one batch from feed. Network failures and
// 5xx responses are retried with exponential backoff; 4xx responses and
// undecodable bodies are not.
func (c *Client) FetchBatch(ctx context.Context, feed Feed) (*Batch, error) {
	limiter, breaker := c.limiters[feed.Source], c.breakers[feed.Source]
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(c.rps), 1)
	}

	op := func() (*Batch, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		if breaker == nil {
			return c.fetch(ctx, feed)
		}
		res, err := breaker.Execute(func() (any, error) {
			return c.fetch(ctx, feed)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			return nil, err
		}
		return res.(*Batch), nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.maxTries),
	)
}

func (c *Client) fetch(ctx context.Context, feed Feed) (*Batch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.Endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("invalid feed endpoint: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+feed.APIKey)
	req.Header.Set("X-API-Key", feed.APIKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		c.countRequest(feed.Source, "network_error")
		return nil, err
	}
	defer resp.Body.Close()
	c.countRequest(feed.Source, fmt.Sprintf("%d", resp.StatusCode))

	switch {
	case resp.StatusCode >= 500:
		return nil, &statusError{code: resp.StatusCode}
	case resp.StatusCode >= 300:
		return nil, backoff.Permanent(&statusError{code: resp.StatusCode})
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBatchBytes))
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(raw)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return &Batch{Items: items, Raw: raw, FetchedAt: time.Now().UTC()}, nil
}

func (c *Client) countRequest(source model.Source, status string) {
	if c.metrics != nil {
		c.metrics.FeedRequestsTotal.WithLabelValues(string(source), status).Inc()
	}
}

// decodeItems accepts a bare array or an object wrapping the array under
// one of batchKeys. Array elements that are not objects are kept as nil
// items so the synchronizer counts them as errors.
func decodeItems(raw []byte) ([]map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ErrUnexpectedBody
	}

	var list []json.RawMessage
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("failed to decode feed array: %w", err)
		}
	} else {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, fmt.Errorf("failed to decode feed object: %w", err)
		}
		found := false
		for _, key := range batchKeys {
			body, ok := envelope[key]
			if !ok {
				continue
			}
			if err := json.Unmarshal(body, &list); err != nil {
				continue
			}
			found = true
			break
		}
		if !found {
			return nil, ErrUnexpectedBody
		}
	}

	items := make([]map[string]any, len(list))
	for i, elem := range list {
		var item map[string]any
		if err := json.Unmarshal(elem, &item); err == nil {
			items[i] = item
		}
	}
	return items, nil
}
