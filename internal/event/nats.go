// internal/event/nats.go
// Package event publishes catalogue change events over NATS JetStream and
// lets instances clear their result caches when another instance writes.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/communitylink/service-discovery/internal/model"
)

// Stream and subject names.
const (
	StreamName       = "DISCOVERY_SERVICES"
	SubjectServices  = "discovery.services"
	SubjectSync      = "discovery.sync"
	eventVersion     = "1.0.0"
	subscribeSubject = "discovery.>"
)

// ChangeType names the kind of catalogue mutation.
type ChangeType string

const (
	ServiceCreated  ChangeType = "created"
	ServiceUpdated  ChangeType = "updated"
	ServiceDeleted  ChangeType = "deleted"
	ServiceReviewed ChangeType = "reviewed"
)

// ServiceChange is the payload of a discovery.services.* event.
type ServiceChange struct {
	Type      ChangeType   `json:"type"`
	ServiceID string       `json:"serviceId"`
	Source    model.Source `json:"source,omitempty"`
}

// SyncCounts is one feed's outcome in a sync.
type SyncCounts struct {
	Synced int `json:"synced"`
	Errors int `json:"errors"`
}

// SyncCompleted is the payload of a discovery.sync.completed event.
type SyncCompleted struct {
	Feeds  map[model.Source]SyncCounts `json:"feeds"`
	Synced int                         `json:"synced"`
	Errors int                         `json:"errors"`
}

// Envelope wraps every published event.
type Envelope struct {
	Type          string          `json:"type"`          // Subject the event was published on
	Version       string          `json:"version"`       // Event schema version
	OccurredAt    time.Time       `json:"occurredAt"`    // When the event occurred
	CorrelationID string          `json:"correlationId"` // Unique event id
	Origin        string          `json:"origin"`        // Instance that published it
	Payload       json.RawMessage `json:"payload"`
}

// Handler receives events published by other instances.
type Handler func(env Envelope)

// Publisher publishes catalogue events.
type Publisher interface {
	PublishServiceChanged(ctx context.Context, change ServiceChange) error
	PublishSyncCompleted(ctx context.Context, summary SyncCompleted) error
	// Subscribe delivers events from other instances to h.
	Subscribe(h Handler) error
	Close() error
}

// noop is used when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return noop{} }

func (noop) PublishServiceChanged(ctx context.Context, change ServiceChange) error { return nil }
func (noop) PublishSyncCompleted(ctx context.Context, summary SyncCompleted) error { return nil }
func (noop) Subscribe(h Handler) error                                             { return nil }
func (noop) Close() error                                                          { return nil }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc       *nats.Conn            // NATS connection
	js       nats.JetStreamContext // JetStream context for stream operations
	instance string                // Origin stamped on outgoing events

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewPublisher connects to url. An empty url, or any connection or stream
// setup failure, yields a no-op publisher so the service runs without NATS.
func NewPublisher(url string) Publisher {
	if url == "" {
		return noop{}
	}

	nc, err := nats.Connect(url, nats.Name("discoveryd"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	return &natsPub{nc: nc, js: js, instance: uuid.NewString()}
}

// initStreams creates the DISCOVERY_SERVICES stream for catalogue and sync events.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectServices + ".*", SubjectSync + ".*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", StreamName, err)
	}
	return nil
}

func (p *natsPub) publish(ctx context.Context, subject string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:          subject,
		Version:       eventVersion,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.NewString(),
		Origin:        p.instance,
		Payload:       body,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = p.js.Publish(subject, b, nats.Context(ctx))
	return err
}

// PublishServiceChanged publishes discovery.services.<type>.
func (p *natsPub) PublishServiceChanged(ctx context.Context, change ServiceChange) error {
	return p.publish(ctx, SubjectServices+"."+string(change.Type), change)
}

// PublishSyncCompleted publishes discovery.sync.completed.
func (p *natsPub) PublishSyncCompleted(ctx context.Context, summary SyncCompleted) error {
	return p.publish(ctx, SubjectSync+".completed", summary)
}

// Subscribe listens on a core subscription and skips events this instance published.
func (p *natsPub) Subscribe(h Handler) error {
	sub, err := p.nc.Subscribe(subscribeSubject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.Warn("dropping malformed event", "subject", msg.Subject, "error", err)
			return
		}
		if env.Origin == p.instance {
			return
		}
		h(env)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subscribeSubject, err)
	}
	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	return nil
}

// Close drains subscriptions and closes the NATS connection.
func (p *natsPub) Close() error {
	p.mu.Lock()
	for _, s := range p.subs {
		_ = s.Unsubscribe()
	}
	p.subs = nil
	p.mu.Unlock()
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}
