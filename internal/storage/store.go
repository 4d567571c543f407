// internal/storage/store.go
// Package storage provides the catalogue store used by the discovery engine,
// with in-memory, PostgreSQL and MongoDB backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/communitylink/service-discovery/internal/model"
	"github.com/communitylink/service-discovery/internal/query"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // No record with that id or provenance
	ErrConflict = errors.New("conflict")  // (source, sourceId) already belongs to another record
)

// maxMutateAttempts bounds optimistic retries in backends without row locks.
const maxMutateAttempts = 5

// FindResult is one page of matches plus the total number of matches.
type FindResult struct {
	Hits  []model.ServiceHit
	Total int
}

// MutateFunc edits a record in place. Returning an error aborts the save.
type MutateFunc func(rec *model.ServiceRecord) error

// Store is the catalogue store the discovery engine depends on. Every save
// path calls ServiceRecord.Prepare, so derived fields are current after any
// successful write.
type Store interface {
	// Find returns the page of active records selected by plan, in the plan's order.
	Find(ctx context.Context, plan query.Plan) (*FindResult, error)
	// Get returns a record by id, including inactive records.
	Get(ctx context.Context, id string) (*model.ServiceRecord, error)
	// FindBySource returns the record with the given provenance.
	FindBySource(ctx context.Context, source model.Source, sourceID string) (*model.ServiceRecord, error)
	// Create assigns an id and stores rec.
	Create(ctx context.Context, rec *model.ServiceRecord) (*model.ServiceRecord, error)
	// Mutate applies fn to the stored record and saves the result atomically.
	Mutate(ctx context.Context, id string, fn MutateFunc) (*model.ServiceRecord, error)
	// Deactivate soft-deletes a record.
	Deactivate(ctx context.Context, id string, at time.Time) error
	// RecordView increments the view counter and stamps lastViewedAt.
	RecordView(ctx context.Context, id string, at time.Time) error
	// RecordContact increments the contact counter and stamps lastContactedAt.
	RecordContact(ctx context.Context, id string, at time.Time) error
	// CategoryStats summarises the active catalogue per category.
	CategoryStats(ctx context.Context) ([]model.CategoryStat, error)
	// Count returns the number of stored records, active or not.
	Count(ctx context.Context) (int, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// NewID returns a fresh record id.
func NewID() string {
	return ulid.Make().String()
}

// buildStats orders per-category summaries by the canonical category order
// and drops empty categories.
func buildStats(counts map[model.Category]*model.CategoryStat, subs map[model.Category]map[string]struct{}) []model.CategoryStat {
	out := make([]model.CategoryStat, 0, len(counts))
	for _, c := range model.Categories {
		st, ok := counts[c]
		if !ok || st.Count == 0 {
			continue
		}
		st.Subcategories = sortedKeys(subs[c])
		out = append(out, *st)
	}
	return out
}
