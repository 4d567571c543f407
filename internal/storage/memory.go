// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/communitylink/service-discovery/internal/geo"
	"github.com/communitylink/service-discovery/internal/model"
	"github.com/communitylink/service-discovery/internal/query"
)

type provenance struct {
	source   model.Source
	sourceID string
}

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu       sync.RWMutex                    // Protects concurrent access to maps
	records  map[string]*model.ServiceRecord // Map of id to record
	bySource map[provenance]string           // Map of provenance to id
}

// NewMemory creates a new in-memory catalogue store.
func NewMemory() Store {
	return &memory{
		records:  make(map[string]*model.ServiceRecord),
		bySource: make(map[provenance]string),
	}
}

func provenanceOf(rec *model.ServiceRecord) (provenance, bool) {
	if rec.SourceID == "" {
		return provenance{}, false
	}
	return provenance{source: rec.Source, sourceID: rec.SourceID}, true
}

func (m *memory) Find(ctx context.Context, plan query.Plan) (*FindResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []model.ServiceHit
	var distances map[string]float64
	if plan.SortMode == query.SortProximity && plan.Near != nil {
		distances = make(map[string]float64)
	}
	for _, rec := range m.records {
		if !plan.Matches(rec) {
			continue
		}
		score := 0.0
		if len(plan.Terms) > 0 {
			if score = plan.TextScore(rec); score == 0 {
				continue
			}
		}
		if distances != nil {
			distances[rec.ID] = geo.Haversine(plan.Near.Point, rec.Coordinates())
		}
		hits = append(hits, model.ServiceHit{ServiceRecord: *rec.Clone(), Score: score})
	}

	sortHits(hits, plan, distances)

	total := len(hits)
	start := min(plan.Offset, total)
	end := total
	if plan.Limit > 0 {
		end = min(start+plan.Limit, total)
	}
	return &FindResult{Hits: hits[start:end], Total: total}, nil
}

// sortHits orders hits the way the document stores do. Ties fall back to id
// so pages are stable.
func sortHits(hits []model.ServiceHit, plan query.Plan, distances map[string]float64) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := &hits[i], &hits[j]
		switch plan.SortMode {
		case query.SortProximity:
			if distances != nil && distances[a.ID] != distances[b.ID] {
				return distances[a.ID] < distances[b.ID]
			}
		case query.SortTextScore:
			if a.Score != b.Score {
				return a.Score > b.Score
			}
		default:
			for _, k := range plan.Sort {
				if c := compareField(&a.ServiceRecord, &b.ServiceRecord, k.Field); c != 0 {
					if k.Desc {
						return c > 0
					}
					return c < 0
				}
			}
		}
		return a.ID < b.ID
	})
}

func compareField(a, b *model.ServiceRecord, field string) int {
	switch field {
	case query.FieldRatingAverage:
		return compareFloat(a.Ratings.Average, b.Ratings.Average)
	case query.FieldRatingCount:
		return a.Ratings.Count - b.Ratings.Count
	case query.FieldLastUpdated:
		return a.LastUpdated.Compare(b.LastUpdated)
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (m *memory) Get(ctx context.Context, id string) (*model.ServiceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *memory) FindBySource(ctx context.Context, source model.Source, sourceID string) (*model.ServiceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySource[provenance{source: source, sourceID: sourceID}]
	if !ok {
		return nil, ErrNotFound
	}
	return m.records[id].Clone(), nil
}

func (m *memory) Create(ctx context.Context, rec *model.ServiceRecord) (*model.ServiceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := rec.Clone()
	stored.ID = NewID()
	stored.Version = 1
	stored.Prepare()

	if p, ok := provenanceOf(stored); ok {
		if _, exists := m.bySource[p]; exists {
			return nil, ErrConflict
		}
		m.bySource[p] = stored.ID
	}
	m.records[stored.ID] = stored
	return stored.Clone(), nil
}

func (m *memory) Mutate(ctx context.Context, id string, fn MutateFunc) (*model.ServiceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.Version = current.Version + 1
	next.Prepare()

	oldP, hadOld := provenanceOf(current)
	newP, hasNew := provenanceOf(next)
	if hasNew && (!hadOld || newP != oldP) {
		if owner, exists := m.bySource[newP]; exists && owner != id {
			return nil, ErrConflict
		}
	}
	if hadOld {
		delete(m.bySource, oldP)
	}
	if hasNew {
		m.bySource[newP] = id
	}
	m.records[id] = next
	return next.Clone(), nil
}

func (m *memory) Deactivate(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.IsActive = false
	rec.LastUpdated = at
	rec.Version++
	return nil
}

func (m *memory) RecordView(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.ViewCount++
	rec.LastViewedAt = &at
	return nil
}

func (m *memory) RecordContact(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.ContactCount++
	rec.LastContactedAt = &at
	return nil
}

func (m *memory) CategoryStats(ctx context.Context) ([]model.CategoryStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[model.Category]*model.CategoryStat)
	subs := make(map[model.Category]map[string]struct{})
	for _, rec := range m.records {
		if !rec.IsActive {
			continue
		}
		st, ok := counts[rec.Category]
		if !ok {
			st = &model.CategoryStat{Category: rec.Category}
			counts[rec.Category] = st
			subs[rec.Category] = make(map[string]struct{})
		}
		st.Count++
		if rec.IsEssential {
			st.EssentialCount++
		}
		if s := strings.TrimSpace(rec.Subcategory); s != "" {
			subs[rec.Category][s] = struct{}{}
		}
	}
	return buildStats(counts, subs), nil
}

func (m *memory) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

func (m *memory) Ping(ctx context.Context) error {
	return nil
}

func (m *memory) Close() error {
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
