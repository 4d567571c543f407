package model

import (
	"encoding/json"
	"strings"

	"github.com/communitylink/service-discovery/internal/keywords"
)

// SortBy selects how search results are ordered.
type SortBy string

const (
	SortRelevance SortBy = "relevance"
	SortRating    SortBy = "rating"
	SortDate      SortBy = "date"
	SortDistance  SortBy = "distance"
)

// Pagination bounds for SearchOptions.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// SearchFilters narrows which records a search returns. Zero values mean "no constraint".
type SearchFilters struct {
	Query         string   `json:"query,omitempty" validate:"max=200"`
	Category      Category `json:"category,omitempty" validate:"omitempty,category"`
	Origin        *Point   `json:"origin,omitempty" validate:"omitempty"`
	Radius        string   `json:"radius,omitempty" validate:"max=32"`
	Verified      *bool    `json:"verified,omitempty"`
	MinRating     *float64 `json:"minRating,omitempty" validate:"omitempty,gte=0,lte=5"`
	Tags          []string `json:"tags,omitempty" validate:"max=20,dive,max=64"`
	EssentialOnly bool     `json:"essentialOnly,omitempty"`
	OfflineOnly   bool     `json:"offlineAvailable,omitempty"`
}

// Normalize trims the query and canonicalises tags so equivalent filter
// sets compile and cache identically.
func (f *SearchFilters) Normalize() {
	f.Query = strings.TrimSpace(f.Query)
	f.Radius = strings.TrimSpace(f.Radius)
	if f.Category != "" {
		if c, ok := ParseCategory(string(f.Category)); ok {
			f.Category = c
		}
	}
	f.Tags = keywords.NormalizeTags(f.Tags)
}

// Insight is the output of an external query-understanding collaborator. It
// can only pre-populate filter values the caller left empty.
type Insight struct {
	Category      Category `json:"category,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	EssentialOnly bool     `json:"essentialOnly,omitempty"`
}

// ApplyInsight fills empty filter fields from in. Caller-supplied values always win.
func (f *SearchFilters) ApplyInsight(in *Insight) {
	if in == nil {
		return
	}
	if f.Category == "" && in.Category.Valid() {
		f.Category = in.Category
	}
	if len(f.Tags) == 0 && len(in.Tags) > 0 {
		f.Tags = append([]string(nil), in.Tags...)
	}
	if !f.EssentialOnly && in.EssentialOnly {
		f.EssentialOnly = true
	}
}

// SearchOptions controls pagination, ordering and projection.
type SearchOptions struct {
	Limit       int    `json:"limit" validate:"gte=0,lte=100"`
	Offset      int    `json:"offset" validate:"gte=0"`
	SortBy      SortBy `json:"sortBy,omitempty" validate:"omitempty,oneof=relevance rating date distance"`
	LowDataMode bool   `json:"lowDataMode,omitempty"`
}

// Normalize applies defaults for unset options.
func (o *SearchOptions) Normalize() {
	if o.Limit == 0 {
		o.Limit = DefaultLimit
	}
	if o.SortBy == "" {
		o.SortBy = SortRelevance
	}
}

// ServiceHit is one search result: the record, its distance from the query
// origin in kilometres when one was given, and the store's text score.
type ServiceHit struct {
	ServiceRecord
	Distance *float64 `json:"distance,omitempty"`
	Score    float64  `json:"score,omitempty"`
	LowData  bool     `json:"-"`
}

// lowDataView is the minimal projection returned in low-data mode.
type lowDataView struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Category    Category `json:"category"`
	Address     string   `json:"address,omitempty"`
	Region      string   `json:"region"`
	Phone       string   `json:"phone"`
	Hours       string   `json:"hours,omitempty"`
	IsEssential bool     `json:"isEssential"`
	Distance    *float64 `json:"distance,omitempty"`
}

// MarshalJSON emits the full record, or only the low-data fields when LowData is set.
func (h ServiceHit) MarshalJSON() ([]byte, error) {
	if h.LowData {
		return json.Marshal(lowDataView{
			ID:          h.ID,
			Name:        h.Name,
			Category:    h.Category,
			Address:     h.Address,
			Region:      h.Region,
			Phone:       h.Phone,
			Hours:       h.Hours,
			IsEssential: h.IsEssential,
			Distance:    h.Distance,
		})
	}
	type full struct {
		ServiceRecord
		Distance *float64 `json:"distance,omitempty"`
		Score    float64  `json:"score,omitempty"`
	}
	return json.Marshal(full{ServiceRecord: h.ServiceRecord, Distance: h.Distance, Score: h.Score})
}

// SearchResult is what a search returns and what the result cache stores.
// Cached results are shared between callers and must not be mutated.
type SearchResult struct {
	Services    []ServiceHit `json:"services"`
	Total       int          `json:"total"`
	Suggestions []string     `json:"suggestions"`
}
