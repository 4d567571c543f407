// Package query compiles search filters and options into a store-neutral
// Plan. Each catalogue store lowers a Plan into its native query language.
package query

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/communitylink/service-discovery/internal/geo"
	"github.com/communitylink/service-discovery/internal/keywords"
	"github.com/communitylink/service-discovery/internal/model"
)

// DefaultRadiusMeters applies when an origin is given without a radius.
const DefaultRadiusMeters = 50_000

// SuggestionLimit bounds the secondary search used for query suggestions.
const SuggestionLimit = 5

// SortMode tells the store which ordering strategy the plan needs.
type SortMode int

const (
	// SortFields orders by Plan.Sort.
	SortFields SortMode = iota
	// SortTextScore orders by descending text relevance.
	SortTextScore
	// SortProximity orders by ascending distance from Plan.Near. No other key is applied.
	SortProximity
)

func (m SortMode) String() string {
	switch m {
	case SortTextScore:
		return "textScore"
	case SortProximity:
		return "proximity"
	default:
		return "fields"
	}
}

// Sortable record fields, named as stored.
const (
	FieldRatingAverage = "ratings.average"
	FieldRatingCount   = "ratings.count"
	FieldLastUpdated   = "lastUpdated"
)

// SortKey is one field of a SortFields ordering.
type SortKey struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

// Near restricts results to a circle around a point.
type Near struct {
	Point        model.Point `json:"point"`
	RadiusMeters float64     `json:"radiusMeters"`
}

// LowDataFields is the projection applied in low-data mode. The record id is always returned.
var LowDataFields = []string{"name", "category", "address", "region", "phone", "hours", "isEssential"}

// Plan is a compiled search. All predicates are conjunctive; AnyTags matches
// a record carrying any one of the tags.
type Plan struct {
	ActiveOnly    bool           `json:"activeOnly"` // Always true for compiled plans
	Category      model.Category `json:"category,omitempty"`
	Verified      *bool          `json:"verified,omitempty"`
	EssentialOnly bool           `json:"essentialOnly,omitempty"`
	OfflineOnly   bool           `json:"offlineOnly,omitempty"`
	MinRating     *float64       `json:"minRating,omitempty"`
	AnyTags       []string       `json:"anyTags,omitempty"`
	Text          string         `json:"text,omitempty"`
	Terms         []string       `json:"terms,omitempty"`
	Near          *Near          `json:"near,omitempty"`
	SortBy        model.SortBy   `json:"sortBy"` // As requested, before resolution
	SortMode      SortMode       `json:"sortMode"`
	Sort          []SortKey      `json:"sort,omitempty"`
	Projection    []string       `json:"projection,omitempty"`
	LowData       bool           `json:"lowData,omitempty"`
	Limit         int            `json:"limit"`
	Offset        int            `json:"offset"`
}

// Compile validates filters and options and resolves them into a Plan.
func Compile(filters model.SearchFilters, opts model.SearchOptions) (Plan, error) {
	filters.Normalize()
	opts.Normalize()
	if err := model.Validate(&filters); err != nil {
		return Plan{}, err
	}
	if err := model.Validate(&opts); err != nil {
		return Plan{}, err
	}

	p := Plan{
		ActiveOnly:    true,
		Category:      filters.Category,
		Verified:      filters.Verified,
		EssentialOnly: filters.EssentialOnly,
		OfflineOnly:   filters.OfflineOnly,
		MinRating:     filters.MinRating,
		AnyTags:       filters.Tags,
		SortBy:        opts.SortBy,
		LowData:       opts.LowDataMode,
		Limit:         opts.Limit,
		Offset:        opts.Offset,
	}

	// A query made only of stop words has nothing to match against the text index.
	if terms := keywords.Tokenize(filters.Query); len(terms) > 0 {
		p.Text = filters.Query
		p.Terms = terms
	}

	if filters.Origin != nil {
		radius, err := ParseRadius(filters.Radius)
		if err != nil {
			return Plan{}, model.NewValidationError("radius", err.Error())
		}
		p.Near = &Near{Point: *filters.Origin, RadiusMeters: radius}
	}

	p.SortMode, p.Sort = resolveSort(opts.SortBy, p.Text != "", p.Near != nil)

	if opts.LowDataMode {
		p.Projection = append([]string(nil), LowDataFields...)
		if p.Near != nil {
			p.Projection = append(p.Projection, "location")
		}
	}
	return p, nil
}

// resolveSort maps the requested ordering to a strategy. Distance without an
// origin has no proximity to rely on and falls back to relevance.
func resolveSort(by model.SortBy, hasText, hasOrigin bool) (SortMode, []SortKey) {
	switch by {
	case model.SortRating:
		return SortFields, []SortKey{{Field: FieldRatingAverage, Desc: true}, {Field: FieldRatingCount, Desc: true}}
	case model.SortDate:
		return SortFields, []SortKey{{Field: FieldLastUpdated, Desc: true}}
	case model.SortDistance:
		if hasOrigin {
			return SortProximity, nil
		}
	}
	if hasText {
		return SortTextScore, nil
	}
	return SortFields, []SortKey{{Field: FieldRatingAverage, Desc: true}, {Field: FieldLastUpdated, Desc: true}}
}

// ForSuggestions returns the bounded text search used to propose alternative queries.
func ForSuggestions(text string) (Plan, bool) {
	terms := keywords.Tokenize(text)
	if len(terms) == 0 {
		return Plan{}, false
	}
	return Plan{
		ActiveOnly: true,
		Text:       strings.TrimSpace(text),
		Terms:      terms,
		SortBy:     model.SortRelevance,
		SortMode:   SortTextScore,
		Limit:      SuggestionLimit,
	}, true
}

// ParseRadius converts "25km", "500m" or a bare number of kilometres to metres.
// The empty string yields the default radius.
func ParseRadius(s string) (float64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultRadiusMeters, nil
	}
	scale := 1000.0
	switch {
	case strings.HasSuffix(s, "km"):
		s = strings.TrimSpace(strings.TrimSuffix(s, "km"))
	case strings.HasSuffix(s, "m"):
		s = strings.TrimSpace(strings.TrimSuffix(s, "m"))
		scale = 1
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, fmt.Errorf("must be a positive distance such as 25km or 500m")
	}
	return v * scale, nil
}

// Matches evaluates every predicate except the text match against rec.
func (p *Plan) Matches(rec *model.ServiceRecord) bool {
	if p.ActiveOnly && !rec.IsActive {
		return false
	}
	if p.Category != "" && rec.Category != p.Category {
		return false
	}
	if p.Verified != nil && rec.IsVerified != *p.Verified {
		return false
	}
	if p.EssentialOnly && !rec.IsEssential {
		return false
	}
	if p.OfflineOnly && !rec.OfflineAvailable {
		return false
	}
	if p.MinRating != nil && rec.Ratings.Average < *p.MinRating {
		return false
	}
	if len(p.AnyTags) > 0 && !rec.HasAnyTag(p.AnyTags) {
		return false
	}
	if p.Near != nil && geo.Haversine(p.Near.Point, rec.Coordinates())*1000 > p.Near.RadiusMeters {
		return false
	}
	return true
}

// CacheKey is a canonical serialization of the plan. Plans compiled from
// equivalent filters and options share a key regardless of field or tag order.
func (p *Plan) CacheKey() string {
	k := *p
	k.AnyTags = append([]string(nil), p.AnyTags...)
	sort.Strings(k.AnyTags)
	k.Terms = nil
	k.Text = strings.ToLower(p.Text)
	b, err := json.Marshal(k)
	if err != nil {
		// Plans hold only plain values; this cannot fail.
		return fmt.Sprintf("%+v", k)
	}
	return string(b)
}
