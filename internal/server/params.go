package server

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/communitylink/service-discovery/internal/model"
)

// paramErrors collects field errors while parsing query parameters.
type paramErrors struct {
	fields []model.FieldError
}

func (p *paramErrors) add(field, message string) {
	p.fields = append(p.fields, model.FieldError{Field: field, Message: message})
}

func (p *paramErrors) err() error {
	if len(p.fields) == 0 {
		return nil
	}
	return &model.ValidationError{Fields: p.fields}
}

func (p *paramErrors) boolean(q url.Values, name string) *bool {
	v := strings.TrimSpace(q.Get(name))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.add(name, "must be true or false")
		return nil
	}
	return &b
}

func (p *paramErrors) flag(q url.Values, name string) bool {
	b := p.boolean(q, name)
	return b != nil && *b
}

func (p *paramErrors) integer(q url.Values, name string) int {
	v := strings.TrimSpace(q.Get(name))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.add(name, "must be an integer")
	}
	return n
}

func (p *paramErrors) float(q url.Values, name string) (float64, bool) {
	v := strings.TrimSpace(q.Get(name))
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.add(name, "must be a number")
		return 0, false
	}
	return f, true
}

// origin reads lat with lon or lng. Both or neither must be given.
func (p *paramErrors) origin(q url.Values) *model.Point {
	lonName := "lon"
	if q.Get(lonName) == "" && q.Get("lng") != "" {
		lonName = "lng"
	}
	lat, hasLat := p.float(q, "lat")
	lon, hasLon := p.float(q, lonName)
	switch {
	case hasLat && hasLon:
		pt := model.Point{Longitude: lon, Latitude: lat}
		if lat < -90 || lat > 90 {
			p.add("lat", "must be between -90 and 90")
		}
		if lon < -180 || lon > 180 {
			p.add("lon", "must be between -180 and 180")
		}
		return &pt
	case hasLat:
		p.add("lon", "is required with lat")
	case hasLon:
		p.add("lat", "is required with lon")
	}
	return nil
}

// tags accepts tags[]=a&tags[]=b, tags=a&tags=b and comma lists in either.
func tags(q url.Values) []string {
	var out []string
	for _, name := range []string{"tags[]", "tags"} {
		for _, v := range q[name] {
			for _, t := range strings.Split(v, ",") {
				if t = strings.TrimSpace(t); t != "" {
					out = append(out, t)
				}
			}
		}
	}
	return out
}

// parseSearch reads the search query string. Range checks beyond parsing are
// left to the query compiler.
func parseSearch(q url.Values) (model.SearchFilters, model.SearchOptions, error) {
	var p paramErrors

	filters := model.SearchFilters{
		Query:         q.Get("query"),
		Category:      model.Category(strings.TrimSpace(q.Get("category"))),
		Origin:        p.origin(q),
		Radius:        q.Get("radius"),
		Verified:      p.boolean(q, "verified"),
		Tags:          tags(q),
		EssentialOnly: p.flag(q, "essentialOnly"),
		OfflineOnly:   p.flag(q, "offlineAvailable"),
	}
	if r, ok := p.float(q, "minRating"); ok {
		filters.MinRating = &r
	}
	if raw := q.Get("insight"); raw != "" {
		var in model.Insight
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			p.add("insight", "must be a JSON object")
		} else {
			filters.ApplyInsight(&in)
		}
	}

	opts := model.SearchOptions{
		Limit:       p.integer(q, "limit"),
		Offset:      p.integer(q, "offset"),
		SortBy:      model.SortBy(strings.TrimSpace(q.Get("sortBy"))),
		LowDataMode: p.flag(q, "lowDataMode"),
	}
	if opts.Limit > model.MaxLimit {
		opts.Limit = model.MaxLimit
	}
	return filters, opts, p.err()
}
