// internal/model/service.go
// Package model defines the catalogue record and the transient search types
// shared by the query compiler, the catalogue stores and the HTTP layer.
package model

import (
	"strings"
	"time"

	"github.com/communitylink/service-discovery/internal/keywords"
)

// Category is the closed classification of a catalogue record.
type Category string

const (
	CategoryHealth     Category = "health"
	CategoryTransport  Category = "transport"
	CategoryGovernment Category = "government"
	CategoryEmergency  Category = "emergency"
	CategoryEducation  Category = "education"
	CategoryFinancial  Category = "financial"
	CategoryLegal      Category = "legal"
	CategorySocial     Category = "social"
	CategoryOther      Category = "other"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryHealth,
	CategoryTransport,
	CategoryGovernment,
	CategoryEmergency,
	CategoryEducation,
	CategoryFinancial,
	CategoryLegal,
	CategorySocial,
	CategoryOther,
}

// ParseCategory returns the category named by s, ignoring case and surrounding space.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	return c, c.Valid()
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Essential reports whether records of this category are prioritised for offline caching.
func (c Category) Essential() bool {
	switch c {
	case CategoryHealth, CategoryEmergency, CategoryGovernment:
		return true
	}
	return false
}

// Source identifies where a record originated.
type Source string

const (
	SourceGovernmentAPI Source = "government_api"
	SourceCommunity     Source = "community"
	SourceManual        Source = "manual"
	SourceHealthDirect  Source = "health_direct"
	SourceDataGovAU     Source = "data_gov_au"
)

// Valid reports whether s is a known provenance source.
func (s Source) Valid() bool {
	switch s {
	case SourceGovernmentAPI, SourceCommunity, SourceManual, SourceHealthDirect, SourceDataGovAU:
		return true
	}
	return false
}

// Point is a (longitude, latitude) pair in degrees.
type Point struct {
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
}

// Valid reports whether the point lies inside the WGS84 coordinate range.
func (p Point) Valid() bool {
	return p.Longitude >= -180 && p.Longitude <= 180 && p.Latitude >= -90 && p.Latitude <= 90
}

// GeoPoint is the GeoJSON point stored on every record.
type GeoPoint struct {
	Type        string    `json:"type" bson:"type"`               // Always "Point"
	Coordinates []float64 `json:"coordinates" bson:"coordinates"` // [longitude, latitude]
}

// NewGeoPoint wraps p as a GeoJSON point.
func NewGeoPoint(p Point) GeoPoint {
	return GeoPoint{Type: "Point", Coordinates: []float64{p.Longitude, p.Latitude}}
}

// Point returns the stored coordinates. A malformed location yields the zero point.
func (g GeoPoint) Point() Point {
	if len(g.Coordinates) < 2 {
		return Point{}
	}
	return Point{Longitude: g.Coordinates[0], Latitude: g.Coordinates[1]}
}

// Ratings is the aggregate of a record's reviews.
type Ratings struct {
	Average float64 `json:"average" bson:"average"`
	Count   int     `json:"count" bson:"count"`
}

// Review is a single user's rating of a record. A user has at most one review per record.
type Review struct {
	UserID       string    `json:"userId" bson:"userId"`
	Rating       int       `json:"rating" bson:"rating"`
	Comment      string    `json:"comment,omitempty" bson:"comment,omitempty"`
	Date         time.Time `json:"date" bson:"date"`
	HelpfulVotes int       `json:"helpfulVotes" bson:"helpfulVotes"`
}

// ServiceRecord is the canonical catalogue entry.
type ServiceRecord struct {
	ID               string     `json:"id" bson:"_id"`
	Name             string     `json:"name" bson:"name"`
	Description      string     `json:"description,omitempty" bson:"description"`
	Category         Category   `json:"category" bson:"category"`
	Subcategory      string     `json:"subcategory,omitempty" bson:"subcategory"`
	Location         GeoPoint   `json:"location" bson:"location"`
	Address          string     `json:"address,omitempty" bson:"address"`
	City             string     `json:"city,omitempty" bson:"city"`
	State            string     `json:"state,omitempty" bson:"state"`
	Postcode         string     `json:"postcode,omitempty" bson:"postcode"`
	Region           string     `json:"region" bson:"region"`
	Phone            string     `json:"phone" bson:"phone"`
	Email            string     `json:"email,omitempty" bson:"email"`
	Website          string     `json:"website,omitempty" bson:"website"`
	Hours            string     `json:"hours,omitempty" bson:"hours"`
	EmergencyContact string     `json:"emergencyContact,omitempty" bson:"emergencyContact"`
	Services         []string   `json:"services" bson:"services"`
	Tags             []string   `json:"tags" bson:"tags"`
	SearchKeywords   []string   `json:"searchKeywords" bson:"searchKeywords"`
	IsVerified       bool       `json:"isVerified" bson:"isVerified"`
	Source           Source     `json:"source" bson:"source"`
	SourceID         string     `json:"sourceId,omitempty" bson:"sourceId"`
	LastUpdated      time.Time  `json:"lastUpdated" bson:"lastUpdated"`
	OfflineAvailable bool       `json:"offlineAvailable" bson:"offlineAvailable"`
	IsEssential      bool       `json:"isEssential" bson:"isEssential"`
	Ratings          Ratings    `json:"ratings" bson:"ratings"`
	Reviews          []Review   `json:"reviews" bson:"reviews"`
	ViewCount        int64      `json:"viewCount" bson:"viewCount"`
	ContactCount     int64      `json:"contactCount" bson:"contactCount"`
	LastContactedAt  *time.Time `json:"lastContactedAt,omitempty" bson:"lastContactedAt,omitempty"`
	LastViewedAt     *time.Time `json:"lastViewedAt,omitempty" bson:"lastViewedAt,omitempty"`
	IsActive         bool       `json:"isActive" bson:"isActive"`
	CreatedAt        time.Time  `json:"createdAt" bson:"createdAt"`
	Version          int64      `json:"-" bson:"version"` // Bumped on every successful save
}

// Coordinates returns the record's location as a point.
func (r *ServiceRecord) Coordinates() Point {
	return r.Location.Point()
}

// Prepare brings every derived field in line with the record's content.
// All store save paths call it, so searchKeywords and ratings are never
// stale after a successful save.
func (r *ServiceRecord) Prepare() {
	if r.Location.Type == "" {
		r.Location.Type = "Point"
	}
	r.Tags = keywords.NormalizeTags(r.Tags)
	if r.Tags == nil {
		r.Tags = []string{}
	}
	if r.Services == nil {
		r.Services = []string{}
	}
	if r.Reviews == nil {
		r.Reviews = []Review{}
	}
	r.SearchKeywords = keywords.Build(r.Name, r.Description, r.Services, r.Tags, string(r.Category))
	r.RecomputeRatings()
}

// HasAnyTag reports whether the record carries at least one of tags.
func (r *ServiceRecord) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range r.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (r *ServiceRecord) Clone() *ServiceRecord {
	c := *r
	c.Location.Coordinates = append([]float64(nil), r.Location.Coordinates...)
	c.Services = append([]string(nil), r.Services...)
	c.Tags = append([]string(nil), r.Tags...)
	c.SearchKeywords = append([]string(nil), r.SearchKeywords...)
	c.Reviews = append([]Review(nil), r.Reviews...)
	if r.LastContactedAt != nil {
		t := *r.LastContactedAt
		c.LastContactedAt = &t
	}
	if r.LastViewedAt != nil {
		t := *r.LastViewedAt
		c.LastViewedAt = &t
	}
	return &c
}

// CategoryStat summarises one category of the active catalogue.
type CategoryStat struct {
	Category       Category `json:"category"`
	Count          int      `json:"count"`
	EssentialCount int      `json:"essentialCount"`
	Subcategories  []string `json:"subcategories"`
}
