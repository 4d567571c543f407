package model

import "time"

// ServiceInput is the payload for creating or replacing a catalogue record.
type ServiceInput struct {
	Name             string    `json:"name" validate:"required,max=200"`
	Description      string    `json:"description" validate:"max=5000"`
	Category         Category  `json:"category" validate:"required,category"`
	Subcategory      string    `json:"subcategory" validate:"max=100"`
	Coordinates      []float64 `json:"coordinates" validate:"required,lonlat"` // [longitude, latitude]
	Address          string    `json:"address" validate:"max=500"`
	City             string    `json:"city" validate:"max=100"`
	State            string    `json:"state" validate:"max=100"`
	Postcode         string    `json:"postcode" validate:"max=20"`
	Region           string    `json:"region" validate:"required,max=100"`
	Phone            string    `json:"phone" validate:"required,max=40"`
	Email            string    `json:"email" validate:"omitempty,email"`
	Website          string    `json:"website" validate:"omitempty,url"`
	Hours            string    `json:"hours" validate:"max=500"`
	EmergencyContact string    `json:"emergencyContact" validate:"max=100"`
	Services         []string  `json:"services" validate:"max=100,dive,required,max=200"`
	Tags             []string  `json:"tags" validate:"max=50,dive,max=64"`
	IsVerified       bool      `json:"isVerified"`
	Source           Source    `json:"source" validate:"omitempty,source"`
	SourceID         string    `json:"sourceId" validate:"max=200"`
	OfflineAvailable *bool     `json:"offlineAvailable"`
	IsEssential      *bool     `json:"isEssential"`
}

// NewRecord builds an active record from the input. Source defaults to
// manual and the essential flag to the category's default.
func (in *ServiceInput) NewRecord(now time.Time) *ServiceRecord {
	rec := &ServiceRecord{
		Source:    SourceManual,
		IsActive:  true,
		CreatedAt: now,
	}
	in.ApplyTo(rec, now)
	return rec
}

// ApplyTo overwrites rec's content fields with the input. Reviews, usage
// counters and lifecycle fields are left alone.
func (in *ServiceInput) ApplyTo(rec *ServiceRecord, now time.Time) {
	rec.Name = in.Name
	rec.Description = in.Description
	rec.Category = in.Category
	rec.Subcategory = in.Subcategory
	rec.Location = GeoPoint{Type: "Point", Coordinates: append([]float64(nil), in.Coordinates...)}
	rec.Address = in.Address
	rec.City = in.City
	rec.State = in.State
	rec.Postcode = in.Postcode
	rec.Region = in.Region
	rec.Phone = in.Phone
	rec.Email = in.Email
	rec.Website = in.Website
	rec.Hours = in.Hours
	rec.EmergencyContact = in.EmergencyContact
	rec.Services = append([]string(nil), in.Services...)
	rec.Tags = append([]string(nil), in.Tags...)
	rec.IsVerified = in.IsVerified
	if in.Source != "" {
		rec.Source = in.Source
	}
	rec.SourceID = in.SourceID
	if in.OfflineAvailable != nil {
		rec.OfflineAvailable = *in.OfflineAvailable
	}
	if in.IsEssential != nil {
		rec.IsEssential = *in.IsEssential
	} else {
		rec.IsEssential = rec.Category.Essential()
	}
	rec.LastUpdated = now
}

// ReviewInput is the payload for submitting a review.
type ReviewInput struct {
	Rating  int    `json:"rating" validate:"required,gte=1,lte=5"`
	Comment string `json:"comment" validate:"max=2000"`
}
