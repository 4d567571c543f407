package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestCategoryEssential(t *testing.T) {
	for _, c := range Categories {
		want := c == CategoryHealth || c == CategoryEmergency || c == CategoryGovernment
		assert.Equal(t, want, c.Essential(), c)
	}
}

func TestParseCategory(t *testing.T) {
	c, ok := ParseCategory(" Health ")
	assert.True(t, ok)
	assert.Equal(t, CategoryHealth, c)

	_, ok = ParseCategory("hospital")
	assert.False(t, ok)
}

// After N distinct reviewers the aggregate matches the mean; a repeat reviewer replaces in place.
func TestApplyReviewAggregate(t *testing.T) {
	rec := &ServiceRecord{}
	for i, rating := range []int{5, 4, 3, 2} {
		rec.ApplyReview(string(rune('a'+i)), rating, "", now)
	}
	assert.Equal(t, 4, rec.Ratings.Count)
	assert.InDelta(t, 3.5, rec.Ratings.Average, 1e-9)

	require.NoError(t, rec.VoteHelpful("b"))
	rec.ApplyReview("b", 1, "changed my mind", now.Add(time.Hour))

	assert.Equal(t, 4, rec.Ratings.Count)
	assert.Len(t, rec.Reviews, 4)
	assert.InDelta(t, 11.0/4.0, rec.Ratings.Average, 1e-9)
	assert.Equal(t, "b", rec.Reviews[1].UserID)
	assert.Equal(t, 1, rec.Reviews[1].HelpfulVotes)
	assert.Equal(t, "changed my mind", rec.Reviews[1].Comment)
	assert.Equal(t, now.Add(time.Hour), rec.Reviews[1].Date)
}

func TestVoteHelpfulUnknownReviewer(t *testing.T) {
	rec := &ServiceRecord{}
	assert.ErrorIs(t, rec.VoteHelpful("nobody"), ErrReviewNotFound)
}

func TestPrepareRegeneratesKeywords(t *testing.T) {
	rec := &ServiceRecord{Name: "Harbour Clinic", Category: CategoryHealth, Tags: []string{"Bulk Billing", "bulk-billing"}}
	rec.Prepare()
	assert.Equal(t, []string{"bulk-billing"}, rec.Tags)
	assert.Contains(t, rec.SearchKeywords, "clinic")
	assert.Equal(t, "Point", rec.Location.Type)

	rec.Name = "Harbour Dental"
	rec.Prepare()
	assert.NotContains(t, rec.SearchKeywords, "clinic")
	assert.Contains(t, rec.SearchKeywords, "dental")
}

func TestCloneDoesNotAlias(t *testing.T) {
	rec := &ServiceRecord{Tags: []string{"a"}, Reviews: []Review{{UserID: "u", Rating: 3}}}
	c := rec.Clone()
	c.Tags[0] = "b"
	c.Reviews[0].Rating = 5
	assert.Equal(t, "a", rec.Tags[0])
	assert.Equal(t, 3, rec.Reviews[0].Rating)
}

func TestValidateServiceInput(t *testing.T) {
	in := &ServiceInput{
		Name:        "Harbour Clinic",
		Category:    "hospital",
		Coordinates: []float64{200, -33.8},
		Phone:       "02 9999 0000",
	}
	err := Validate(in)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	fields := map[string]bool{}
	for _, f := range verr.Fields {
		fields[f.Field] = true
	}
	assert.True(t, fields["category"])
	assert.True(t, fields["coordinates"])
	assert.True(t, fields["region"])
}

func TestValidateReviewRange(t *testing.T) {
	assert.Error(t, Validate(&ReviewInput{Rating: 6}))
	assert.Error(t, Validate(&ReviewInput{Rating: 0}))
	assert.NoError(t, Validate(&ReviewInput{Rating: 5}))
}

func TestValidateFiltersOrigin(t *testing.T) {
	f := &SearchFilters{Origin: &Point{Longitude: 151.2, Latitude: -95}}
	var verr *ValidationError
	require.ErrorAs(t, Validate(f), &verr)
	assert.Equal(t, "origin.latitude", verr.Fields[0].Field)
}

func TestNewRecordDefaults(t *testing.T) {
	in := &ServiceInput{Name: "Ambulance", Category: CategoryEmergency, Coordinates: []float64{151.2, -33.8}, Region: "NSW", Phone: "000"}
	rec := in.NewRecord(now)
	assert.Equal(t, SourceManual, rec.Source)
	assert.True(t, rec.IsActive)
	assert.True(t, rec.IsEssential)
	assert.Equal(t, Point{Longitude: 151.2, Latitude: -33.8}, rec.Coordinates())
}

func TestApplyInsightOnlyFillsEmpty(t *testing.T) {
	f := &SearchFilters{Category: CategoryLegal}
	f.ApplyInsight(&Insight{Category: CategoryHealth, Tags: []string{"urgent"}})
	assert.Equal(t, CategoryLegal, f.Category)
	assert.Equal(t, []string{"urgent"}, f.Tags)
}

func TestLowDataHitJSON(t *testing.T) {
	hit := ServiceHit{
		ServiceRecord: ServiceRecord{ID: "1", Name: "Clinic", Category: CategoryHealth, Region: "NSW", Phone: "1", Description: "long text"},
		LowData:       true,
	}
	b, err := json.Marshal(hit)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "Clinic", got["name"])
	assert.NotContains(t, got, "description")
	assert.NotContains(t, got, "reviews")

	hit.LowData = false
	b, err = json.Marshal(hit)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"description":"long text"`)
}
