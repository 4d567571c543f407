package feeds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communitylink/service-discovery/internal/model"
)

func TestMapCategory(t *testing.T) {
	cases := map[string]model.Category{
		"healthcare":      model.CategoryHealth,
		"Medical":         model.CategoryHealth,
		"transportation":  model.CategoryTransport,
		"finance":         model.CategoryFinancial,
		"law":             model.CategoryLegal,
		"community":       model.CategorySocial,
		"Legal_Aid":       model.CategoryLegal,
		"  emergency  ":   model.CategoryEmergency,
		"government":      model.CategoryGovernment,
		"arts and crafts": model.CategoryOther,
		"":                model.CategoryOther,
	}
	for label, want := range cases {
		assert.Equal(t, want, MapCategory(label), "label %q", label)
	}
}

func TestMapItemAliases(t *testing.T) {
	item := map[string]any{
		"service_id":        float64(4411),
		"organisation_name": "Westside Medical Centre",
		"summary":           "Bulk billing GP",
		"service_type":      "medical",
		"location":          map[string]any{"lat": -33.81, "lng": "151.00"},
		"contact":           map[string]any{"phone": "02 9000 1111", "email": "desk@westside.example"},
		"suburb":            "Parramatta",
		"state_code":        "NSW",
		"programs":          []any{"General practice", "Vaccinations"},
		"keywords":          "Bulk Billing, after hours",
	}

	rec, err := MapItem(model.SourceHealthDirect, item)
	require.NoError(t, err)

	assert.Equal(t, "4411", rec.SourceID)
	assert.Equal(t, model.SourceHealthDirect, rec.Source)
	assert.Equal(t, "Westside Medical Centre", rec.Name)
	assert.Equal(t, "Bulk billing GP", rec.Description)
	assert.Equal(t, model.CategoryHealth, rec.Category)
	assert.Equal(t, model.Point{Longitude: 151.00, Latitude: -33.81}, rec.Coordinates())
	assert.Equal(t, "02 9000 1111", rec.Phone)
	assert.Equal(t, "desk@westside.example", rec.Email)
	assert.Equal(t, "NSW", rec.Region, "region falls back to state")
	assert.Equal(t, []string{"General practice", "Vaccinations"}, rec.Services)
	assert.Equal(t, []string{"Bulk Billing", "after hours"}, rec.Tags)
	assert.True(t, rec.IsEssential)
	assert.False(t, rec.IsVerified, "verification is set on insert, not by mapping")
}

func TestMapItemGeoJSONCoordinates(t *testing.T) {
	item := map[string]any{
		"id":       "t-1",
		"name":     "Central Station",
		"category": "transportation",
		"location": map[string]any{"type": "Point", "coordinates": []any{151.2065, -33.8830}},
		"phone":    "131500",
		"region":   "Sydney",
	}
	rec, err := MapItem(model.SourceGovernmentAPI, item)
	require.NoError(t, err)
	assert.Equal(t, model.Point{Longitude: 151.2065, Latitude: -33.8830}, rec.Coordinates())
	assert.Equal(t, model.CategoryTransport, rec.Category)
	assert.False(t, rec.IsEssential)
}

func TestMapItemEssentialIsDerived(t *testing.T) {
	for category, essential := range map[string]bool{
		"hospital":   true,
		"emergency":  true,
		"government": true,
		"education":  false,
		"welfare":    false,
	} {
		rec, err := MapItem(model.SourceGovernmentAPI, map[string]any{
			"id": "x", "name": "n", "category": category, "isEssential": !essential,
			"lat": 1.0, "lon": 1.0, "phone": "1", "region": "r",
		})
		require.NoError(t, err)
		assert.Equal(t, essential, rec.IsEssential, "category %q", category)
	}
}

func TestMapItemMissingFields(t *testing.T) {
	_, err := MapItem(model.SourceGovernmentAPI, map[string]any{"name": "No id", "lat": 91.0, "lon": 10.0})

	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	fields := map[string]bool{}
	for _, f := range verr.Fields {
		fields[f.Field] = true
	}
	assert.True(t, fields["sourceId"])
	assert.True(t, fields["coordinates"])
	assert.True(t, fields["phone"])
	assert.True(t, fields["region"])
	assert.False(t, fields["name"])
}

func TestMapItemNil(t *testing.T) {
	_, err := MapItem(model.SourceGovernmentAPI, nil)
	assert.Error(t, err)
}

func TestDecodeItems(t *testing.T) {
	for name, body := range map[string]string{
		"bare array": `[{"id":1},{"id":2}]`,
		"data":       `{"data":[{"id":1},{"id":2}]}`,
		"results":    `{"count":2,"results":[{"id":1},{"id":2}]}`,
		"items":      `{"items":[{"id":1},{"id":2}]}`,
	} {
		items, err := decodeItems([]byte(body))
		require.NoError(t, err, name)
		assert.Len(t, items, 2, name)
	}

	items, err := decodeItems([]byte(`[{"id":1}, 7]`))
	require.NoError(t, err)
	assert.Nil(t, items[1], "non-object elements decode to nil")

	_, err = decodeItems([]byte(`{"message":"ok"}`))
	assert.ErrorIs(t, err, ErrUnexpectedBody)
}
