package feeds

import (
	"strconv"
	"strings"

	"github.com/communitylink/service-discovery/internal/model"
)

// Field aliases, in precedence order. Dotted names address nested objects.
var (
	idFields          = []string{"id", "service_id", "record_id", "_id", "sourceId"}
	nameFields        = []string{"name", "service_name", "organisation_name", "organization_name", "title"}
	descriptionFields = []string{"description", "summary", "details"}
	categoryFields    = []string{"category", "service_type", "category_name", "type"}
	subcategoryFields = []string{"subcategory", "sub_category", "service_subtype"}
	latFields         = []string{"lat", "latitude", "location.lat", "location.latitude", "geo.lat"}
	lonFields         = []string{"lon", "lng", "longitude", "location.lng", "location.lon", "location.longitude", "geo.lng"}
	addressFields     = []string{"address", "street_address", "address_line", "location.address"}
	cityFields        = []string{"city", "suburb", "locality", "location.city"}
	stateFields       = []string{"state", "state_code", "location.state"}
	postcodeFields    = []string{"postcode", "postal_code", "zip", "location.postcode"}
	regionFields      = []string{"region", "area", "lga", "location.region"}
	phoneFields       = []string{"phone", "phone_number", "telephone", "contact.phone"}
	emailFields       = []string{"email", "contact.email"}
	websiteFields     = []string{"website", "url", "web", "contact.website"}
	hoursFields       = []string{"hours", "opening_hours", "hours_of_operation"}
	emergencyFields   = []string{"emergency_contact", "emergencyContact", "after_hours_phone"}
	servicesFields    = []string{"services", "service_list", "programs"}
	tagsFields        = []string{"tags", "keywords"}
)

// categoryTable maps provider category labels onto the catalogue categories.
var categoryTable = map[string]model.Category{
	"health":             model.CategoryHealth,
	"healthcare":         model.CategoryHealth,
	"health care":        model.CategoryHealth,
	"medical":            model.CategoryHealth,
	"hospital":           model.CategoryHealth,
	"clinic":             model.CategoryHealth,
	"mental health":      model.CategoryHealth,
	"pharmacy":           model.CategoryHealth,
	"gp":                 model.CategoryHealth,
	"general practice":   model.CategoryHealth,
	"transport":          model.CategoryTransport,
	"transportation":     model.CategoryTransport,
	"transit":            model.CategoryTransport,
	"public transport":   model.CategoryTransport,
	"government":         model.CategoryGovernment,
	"council":            model.CategoryGovernment,
	"emergency":          model.CategoryEmergency,
	"emergency services": model.CategoryEmergency,
	"crisis":             model.CategoryEmergency,
	"education":          model.CategoryEducation,
	"school":             model.CategoryEducation,
	"library":            model.CategoryEducation,
	"training":           model.CategoryEducation,
	"finance":            model.CategoryFinancial,
	"financial":          model.CategoryFinancial,
	"financial services": model.CategoryFinancial,
	"law":                model.CategoryLegal,
	"legal":              model.CategoryLegal,
	"legal aid":          model.CategoryLegal,
	"community":          model.CategorySocial,
	"social":             model.CategorySocial,
	"social services":    model.CategorySocial,
	"welfare":            model.CategorySocial,
	"housing":            model.CategorySocial,
}

// MapCategory maps a provider category label. Unknown labels map to other.
func MapCategory(label string) model.Category {
	key := strings.Join(strings.Fields(strings.ToLower(strings.NewReplacer("_", " ", "-", " ").Replace(label))), " ")
	if c, ok := categoryTable[key]; ok {
		return c
	}
	return model.CategoryOther
}

// MapItem turns one provider item into a catalogue record. It only fills the
// fields a provider owns; lifecycle, review and usage fields stay zero.
// Missing identity, name, coordinates, phone or region fail the item.
func MapItem(source model.Source, item map[string]any) (*model.ServiceRecord, error) {
	if item == nil {
		return nil, model.NewValidationError("item", "must be an object")
	}

	rec := &model.ServiceRecord{
		Source:           source,
		SourceID:         firstString(item, idFields),
		Name:             firstString(item, nameFields),
		Description:      firstString(item, descriptionFields),
		Category:         MapCategory(firstString(item, categoryFields)),
		Subcategory:      firstString(item, subcategoryFields),
		Address:          firstString(item, addressFields),
		City:             firstString(item, cityFields),
		State:            firstString(item, stateFields),
		Postcode:         firstString(item, postcodeFields),
		Phone:            firstString(item, phoneFields),
		Email:            firstString(item, emailFields),
		Website:          firstString(item, websiteFields),
		Hours:            firstString(item, hoursFields),
		EmergencyContact: firstString(item, emergencyFields),
		Services:         firstList(item, servicesFields),
		Tags:             firstList(item, tagsFields),
	}
	rec.IsEssential = rec.Category.Essential()
	rec.Region = firstString(item, regionFields)
	if rec.Region == "" {
		rec.Region = rec.State
	}
	if rec.Region == "" {
		rec.Region = rec.City
	}

	verr := &model.ValidationError{}
	if rec.SourceID == "" {
		verr.Fields = append(verr.Fields, model.FieldError{Field: "sourceId", Message: "is required"})
	}
	if rec.Name == "" {
		verr.Fields = append(verr.Fields, model.FieldError{Field: "name", Message: "is required"})
	}
	point, ok := itemPoint(item)
	if !ok {
		verr.Fields = append(verr.Fields, model.FieldError{Field: "coordinates", Message: "must hold a valid longitude and latitude"})
	}
	if rec.Phone == "" {
		verr.Fields = append(verr.Fields, model.FieldError{Field: "phone", Message: "is required"})
	}
	if rec.Region == "" {
		verr.Fields = append(verr.Fields, model.FieldError{Field: "region", Message: "is required"})
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}
	rec.Location = model.NewGeoPoint(point)
	return rec, nil
}

// itemPoint reads coordinates from flat or nested fields, or from a GeoJSON
// [longitude, latitude] array under location.coordinates or coordinates.
func itemPoint(item map[string]any) (model.Point, bool) {
	lat, latOK := firstFloat(item, latFields)
	lon, lonOK := firstFloat(item, lonFields)
	if !latOK || !lonOK {
		for _, path := range []string{"location.coordinates", "coordinates"} {
			arr, ok := lookup(item, path).([]any)
			if !ok || len(arr) != 2 {
				continue
			}
			lon, lonOK = toFloat(arr[0])
			lat, latOK = toFloat(arr[1])
			if latOK && lonOK {
				break
			}
		}
	}
	p := model.Point{Longitude: lon, Latitude: lat}
	return p, latOK && lonOK && p.Valid()
}

// lookup resolves a dotted path through nested objects.
func lookup(item map[string]any, path string) any {
	var cur any = item
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = obj[part]; !ok {
			return nil
		}
	}
	return cur
}

func firstString(item map[string]any, paths []string) string {
	for _, p := range paths {
		if s := toString(lookup(item, p)); s != "" {
			return s
		}
	}
	return ""
}

func firstFloat(item map[string]any, paths []string) (float64, bool) {
	for _, p := range paths {
		if f, ok := toFloat(lookup(item, p)); ok {
			return f, true
		}
	}
	return 0, false
}

// firstList accepts an array of scalars or a comma-separated string.
func firstList(item map[string]any, paths []string) []string {
	for _, p := range paths {
		switch v := lookup(item, p).(type) {
		case []any:
			out := make([]string, 0, len(v))
			for _, elem := range v {
				if s := toString(elem); s != "" {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		case string:
			var out []string
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
