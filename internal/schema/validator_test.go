package schema

import (
	"errors"
	"testing"

	"github.com/communitylink/service-discovery/internal/model"
)

func fieldsOf(t *testing.T, err error) map[string]bool {
	t.Helper()
	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v want *model.ValidationError", err)
	}
	out := map[string]bool{}
	for _, f := range verr.Fields {
		out[f.Field] = true
	}
	return out
}

// A complete service payload passes.
func TestServiceInputValid(t *testing.T) {
	v := MustNewValidator()
	doc := `{"name":"Harbour Clinic","category":"health","coordinates":[151.2,-33.8],"region":"NSW","phone":"02 9999 0000"}`
	if err := v.Validate(KindServiceInput, []byte(doc)); err != nil {
		t.Errorf("got %v want nil", err)
	}
}

// Missing and mistyped fields are reported by name.
func TestServiceInputInvalid(t *testing.T) {
	v := MustNewValidator()
	doc := `{"name":"Harbour Clinic","category":"hospital","coordinates":[151.2],"phone":"1"}`
	fields := fieldsOf(t, v.Validate(KindServiceInput, []byte(doc)))
	for _, want := range []string{"category", "coordinates", "body"} {
		if !fields[want] {
			t.Errorf("got %v want field %q", fields, want)
		}
	}
}

// Ratings outside 1..5 are rejected.
func TestReviewInputRange(t *testing.T) {
	v := MustNewValidator()
	if err := v.Validate(KindReviewInput, []byte(`{"rating":6}`)); err == nil {
		t.Errorf("got nil want error for rating 6")
	}
	if err := v.Validate(KindReviewInput, []byte(`{"rating":4,"comment":"ok"}`)); err != nil {
		t.Errorf("got %v want nil", err)
	}
}

// Provider items need some id and some name under any alias.
func TestProviderItem(t *testing.T) {
	v := MustNewValidator()
	ok := map[string]any{"service_id": 17, "organisation_name": "Legal Aid"}
	if err := v.ValidateValue(KindProviderItem, ok); err != nil {
		t.Errorf("got %v want nil", err)
	}
	if err := v.ValidateValue(KindProviderItem, map[string]any{"name": "No id"}); err == nil {
		t.Errorf("got nil want error for item without id")
	}
}

// Malformed JSON is a body validation error.
func TestMalformedJSON(t *testing.T) {
	v := MustNewValidator()
	fields := fieldsOf(t, v.Validate(KindReviewInput, []byte(`{"rating":`)))
	if !fields["body"] {
		t.Errorf("got %v want body", fields)
	}
}
