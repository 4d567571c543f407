// internal/schema/validator.go
// Package schema provides JSON schema validation for request payloads and
// provider feed items before they are decoded into catalogue types.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/communitylink/service-discovery/internal/model"
)

// Kind names a document shape with a registered schema.
type Kind string

const (
	KindServiceInput Kind = "service.input" // POST/PUT /services body
	KindReviewInput  Kind = "review.input"  // POST /services/{id}/reviews body
	KindProviderItem Kind = "provider.item" // One item of an external feed batch
)

const serviceInputSchema = `{
  "type": "object",
  "required": ["name", "category", "coordinates", "region", "phone"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 200},
    "description": {"type": "string", "maxLength": 5000},
    "category": {"type": "string", "enum": ["health", "transport", "government", "emergency", "education", "financial", "legal", "social", "other"]},
    "subcategory": {"type": "string"},
    "coordinates": {"type": "array", "minItems": 2, "maxItems": 2, "items": {"type": "number"}},
    "region": {"type": "string", "minLength": 1},
    "phone": {"type": "string", "minLength": 1},
    "services": {"type": "array", "items": {"type": "string"}},
    "tags": {"type": "array", "items": {"type": "string"}},
    "isVerified": {"type": "boolean"},
    "offlineAvailable": {"type": "boolean"},
    "isEssential": {"type": "boolean"},
    "source": {"type": "string"},
    "sourceId": {"type": "string"}
  }
}`

const reviewInputSchema = `{
  "type": "object",
  "required": ["rating"],
  "properties": {
    "rating": {"type": "integer", "minimum": 1, "maximum": 5},
    "comment": {"type": "string", "maxLength": 2000}
  }
}`

// Provider feeds disagree on field names, so the item schema only pins down
// that an item is an object carrying some identifier and some name.
const providerItemSchema = `{
  "type": "object",
  "allOf": [
    {"anyOf": [
      {"required": ["id"]}, {"required": ["service_id"]}, {"required": ["record_id"]},
      {"required": ["_id"]}, {"required": ["sourceId"]}
    ]},
    {"anyOf": [
      {"required": ["name"]}, {"required": ["service_name"]},
      {"required": ["organisation_name"]}, {"required": ["title"]}
    ]}
  ]
}`

// Validator validates documents against compiled JSON schemas.
type Validator struct {
	schemas map[Kind]*gojsonschema.Schema
}

// NewValidator compiles every registered schema.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[Kind]*gojsonschema.Schema)}
	for kind, src := range map[Kind]string{
		KindServiceInput: serviceInputSchema,
		KindReviewInput:  reviewInputSchema,
		KindProviderItem: providerItemSchema,
	} {
		if err := v.loadSchema(kind, src); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// MustNewValidator is NewValidator for package-level initialisation.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

func (v *Validator) loadSchema(kind Kind, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", kind, err)
	}
	v.schemas[kind] = schema
	return nil
}

// Validate checks a raw JSON document. Schema violations are returned as a
// *model.ValidationError; malformed JSON is reported against "body".
func (v *Validator) Validate(kind Kind, doc []byte) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("schema not found for %s", kind)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return model.NewValidationError("body", "must be a valid JSON document")
	}
	if result.Valid() {
		return nil
	}

	verr := &model.ValidationError{}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == gojsonschema.STRING_CONTEXT_ROOT || field == "" {
			field = "body"
		}
		verr.Fields = append(verr.Fields, model.FieldError{
			Field:   strings.TrimPrefix(field, gojsonschema.STRING_CONTEXT_ROOT+"."),
			Message: desc.Description(),
		})
	}
	return verr
}

// ValidateValue marshals value and validates the result.
func (v *Validator) ValidateValue(kind Kind, value any) error {
	doc, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	return v.Validate(kind, doc)
}
