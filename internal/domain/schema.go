package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldInteger FieldType = "integer"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
)

func (t FieldType) valid() bool {
	switch t {
	case FieldString, FieldNumber, FieldInteger, FieldBoolean, FieldObject, FieldArray:
		return true
	default:
		return false
	}
}

type Field struct {
	ID       string    `yaml:"id" json:"id"`
	Type     FieldType `yaml:"type" json:"type"`
	Required bool      `yaml:"required" json:"required"`
}

// FieldSchema is the ordered field list of a content type.
type FieldSchema []Field

func (s FieldSchema) Field(id string) (Field, bool) {
	for _, f := range s {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// jsonSchema renders the field list as a JSON Schema document. Unknown fields
// stay allowed, required fields must be present and non-null.
func (s FieldSchema) jsonSchema() ([]byte, error) {
	properties := make(map[string]any, len(s))
	required := make([]string, 0, len(s))
	for _, f := range s {
		if strings.TrimSpace(f.ID) == "" {
			return nil, fmt.Errorf("%w: field id is required", ErrInvalidInput)
		}
		if !f.Type.valid() {
			return nil, fmt.Errorf("%w: field %q has unsupported type %q", ErrInvalidInput, f.ID, f.Type)
		}
		if f.Required {
			properties[f.ID] = map[string]any{"type": string(f.Type)}
			required = append(required, f.ID)
			continue
		}
		properties[f.ID] = map[string]any{"type": []string{string(f.Type), "null"}}
	}
	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return json.Marshal(doc)
}

func compileSchema(base string, fields FieldSchema) (*jsonschema.Schema, error) {
	raw, err := fields.jsonSchema()
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://cqrs-pipeline.schemas.local/content/%s.schema.json", base)
	if err := c.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load schema %s: %w", base, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", base, err)
	}
	return compiled, nil
}

func validateAgainst(schema *jsonschema.Schema, body map[string]any) error {
	var doc any = body
	if body == nil {
		doc = map[string]any{}
	}
	err := schema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	reasons := leafReasons(ve)
	sort.Strings(reasons)
	return fmt.Errorf("%w: %s", ErrSchemaInvalid, strings.Join(reasons, "; "))
}

func leafReasons(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		location := ve.InstanceLocation
		if location == "" {
			location = "/"
		}
		return []string{"body" + strings.TrimSuffix(location, "/") + ": " + ve.Message}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, leafReasons(cause)...)
	}
	return out
}
