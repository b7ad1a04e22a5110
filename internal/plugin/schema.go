package plugin

import (
	"maps"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// JSONSchema renders the config schema as a JSON Schema document.
func (s *ConfigSchema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Fields))
	var required []string
	for _, f := range s.Fields {
		prop := map[string]any{}
		switch f.Type {
		case FieldNumber:
			prop["type"] = "number"
		case FieldBoolean:
			prop["type"] = "boolean"
		case FieldPath:
			prop["type"] = "string"
			prop["minLength"] = 1
		default:
			prop["type"] = "string"
		}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		props[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}

	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

// ValidateSettings fills in schema defaults and validates settings against the
// schema. The returned map is a copy; settings is not modified. A nil schema
// accepts anything.
func ValidateSettings(schema *ConfigSchema, settings map[string]string) (map[string]string, error) {
	out := maps.Clone(settings)
	if out == nil {
		out = map[string]string{}
	}
	if schema == nil || len(schema.Fields) == 0 {
		return out, nil
	}

	types := make(map[string]FieldType, len(schema.Fields))
	for _, f := range schema.Fields {
		types[f.Name] = f.Type
		if _, ok := out[f.Name]; !ok && f.Default != "" {
			out[f.Name] = f.Default
		}
	}

	doc := make(map[string]any, len(out))
	for k, v := range out {
		doc[k] = typedValue(types[k], v)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema.JSONSchema()),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return nil, Errorf(ErrConfig, "schema validation: %v", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, Errorf(ErrConfig, "invalid settings: %s", strings.Join(msgs, "; "))
	}
	return out, nil
}

// typedValue converts a string setting into the JSON type its field declares.
// Values that do not parse stay strings so the schema reports the mismatch.
func typedValue(t FieldType, v string) any {
	switch t {
	case FieldNumber:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	case FieldBoolean:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return v
}
