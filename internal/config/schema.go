package config

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var durationType = reflect.TypeOf(time.Duration(0))

// JSONSchema returns the JSON Schema for configuration files, keyed by the
// yaml field names. Durations are described as Go duration strings ("3s"),
// which is how the loader reads them.
func JSONSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		// Every setting has a default, so nothing is required.
		RequiredFromJSONSchemaTags: true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t != durationType {
				return nil
			}
			return &jsonschema.Schema{
				Type:        "string",
				Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
				Description: "Go duration, e.g. 3s or 1m30s",
			}
		},
	}
	schema := r.Reflect(&Config{})
	schema.Title = "livechat client configuration"
	if schema.Properties == nil {
		schema.Properties = orderedmap.New[string, *jsonschema.Schema]()
	}
	schema.Properties.Set(includeKey, &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		},
		Description: "Files merged underneath this one, relative to it",
	})
	return json.MarshalIndent(schema, "", "  ")
}
