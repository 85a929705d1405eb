package util

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	santhosh "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ValidationError reports a tool argument that does not match the tool's schema.
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

var reflector = jsonschema.Reflector{
	Anonymous:                 true,
	DoNotReference:            true,
	AllowAdditionalProperties: true,
}

// CreateSchema reflects a JSON schema for the struct v. Field names follow the
// json tags; descriptions come from `jsonschema:"description=..."`. Fields
// without omitempty are required. Non-struct values yield an empty object
// schema.
func CreateSchema(v any) map[string]any {
	empty := map[string]any{"type": "object", "properties": map[string]any{}}

	t := reflect.TypeOf(v)
	if t == nil {
		return empty
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return empty
	}

	raw, err := json.Marshal(reflector.ReflectFromType(t))
	if err != nil {
		return empty
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return empty
	}
	delete(schema, "$schema")
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]any{}
	}
	return schema
}

// ValidateParameters validates params against the JSON schema of a tool.
// Missing required fields and type mismatches are reported against the field
// they concern. A schema that does not compile is not enforced.
func ValidateParameters(params map[string]any, schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	sch, err := compileSchema(schema)
	if err != nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	doc, err := toJSONValue(params)
	if err != nil {
		return &ValidationError{Message: err.Error()}
	}

	err = sch.Validate(doc)
	var verr *santhosh.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	return toValidationError(params, verr)
}

var compiled sync.Map // canonical schema JSON -> *santhosh.Schema

func compileSchema(schema map[string]any) (*santhosh.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	key := string(raw)
	if sch, ok := compiled.Load(key); ok {
		return sch.(*santhosh.Schema), nil
	}

	doc, err := santhosh.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := santhosh.NewCompiler()
	c.DefaultDraft(santhosh.Draft2020)
	if err := c.AddResource("tool.json", doc); err != nil {
		return nil, err
	}
	sch, err := c.Compile("tool.json")
	if err != nil {
		return nil, err
	}
	compiled.Store(key, sch)
	return sch, nil
}

// toJSONValue normalizes Go literals such as []string into the decoded JSON
// shapes the validator expects.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return santhosh.UnmarshalJSON(bytes.NewReader(raw))
}

var printer = message.NewPrinter(language.English)

func toValidationError(params map[string]any, err *santhosh.ValidationError) *ValidationError {
	for len(err.Causes) > 0 {
		err = err.Causes[0]
	}
	field := strings.Join(err.InstanceLocation, ".")

	switch k := err.ErrorKind.(type) {
	case *kind.Required:
		if len(k.Missing) > 0 {
			if field != "" {
				field += "."
			}
			field += k.Missing[0]
		}
		return &ValidationError{Field: field, Message: "required field is missing"}
	case *kind.Type:
		return &ValidationError{
			Field:   field,
			Value:   lookup(params, err.InstanceLocation),
			Message: fmt.Sprintf("expected type %s, got %s", strings.Join(k.Want, " or "), k.Got),
		}
	}
	return &ValidationError{
		Field:   field,
		Value:   lookup(params, err.InstanceLocation),
		Message: err.ErrorKind.LocalizedString(printer),
	}
}

func lookup(params map[string]any, loc []string) any {
	if len(loc) == 0 {
		return nil
	}
	return params[loc[0]]
}
