package tool

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// rootField is how gojsonschema names the document itself.
const rootField = "(root)"

// FieldError is a single parameter validation failure.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// JoinFieldErrors renders a list of field errors as one line.
func JoinFieldErrors(errs []FieldError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Schema is a compiled parameter schema. A nil *Schema accepts anything.
type Schema struct {
	compiled *gojsonschema.Schema
}

// CompileSchema parses a JSON-schema object. An empty schema compiles to nil.
func CompileSchema(raw map[string]interface{}) (*Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Schema{compiled: compiled}, nil
}

// CheckSchema verifies that a schema is well formed enough to validate against.
func CheckSchema(raw map[string]interface{}) error {
	_, err := CompileSchema(raw)
	return err
}

// Validate returns every violation found in params, ordered by field. An
// empty result means the parameters are valid.
func (s *Schema) Validate(params map[string]interface{}) []FieldError {
	if s == nil {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	result, err := s.compiled.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return []FieldError{{Message: fmt.Sprintf("parameters are not valid JSON: %v", err)}}
	}
	if result.Valid() {
		return nil
	}

	errs := make([]FieldError, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		errs = append(errs, FieldError{Field: fieldOf(re), Message: re.Description()})
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs
}

// ValidateParams compiles schema and checks params against it.
func ValidateParams(raw map[string]interface{}, params map[string]interface{}) []FieldError {
	s, err := CompileSchema(raw)
	if err != nil {
		return []FieldError{{Message: err.Error()}}
	}
	return s.Validate(params)
}

// fieldOf names the offending parameter. Object-level errors such as a
// missing required property carry the property in their details.
func fieldOf(re gojsonschema.ResultError) string {
	field := re.Field()
	if field != rootField {
		return field
	}
	if p, ok := re.Details()["property"].(string); ok {
		return p
	}
	return ""
}
