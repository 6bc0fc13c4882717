package validation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Schema names bundled with the package.
const (
	SchemaTransaction = "transaction.schema.json"
	SchemaEstablish   = "establish.schema.json"
)

// Schema is a compiled JSON schema for request bodies.
type Schema struct {
	name   string
	schema *jsonschema.Schema
}

// LoadSchema compiles one of the bundled schemas.
func LoadSchema(name string) (*Schema, error) {
	data, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return CompileSchema(name, data)
}

// MustLoadSchema is LoadSchema for package-level initialization.
func MustLoadSchema(name string) *Schema {
	s, err := LoadSchema(name)
	if err != nil {
		panic(err)
	}
	return s
}

// CompileSchema compiles a schema document.
func CompileSchema(name string, data []byte) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{name: name, schema: compiled}, nil
}

// Validate checks a JSON document against the schema. Malformed JSON and
// schema violations are both reported as ValidationErrors.
func (s *Schema) Validate(raw []byte) ValidationErrors {
	var instance any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return ValidationErrors{{Field: "body", Message: "malformed JSON"}}
	}
	err := s.schema.Validate(instance)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return ValidationErrors{{Field: "body", Message: err.Error()}}
	}
	var out ValidationErrors
	collectLeaves(ve, &out)
	if len(out) == 0 {
		out = ValidationErrors{{Field: fieldName(ve.InstanceLocation), Message: ve.Message}}
	}
	return out
}

// Bind reads the request body, validates it and decodes it into dst.
// It writes a 400 response and returns false on failure.
func (s *Schema) Bind(c *gin.Context, dst any) bool {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return false
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	if errs := s.Validate(raw); len(errs) > 0 {
		Abort(c, errs)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		Abort(c, ValidationErrors{{Field: "body", Message: err.Error()}})
		return false
	}
	return true
}

func collectLeaves(ve *jsonschema.ValidationError, out *ValidationErrors) {
	if len(ve.Causes) == 0 {
		*out = append(*out, ValidationError{Field: fieldName(ve.InstanceLocation), Message: ve.Message})
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}

func fieldName(loc string) string {
	f := strings.TrimPrefix(loc, "/")
	if f == "" {
		return "body"
	}
	return strings.ReplaceAll(f, "/", ".")
}
