// Package schemas validates queue message payloads against embedded JSON Schemas.
package schemas

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Schema file names.
const (
	JobMessageSchema    = "job_message.schema.json"
	StatusMessageSchema = "status_message.schema.json"
)

//go:embed *.schema.json
var schemaFS embed.FS

// ValidationError lists every rule a payload broke.
type ValidationError struct {
	Schema string
	Errors []FieldError
}

// FieldError is one broken rule at a JSON path; "(root)" is the whole payload.
type FieldError struct {
	Field   string
	Message string
}

// Error joins all field errors on one line so it fits a log record.
func (ve *ValidationError) Error() string {
	parts := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return fmt.Sprintf("payload does not match %s: %s", ve.Schema, strings.Join(parts, "; "))
}

// Fields returns the failing field paths.
func (ve *ValidationError) Fields() []string {
	out := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		out = append(out, e.Field)
	}
	return out
}

// SchemaLoadError means an embedded schema is missing or does not compile.
type SchemaLoadError struct {
	Name  string
	Cause error
}

func (e *SchemaLoadError) Error() string {
	return fmt.Sprintf("schema %s: %v", e.Name, e.Cause)
}

func (e *SchemaLoadError) Unwrap() error {
	return e.Cause
}

type compiled struct {
	once   sync.Once
	schema *gojsonschema.Schema
	err    error
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*compiled{}
)

// load compiles an embedded schema once.
func load(name string) (*gojsonschema.Schema, error) {
	cacheMu.Lock()
	c, ok := cache[name]
	if !ok {
		c = &compiled{}
		cache[name] = c
	}
	cacheMu.Unlock()

	c.once.Do(func() {
		raw, err := schemaFS.ReadFile(name)
		if err != nil {
			c.err = &SchemaLoadError{Name: name, Cause: err}
			return
		}
		c.schema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			c.err = &SchemaLoadError{Name: name, Cause: err}
		}
	})
	return c.schema, c.err
}

// Validate checks document against the embedded schema name.
func Validate(name string, document []byte) error {
	schema, err := load(name)
	if err != nil {
		return err
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		// not JSON at all
		return &ValidationError{Schema: name, Errors: []FieldError{{Field: "(root)", Message: err.Error()}}}
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{Schema: name, Errors: make([]FieldError, 0, len(result.Errors()))}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		verr.Errors = append(verr.Errors, FieldError{Field: field, Message: desc.Description()})
	}
	return verr
}

// ValidateJobMessage checks an inbound job payload.
func ValidateJobMessage(document []byte) error {
	return Validate(JobMessageSchema, document)
}

// ValidateStatusMessage checks an outbound status payload.
func ValidateStatusMessage(document []byte) error {
	return Validate(StatusMessageSchema, document)
}
