package validation

import (
	"fmt"
	"os"

	"github.com/xeipuuv/gojsonschema"
)

// TaskValidator validates task submission bodies against a JSON schema
type TaskValidator struct {
	schema *gojsonschema.Schema
}

// NewTaskValidator loads the task request schema from a file
func NewTaskValidator(schemaPath string) (*TaskValidator, error) {
	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return NewTaskValidatorFromBytes(schemaData)
}

// NewTaskValidatorFromBytes builds a validator from raw schema bytes
func NewTaskValidatorFromBytes(schemaData []byte) (*TaskValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaData))
	if err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &TaskValidator{schema: schema}, nil
}

// Validate checks a raw request body against the schema
func (v *TaskValidator) Validate(body []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("failed to validate: %w", err)
	}

	if !result.Valid() {
		var errors []string
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}
		return fmt.Errorf("validation failed: %v", errors)
	}
	return nil
}
