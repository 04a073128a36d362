package export

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed run.schema.json
var runSchemaJSON string

var runSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("run.schema.json", runSchemaJSON)
})

// Schema returns the raw JSON schema for run documents.
func Schema() []byte { return []byte(runSchemaJSON) }

// Validate checks an encoded run document against the embedded schema.
func Validate(raw []byte) error {
	s, err := runSchema()
	if err != nil {
		return fmt.Errorf("compile run schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decode run document: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("validate run document: %w", err)
	}
	return nil
}

// ValidateDocument encodes doc and validates it.
func ValidateDocument(doc RunExport) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode run document: %w", err)
	}
	return Validate(raw)
}
