package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed config.schema.json
var schemaSource string

const schemaURL = "imsession-config.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func configSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, strings.NewReader(schemaSource)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

// checkSchema validates the structure of a decoded config document. Unknown
// keys and mistyped values are rejected before the typed decode silently
// ignores or truncates them.
func checkSchema(doc map[string]any) error {
	if doc == nil {
		doc = map[string]any{}
	}
	s, err := configSchema()
	if err != nil {
		return err
	}

	// TOML and YAML decode to Go-native values; the validator wants JSON ones.
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}

	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
