package provider

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

// validateArguments checks invocation arguments against a capability's
// parameter schema. A nil or empty schema accepts anything.
func validateArguments(schemaBytes json.RawMessage, args json.RawMessage) error {
	if len(schemaBytes) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(schemaBytes))
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	var data any
	if len(args) == 0 {
		data = map[string]any{}
	} else if err := json.Unmarshal(args, &data); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}

	result := schema.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}
