package catalog

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache memoizes compiled tool schemas by their raw JSON text, the
// same cache-by-source-text shape the plugin manifest validator uses.
var schemaCache sync.Map

// ValidateToolInput compiles schema (a tool's Tool.Schema()) and validates
// input against it before the tool call reaches Execute, rejecting
// malformed or out-of-contract arguments the model emitted.
func ValidateToolInput(toolName string, schema, input json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("compile schema for tool %q: %w", toolName, err)
	}

	var decoded any
	if len(input) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("decode arguments for tool %q: %w", toolName, err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("arguments for tool %q do not match its schema: %w", toolName, err)
	}
	return nil
}

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
