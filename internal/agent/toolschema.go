package agent

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache memoizes compiled tool schemas by their raw JSON text, the
// same pattern pkg/pluginsdk uses for manifest config schemas: tool schemas
// are static per registration, so there is no reason to recompile one on
// every call.
var schemaCache sync.Map

func compileToolSchema(toolName string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(toolName+".schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// validateToolParams checks params against the tool's Schema(), returning a
// descriptive error if params don't conform. A tool with no schema (empty
// or nil RawMessage) is treated as unconstrained and always passes.
func validateToolParams(tool Tool, params json.RawMessage) error {
	schema := tool.Schema()
	if len(schema) == 0 {
		return nil
	}

	compiled, err := compileToolSchema(tool.Name(), schema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var decoded any
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return err
	}
	return nil
}
