package remote

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const jobStatusSchema = `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "job_id": {"type": "string"},
    "status": {"type": "string", "minLength": 1},
    "error": {"type": ["string", "null"]},
    "schedule": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["id", "employee_id", "date"],
        "properties": {
          "id": {"type": ["string", "null"]},
          "employee_id": {"type": "string"},
          "date": {"type": "string"},
          "start_time": {"type": "string"},
          "end_time": {"type": "string"}
        }
      }
    }
  }
}`

const trainingStatusSchema = `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": {"type": "string"},
    "phase": {"type": "string"},
    "progress": {"type": "number"},
    "message": {"type": ["string", "null"]},
    "logs": {"type": ["array", "null"]},
    "details": {"type": ["object", "null"]}
  }
}`

var (
	jobStatusValidator      = mustCompile("job_status.json", jobStatusSchema)
	trainingStatusValidator = mustCompile("training_status.json", trainingStatusSchema)
)

func mustCompile(name, src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader([]byte(src))); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// validatePayload checks data against schema before it is decoded into a
// typed struct.
func validatePayload(schema *jsonschema.Schema, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
