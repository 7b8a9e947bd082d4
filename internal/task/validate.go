package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentic-qe/fleet/internal/fleeterrors"
)

// SchemaRegistry compiles and caches a JSON Schema per task type, so
// Submit can validate a payload against the schema registered for its type
// before the task is admitted to a priority lane.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schemaJSON and associates it with taskType. Registering
// the same taskType again replaces its schema.
func (r *SchemaRegistry) Register(taskType string, schemaJSON json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return fleeterrors.Wrap(fleeterrors.KindConfiguration, "unmarshal payload schema", err)
	}
	c := jsonschema.NewCompiler()
	resource := taskType + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return fleeterrors.Wrap(fleeterrors.KindConfiguration, "add schema resource", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return fleeterrors.Wrap(fleeterrors.KindConfiguration, "compile payload schema", err)
	}
	r.mu.Lock()
	r.schemas[taskType] = schema
	r.mu.Unlock()
	return nil
}

// Validate checks payload against the schema registered for taskType. A
// task type with no registered schema passes validation unconditionally,
// since payload schemas are opt-in per type.
func (r *SchemaRegistry) Validate(taskType string, payload []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[taskType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return fleeterrors.Wrap(fleeterrors.KindConfiguration, "task payload is not valid JSON", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fleeterrors.Wrap(fleeterrors.KindConfiguration, fmt.Sprintf("payload does not match schema for task type %q", taskType), err)
	}
	return nil
}
