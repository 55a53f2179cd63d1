package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Envelope shapes are validated against these schemas before the handlers
// touch a single field, giving the §6 "400 malformed" response class a
// concrete, declarative definition instead of ad hoc field checks.
const agentResponseSchemaJSON = `{
	"type": "object",
	"required": ["event_type", "agent_id", "data"],
	"properties": {
		"event_type": {"type": "string", "const": "agent.run.completed"},
		"agent_id": {"type": "string", "minLength": 1},
		"data": {
			"type": "object",
			"required": ["run_id", "messages"],
			"properties": {
				"run_id": {"type": "string"},
				"messages": {"type": "array"}
			}
		}
	}
}`

const toolSelectorSchemaJSON = `{
	"type": "object",
	"required": ["event", "agent_id", "trigger_type"],
	"properties": {
		"event": {"type": "string", "const": "run_triggered"},
		"agent_id": {"type": "string", "minLength": 1},
		"trigger_type": {"type": "string", "const": "tool_attachment"},
		"new_run_id": {"type": "string"},
		"tools_attached": {"type": "array"},
		"query": {"type": "string"},
		"timestamp": {}
	}
}`

// schemas holds the compiled validators built once at Server construction.
type schemas struct {
	agentResponse *jsonschema.Schema
	toolSelector  *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("agent-response.json", strings.NewReader(agentResponseSchemaJSON)); err != nil {
		return nil, fmt.Errorf("webhook: add agent-response schema: %w", err)
	}
	if err := compiler.AddResource("tool-selector.json", strings.NewReader(toolSelectorSchemaJSON)); err != nil {
		return nil, fmt.Errorf("webhook: add tool-selector schema: %w", err)
	}

	agentResponse, err := compiler.Compile("agent-response.json")
	if err != nil {
		return nil, fmt.Errorf("webhook: compile agent-response schema: %w", err)
	}
	toolSelector, err := compiler.Compile("tool-selector.json")
	if err != nil {
		return nil, fmt.Errorf("webhook: compile tool-selector schema: %w", err)
	}
	return &schemas{agentResponse: agentResponse, toolSelector: toolSelector}, nil
}

// validateAgainst decodes rawBody as generic JSON and validates it against
// schema, returning a wrapped error suitable for a 400 response on failure.
func validateAgainst(schema *jsonschema.Schema, rawBody []byte) error {
	var v interface{}
	if err := json.Unmarshal(rawBody, &v); err != nil {
		return fmt.Errorf("webhook: malformed json: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("webhook: schema validation failed: %w", err)
	}
	return nil
}
