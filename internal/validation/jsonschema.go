package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/agentflow/pkg/schema"
)

const agentSchemaURL = "https://agentflow.dev/schemas/agent.json"

// agentSchemaJSON is the structural schema of an agent definition. Step
// configs are left open here; they are checked per type by ValidateAgent.
const agentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://agentflow.dev/schemas/agent.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "user_id": { "type": "string" },
    "description": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "variables": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/variable" }
    },
    "created_at": {},
    "updated_at": {}
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["PROMPT", "API_CALL", "VALIDATION", "TRANSFORMATION", "CONDITION",
                   "LOOP", "WAIT", "SET_VARIABLE", "ERROR_HANDLER"]
        },
        "config": { "type": "object" },
        "order": { "type": "integer" },
        "nextOnSuccess": { "type": "string" },
        "nextOnFailure": { "type": "string" }
      },
      "additionalProperties": false
    },
    "variable": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "defaultValue": { "type": "string" },
        "description": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates values against JSON Schema Draft 2020-12.
// Compiled schemas are cached by their canonical JSON. Safe for concurrent use.
type JSONSchemaValidator struct {
	agentSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the agent schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(agentSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal agent schema: %w", err)
	}
	if err := c.AddResource(agentSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add agent schema resource: %w", err)
	}
	agentSchema, err := c.Compile(agentSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile agent schema: %w", err)
	}
	return &JSONSchemaValidator{
		agentSchema: agentSchema,
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// Validate checks data against a schema given as a decoded JSON value, raw
// JSON bytes or a JSON string. A schema that does not compile is a
// VALIDATION_ERROR; a value that does not conform is reported in the Result.
func (v *JSONSchemaValidator) Validate(data any, schemaDoc any) (*Result, error) {
	compiled, err := v.getOrCompile(schemaDoc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}
	doc, err := toJSONValue(data)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "value is not JSON-serializable").WithCause(err)
	}
	return resultFrom(compiled.Validate(doc)), nil
}

// ValidateAgentDocument checks the structural shape of an agent definition.
func (v *JSONSchemaValidator) ValidateAgentDocument(agent *schema.Agent) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := toJSONValue(agent)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	for _, violation := range resultFrom(v.agentSchema.Validate(doc)).Errors {
		result.AddError(violation.Path, schema.ErrCodeValidation, violation.Message)
	}
	return result
}

func (v *JSONSchemaValidator) getOrCompile(schemaDoc any) (*jsonschema.Schema, error) {
	key, err := canonicalSchema(schemaDoc)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Fresh compiler per schema so resource URLs never collide.
	url := fmt.Sprintf("agentflow://schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// canonicalSchema turns the accepted schema forms into canonical JSON text.
func canonicalSchema(schemaDoc any) (string, error) {
	var raw []byte
	switch s := schemaDoc.(type) {
	case nil:
		return "", fmt.Errorf("schema is empty")
	case string:
		raw = []byte(s)
	case []byte:
		raw = s
	case json.RawMessage:
		raw = s
	default:
		b, err := json.Marshal(s)
		if err != nil {
			return "", fmt.Errorf("marshal schema: %w", err)
		}
		return string(b), nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("schema is not valid JSON: %w", err)
	}
	b, err := json.Marshal(decoded)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func resultFrom(err error) *Result {
	if err == nil {
		return &Result{Valid: true}
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return &Result{Errors: []Violation{{Keyword: "schema", Message: err.Error(), Path: "/"}}}
	}
	violations := collectViolations(verr)
	if len(violations) == 0 {
		violations = []Violation{{Keyword: "schema", Message: leafMessage(verr), Path: "/"}}
	}
	return &Result{Errors: violations}
}

// collectViolations walks a ValidationError tree and collects the leaves with
// their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []Violation {
	if len(verr.Causes) == 0 {
		return []Violation{{
			Keyword: keyword(verr),
			Message: leafMessage(verr),
			Path:    "/" + strings.Join(verr.InstanceLocation, "/"),
		}}
	}
	var out []Violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

func keyword(verr *jsonschema.ValidationError) string {
	if verr.ErrorKind == nil {
		return "schema"
	}
	path := verr.ErrorKind.KeywordPath()
	if len(path) == 0 {
		return "schema"
	}
	return path[len(path)-1]
}

// leafMessage drops the "jsonschema validation failed ... at '/x':" preamble.
func leafMessage(verr *jsonschema.ValidationError) string {
	msg := strings.TrimSpace(verr.Error())
	if i := strings.LastIndex(msg, "': "); i >= 0 {
		return msg[i+3:]
	}
	return msg
}
