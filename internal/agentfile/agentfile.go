// Package agentfile reads agent definitions written as YAML documents.
//
//	name: triage
//	variables:
//	  - name: threshold
//	    defaultValue: 3
//	steps:
//	  - id: classify
//	    type: PROMPT
//	    config:
//	      prompt: "Classify {{input.ticket}}"
//	      model: small
//	      outputVariable: label
//
// Step order defaults to the position in the file. Step configs are kept as
// JSON so the engine decodes them exactly like agents stored in the database.
package agentfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/agentflow/internal/validation"
	"github.com/rendis/agentflow/pkg/schema"
)

type document struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	UserID      string         `yaml:"userId"`
	Description string         `yaml:"description"`
	Variables   []variableDoc  `yaml:"variables"`
	Steps       []stepDocument `yaml:"steps"`
}

type variableDoc struct {
	Name         string `yaml:"name"`
	DefaultValue any    `yaml:"defaultValue"`
	Description  string `yaml:"description"`
}

type stepDocument struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Type          string `yaml:"type"`
	Order         *int   `yaml:"order"`
	NextOnSuccess string `yaml:"nextOnSuccess"`
	NextOnFailure string `yaml:"nextOnFailure"`
	Config        any    `yaml:"config"`
}

// Load reads and validates the agent file at path.
func Load(path string) (*schema.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML agent document and validates the result. Unknown
// fields are rejected so typos in step keys surface at import time.
func Parse(data []byte) (*schema.Agent, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, schema.NewError(schema.ErrCodeValidation, "agent file is empty")
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse agent file: %v", err).WithCause(err)
	}

	agent, err := doc.toAgent()
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateAgent(agent).ToError(); err != nil {
		return nil, err
	}
	return agent, nil
}

func (d *document) toAgent() (*schema.Agent, error) {
	agent := &schema.Agent{
		ID:          d.ID,
		Name:        d.Name,
		UserID:      d.UserID,
		Description: d.Description,
	}

	for _, v := range d.Variables {
		def, err := defaultString(v.DefaultValue)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "variable %q: %v", v.Name, err)
		}
		agent.Variables = append(agent.Variables, schema.Variable{
			Name:         v.Name,
			DefaultValue: def,
			Description:  v.Description,
		})
	}

	for i, s := range d.Steps {
		order := i + 1
		if s.Order != nil {
			order = *s.Order
		}
		var raw json.RawMessage
		if s.Config != nil {
			b, err := json.Marshal(normalize(s.Config))
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %q config: %v", s.ID, err)
			}
			raw = b
		}
		agent.Steps = append(agent.Steps, schema.Step{
			ID:            s.ID,
			Name:          s.Name,
			Type:          schema.StepType(s.Type),
			Config:        raw,
			Order:         order,
			NextOnSuccess: s.NextOnSuccess,
			NextOnFailure: s.NextOnFailure,
		})
	}
	return agent, nil
}

// defaultString renders a YAML default as the string form variables are
// declared with. Scalars print bare, structured values as JSON.
func defaultString(v any) (*string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return &t, nil
	case bool, int, int64, uint64, float64:
		s := fmt.Sprint(t)
		return &s, nil
	default:
		b, err := json.Marshal(normalize(t))
		if err != nil {
			return nil, err
		}
		s := string(b)
		return &s, nil
	}
}

// normalize turns the map[any]any values YAML produces for non-string keys
// into JSON-encodable map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
