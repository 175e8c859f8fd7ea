package agentfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/pkg/schema"
)

const triageYAML = `
name: triage
description: classify a ticket
variables:
  - name: threshold
    defaultValue: 3
  - name: greeting
    defaultValue: hello
  - name: tags
    defaultValue: [a, b]
  - name: empty
steps:
  - id: classify
    type: PROMPT
    config:
      prompt: "Classify {{input.ticket}}"
      model: small
      outputVariable: label
  - id: route
    type: CONDITION
    nextOnFailure: fallback
    config:
      condition: variables.label == "bug"
      trueStepId: fallback
      falseStepId: classify
  - id: fallback
    type: SET_VARIABLE
    order: 10
    config:
      variable: routed
      value:
        queue: general
        1: numeric-key
`

func TestParse(t *testing.T) {
	agent, err := Parse([]byte(triageYAML))
	require.NoError(t, err)

	assert.Equal(t, "triage", agent.Name)
	assert.Equal(t, "classify a ticket", agent.Description)

	require.Len(t, agent.Variables, 4)
	assert.Equal(t, "3", *agent.Variables[0].DefaultValue)
	assert.Equal(t, "hello", *agent.Variables[1].DefaultValue)
	assert.Equal(t, `["a","b"]`, *agent.Variables[2].DefaultValue)
	assert.Nil(t, agent.Variables[3].DefaultValue)

	require.Len(t, agent.Steps, 3)
	assert.Equal(t, schema.StepTypePrompt, agent.Steps[0].Type)
	assert.Equal(t, 1, agent.Steps[0].Order)
	assert.Equal(t, 2, agent.Steps[1].Order)
	assert.Equal(t, 10, agent.Steps[2].Order)
	assert.Equal(t, "fallback", agent.Steps[1].NextOnFailure)

	cfg, err := schema.DecodeStepConfig(agent.Steps[0].Type, agent.Steps[0].Config)
	require.NoError(t, err)
	prompt := cfg.(*schema.PromptConfig)
	assert.Equal(t, "Classify {{input.ticket}}", prompt.Prompt)
	assert.Equal(t, "label", prompt.OutputVariable)

	var setVar map[string]any
	require.NoError(t, json.Unmarshal(agent.Steps[2].Config, &setVar))
	assert.Equal(t, map[string]any{"queue": "general", "1": "numeric-key"}, setVar["value"])
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`
name: typo
steps:
  - id: a
    type: WAIT
    nextOnSucess: b
`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err, ""))
}

func TestParseInvalidAgent(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no steps", "name: empty\nsteps: []\n"},
		{"unknown target", `
name: dangling
steps:
  - id: a
    type: SET_VARIABLE
    nextOnSuccess: missing
    config: {variable: x, value: 1}
`},
		{"bad config", `
name: bad
steps:
  - id: a
    type: LOOP
    config: {type: count}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeInvalidGraph, schema.ErrorCode(err, ""))
		})
	}
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(triageYAML), 0o600))

	agent, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "triage", agent.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestExampleAgentsLoad(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("..", "..", "examples", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			agent, err := Load(path)
			require.NoError(t, err)
			assert.NotEmpty(t, agent.ID)
			assert.NotEmpty(t, agent.Steps)
		})
	}
}
