package expressions

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/rendis/agentflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func engineData() map[string]any {
	return (&Env{
		Variables: map[string]any{
			"score": 0.8,
			"tier":  "gold",
			"items": []any{
				map[string]any{"name": "a", "price": float64(5)},
				map[string]any{"name": "b", "price": float64(15)},
			},
		},
		Input: map[string]any{"enabled": true},
		StepResults: map[string]any{
			"fetch": map[string]any{"status": "SUCCESS", "output": map[string]any{"code": float64(200)}},
		},
	}).Data()
}

// --- CEL ---

func TestCELEngine_Conditions(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	tests := []struct {
		expr string
		want bool
	}{
		{`variables.score > 0.5`, true},
		{`variables.tier == "silver"`, false},
		{`input.enabled && stepResults.fetch.status == "SUCCESS"`, true},
		{`size(variables.items) == 2`, true},
		{`"missing" in variables`, false},
	}
	for _, tt := range tests {
		got, err := e.EvaluateBool(context.Background(), tt.expr, engineData())
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}
}

func TestCELEngine_StringBoolean(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	got, err := e.EvaluateBool(context.Background(), `"true"`, nil)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = e.EvaluateBool(context.Background(), `" FALSE "`, nil)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestCELEngine_NonBoolean(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), `variables.tier`, engineData())
	require.Error(t, err)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestCELEngine_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	assert.Error(t, err)

	_, err = e.Evaluate(context.Background(), "variables.score >", nil)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)

	_, err = e.Evaluate(context.Background(), "variables.nope == 1", engineData())
	fe, ok = schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExecution, fe.Code)
}

func TestCELEngine_ConcurrentCache(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.EvaluateBool(context.Background(), `variables.score > 0.1`, engineData())
			assert.NoError(t, err)
			assert.True(t, out)
		}()
	}
	wg.Wait()
	assert.Len(t, e.cache, 1)
}

// --- jq ---

func TestGoJQEngine_Query(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())
	data := engineData()
	items := data[NamespaceVariables].(map[string]any)["items"]

	out, err := e.Query(context.Background(), `map(select(.price > 10)) | map(.name)`, items, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, out)

	out, err = e.Query(context.Background(), `{tier: $variables.tier, code: $stepResults.fetch.output.code}`, nil, data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tier": "gold", "code": float64(200)}, out)

	out, err = e.Query(context.Background(), `.[] | .name`, items, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	out, err = e.Query(context.Background(), `empty`, items, data)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQEngine_IntInput(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `.n + 1`, map[string]any{"n": 41})
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}

func TestGoJQEngine_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.Error(t, err)

	_, err = e.Evaluate(context.Background(), `map(`, nil)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)

	_, err = e.Evaluate(context.Background(), `error("boom")`, map[string]any{})
	fe, ok = schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExecution, fe.Code)
}

func TestGoJQEngine_RejectsNonFinite(t *testing.T) {
	e := NewGoJQEngine()
	for _, q := range []string{`infinite`, `nan`, `{a: [1, infinite]}`} {
		_, err := e.Evaluate(context.Background(), q, map[string]any{})
		fe, ok := schema.AsFlowError(err)
		require.True(t, ok, q)
		assert.Equal(t, schema.ErrCodeExecution, fe.Code, q)
	}
}

func TestGoJQEngine_EnvSandboxed(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, out)
}

// --- expr ---

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())
	data := engineData()
	data["value"] = data[NamespaceVariables].(map[string]any)["items"]

	out, err := e.Evaluate(context.Background(), `map(filter(value, .price > 10), .name)`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, out)

	out, err = e.Evaluate(context.Background(), `variables.tier + "-" + string(len(value))`, data)
	require.NoError(t, err)
	assert.Equal(t, "gold-2", out)

	out, err = e.Evaluate(context.Background(), `missing ?? "fallback"`, data)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExprEngine_CacheSurvivesShapeChange(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `value`, map[string]any{"value": "s"})
	require.NoError(t, err)
	assert.Equal(t, "s", out)

	out, err = e.Evaluate(context.Background(), `value`, map[string]any{"value": []any{float64(1)}})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1)}, out)
}

func TestExprEngine_Errors(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.Error(t, err)

	_, err = e.Evaluate(context.Background(), `1 +`, nil)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Evaluate(ctx, `1`, nil)
	fe, ok = schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCancelled, fe.Code)
}

func TestExprEngine_RejectsNonFinite(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `1/0`, nil)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExecution, fe.Code)
	assert.Contains(t, fe.Message, "not a finite number")

	out, err := e.Evaluate(context.Background(), `{"ratio": 1/4}`, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ratio": 0.25}, out)
}

func TestCheckFinite(t *testing.T) {
	assert.NoError(t, CheckFinite(map[string]any{"a": []any{1.5, "x", nil}}))
	err := CheckFinite(map[string]any{"a": []any{1.5, math.NaN()}})
	assert.ErrorContains(t, err, "result.a[1]")
	assert.Error(t, CheckFinite([]float64{1, math.Inf(-1)}))
}
