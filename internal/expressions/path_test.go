package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath_Segments(t *testing.T) {
	p, err := ParsePath(" variables.weather[0].temp ")
	require.NoError(t, err)

	assert.Equal(t, "variables", p.Namespace())
	require.Len(t, p.Segments, 4)
	assert.Equal(t, Segment{Kind: SegmentField, Name: "weather"}, p.Segments[1])
	assert.Equal(t, Segment{Kind: SegmentIndex, Index: 0}, p.Segments[2])
	assert.Equal(t, "temp", p.Segments[3].Name)
}

func TestParsePath_QuotedKeys(t *testing.T) {
	p, err := ParsePath(`input["a key"]['b]c'].d`)
	require.NoError(t, err)
	require.Len(t, p.Segments, 4)
	assert.Equal(t, "a key", p.Segments[1].Name)
	assert.Equal(t, "b]c", p.Segments[2].Name)
	assert.Equal(t, "d", p.Segments[3].Name)
}

func TestParsePath_HyphenatedStepID(t *testing.T) {
	p, err := ParsePath("stepResults.fetch-weather.output.items[12]")
	require.NoError(t, err)
	assert.Equal(t, "fetch-weather", p.Segments[1].Name)
	assert.Equal(t, 12, p.Segments[4].Index)
}

func TestParsePath_Malformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		"[0]",
		"variables.",
		"variables..x",
		"variables[",
		"variables[]",
		"variables[-1]",
		"variables[abc]",
		`variables["x"`,
		"variables.x y",
		"variables]",
	} {
		_, err := ParsePath(raw)
		assert.Error(t, err, "expected error for %q", raw)
	}
}

func TestPath_Walk(t *testing.T) {
	root := map[string]any{
		"weather": []any{
			map[string]any{"temp": 21.5},
		},
	}

	p, err := ParsePath("variables.weather[0].temp")
	require.NoError(t, err)
	v, err := p.Walk(root)
	require.NoError(t, err)
	assert.Equal(t, 21.5, v)

	p, _ = ParsePath("variables.weather[3]")
	_, err = p.Walk(root)
	assert.ErrorContains(t, err, "out of range")

	p, _ = ParsePath("variables.weather.temp")
	_, err = p.Walk(root)
	assert.ErrorContains(t, err, "cannot read field")

	p, _ = ParsePath("variables.missing")
	_, err = p.Walk(root)
	assert.ErrorContains(t, err, "available: [weather]")
}
