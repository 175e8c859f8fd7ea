package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].nextOnSuccess", ErrCodeInvalidGraph, "unknown step \"x\"")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].nextOnSuccess", r.Errors[0].Path)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[1]", ErrCodeValidation, "unreachable step")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r2 := &ValidationResult{}
	r2.AddError("steps[0]", ErrCodeInvalidGraph, "err2")
	r2.AddWarning("steps[1]", ErrCodeValidation, "warn2")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].type", ErrCodeValidation, "unknown step type")

	fe, ok := AsFlowError(r.ToError())
	require.True(t, ok)
	assert.Equal(t, ErrCodeInvalidGraph, fe.Code)
	assert.Contains(t, fe.Message, "steps[0].type")
	assert.Equal(t, 1, fe.Details["error_count"])

	r.AddError("steps[1].id", ErrCodeValidation, "duplicate")
	fe, ok = AsFlowError(r.ToError())
	require.True(t, ok)
	assert.Contains(t, fe.Message, "2 errors")
}
