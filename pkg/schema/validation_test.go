package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("nodes[split1].max", ErrCodeBounds, "max exceeds successor count")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "nodes[split1].max", r.Errors[0].Path)
	assert.Equal(t, ErrCodeBounds, r.Errors[0].Code)
	assert.Equal(t, "max exceeds successor count", r.Errors[0].Message)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
	assert.True(t, r.HasCode(ErrCodeBounds))
	assert.False(t, r.HasCode(ErrCodeArity))
}

func TestValidationResult_AddWarning(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("nodes[orphan]", ErrCodeUnreachable, "node is unreachable")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r1.AddWarning("/", ErrCodeValidation, "warn1")

	r2 := &ValidationResult{}
	r2.AddErrorf("nodes[%s]", ErrCodeDanglingRef, "references %q", "x")
	r2.AddWarning("nodes[b]", ErrCodeUnreachable, "warn2")

	r1.Merge(r2)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 2)
	assert.Equal(t, `references "x"`, r1.Errors[1].Message)
}

func TestValidationResult_MergeNil(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err")
	r.Merge(nil)
	assert.Len(t, r.Errors, 1)
}

func TestValidationResult_ToError_Valid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("/", ErrCodeValidation, "just a warning")
	assert.Nil(t, r.ToError())
}

func TestValidationResult_ToError_SingleError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("nodes[a]", ErrCodeMissingEnd, "no end node")

	err := r.ToError()
	require.NotNil(t, err)

	pe, ok := err.(*ProcError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, pe.Code)
	assert.Equal(t, "no end node", pe.Message)
	assert.Equal(t, 1, pe.Details["error_count"])

	issues := IssuesOf(err)
	require.Len(t, issues, 1)
	assert.Equal(t, ErrCodeMissingEnd, issues[0].Code)
}

func TestValidationResult_ToError_MultipleErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err1")
	r.AddError("/", ErrCodeValidation, "err2")
	r.AddWarning("/", ErrCodeValidation, "warn1")

	err := r.ToError()
	require.NotNil(t, err)

	pe, ok := err.(*ProcError)
	require.True(t, ok)
	assert.Contains(t, pe.Message, "2 errors")
	assert.Equal(t, 2, pe.Details["error_count"])
	assert.Equal(t, 1, pe.Details["warning_count"])
}

func TestProcError_IsAndCodeOf(t *testing.T) {
	base := NewErrorf(ErrCodeNotActive, "node %s is not active", "a").WithNode("a")
	wrapped := fmt.Errorf("apply: %w", base)

	assert.True(t, errors.Is(wrapped, &ProcError{Code: ErrCodeNotActive}))
	assert.False(t, errors.Is(wrapped, &ProcError{Code: ErrCodeAlreadyActive}))
	assert.Equal(t, ErrCodeNotActive, CodeOf(wrapped))
	assert.Equal(t, "", CodeOf(errors.New("plain")))
	assert.Equal(t, "[NOT_ACTIVE] node a: node a is not active", base.Error())
}

func TestProcError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrCodeStore, "write failed").WithCause(cause)
	assert.ErrorIs(t, err, cause)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, InstanceStatusActive.Terminal())
	assert.True(t, InstanceStatusCancelled.Terminal())
	assert.False(t, NodeStateActive.Terminal())
	assert.True(t, NodeStateSkipped.Terminal())
}
