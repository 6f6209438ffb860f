package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainError_Creation(t *testing.T) {
	cause := errors.New("underlying error")

	err := NewValidationError("test validation error", cause)

	assert.Equal(t, ErrorTypeValidation, err.Type)
	assert.Equal(t, "test validation error", err.Message)
	assert.Equal(t, cause, err.Cause)
	assert.NotNil(t, err.Context)
}

func TestDomainError_WithContext(t *testing.T) {
	err := NewProcessError("test error", nil)

	err = err.WithContext("unit", "echo-bot")
	err = err.WithContext("pid", 12345)

	assert.Equal(t, "echo-bot", err.Context["unit"])
	assert.Equal(t, 12345, err.Context["pid"])
}

func TestDomainError_ErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		error    *DomainError
		expected string
	}{
		{
			name:     "error without cause",
			error:    NewValidationError("test message", nil),
			expected: "validation: test message",
		},
		{
			name:     "error with cause",
			error:    NewProcessError("test message", errors.New("cause")),
			expected: "process: test message: cause",
		},
		{
			name:     "resolution error",
			error:    NewResolutionError("entrypoint not found", nil),
			expected: "resolution: entrypoint not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.error.Error())
		})
	}
}

func TestDomainError_TypeChecking(t *testing.T) {
	conflictErr := NewConflictError("already running", nil)
	resolutionErr := NewResolutionError("no manifest", nil)

	assert.True(t, IsConflictError(conflictErr))
	assert.False(t, IsConflictError(resolutionErr))

	assert.True(t, IsResolutionError(resolutionErr))
	assert.False(t, IsResolutionError(conflictErr))

	// Test with wrapped errors
	wrappedErr := errors.New("wrapped")
	assert.False(t, IsConflictError(wrappedErr))
}

func TestDomainError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewProcessError("test error", cause)

	unwrapped := errors.Unwrap(err)
	assert.Equal(t, cause, unwrapped)
}

func TestErrorCollection(t *testing.T) {
	collection := NewErrorCollection()

	// Test empty collection
	assert.False(t, collection.HasErrors())
	assert.Nil(t, collection.ToError())

	// Add some errors
	collection.Add(NewValidationError("error 1", nil))
	collection.Add(NewProcessError("error 2", nil))
	collection.Add(nil) // Should be ignored

	assert.True(t, collection.HasErrors())
	assert.Equal(t, 2, len(collection.Errors))

	// Test error message
	err := collection.ToError()
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
}
