package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByType(t *testing.T) {
	err := Newf(ErrorTypeLockTimeout, "save", "waited %s", "10s")
	wrapped := fmt.Errorf("saving checkpoint: %w", err)

	assert.True(t, errors.Is(wrapped, ErrLockTimeout))
	assert.False(t, errors.Is(wrapped, ErrCorrupt))
	assert.Equal(t, ErrorTypeLockTimeout, TypeOf(wrapped))
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := Wrap(ErrorTypeCorrupt, "load", cause)

	assert.Equal(t, "load: corrupt error: unexpected EOF", err.Error())
	assert.ErrorIs(t, err, cause)

	bare := &Error{Type: ErrorTypeNotFound}
	assert.Equal(t, "not_found error: not_found", bare.Error())
}

func TestDetails(t *testing.T) {
	err := New(ErrorTypeCorrupt, "load", "schema check failed").
		WithDetails("missing required field: statistics")

	assert.Equal(t, []string{"missing required field: statistics"}, DetailsOf(fmt.Errorf("x: %w", err)))
	assert.Nil(t, DetailsOf(errors.New("plain")))
	assert.Equal(t, ErrorTypeUnknown, TypeOf(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		errType ErrorType
		want    bool
	}{
		{ErrorTypeLockTimeout, true},
		{ErrorTypeToolFailure, true},
		{ErrorTypeToolTimeout, false},
		{ErrorTypeInvalidTransition, false},
		{ErrorTypeCorrupt, false},
		{ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.errType))
		})
	}
}
