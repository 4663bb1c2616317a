package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		contains []string
	}{
		{
			name:     "simple error",
			err:      ValidationError("bad input"),
			contains: []string{"validation", "bad input"},
		},
		{
			name:     "error with cause",
			err:      ConnectionError("dial failed", errors.New("refused")),
			contains: []string{"connection", "dial failed", "refused"},
		},
		{
			name:     "error with context",
			err:      SecurityError("unsafe URL").WithContext("host", "10.0.0.5"),
			contains: []string{"security", "unsafe URL", "host=10.0.0.5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				assert.Contains(t, msg, want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := InternalError("wrapped", cause)

	assert.ErrorIs(t, err, cause)
}

func TestIsType(t *testing.T) {
	assert.True(t, IsType(TimeoutError("fetch"), ErrTypeTimeout))
	assert.True(t, IsType(CircuitOpenError("https://api.example.com"), ErrTypeCircuitOpen))
	assert.False(t, IsType(TimeoutError("fetch"), ErrTypeConnection))
	assert.False(t, IsType(errors.New("plain"), ErrTypeInternal))
	assert.False(t, IsType(nil, ErrTypeInternal))
}

func TestGetType(t *testing.T) {
	assert.Equal(t, ErrTypeRateLimit, GetType(RateLimitError("example.com")))
	assert.Equal(t, ErrTypeInternal, GetType(errors.New("plain")))
	assert.Equal(t, ErrorType(""), GetType(nil))
}
