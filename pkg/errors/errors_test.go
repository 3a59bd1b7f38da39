package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := AlreadyInCallError("callee is busy")
	assert.Equal(t, "AlreadyInCall: callee is busy", err.Error())
	assert.Equal(t, http.StatusConflict, err.StatusCode)

	wrapped := Wrap(ErrCodeInternalError, "boom", fmt.Errorf("disk full"))
	assert.Contains(t, wrapped.Error(), "caused by: disk full")
}

func TestGetAppError(t *testing.T) {
	original := StaleCallError("call ended")
	wrapped := fmt.Errorf("handling answer: %w", original)

	assert.True(t, IsAppError(wrapped))
	assert.Same(t, original, GetAppError(wrapped))

	plain := GetAppError(fmt.Errorf("unexpected"))
	assert.Equal(t, ErrCodeInternalError, plain.Code)
	assert.False(t, IsAppError(fmt.Errorf("unexpected")))
}
