package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("missing email"), http.StatusBadRequest},
		{"conflict", Conflict("duplicate email"), http.StatusConflict},
		{"not found", NotFound("no such user"), http.StatusNotFound},
		{"store unavailable", StoreUnavailable("ping failed", errors.New("dial tcp")), http.StatusServiceUnavailable},
		{"delivery", Delivery("write failed", errors.New("broken pipe")), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("register: %w", Conflict("duplicate")), http.StatusConflict},
		{"untyped", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("update balance: %w", NotFound("user u1 not found"))

	assert.True(t, IsNotFound(err))
	assert.False(t, IsConflict(err))
	assert.False(t, IsValidation(err))
	assert.Equal(t, TypeInternal, TypeOf(errors.New("plain")))
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := StoreUnavailable("subscribe presence", cause).WithContext("collection", "presence")

	assert.Equal(t, "store_unavailable: subscribe presence: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "presence", err.Context["collection"])
	assert.Equal(t, "validation: bad", Validation("bad").Error())
}
