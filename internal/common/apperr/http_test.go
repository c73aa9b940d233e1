package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusByKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("bad input"), http.StatusBadRequest},
		{"not found", NotFound("missing"), http.StatusNotFound},
		{"permission", Permission("denied"), http.StatusForbidden},
		{"concurrency", Concurrency(3, 10, 3), http.StatusTooManyRequests},
		{"conflict", Conflict("lost race"), http.StatusConflict},
		{"timeout", Timeout("runner deadline"), http.StatusBadGateway},
		{"upstream", Upstream(500, "", "runner failed"), http.StatusBadGateway},
		{"fatal", Fatal("superseded"), http.StatusInternalServerError},
		{"untyped", errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
