package apperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HTTPStatus maps an error kind to the HTTP status the routes return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPermission:
		return http.StatusForbidden
	case KindConcurrency:
		return http.StatusTooManyRequests
	case KindConflict:
		return http.StatusConflict
	case KindTimeout, KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes err to the gin context using the propagation policy:
// typed errors map to their status with an {error, reason?} body, and an
// idempotency hit becomes a 200 with the prior row's identifiers.
func WriteJSON(c *gin.Context, err error) {
	if hit, ok := AsIdempotencyHit(err); ok {
		c.JSON(http.StatusOK, gin.H{
			"executionId":  hit.ExecutionID,
			"status":       hit.Status,
			"sessionId":    hit.SessionID,
			"deduplicated": true,
		})
		return
	}

	body := gin.H{"error": err.Error()}
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindConcurrency {
			body["activeUser"] = e.ActiveUser
			body["activeGlobal"] = e.ActiveGlobal
			body["limit"] = e.Limit
		}
		if e.Kind == KindUpstream && e.BodyPrefix != "" {
			body["reason"] = e.BodyPrefix
		}
	}
	c.JSON(HTTPStatus(err), body)
}
