package server

import (
	"net/http"

	"github.com/Beacon515L/Rastel/internal/apperr"
	"github.com/gin-gonic/gin"
)

type errorEntry struct {
	status  int
	message string
}

var errorCatalog = map[apperr.Kind]errorEntry{
	apperr.KindAuthFail:          {http.StatusForbidden, "Authentication failure. Check your email and password and try again."},
	apperr.KindNoEmail:           {http.StatusUnauthorized, "An email address and password are required."},
	apperr.KindMalformedToken:    {http.StatusUnauthorized, "The bearer token supplied is malformed, corrupted or expired."},
	apperr.KindBadRequest:        {http.StatusBadRequest, "The request is badly formed."},
	apperr.KindInvalidTimezone:   {http.StatusBadRequest, "The timezone specified is invalid."},
	apperr.KindNoMethod:          {http.StatusNotFound, "The request matches no known endpoint."},
	apperr.KindDatabaseError:     {http.StatusInternalServerError, "An error occurred while processing the request."},
	apperr.KindAlreadyRegistered: {http.StatusConflict, "This email address has already been registered and verified."},
}

type errorResponsePayload struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// respondError aborts the request with the status and body registered for the error's kind.
// Kinds without an entry are reported as DATABASE_ERROR.
func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	entry, ok := errorCatalog[kind]
	if !ok {
		kind = apperr.KindDatabaseError
		entry = errorCatalog[kind]
	}
	code := apperr.CodeOf(err)
	if code == "" {
		code = "server.internal"
	}
	c.AbortWithStatusJSON(entry.status, errorResponsePayload{
		Code:    string(kind),
		Error:   code,
		Message: entry.message,
	})
}
