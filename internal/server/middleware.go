package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Beacon515L/Rastel/internal/apperr"
	"github.com/Beacon515L/Rastel/internal/auth"
	"github.com/Beacon515L/Rastel/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"
)

const opAuthorize = "server.authorize"

var errMissingBearer = errors.New("bearer token missing from header and body")

// bearerEnvelope is the part of a request body that may carry credentials.
type bearerEnvelope struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// authorizeRequest accepts a bearer token from the Authorization header or, for requests with
// a JSON body, from its "token" field. A userId named by the query or body must match the token.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	raw, expectedUserID := bearerCredentials(c)
	if raw == "" {
		metrics.TokenRejectionsTotal.WithLabelValues("missing").Inc()
		respondError(c, apperr.New(apperr.KindMalformedToken, opAuthorize, "missing", errMissingBearer))
		return
	}

	token, renewed, err := h.tokens.Validate(raw, expectedUserID)
	if err != nil {
		kind, reason := classifyTokenError(err)
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.String("reason", reason), zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.String("reason", reason), zap.Error(err))
		}
		metrics.TokenRejectionsTotal.WithLabelValues(reason).Inc()
		respondError(c, apperr.New(kind, opAuthorize, reason, err))
		return
	}
	if renewed {
		metrics.TokensIssuedTotal.WithLabelValues("renewal").Inc()
		c.Header("Authorization", "Bearer "+token.Raw)
	}
	c.Set(userIDContextKey, token.UserID)
	c.Next()
}

func bearerCredentials(c *gin.Context) (string, string) {
	var raw string
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		raw = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	expectedUserID := c.Query("userId")

	if c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut {
		var envelope bearerEnvelope
		// The body is cached so the handler can bind it again.
		if err := c.ShouldBindBodyWith(&envelope, binding.JSON); err == nil {
			if raw == "" {
				raw = strings.TrimSpace(envelope.Token)
			}
			if expectedUserID == "" {
				expectedUserID = envelope.UserID
			}
		}
	}
	return raw, expectedUserID
}

func classifyTokenError(err error) (apperr.Kind, string) {
	switch {
	case errors.Is(err, auth.ErrUserMismatch):
		return apperr.KindAuthFail, "user_mismatch"
	case errors.Is(err, auth.ErrExpiredToken):
		return apperr.KindMalformedToken, "expired"
	case errors.Is(err, auth.ErrTokenNotYetValid):
		return apperr.KindMalformedToken, "not_yet_valid"
	case errors.Is(err, auth.ErrBadSignature):
		return apperr.KindMalformedToken, "bad_signature"
	default:
		return apperr.KindMalformedToken, "malformed"
	}
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Authorization"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		handler := c.FullPath()
		if handler == "" {
			handler = "unmatched"
		}
		method := c.Request.Method
		metrics.HTTPRequestsTotal.WithLabelValues(handler, method, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(handler, method).Observe(time.Since(start).Seconds())
	}
}
