package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Beacon515L/Rastel/internal/apperr"
	"github.com/Beacon515L/Rastel/internal/auth"
	"github.com/Beacon515L/Rastel/internal/locations"
	"github.com/Beacon515L/Rastel/internal/metrics"
	"github.com/Beacon515L/Rastel/internal/testreports"
	"github.com/Beacon515L/Rastel/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	basePath         = "/rest/v1"
	userIDContextKey = "rastel_user_id"
)

var (
	errMissingTokenAuthority = errors.New("token authority dependency required")
	errMissingUserService    = errors.New("user service dependency required")
	errMissingLocationLog    = errors.New("location service dependency required")
	errMissingTestReports    = errors.New("test report service dependency required")
	errInvalidBody           = errors.New("request body is not valid JSON for this endpoint")
)

// TokenAuthority issues and validates bearer tokens.
type TokenAuthority interface {
	Issue(userID string) (auth.Token, error)
	Validate(raw, expectedUserID string) (auth.Token, bool, error)
}

// UserService manages accounts.
type UserService interface {
	Register(ctx context.Context, email, password, timezone string) (string, error)
	Update(ctx context.Context, userID string, input users.UpdateInput) (users.User, error)
	Authenticate(ctx context.Context, email, password string) (users.User, error)
}

// LocationService ingests and lists location logs.
type LocationService interface {
	Submit(ctx context.Context, ownerID string, samples []locations.SampleInput, declaredServerTime, localTimeAtCapture int64) ([]*locations.Sample, error)
	List(ctx context.Context, ownerID string) ([]locations.Sample, error)
}

// TestReportService records and lists test results.
type TestReportService interface {
	Record(ctx context.Context, userID string, input testreports.Input, declaredServerTime, localTimeAtCapture int64) (testreports.Report, error)
	List(ctx context.Context, userID string) ([]testreports.Report, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Tokens    TokenAuthority
	Users     UserService
	Locations LocationService
	Tests     TestReportService
	// AllowedOrigins defaults to every origin.
	AllowedOrigins []string
	Clock          func() time.Time
	Logger         *zap.Logger
}

// NewHTTPHandler builds the REST API under /rest/v1 together with /metrics.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenAuthority
	}
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.Locations == nil {
		return nil, errMissingLocationLog
	}
	if deps.Tests == nil {
		return nil, errMissingTestReports
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestMetrics())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:    deps.Tokens,
		users:     deps.Users,
		locations: deps.Locations,
		tests:     deps.Tests,
		clock:     clock,
		logger:    logger,
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group(basePath)
	api.GET("/serverTime", handler.handleServerTime)
	api.POST("/user", handler.handleRegister)
	api.GET("/user", handler.handleLogin)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.PUT("/user", handler.handleUpdateUser)
	protected.POST("/log", handler.handlePostLog)
	protected.GET("/log", handler.handleGetLog)
	protected.POST("/test", handler.handlePostTest)
	protected.GET("/test", handler.handleGetTest)

	router.NoRoute(func(c *gin.Context) {
		respondError(c, apperr.New(apperr.KindNoMethod, "server.route", "not_found", nil))
	})

	return router, nil
}

type httpHandler struct {
	tokens    TokenAuthority
	users     UserService
	locations LocationService
	tests     TestReportService
	clock     func() time.Time
	logger    *zap.Logger
}

type serverTimeResponsePayload struct {
	EpochSeconds int64 `json:"epochSeconds"`
}

func (h *httpHandler) handleServerTime(c *gin.Context) {
	c.JSON(http.StatusOK, serverTimeResponsePayload{EpochSeconds: h.clock().UTC().Unix()})
}

type registerRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Timezone string `json:"timezone"`
}

type registerResponsePayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, apperr.New(apperr.KindBadRequest, "server.register", "invalid_body", errInvalidBody))
		return
	}
	userID, err := h.users.Register(c.Request.Context(), request.Email, request.Password, request.Timezone)
	if err != nil {
		h.logFailure("server.register", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, registerResponsePayload{
		ID:    userID,
		Email: strings.ToLower(strings.TrimSpace(request.Email)),
	})
}

type loginResponsePayload struct {
	Token string `json:"token"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	email, password, ok := c.Request.BasicAuth()
	if !ok || strings.TrimSpace(email) == "" {
		respondError(c, apperr.New(apperr.KindNoEmail, "server.login", "missing_credentials", nil))
		return
	}
	user, err := h.users.Authenticate(c.Request.Context(), email, password)
	if err != nil {
		h.logFailure("server.login", err)
		respondError(c, err)
		return
	}
	token, err := h.tokens.Issue(user.ID)
	if err != nil {
		h.logger.Error("failed to issue bearer token", zap.String("user_id", user.ID), zap.Error(err))
		respondError(c, apperr.New(apperr.KindDatabaseError, "server.login", "token_issue_failed", err))
		return
	}
	metrics.TokensIssuedTotal.WithLabelValues("login").Inc()
	c.JSON(http.StatusOK, loginResponsePayload{Token: token.Raw})
}

type updateUserRequestPayload struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	OldPassword string `json:"oldPassword"`
	Timezone    string `json:"timezone"`
}

func (h *httpHandler) handleUpdateUser(c *gin.Context) {
	var request updateUserRequestPayload
	if err := c.ShouldBindBodyWith(&request, binding.JSON); err != nil {
		respondError(c, apperr.New(apperr.KindBadRequest, "server.update_user", "invalid_body", errInvalidBody))
		return
	}
	user, err := h.users.Update(c.Request.Context(), c.GetString(userIDContextKey), users.UpdateInput{
		Email:       request.Email,
		Password:    request.Password,
		OldPassword: request.OldPassword,
		Timezone:    request.Timezone,
	})
	if err != nil {
		h.logFailure("server.update_user", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

type postLogRequestPayload struct {
	ServerTime int64                   `json:"serverTime"`
	LocalTime  int64                   `json:"localTime"`
	Locations  []locations.SampleInput `json:"locations"`
}

func (h *httpHandler) handlePostLog(c *gin.Context) {
	var request postLogRequestPayload
	if err := c.ShouldBindBodyWith(&request, binding.JSON); err != nil {
		respondError(c, apperr.New(apperr.KindBadRequest, "server.post_log", "invalid_body", errInvalidBody))
		return
	}
	accepted, err := h.locations.Submit(c.Request.Context(), c.GetString(userIDContextKey), request.Locations, request.ServerTime, request.LocalTime)
	if err != nil {
		h.logFailure("server.post_log", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, accepted)
}

func (h *httpHandler) handleGetLog(c *gin.Context) {
	samples, err := h.locations.List(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.logFailure("server.get_log", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, samples)
}

type postTestRequestPayload struct {
	ServerTime int64 `json:"serverTime"`
	LocalTime  int64 `json:"localTime"`
	testreports.Input
}

func (h *httpHandler) handlePostTest(c *gin.Context) {
	var request postTestRequestPayload
	if err := c.ShouldBindBodyWith(&request, binding.JSON); err != nil {
		respondError(c, apperr.New(apperr.KindBadRequest, "server.post_test", "invalid_body", errInvalidBody))
		return
	}
	report, err := h.tests.Record(c.Request.Context(), c.GetString(userIDContextKey), request.Input, request.ServerTime, request.LocalTime)
	if err != nil {
		h.logFailure("server.post_test", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleGetTest(c *gin.Context) {
	reports, err := h.tests.List(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.logFailure("server.get_test", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

// logFailure keeps client mistakes at Info and reserves Error for persistence failures.
func (h *httpHandler) logFailure(operation string, err error) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("code", apperr.CodeOf(err)),
		zap.Error(err),
	}
	if apperr.KindOf(err) == apperr.KindDatabaseError {
		h.logger.Error("request failed", fields...)
		return
	}
	h.logger.Info("request rejected", fields...)
}
