package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Beacon515L/Rastel/internal/apperr"
	"github.com/Beacon515L/Rastel/internal/locations"
	"github.com/Beacon515L/Rastel/internal/testreports"
	"github.com/Beacon515L/Rastel/internal/users"
	"go.uber.org/zap"
)

const (
	apiBasePath       = "rest/v1"
	defaultAPITimeout = 30 * time.Second
)

var (
	// ErrNotLoggedIn indicates a privileged call made before any token was obtained.
	ErrNotLoggedIn = errors.New("client: no bearer token, log in first")

	errMissingBaseURL    = errors.New("api base url is required")
	errMissingTokenStore = errors.New("token store is required")
	errMissingReconciler = errors.New("reconciler is required")
)

// TokenStore persists the bearer token between invocations.
type TokenStore interface {
	LoadToken(ctx context.Context) (string, error)
	SaveToken(ctx context.Context, token string) error
}

// APIError is an error response from the server.
type APIError struct {
	Status  int
	Kind    apperr.Kind
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d) %s: %s", e.Kind, e.Status, e.Code, e.Message)
}

// APIConfig wires the API client.
type APIConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Cache      Cache
	Tokens     TokenStore
	Reconciler *Reconciler
	Clock      func() time.Time
	Logger     *zap.Logger
}

// API talks to the Rastel server on behalf of one user. Every call holds the API's mutex, so
// the local cache sees one read-merge-write cycle at a time.
type API struct {
	mu         sync.Mutex
	baseURL    *url.URL
	httpClient *http.Client
	cache      Cache
	tokens     TokenStore
	reconciler *Reconciler
	clock      func() time.Time
	logger     *zap.Logger

	token       string
	tokenLoaded bool
	probe       timeProbe
}

type timeProbe struct {
	serverTime int64
	localTime  int64
}

func (p timeProbe) clockOffset() int64 {
	return p.localTime - p.serverTime
}

// NewAPI constructs an API client.
func NewAPI(cfg APIConfig) (*API, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokenStore
	}
	if cfg.Reconciler == nil {
		return nil, errMissingReconciler
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultAPITimeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		baseURL:    baseURL,
		httpClient: httpClient,
		cache:      cfg.Cache,
		tokens:     cfg.Tokens,
		reconciler: cfg.Reconciler,
		clock:      clock,
		logger:     logger,
	}, nil
}

type serverTimePayload struct {
	EpochSeconds int64 `json:"epochSeconds"`
}

// ServerTime probes the server clock and records the local clock's offset from it.
func (a *API) ServerTime(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.probeServerTime(ctx); err != nil {
		return 0, err
	}
	return a.probe.serverTime, nil
}

// ClockOffset returns local minus server time from the last probe.
func (a *API) ClockOffset() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.probe.clockOffset()
}

func (a *API) probeServerTime(ctx context.Context) error {
	var payload serverTimePayload
	if err := a.do(ctx, request{method: http.MethodGet, path: "serverTime"}, &payload); err != nil {
		return err
	}
	a.probe = timeProbe{serverTime: payload.EpochSeconds, localTime: a.clock().UTC().Unix()}
	a.logger.Debug("server time probed",
		zap.Int64("server_time", a.probe.serverTime),
		zap.Int64("clock_offset_s", a.probe.clockOffset()))
	return nil
}

type registerPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Timezone string `json:"timezone"`
}

type registeredPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Register creates an account and returns its id.
func (a *API) Register(ctx context.Context, email, password, timezone string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var registered registeredPayload
	err := a.do(ctx, request{
		method: http.MethodPost,
		path:   "user",
		body:   registerPayload{Email: email, Password: password, Timezone: timezone},
	}, &registered)
	if err != nil {
		return "", err
	}
	return registered.ID, nil
}

type tokenPayload struct {
	Token string `json:"token"`
}

// Login exchanges credentials for a bearer token and stores it.
func (a *API) Login(ctx context.Context, email, password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var payload tokenPayload
	err := a.do(ctx, request{
		method: http.MethodGet,
		path:   "user",
		basic:  &basicCredentials{email: email, password: password},
	}, &payload)
	if err != nil {
		return err
	}
	return a.replaceToken(ctx, payload.Token)
}

// UserUpdate carries replacement account details.
type UserUpdate struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	OldPassword string `json:"oldPassword"`
	Timezone    string `json:"timezone"`
}

// UpdateUser replaces the account's email, password and timezone.
func (a *API) UpdateUser(ctx context.Context, update UserUpdate) (users.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var user users.User
	if err := a.do(ctx, request{method: http.MethodPut, path: "user", body: update, authorized: true}, &user); err != nil {
		return users.User{}, err
	}
	return user, nil
}

type uploadSample struct {
	Time int64   `json:"time"`
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

type uploadPayload struct {
	ServerTime int64          `json:"serverTime"`
	LocalTime  int64          `json:"localTime"`
	Locations  []uploadSample `json:"locations"`
}

// Upload sends every LOCAL_ONLY entry and reconciles the cache with the server's answer.
func (a *API) Upload(ctx context.Context) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.upload(ctx)
}

func (a *API) upload(ctx context.Context) (Result, error) {
	pending, err := a.cache.Pending(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(pending) == 0 {
		return Result{}, nil
	}
	if err := a.probeServerTime(ctx); err != nil {
		return Result{}, err
	}

	payload := uploadPayload{
		ServerTime: a.probe.serverTime,
		LocalTime:  a.probe.localTime,
		Locations:  make([]uploadSample, 0, len(pending)),
	}
	for _, entry := range pending {
		payload.Locations = append(payload.Locations, uploadSample{Time: entry.Time, Lat: entry.Lat, Long: entry.Long})
	}

	var results []*locations.Sample
	if err := a.do(ctx, request{method: http.MethodPost, path: "log", body: payload, authorized: true}, &results); err != nil {
		return Result{}, err
	}
	accepted := make([]locations.Sample, 0, len(results))
	for _, sample := range results {
		if sample != nil {
			accepted = append(accepted, *sample)
		}
	}
	a.logger.Info("location log uploaded",
		zap.Int("sent", len(pending)),
		zap.Int("accepted", len(accepted)))
	return a.reconciler.Reconcile(ctx, accepted, a.probe.clockOffset())
}

// Pull uploads anything pending, then reconciles the cache with the server's full log.
func (a *API) Pull(ctx context.Context) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.upload(ctx); err != nil {
		return Result{}, err
	}
	if err := a.probeServerTime(ctx); err != nil {
		return Result{}, err
	}
	var serverLogs []locations.Sample
	if err := a.do(ctx, request{method: http.MethodGet, path: "log", authorized: true}, &serverLogs); err != nil {
		return Result{}, err
	}
	return a.reconciler.Reconcile(ctx, serverLogs, a.probe.clockOffset())
}

type testPayload struct {
	ServerTime int64 `json:"serverTime"`
	LocalTime  int64 `json:"localTime"`
	testreports.Input
}

// RecordTest submits a test result timed by the local clock.
func (a *API) RecordTest(ctx context.Context, input testreports.Input) (testreports.Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.probeServerTime(ctx); err != nil {
		return testreports.Report{}, err
	}
	var report testreports.Report
	err := a.do(ctx, request{
		method:     http.MethodPost,
		path:       "test",
		body:       testPayload{ServerTime: a.probe.serverTime, LocalTime: a.probe.localTime, Input: input},
		authorized: true,
	}, &report)
	if err != nil {
		return testreports.Report{}, err
	}
	return report, nil
}

// Tests lists the user's recorded test results.
func (a *API) Tests(ctx context.Context) ([]testreports.Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var reports []testreports.Report
	if err := a.do(ctx, request{method: http.MethodGet, path: "test", authorized: true}, &reports); err != nil {
		return nil, err
	}
	return reports, nil
}

type basicCredentials struct {
	email    string
	password string
}

type request struct {
	method     string
	path       string
	body       any
	authorized bool
	basic      *basicCredentials
}

func (a *API) do(ctx context.Context, req request, out any) error {
	var body io.Reader = http.NoBody
	if req.body != nil {
		encoded, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", req.method, req.path, err)
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, a.baseURL.JoinPath(apiBasePath, req.path).String(), body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.basic != nil {
		httpReq.SetBasicAuth(req.basic.email, req.basic.password)
	}
	if req.authorized {
		token, err := a.currentToken(ctx)
		if err != nil {
			return err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.method, req.path, err)
	}
	defer resp.Body.Close()

	if req.authorized {
		if renewed := bearerFrom(resp.Header.Get("Authorization")); renewed != "" && renewed != a.token {
			if err := a.replaceToken(ctx, renewed); err != nil {
				return err
			}
			a.logger.Debug("bearer token renewed by server")
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.method, req.path, err)
	}
	return nil
}

func (a *API) currentToken(ctx context.Context) (string, error) {
	if !a.tokenLoaded {
		token, err := a.tokens.LoadToken(ctx)
		if err != nil {
			return "", err
		}
		a.token = token
		a.tokenLoaded = true
	}
	if a.token == "" {
		return "", ErrNotLoggedIn
	}
	return a.token, nil
}

func (a *API) replaceToken(ctx context.Context, token string) error {
	if err := a.tokens.SaveToken(ctx, token); err != nil {
		return err
	}
	a.token = token
	a.tokenLoaded = true
	return nil
}

func bearerFrom(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

type errorPayload struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var payload errorPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}
	apiErr.Kind = apperr.Kind(payload.Code)
	apiErr.Code = payload.Error
	apiErr.Message = payload.Message
	return apiErr
}
