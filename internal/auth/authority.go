package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	defaultTokenExpiry = 72 * time.Hour
	defaultRenewWindow = 3 * time.Hour
	defaultIssuer      = "rastel-api"
)

var (
	// ErrMissingSigningKey indicates the authority has no key material.
	ErrMissingSigningKey = errors.New("token authority: signing key required")
	// ErrInvalidRenewWindow indicates a renew window that would never leave a token usable.
	ErrInvalidRenewWindow = errors.New("token authority: renew window must be shorter than expiry")
	// ErrMissingUserID indicates an attempt to issue a token without a subject.
	ErrMissingUserID = errors.New("token authority: user id required")

	// ErrMalformedToken covers decode failures and absent claims.
	ErrMalformedToken = errors.New("token authority: malformed token")
	// ErrExpiredToken indicates the expiry claim is not in the future.
	ErrExpiredToken = errors.New("token authority: token expired")
	// ErrTokenNotYetValid indicates an issued-at claim in the future.
	ErrTokenNotYetValid = errors.New("token authority: token not yet valid")
	// ErrUserMismatch indicates a token that belongs to a different user than the request names.
	ErrUserMismatch = errors.New("token authority: user mismatch")
	// ErrBadSignature indicates the signature does not verify against the configured key.
	ErrBadSignature = errors.New("token authority: bad signature")
)

// Claims is the bearer token payload. Absent claims are presence-checked in one place
// (checkClaims) so each of them surfaces as ErrMalformedToken.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Token is an issued or validated bearer token. Tokens are never mutated; renewal issues a new one.
type Token struct {
	Raw       string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// AuthorityConfig configures bearer token issuance and validation.
type AuthorityConfig struct {
	Keys        SigningKeys
	Issuer      string
	Expiry      time.Duration
	RenewWindow time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Authority issues, validates and transparently renews bearer tokens. It holds no mutable
// state and is safe for concurrent use.
type Authority struct {
	keys        SigningKeys
	issuer      string
	expiry      time.Duration
	renewWindow time.Duration
	clock       func() time.Time
	logger      *zap.Logger
	parser      *jwt.Parser
}

// NewAuthority constructs an Authority with defaults for unset durations.
func NewAuthority(cfg AuthorityConfig) (*Authority, error) {
	if cfg.Keys.signKey == nil || cfg.Keys.verifyKey == nil || cfg.Keys.method == nil {
		return nil, ErrMissingSigningKey
	}
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = defaultTokenExpiry
	}
	renewWindow := cfg.RenewWindow
	if renewWindow <= 0 {
		renewWindow = defaultRenewWindow
	}
	if renewWindow >= expiry {
		return nil, ErrInvalidRenewWindow
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authority{
		keys:        cfg.Keys,
		issuer:      issuer,
		expiry:      expiry,
		renewWindow: renewWindow,
		clock:       clock,
		logger:      logger,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{cfg.Keys.method.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// Issue signs a new token for userID, valid from now until now+expiry.
func (a *Authority) Issue(userID string) (Token, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Token{}, ErrMissingUserID
	}

	now := a.clock().UTC().Truncate(time.Second)
	expiresAt := now.Add(a.expiry)
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(a.keys.method, claims).SignedString(a.keys.signKey)
	if err != nil {
		return Token{}, err
	}
	return Token{Raw: signed, UserID: userID, IssuedAt: now, ExpiresAt: expiresAt}, nil
}

// Validate checks raw and, when expectedUserID is non-empty, that it belongs to that user.
// Time claims are checked before the signature so an expired token is always reported as
// expired. When the token is inside the renew window a replacement is issued and returned
// with renewed set.
func (a *Authority) Validate(raw, expectedUserID string) (Token, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, false, fmt.Errorf("%w: empty token", ErrMalformedToken)
	}

	claims := &Claims{}
	if _, _, err := a.parser.ParseUnverified(raw, claims); err != nil {
		return Token{}, false, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if err := checkClaims(claims); err != nil {
		return Token{}, false, err
	}

	now := a.clock().UTC()
	issuedAt := claims.IssuedAt.Time
	expiresAt := claims.ExpiresAt.Time
	if !now.Before(expiresAt) {
		return Token{}, false, ErrExpiredToken
	}
	if issuedAt.After(now) {
		return Token{}, false, ErrTokenNotYetValid
	}

	if _, err := a.parser.ParseWithClaims(raw, &Claims{}, a.keyFunc); err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrTokenUnverifiable) {
			return Token{}, false, fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		return Token{}, false, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.Issuer != a.issuer {
		return Token{}, false, fmt.Errorf("%w: unexpected issuer %q", ErrBadSignature, claims.Issuer)
	}

	expectedUserID = strings.TrimSpace(expectedUserID)
	if expectedUserID != "" && expectedUserID != claims.UserID {
		return Token{}, false, ErrUserMismatch
	}

	if expiresAt.Sub(now) < a.renewWindow {
		renewed, err := a.Issue(claims.UserID)
		if err != nil {
			return Token{}, false, err
		}
		a.logger.Debug("bearer token renewed",
			zap.String("user_id", claims.UserID),
			zap.Time("previous_expiry", expiresAt),
			zap.Time("expiry", renewed.ExpiresAt))
		return renewed, true, nil
	}

	return Token{Raw: raw, UserID: claims.UserID, IssuedAt: issuedAt, ExpiresAt: expiresAt}, false, nil
}

func (a *Authority) keyFunc(token *jwt.Token) (interface{}, error) {
	if token.Method.Alg() != a.keys.method.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm %s", token.Method.Alg())
	}
	return a.keys.verifyKey, nil
}

func checkClaims(claims *Claims) error {
	switch {
	case claims.IssuedAt == nil:
		return fmt.Errorf("%w: missing iat", ErrMalformedToken)
	case claims.ExpiresAt == nil:
		return fmt.Errorf("%w: missing exp", ErrMalformedToken)
	case strings.TrimSpace(claims.UserID) == "":
		return fmt.Errorf("%w: missing userId", ErrMalformedToken)
	}
	return nil
}
