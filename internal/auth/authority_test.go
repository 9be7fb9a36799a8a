package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "super-secret"
	testUserID        = "user-123"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestAuthority(t *testing.T, clock *fakeClock) *Authority {
	t.Helper()
	keys, err := NewHMACKeys([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to build keys: %v", err)
	}
	authority, err := NewAuthority(AuthorityConfig{
		Keys:        keys,
		Issuer:      "rastel-api",
		Expiry:      72 * time.Hour,
		RenewWindow: 3 * time.Hour,
		Clock:       clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build authority: %v", err)
	}
	return authority
}

func TestAuthorityIssuesAndValidatesTokens(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	authority := newTestAuthority(t, clock)

	token, err := authority.Issue(testUserID)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !token.IssuedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected issued at %v", token.IssuedAt)
	}
	if !token.ExpiresAt.Equal(clock.Now().Add(72 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", token.ExpiresAt)
	}

	clock.Advance(time.Hour)
	validated, renewed, err := authority.Validate(token.Raw, testUserID)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if renewed {
		t.Fatalf("token outside renew window should not be renewed")
	}
	if validated.Raw != token.Raw || validated.UserID != testUserID {
		t.Fatalf("unexpected validated token %+v", validated)
	}
}

func TestAuthorityRenewsTokensInsideRenewWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	authority := newTestAuthority(t, clock)

	token, err := authority.Issue(testUserID)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	clock.Advance(70 * time.Hour)
	replacement, renewed, err := authority.Validate(token.Raw, "")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !renewed {
		t.Fatalf("expected renewal inside the renew window")
	}
	if replacement.Raw == token.Raw {
		t.Fatalf("renewal must produce a new token")
	}
	if !replacement.ExpiresAt.After(token.ExpiresAt) {
		t.Fatalf("replacement expiry %v not after original %v", replacement.ExpiresAt, token.ExpiresAt)
	}
	if replacement.UserID != testUserID {
		t.Fatalf("unexpected replacement user %s", replacement.UserID)
	}

	if _, renewedAgain, err := authority.Validate(replacement.Raw, testUserID); err != nil || renewedAgain {
		t.Fatalf("replacement should validate without renewal, renewed=%v err=%v", renewedAgain, err)
	}
}

func TestAuthorityReportsExpiryBeforeSignature(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	authority := newTestAuthority(t, clock)

	token, err := authority.Issue(testUserID)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	forged := mustSignClaims(t, []byte("wrong-secret"), Claims{
		UserID: testUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "rastel-api",
			IssuedAt:  jwt.NewNumericDate(clock.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	})

	clock.Advance(73 * time.Hour)
	for name, raw := range map[string]string{"genuine": token.Raw, "forged": forged} {
		if _, _, err := authority.Validate(raw, testUserID); !errors.Is(err, ErrExpiredToken) {
			t.Fatalf("%s: expected expired error, got %v", name, err)
		}
	}
}

func TestAuthorityRejectsInvalidTokens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	authority := newTestAuthority(t, clock)

	valid, err := authority.Issue(testUserID)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	testCases := []struct {
		name     string
		raw      string
		userID   string
		expected error
	}{
		{
			name:     "empty",
			raw:      " ",
			expected: ErrMalformedToken,
		},
		{
			name:     "garbage",
			raw:      "invalid.token",
			expected: ErrMalformedToken,
		},
		{
			name: "missing-user",
			raw: mustSignClaims(t, []byte(testSigningSecret), Claims{
				RegisteredClaims: jwt.RegisteredClaims{
					Issuer:    "rastel-api",
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour * 24)),
				},
			}),
			expected: ErrMalformedToken,
		},
		{
			name: "missing-expiry",
			raw: mustSignClaims(t, []byte(testSigningSecret), Claims{
				UserID: testUserID,
				RegisteredClaims: jwt.RegisteredClaims{
					Issuer:   "rastel-api",
					IssuedAt: jwt.NewNumericDate(now),
				},
			}),
			expected: ErrMalformedToken,
		},
		{
			name: "issued-in-future",
			raw: mustSignClaims(t, []byte(testSigningSecret), Claims{
				UserID: testUserID,
				RegisteredClaims: jwt.RegisteredClaims{
					Issuer:    "rastel-api",
					IssuedAt:  jwt.NewNumericDate(now.Add(time.Hour)),
					ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
				},
			}),
			expected: ErrTokenNotYetValid,
		},
		{
			name: "bad-signature",
			raw: mustSignClaims(t, []byte("wrong-secret"), Claims{
				UserID: testUserID,
				RegisteredClaims: jwt.RegisteredClaims{
					Issuer:    "rastel-api",
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
				},
			}),
			expected: ErrBadSignature,
		},
		{
			name:     "user-mismatch",
			raw:      valid.Raw,
			userID:   "someone-else",
			expected: ErrUserMismatch,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, renewed, err := authority.Validate(testCase.raw, testCase.userID)
			if !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
			if renewed {
				t.Fatalf("failed validation must not renew")
			}
		})
	}
}

func TestAuthorityValidatesRSASignedTokens(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate rsa key: %v", err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	publicDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("failed to marshal public key: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})

	keys, err := NewRSAKeys(privatePEM, publicPEM)
	if err != nil {
		t.Fatalf("failed to parse rsa keys: %v", err)
	}
	if keys.Algorithm() != "RS256" {
		t.Fatalf("unexpected algorithm %s", keys.Algorithm())
	}
	authority, err := NewAuthority(AuthorityConfig{Keys: keys})
	if err != nil {
		t.Fatalf("failed to build authority: %v", err)
	}
	token, err := authority.Issue(testUserID)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, _, err := authority.Validate(token.Raw, testUserID); err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	hmacToken := mustSignClaims(t, []byte(testSigningSecret), Claims{
		UserID: testUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	})
	if _, _, err := authority.Validate(hmacToken, testUserID); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected algorithm confusion to be rejected, got %v", err)
	}
}

func TestNewAuthorityRequiresKeysAndSaneWindow(t *testing.T) {
	if _, err := NewAuthority(AuthorityConfig{}); !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	keys, err := NewHMACKeys([]byte("secret"))
	if err != nil {
		t.Fatalf("failed to build keys: %v", err)
	}
	_, err = NewAuthority(AuthorityConfig{Keys: keys, Expiry: time.Hour, RenewWindow: 2 * time.Hour})
	if !errors.Is(err, ErrInvalidRenewWindow) {
		t.Fatalf("expected renew window error, got %v", err)
	}
	if _, err := NewHMACKeys(nil); err == nil {
		t.Fatalf("expected error for missing secret")
	}
}

func mustSignClaims(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign claims: %v", err)
	}
	return signed
}
