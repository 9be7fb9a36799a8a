package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errMissingSecret     = errors.New("signing secret must be provided")
	errIncompleteRSAKeys = errors.New("both private and public key paths are required for RS256")
)

// SigningKeys bundles the algorithm and key material used by an Authority.
type SigningKeys struct {
	method    jwt.SigningMethod
	signKey   interface{}
	verifyKey interface{}
}

// Algorithm returns the JWT algorithm name.
func (k SigningKeys) Algorithm() string {
	if k.method == nil {
		return ""
	}
	return k.method.Alg()
}

// NewHMACKeys returns HS256 keys derived from a shared secret.
func NewHMACKeys(secret []byte) (SigningKeys, error) {
	if len(secret) == 0 {
		return SigningKeys{}, errMissingSecret
	}
	key := append([]byte(nil), secret...)
	return SigningKeys{method: jwt.SigningMethodHS256, signKey: key, verifyKey: key}, nil
}

// NewRSAKeys returns RS256 keys parsed from PEM-encoded private and public keys.
func NewRSAKeys(privatePEM, publicPEM []byte) (SigningKeys, error) {
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(privatePEM)
	if err != nil {
		return SigningKeys{}, fmt.Errorf("parse rsa private key: %w", err)
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(publicPEM)
	if err != nil {
		return SigningKeys{}, fmt.Errorf("parse rsa public key: %w", err)
	}
	return SigningKeys{method: jwt.SigningMethodRS256, signKey: privateKey, verifyKey: publicKey}, nil
}

// LoadSigningKeys prefers RS256 key files when configured and falls back to an HS256 secret.
func LoadSigningKeys(secret, privateKeyPath, publicKeyPath string) (SigningKeys, error) {
	privateKeyPath = strings.TrimSpace(privateKeyPath)
	publicKeyPath = strings.TrimSpace(publicKeyPath)
	if privateKeyPath == "" && publicKeyPath == "" {
		return NewHMACKeys([]byte(secret))
	}
	if privateKeyPath == "" || publicKeyPath == "" {
		return SigningKeys{}, errIncompleteRSAKeys
	}
	privatePEM, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return SigningKeys{}, err
	}
	publicPEM, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return SigningKeys{}, err
	}
	return NewRSAKeys(privatePEM, publicPEM)
}
