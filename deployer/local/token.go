package local

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ManagementClaims identify the instance a management token was issued for.
// Launched apps receive the token in MANAGEMENT_TOKEN and can require it on
// their /shutdown endpoint.
type ManagementClaims struct {
	jwt.RegisteredClaims
	Namespace     string `json:"ns"`
	InstanceIndex int    `json:"idx"`
}

// TokenSigner issues and verifies management tokens with one HS256 key.
type TokenSigner struct {
	key []byte
}

// NewTokenSigner uses secret as the signing key, or 32 random bytes when
// secret is empty.
func NewTokenSigner(secret string) (*TokenSigner, error) {
	if secret != "" {
		return &TokenSigner{key: []byte(secret)}, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate management secret: %w", err)
	}
	return &TokenSigner{key: key}, nil
}

// Sign issues a token for one instance of a deployment.
func (s *TokenSigner) Sign(deploymentID string, index int, instanceGUID string) (string, error) {
	claims := ManagementClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       instanceGUID,
			Subject:  fmt.Sprintf("%s-%d", deploymentID, index),
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
		Namespace:     deploymentID,
		InstanceIndex: index,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign management token: %w", err)
	}
	return tokenString, nil
}

// Parse verifies a token, optionally prefixed with "Bearer ", and returns
// its claims.
func (s *TokenSigner) Parse(tokenString string) (*ManagementClaims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	var claims ManagementClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid management token")
	}
	return &claims, nil
}
