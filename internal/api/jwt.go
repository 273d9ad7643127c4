package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AdminGroup is the groups claim value that grants access to every route.
const AdminGroup = "admin"

type CustomClaims struct {
	Username string `json:"username"`
	Groups   string `json:"groups"` // comma separated
	jwt.RegisteredClaims
}

// HasGroup reports whether group is listed in the groups claim.
func (c *CustomClaims) HasGroup(group string) bool {
	for _, g := range strings.Split(c.Groups, ",") {
		if strings.TrimSpace(g) == group {
			return true
		}
	}
	return false
}

// IssueToken signs an HS256 access token for username.
func IssueToken(secret []byte, issuer, username string, groups []string, validity time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret key is not configured")
	}
	now := time.Now()
	claims := CustomClaims{
		Username: username,
		Groups:   strings.Join(groups, ","),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ParseToken verifies signature, expiry and issuer of tokenString.
func ParseToken(secret []byte, issuer, tokenString string) (*CustomClaims, error) {
	claims := &CustomClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
