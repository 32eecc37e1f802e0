// Copyright 2026 The pushgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"
)

// AccessTokenType value of the "type" claim on access tokens
const AccessTokenType = "access"

// Claims access token claims
type Claims struct {
	// TokenType distinguishes access tokens from refresh tokens signed with the
	// same key. Tokens without it are treated as access tokens.
	TokenType string `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier verifies HMAC signed access tokens
type TokenVerifier struct {
	secret []byte
	method jwt.SigningMethod
	parser *jwt.Parser
}

// NewTokenVerifier define a TokenVerifier
//
//	@param secret string - HMAC key
//	@param algorithm string - one of HS256, HS384, HS512
//	@param clk clock.Clock - time source for expiry checks
//	@return the verifier
func NewTokenVerifier(secret, algorithm string, clk clock.Clock) (*TokenVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}
	method := jwt.GetSigningMethod(algorithm)
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unsupported JWT algorithm '%s'", algorithm)
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &TokenVerifier{
		secret: []byte(secret),
		method: method,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{method.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clk.Now),
		),
	}, nil
}

// Verify check a raw token and return its subject
func (v *TokenVerifier) Verify(raw string) (string, error) {
	if raw == "" {
		return "", ErrMissingToken
	}
	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}
	if claims.TokenType != "" && claims.TokenType != AccessTokenType {
		return "", fmt.Errorf("%w: token type '%s'", ErrInvalidToken, claims.TokenType)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Sign issue an access token for a subject, valid for ttl from issuedAt
func (v *TokenVerifier) Sign(subject string, issuedAt time.Time, ttl time.Duration) (string, error) {
	claims := &Claims{
		TokenType: AccessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(v.method, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
