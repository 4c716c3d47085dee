package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	jwxt "github.com/lestrrat-go/jwx/v2/jwt"
)

// Claims carries the authenticated identity: the wallet public key that
// owns records and the account email. Handlers read `pub` to filter
// private records and to pick the signing wallet.
type Claims struct {
	PublicKey string `json:"pub"`
	Email     string `json:"email"`
	jwt.RegisteredClaims
}

// TokenService issues and validates access tokens.
type TokenService struct {
	secret     []byte
	expiration time.Duration
	issuer     string
}

// NewTokenService creates a token service with the shared HMAC secret.
func NewTokenService(secret string, expiration time.Duration) *TokenService {
	return &TokenService{
		secret:     []byte(secret),
		expiration: expiration,
		issuer:     "oipd",
	}
}

// Secret exposes the signing key for middleware that validates tokens.
func (s *TokenService) Secret() []byte { return s.secret }

// GenerateToken issues an access token for a user. Tokens are built with
// jwx; the route middleware parses them with golang-jwt, so the claim names
// here must match the Claims struct.
func (s *TokenService) GenerateToken(user *User) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.expiration)

	token, err := jwxt.NewBuilder().
		Issuer(s.issuer).
		Subject(user.Email).
		IssuedAt(now).
		NotBefore(now).
		Expiration(expiresAt).
		Claim("pub", user.PublicKey).
		Claim("email", user.Email).
		Build()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token: %w", err)
	}

	signed, err := jwxt.Sign(token, jwxt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return string(signed), expiresAt, nil
}

// ValidateToken parses and verifies a token, returning its claims.
func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
