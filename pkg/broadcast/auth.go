package broadcast

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
)

// Authenticator turns a connection token into a subject
type Authenticator interface {
	Authenticate(token string) (string, error)
}

// JWTAuthenticator validates HS256 tokens whose subject names the solver or
// observer holding the connection.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

var _ Authenticator = (*JWTAuthenticator)(nil)

// NewJWTAuthenticator creates an authenticator for tokens signed with secret
func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer}
}

// Authenticate returns the token subject
func (a *JWTAuthenticator) Authenticate(tokenString string) (string, error) {
	if tokenString == "" {
		return "", apperr.New(apperr.KindAuth, apperr.CodeUnauthenticated, "missing token")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", &apperr.Error{
			Kind:    apperr.KindAuth,
			Code:    apperr.CodeUnauthenticated,
			Message: "invalid token",
			Err:     err,
		}
	}
	if claims.Subject == "" {
		return "", apperr.New(apperr.KindAuth, apperr.CodeUnauthenticated, "token has no subject")
	}
	return claims.Subject, nil
}

// Mint issues a token for subject valid for ttl from now
func (a *JWTAuthenticator) Mint(subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
