package access

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of an access token.
type Claims struct {
	UserID   string `json:"userId"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	gojwt.RegisteredClaims
}

// Tokens verifies and issues HS256 access tokens.
type Tokens struct {
	secret []byte
	parser *gojwt.Parser
}

func NewTokens(secret string) *Tokens {
	return &Tokens{
		secret: []byte(secret),
		parser: gojwt.NewParser(gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()})),
	}
}

// Verify checks signature and expiry and returns the claims.
func (t *Tokens) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := t.parser.ParseWithClaims(token, claims, func(*gojwt.Token) (any, error) {
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, gojwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", ErrUnauthorized)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token has no user", ErrUnauthorized)
	}
	return claims, nil
}

// Issue signs a token for userID valid for ttl.
func (t *Tokens) Issue(userID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: gojwt.RegisteredClaims{
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(t.secret)
}
