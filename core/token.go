package core

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrUnrecognizedToken = errors.New("unrecognized token")
)

// AuthClaims are the claims of the tokens issued by the account service.
// The user id is carried in the id claim, or in sub when id is absent.
type AuthClaims struct {
	UserID   string `json:"id,omitempty"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Identity returns the identity asserted by the claims.
func (c *AuthClaims) Identity() Identity {
	id := c.UserID
	if id == "" {
		id = c.Subject
	}
	return Identity{UserID: id, Username: c.Username}
}

// VerifyToken checks the signature and expiry of an HS256 token. Tokens are
// issued elsewhere; this process only verifies them.
func VerifyToken(token string, secret []byte) (*AuthClaims, error) {
	claims := &AuthClaims{}
	_token, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))

	switch {
	case err == nil && _token.Valid:
		if claims.Identity().UserID == "" {
			return nil, ErrTokenInvalid
		}
		return claims, nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrUnrecognizedToken
	}
}
