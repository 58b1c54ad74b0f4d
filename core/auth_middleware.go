package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/putto11262002/roomchat/pkg/router"
)

const (
	key            identityKey = "identity"
	AuthCookieName             = "auth_token"
	// TokenQueryParam carries the token for websocket clients that cannot set headers.
	TokenQueryParam = "token"
)

type identityKey = string

func contextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, key, identity)
}

func identityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(key).(Identity)
	return identity, ok
}

// IdentityFromRequest returns the verified identity attached by JWTMiddleware.
// It returns nil when the request carries none.
func IdentityFromRequest(r *http.Request) *Identity {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		return nil
	}
	return &identity
}

// tokenFromRequest looks for a token in the Authorization header, then the
// auth cookie and finally the token query parameter.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(AuthCookieName); err == nil && cookie.Valid() == nil {
		return cookie.Value
	}
	return r.URL.Query().Get(TokenQueryParam)
}

// JWTMiddleware verifies the token of the request and attaches the identity it
// asserts to the request context. When required is false, requests without a
// valid token are passed on without an identity so the handler can decide.
func JWTMiddleware(secret []byte, required bool) router.Middleware {
	return func(next http.Handler) router.HandlerFunc {

		authErr := router.NewJsonError(http.StatusUnauthorized, "unauthenticated")

		return router.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			token := tokenFromRequest(r)
			if token == "" {
				if required {
					return authErr
				}
				next.ServeHTTP(w, r)
				return nil
			}

			claims, err := VerifyToken(token, secret)
			if err != nil {
				if !required {
					next.ServeHTTP(w, r)
					return nil
				}
				if errors.Is(err, ErrTokenExpired) {
					return router.NewJsonError(http.StatusUnauthorized, "token expired")
				}
				return authErr
			}

			next.ServeHTTP(w, r.WithContext(contextWithIdentity(r.Context(), claims.Identity())))
			return nil
		})
	}
}

// HandshakeMiddleware requires the identity attached by JWTMiddleware to name
// a known user. The identity is replaced with the one held by the store.
func HandshakeMiddleware(c *Coordinator) router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) error {
			user, err := c.Handshake(r.Context(), IdentityFromRequest(r))
			if err != nil {
				return err
			}
			identity := Identity{UserID: user.ID, Username: user.Username}
			next.ServeHTTP(w, r.WithContext(contextWithIdentity(r.Context(), identity)))
			return nil
		}
	}
}
