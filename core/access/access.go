// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package access provides the bearer token authorization for the REST API.

Authorization is optional. When the service is configured with a JWT
secret, administrative routes require a token with the "admin" role;
read routes stay public. Without a secret everything is public.
*/
package access

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/thermolog/core/logger"
)

// Authorization is the authorization carried by a request context.
type Authorization struct {
	Roles []string `json:"roles"`
}

// HasRole returns true if the authorization contains the requested role
func (a *Authorization) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKeyAuthorizationType struct{}

var contextKeyAuthorization = &contextKeyAuthorizationType{}

// AuthorizationFromContext returns the authorization from the context, or nil.
func AuthorizationFromContext(ctx context.Context) *Authorization {
	auth, _ := ctx.Value(contextKeyAuthorization).(*Authorization)
	return auth
}

// ContextWithAuthorization returns a new context with the given authorization.
// This is the backdoor for the in-process client in unit tests.
func ContextWithAuthorization(ctx context.Context, auth *Authorization) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, auth)
}

// JwtMiddlewareBuilder is a helper builder for the JWT middleware
type JwtMiddlewareBuilder struct {
	// Secret is the HS256 shared secret. This is mandatory.
	Secret string
}

// MustNewJwtMiddleware returns a middleware handler which validates bearer
// tokens and puts the token's roles as Authorization into the request
// context. Requests without a token pass through unauthorized; it is up to
// the individual handlers to require roles.
func MustNewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {
	if len(jmb.Secret) == 0 {
		panic("JWT secret is missing")
	}
	secret := []byte(jmb.Secret)

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if len(tokenString) == 0 || tokenString == r.Header.Get("Authorization") {
				h.ServeHTTP(w, r)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				logger.FromContext(r.Context()).Infoln("invalid bearer token:", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			auth := &Authorization{}
			if claims, ok := token.Claims.(jwt.MapClaims); ok {
				if roles, ok := claims["roles"].([]interface{}); ok {
					for _, role := range roles {
						if s, ok := role.(string); ok {
							auth.Roles = append(auth.Roles, s)
						}
					}
				}
			}
			ctx := ContextWithAuthorization(r.Context(), auth)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
