// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/thermolog/core/access"
)

const testSecret = "not-a-secret"

func testRouter(t *testing.T) *mux.Router {
	router := mux.NewRouter()
	router.Use(access.MustNewJwtMiddleware(&access.JwtMiddlewareBuilder{Secret: testSecret}))
	router.HandleFunc("/admin", func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		if !auth.HasRole("admin") {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)
	return router
}

func signedToken(t *testing.T, secret string, roles []string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"roles": roles})
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestJwtMiddleware(t *testing.T) {
	router := testRouter(t)

	testCases := []struct {
		name           string
		token          string
		expectedStatus int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"admin role", signedToken(t, testSecret, []string{"admin"}), http.StatusNoContent},
		{"other role", signedToken(t, testSecret, []string{"viewer"}), http.StatusUnauthorized},
		{"wrong secret", signedToken(t, "wrong", []string{"admin"}), http.StatusUnauthorized},
		{"garbage", "garbage", http.StatusUnauthorized},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/admin", nil)
			if tc.token != "" {
				r.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, r)
			assert.Equal(t, tc.expectedStatus, rec.Code)
		})
	}
}

func TestHasRoleNilAuthorization(t *testing.T) {
	var auth *access.Authorization
	assert.False(t, auth.HasRole("admin"))
}
