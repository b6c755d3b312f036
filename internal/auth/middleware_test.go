package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dennisdiepolder/callsync/internal/config"
)

const testSecret = "s3cret"

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

// echo reports the authenticated subject and extension
func echo() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetUserFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.Write([]byte(claims.Subject + "/" + claims.Extension + "/" + claims.Role))
	})
}

func serve(a *Authenticator, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.Middleware(echo()).ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareHS256(t *testing.T) {
	a := NewAuthenticator(&config.Config{JWTSecret: testSecret}, zerolog.Nop())
	exp := time.Now().Add(time.Hour).Unix()

	t.Run("valid bearer token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/call", nil)
		req.Header.Set("Authorization", "Bearer "+sign(t, testSecret, jwt.MapClaims{
			"sub": "agent-7", "extension": "204", "exp": exp,
			"realm_access": map[string]interface{}{"roles": []interface{}{"viewer", "supervisor"}},
		}))
		rec := serve(a, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "agent-7/204/supervisor", rec.Body.String())
	})

	t.Run("token in query for websocket", func(t *testing.T) {
		tok := sign(t, testSecret, jwt.MapClaims{"sub": "agent-7", "exp": exp})
		rec := serve(a, httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/call", nil)
		req.Header.Set("Authorization", "Bearer "+sign(t, "other", jwt.MapClaims{"sub": "x", "exp": exp}))
		assert.Equal(t, http.StatusUnauthorized, serve(a, req).Code)
	})

	t.Run("expired", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/call", nil)
		req.Header.Set("Authorization", "Bearer "+sign(t, testSecret, jwt.MapClaims{
			"sub": "x", "exp": time.Now().Add(-time.Minute).Unix(),
		}))
		assert.Equal(t, http.StatusUnauthorized, serve(a, req).Code)
	})

	t.Run("missing", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, serve(a, httptest.NewRequest(http.MethodGet, "/api/call", nil)).Code)
	})

	t.Run("health is public", func(t *testing.T) {
		assert.Equal(t, http.StatusTeapot, serve(a, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
	})
}

func TestMiddlewareSkipAuth(t *testing.T) {
	a := NewAuthenticator(&config.Config{SkipAuth: true}, zerolog.Nop())
	rec := serve(a, httptest.NewRequest(http.MethodGet, "/api/call", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dev//agent", rec.Body.String())
}

func TestValidateUnverified(t *testing.T) {
	a := NewAuthenticator(&config.Config{}, zerolog.Nop())
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	tok := sign(t, "anything", jwt.MapClaims{
		"sub":                "u1",
		"preferred_username": "dana",
		"cognito:groups":     []interface{}{"callsync-admins"},
		"exp":                now.Add(time.Minute).Unix(),
	})
	claims, err := a.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "dana", claims.Name)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, []string{"callsync-admins"}, claims.Groups)

	a.now = func() time.Time { return now.Add(time.Hour) }
	_, err = a.Validate(tok)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = a.Validate("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestHasRole(t *testing.T) {
	assert.True(t, HasRole(&Claims{Role: "agent"}, "agent"))
	assert.False(t, HasRole(&Claims{Role: "agent"}, "admin"))
}
