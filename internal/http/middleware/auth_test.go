// README: Tests for the Firebase auth and recovery middleware.
package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridehail/internal/http/middleware"
	"ridehail/internal/infra"
)

// tokenTable maps raw ID tokens to verified identities; anything else fails verification.
type tokenTable map[string]*infra.FirebaseToken

func (t tokenTable) VerifyIDToken(_ context.Context, raw string) (*infra.FirebaseToken, error) {
	if tok, ok := t[raw]; ok {
		return tok, nil
	}
	return nil, errors.New("token rejected")
}

func whoami(verifier infra.TokenVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Auth(verifier))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"uid": middleware.CallerUID(c), "role": middleware.CallerRole(c)})
	})
	return r
}

func TestAuth(t *testing.T) {
	verifier := tokenTable{
		"rider-token":  {UID: "rider-7", Claims: map[string]interface{}{}},
		"driver-token": {UID: "drv-3", Claims: map[string]interface{}{"role": middleware.RoleDriver}},
		"admin-token":  {UID: "ops-1", Claims: map[string]interface{}{"role": middleware.RoleAdmin}},
		"odd-claim":    {UID: "rider-8", Claims: map[string]interface{}{"role": 42}},
	}
	r := whoami(verifier)

	cases := []struct {
		name   string
		header string
		code   int
		uid    string
		role   string
	}{
		{name: "no header", code: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Token rider-token", code: http.StatusUnauthorized},
		{name: "blank bearer", header: "Bearer   ", code: http.StatusUnauthorized},
		{name: "rejected token", header: "Bearer forged", code: http.StatusUnauthorized},
		{name: "rider by default", header: "Bearer rider-token", code: http.StatusOK, uid: "rider-7", role: middleware.RoleRider},
		{name: "driver claim", header: "Bearer driver-token", code: http.StatusOK, uid: "drv-3", role: middleware.RoleDriver},
		{name: "admin claim", header: "Bearer admin-token", code: http.StatusOK, uid: "ops-1", role: middleware.RoleAdmin},
		{name: "non-string role", header: "Bearer odd-claim", code: http.StatusOK, uid: "rider-8", role: middleware.RoleRider},
		{name: "padded token", header: "Bearer  driver-token ", code: http.StatusOK, uid: "drv-3", role: middleware.RoleDriver},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			require.Equal(t, tc.code, w.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			if tc.code != http.StatusOK {
				assert.NotEmpty(t, body["error"])
				return
			}
			assert.Equal(t, tc.uid, body["uid"])
			assert.Equal(t, tc.role, body["role"])
		})
	}
}

func TestCallerUID_EmptyWithoutAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	var uid, role string
	r.GET("/open", func(c *gin.Context) {
		uid, role = middleware.CallerUID(c), middleware.CallerRole(c)
		c.Status(http.StatusNoContent)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/open", nil))
	assert.Empty(t, uid)
	assert.Empty(t, role)
}

func TestRecovery_Returns500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := logrus.New()
	log.SetOutput(io.Discard)
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.Logging(log))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())
}
