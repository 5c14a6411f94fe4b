package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/bill-acceptor/internal/utils"
)

func newEngine(m *AuthMiddleware) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/control", m.RequireAuth(), m.RequireControl(), func(c *gin.Context) {
		operator, _ := GetOperator(c)
		c.String(http.StatusOK, operator)
	})
	r.GET("/optional", m.OptionalAuth(), func(c *gin.Context) {
		operator, _ := GetOperator(c)
		c.String(http.StatusOK, operator)
	})
	return r
}

func do(r *gin.Engine, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthDisabled(t *testing.T) {
	r := newEngine(NewAuthMiddleware(nil))

	w := do(r, http.MethodPost, "/control", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestAuthTokenSources(t *testing.T) {
	manager := utils.NewJWTManager("secret", time.Hour)
	token, err := manager.GenerateToken("alice", utils.RoleOperator)
	require.NoError(t, err)
	r := newEngine(NewAuthMiddleware(manager))

	tests := []struct {
		name   string
		target string
		header map[string]string
	}{
		{"Bearer", "/control", map[string]string{"Authorization": "Bearer " + token}},
		{"小写bearer", "/control", map[string]string{"Authorization": "bearer " + token}},
		{"X-Access-Token", "/control", map[string]string{"X-Access-Token": token}},
		{"Query", "/control?token=" + token, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, tt.target, tt.header)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "alice", w.Body.String())
		})
	}
}

func TestAuthRejects(t *testing.T) {
	manager := utils.NewJWTManager("secret", time.Hour)
	r := newEngine(NewAuthMiddleware(manager))

	w := do(r, http.MethodPost, "/control", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/control", map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	viewer, _ := manager.GenerateToken("bob", utils.RoleViewer)
	w = do(r, http.MethodPost, "/control", map[string]string{"Authorization": "Bearer " + viewer})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestOptionalAuth(t *testing.T) {
	manager := utils.NewJWTManager("secret", time.Hour)
	token, _ := manager.GenerateToken("alice", utils.RoleViewer)
	r := newEngine(NewAuthMiddleware(manager))

	w := do(r, http.MethodGet, "/optional", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = do(r, http.MethodGet, "/optional?token="+token, nil)
	assert.Equal(t, "alice", w.Body.String())
}
