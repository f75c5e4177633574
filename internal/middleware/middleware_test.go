package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miniquant/internal/auth"
	"miniquant/internal/errors"
	"miniquant/internal/logger"
	"miniquant/internal/market"
)

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), ErrorHandler(), HandleError())
	r.Use(handlers...)
	return r
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errors.ErrorResponse {
	t.Helper()
	var resp errors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	return resp
}

func TestHandleErrorMapsAppErrors(t *testing.T) {
	r := newRouter()
	r.GET("/too-big", func(c *gin.Context) {
		c.Error(errors.NewAppError(errors.ErrCodeTooManyCombinations, "too many combinations", nil))
	})
	r.GET("/no-data", func(c *gin.Context) {
		c.Error(fmt.Errorf("600000: %w", market.ErrNoData))
	})
	r.GET("/plain", func(c *gin.Context) {
		c.Error(fmt.Errorf("boom"))
	})

	cases := []struct {
		path   string
		status int
		code   errors.ErrorCode
	}{
		{"/too-big", http.StatusUnprocessableEntity, errors.ErrCodeTooManyCombinations},
		{"/no-data", http.StatusNotFound, errors.ErrCodeNoData},
		{"/plain", http.StatusInternalServerError, errors.ErrCodeInternal},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		assert.Equal(t, tc.status, w.Code, tc.path)
		resp := decodeError(t, w)
		assert.Equal(t, tc.code, resp.Error.Code, tc.path)
		assert.False(t, resp.Success)
		assert.NotEmpty(t, resp.Error.RequestID)
	}
}

func TestErrorHandlerRecoversPanics(t *testing.T) {
	r := newRouter()
	r.GET("/panic", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, errors.ErrCodeInternal, decodeError(t, w).Error.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	r := newRouter()
	var fromContext interface{}
	r.GET("/", func(c *gin.Context) {
		fromContext = c.Request.Context().Value(logger.RequestIDKey)
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "req-42", fromContext)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, w.Header().Get(RequestIDHeader), 36)
}

func TestJWTAuth(t *testing.T) {
	manager := auth.NewJWTManager("0123456789abcdef0123456789abcdef", "miniquant", time.Hour)
	r := newRouter(JWTAuth(manager))
	r.GET("/me", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("username")) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, _, err := manager.GenerateToken("u-1", "analyst", "user")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "analyst", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?access_token="+token, nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	now := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("1.1.1.1"))
	assert.True(t, rl.Allow("1.1.1.1"))
	assert.False(t, rl.Allow("1.1.1.1"))
	assert.True(t, rl.Allow("2.2.2.2"), "buckets are per client")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("1.1.1.1"))
	assert.Equal(t, "1", rl.retryAfter())
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	r := newRouter(rl.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, errors.ErrCodeRateLimit, decodeError(t, w).Error.Code)
}
