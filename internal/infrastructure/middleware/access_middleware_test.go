package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"lanscreen/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLocalNetworkOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(LocalNetworkOnly())
	router.GET("/devices", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		remote string
		want   int
	}{
		{"127.0.0.1:5000", http.StatusOK},
		{"192.168.1.30:5000", http.StatusOK},
		{"10.0.0.7:5000", http.StatusOK},
		{"[fe80::1]:5000", http.StatusOK},
		{"8.8.8.8:5000", http.StatusForbidden},
		{"garbage", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/devices", nil)
			req.RemoteAddr = tt.remote
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRequestLoggingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zap.InfoLevel)
	router := gin.New()
	router.Use(RequestLoggingMiddleware(logger.NewContextLogger(zap.New(core))))
	router.GET("/devices/:id", func(c *gin.Context) {
		assert.Equal(t, "req-42", logger.RequestID(c.Request.Context()))
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/devices/d2", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/devices/:id", fields["path"])
	assert.EqualValues(t, http.StatusNoContent, fields["status_code"])
}
