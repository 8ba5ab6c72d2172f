package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"sandboxd/internal/common/http/middleware"
	"sandboxd/pkg/utils/contextkey"
)

func TestTraceContextMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var seenTrace any
	r := gin.New()
	r.Use(middleware.TraceContextMiddleware("node-a"))
	r.GET("/", func(c *gin.Context) {
		seenTrace = c.Request.Context().Value(contextkey.TraceID)
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace-Id", "abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if seenTrace != "abc" {
		t.Fatalf("trace in context = %v", seenTrace)
	}
	if w.Header().Get("X-Trace-Id") != "abc" {
		t.Fatalf("trace header = %q", w.Header().Get("X-Trace-Id"))
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatal("request id should be generated")
	}
	if w.Header().Get("X-Sandbox-Node") != "node-a" {
		t.Fatalf("node header = %q", w.Header().Get("X-Sandbox-Node"))
	}
}
