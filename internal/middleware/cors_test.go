package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"hls-relay/internal/config"
)

var testCORS = config.CORSConfig{
	AllowMethods:  []string{"GET", "HEAD", "OPTIONS"},
	AllowHeaders:  []string{"Content-Type", "Authorization", "X-Requested-With", "Range"},
	ExposeHeaders: []string{"Content-Length", "Content-Range", "Accept-Ranges"},
}

func TestCORS_Headers(t *testing.T) {
	e := echo.New()
	e.Use(CORS(testCORS))
	e.GET("/proxy", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/fail", func(c echo.Context) error {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "upstream request failed"})
	})

	tests := []struct {
		name   string
		path   string
		origin string
	}{
		{"without Origin", "/proxy", ""},
		{"with Origin", "/proxy", "https://player.example"},
		{"error response", "/fail", ""},
		{"router 404", "/nope", ""},
	}

	want := map[string]string{
		echo.HeaderAccessControlAllowOrigin:   "*",
		echo.HeaderAccessControlAllowMethods:  "GET, HEAD, OPTIONS",
		echo.HeaderAccessControlAllowHeaders:  "Content-Type, Authorization, X-Requested-With, Range",
		echo.HeaderAccessControlExposeHeaders: "Content-Length, Content-Range, Accept-Ranges",
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			if tt.origin != "" {
				req.Header.Set(echo.HeaderOrigin, tt.origin)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			for key, v := range want {
				if got := rec.Header().Get(key); got != v {
					t.Errorf("%s = %q, want %q", key, got, v)
				}
			}
		})
	}
}

func TestCORS_EmptyListsOmitted(t *testing.T) {
	e := echo.New()
	e.Use(CORS(config.CORSConfig{}))
	e.GET("/proxy", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/proxy", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	if got := rec.Header().Get(echo.HeaderAccessControlExposeHeaders); got != "" {
		t.Errorf("Expose-Headers = %q, want empty", got)
	}
}
