package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"

	"hls-relay/internal/config"
)

// CORS returns an Echo middleware that sets permissive CORS headers on every
// response, whether or not the request carried an Origin header. The headers
// are set before the handler runs so that streamed and error responses
// carry them too.
func CORS(cfg config.CORSConfig) echo.MiddlewareFunc {
	methods := strings.Join(cfg.AllowMethods, ", ")
	headers := strings.Join(cfg.AllowHeaders, ", ")
	expose := strings.Join(cfg.ExposeHeaders, ", ")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			if methods != "" {
				h.Set(echo.HeaderAccessControlAllowMethods, methods)
			}
			if headers != "" {
				h.Set(echo.HeaderAccessControlAllowHeaders, headers)
			}
			if expose != "" {
				h.Set(echo.HeaderAccessControlExposeHeaders, expose)
			}
			return next(c)
		}
	}
}
