package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	corsMethods = strings.Join([]string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions,
	}, ", ")
	corsHeaders = strings.Join([]string{"Range", "Authorization", "Content-Type"}, ", ")
)

// StreamCORS returns an Echo middleware that lets browser players on any
// origin read proxied streams. It only sets headers; preflights are answered
// by the route's OPTIONS handler.
func StreamCORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			h.Set(echo.HeaderAccessControlAllowMethods, corsMethods)
			h.Set(echo.HeaderAccessControlAllowHeaders, corsHeaders)
			h.Set(echo.HeaderAccessControlExposeHeaders, "Content-Length, Content-Range, Accept-Ranges")

			return next(c)
		}
	}
}
