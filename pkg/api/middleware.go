package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/castingclouds/agentengine/pkg/ids"
)

// tenantHeader is the header carrying the caller's tenant identity. The
// middleware is trusted — downstream code treats the tenant ID as already
// validated (§6).
const tenantHeader = "X-Tenant-ID"

// requireTenant rejects any request missing the tenant header with 400.
// Handlers re-read the header via tenantID, matching the teacher's own
// per-handler extractAuthor idiom rather than stashing values on the
// request context.
func requireTenant() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if c.Request().Header.Get(tenantHeader) == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "missing "+tenantHeader+" header")
			}
			return next(c)
		}
	}
}

// tenantID reads the trusted tenant header off the request.
func tenantID(c *echo.Context) ids.TenantID {
	return ids.TenantID(c.Request().Header.Get(tenantHeader))
}

// securityHeaders sets standard security response headers, matching the
// teacher's own middleware.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}
