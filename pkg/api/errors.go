package api

import (
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/castingclouds/agentengine/pkg/errs"
)

// mapError maps the engine's error taxonomy to an HTTP error response,
// following the teacher's mapServiceError shape exactly: one function, one
// switch, redacted messages only — internal detail goes to the log, never
// the response body.
func mapError(err error) *echo.HTTPError {
	e, ok := errs.As(err)
	if !ok {
		slog.Error("unexpected error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	switch e.Kind {
	case errs.KindNotFound:
		return echo.NewHTTPError(http.StatusNotFound, e.Message)
	case errs.KindForbidden:
		return echo.NewHTTPError(http.StatusForbidden, e.Message)
	case errs.KindRateLimited:
		return echo.NewHTTPError(http.StatusTooManyRequests, e.Error())
	case errs.KindTooManyRequests:
		return echo.NewHTTPError(http.StatusTooManyRequests, e.Message)
	case errs.KindValidation:
		return echo.NewHTTPError(http.StatusBadRequest, e.Message)
	case errs.KindProviderError:
		return echo.NewHTTPError(http.StatusBadGateway, "upstream provider error")
	case errs.KindTransient:
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage temporarily unavailable")
	default:
		slog.Error("internal error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}
