package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"horse.fit/toonrank/internal/batch"
	"horse.fit/toonrank/internal/globaltime"
)

const unexpectedErrorMessage = "Unexpected error. Please try again."

type errorResponse struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func badRequest(format string, args ...any) error {
	return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf(format, args...))
}

// httpErrorHandler maps unknown jobs and invalid parameters to 400, state
// conflicts to 409 and everything else to a generic 500.
func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := unexpectedErrorMessage

	var stateErr *batch.StateError
	var httpErr *echo.HTTPError
	switch {
	case errors.Is(err, batch.ErrUnknownJob):
		status = http.StatusBadRequest
		message = "Unknown job: " + c.Param("jobName")
	case errors.As(err, &stateErr):
		status = http.StatusConflict
		message = stateErr.Message
	case errors.As(err, &httpErr):
		status = httpErr.Code
		if status >= http.StatusInternalServerError {
			message = unexpectedErrorMessage
		} else if text, ok := httpErr.Message.(string); ok && strings.TrimSpace(text) != "" {
			message = text
		} else {
			message = http.StatusText(status)
		}
	default:
		s.logger.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("unhandled api error")
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, errorResponse{Message: message, Timestamp: globaltime.UTC()})
}
