package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// Context keys shared with the stream handler.
const (
	RequestIDKey    = "request_id"
	StreamClientKey = "stream_client"
)

// RequestID stores the incoming X-Request-ID, or a fresh one, under
// RequestIDKey and echoes it on the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.New().String()
			}
			c.Set(RequestIDKey, rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}

// requestFields returns the request id and, once the stream handler has
// assigned one, the stream client id.
func requestFields(c echo.Context) (rid, client string) {
	rid, _ = c.Get(RequestIDKey).(string)
	client, _ = c.Get(StreamClientKey).(string)
	return rid, client
}

func isStreamUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
