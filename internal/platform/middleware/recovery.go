package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const recoveryStackSize = 8 << 10

// Recovery turns a handler panic into a 500 carrying the panic as its internal
// error. http.ErrAbortHandler is re-raised so net/http can abort the response.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				cause := panicError(r)

				stack := make([]byte, recoveryStackSize)
				stack = stack[:runtime.Stack(stack, false)]

				req := c.Request()
				logger.Error().
					Err(cause).
					Str("request_id", RequestIDFrom(c)).
					Str("method", req.Method).
					Str("route", c.Path()).
					Bytes("stack", stack).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(cause)
			}()
			return next(c)
		}
	}
}

func panicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return errors.New("panic: " + fmt.Sprint(r))
}
