package gateway

import (
	"time"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
)

// goSafe runs fn in a goroutine and reports a panic to Sentry before
// re-panicking.
func goSafe(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				sentry.CurrentHub().Recover(r)
				sentry.Flush(2 * time.Second)
				panic(r)
			}
		}()
		fn()
	}()
}

// sentryMiddleware must run before Recover so panics are reported.
func sentryMiddleware() echo.MiddlewareFunc {
	return sentryecho.New(sentryecho.Options{
		Repanic:         true,
		WaitForDelivery: false,
	})
}

func sentryFlushSafely(timeout time.Duration) {
	_ = sentry.Flush(timeout)
}
