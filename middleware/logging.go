package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"dolabb/logger"
)

// Logging records method, path, status and latency of every request.
// The query string is left out since it may carry the token.
func Logging(log *slog.Logger) Middleware {
	log = logger.OrDefault(log)
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next.RoundTrip(r)
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Duration("latency", time.Since(start)),
			}
			if err != nil {
				log.Warn("http request failed", append(attrs, logger.Err(err))...)
				return resp, err
			}
			attrs = append(attrs, slog.Int("status", resp.StatusCode))
			if resp.StatusCode >= http.StatusBadRequest {
				log.Warn("http request", attrs...)
			} else {
				log.Debug("http request", attrs...)
			}
			return resp, nil
		})
	}
}
