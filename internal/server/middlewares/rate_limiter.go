package middleware

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimiting rejects requests beyond the configured rate with 429.
// One limiter covers the whole server.
func RateLimiting(limit float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
