package middleware

// An in-memory LRU keeps the query surface cheap when dashboards poll the
// same endpoints much faster than the meter updates. Entries expire after
// a short TTL so a fresh sync cycle becomes visible promptly.

import (
	"bytes"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type cachedResponse struct {
	status      int
	contentType string
	body        []byte
	storedAt    time.Time
}

type bufferRecorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *bufferRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *bufferRecorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

// Caching caches successful GET responses keyed by request URL.
func Caching(size int, ttl time.Duration) (func(http.Handler) http.Handler, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			key := r.URL.String()
			if v, ok := cache.Get(key); ok {
				entry := v.(cachedResponse)
				if time.Since(entry.storedAt) < ttl {
					w.Header().Set("Content-Type", entry.contentType)
					w.Header().Set("X-Cache", "HIT")
					w.WriteHeader(entry.status)
					w.Write(entry.body)
					return
				}
				cache.Remove(key)
			}

			rec := &bufferRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status == http.StatusOK {
				cache.Add(key, cachedResponse{
					status:      rec.status,
					contentType: rec.Header().Get("Content-Type"),
					body:        rec.buf.Bytes(),
					storedAt:    time.Now(),
				})
			}
		})
	}
	return mw, nil
}
