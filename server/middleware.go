package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Daviszhou212/LocalLLMGallery/errors"
)

const localTokenHeader = "X-Local-Token"

// requireLocalToken guards write endpoints with the shared local token. An
// unset token disables writes entirely unless the operator opted into
// insecure local mode.
func (s *Server) requireLocalToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.LocalToken == "" {
			if s.cfg.AllowInsecureLocal {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, errors.New(errors.KindAuth, errors.CodeLocalTokenNotConfigured,
				"local token is not configured, write endpoints are disabled"))
			return
		}

		received := strings.TrimSpace(r.Header.Get(localTokenHeader))
		if received == "" {
			writeError(w, errors.New(errors.KindAuth, errors.CodeLocalTokenMissing,
				"missing %s header", localTokenHeader))
			return
		}
		if subtle.ConstantTimeCompare([]byte(received), []byte(s.cfg.LocalToken)) != 1 {
			writeError(w, errors.New(errors.KindAuth, errors.CodeLocalTokenInvalid,
				"local token does not match"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ipLimiter hands out one token-bucket limiter per client IP. Buckets idle
// past the expiry window are dropped on the next sweep.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	limit   rate.Limit
	burst   int
	expiry  time.Duration
	swept   time.Time
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(window time.Duration, max int) *ipLimiter {
	if max < 1 {
		// Zero-value configs skip Validate; never divide by zero here.
		max = 1
	}
	return &ipLimiter{
		buckets: make(map[string]*ipBucket),
		limit:   rate.Every(window / time.Duration(max)),
		burst:   max,
		expiry:  3 * window,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.swept) > l.expiry {
		for key, bucket := range l.buckets {
			if now.Sub(bucket.lastSeen) > l.expiry {
				delete(l.buckets, key)
			}
		}
		l.swept = now
	}

	bucket, ok := l.buckets[ip]
	if !ok {
		bucket = &ipBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.Allow()
}

// writeRateLimit rejects over-limit write requests per client IP.
func (s *Server) writeRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !s.limiter.allow(ip) {
			s.metrics.CountRateLimited()
			writeError(w, errors.New(errors.KindRateLimited, errors.CodeRateLimited,
				"too many requests, retry in %d seconds", int(s.cfg.RateLimitWindow.Std().Seconds())))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// localCORS allows cross-origin requests only from loopback origins. The
// console is same-origin in normal use; this covers dev setups running the
// UI on a different local port.
func localCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !isAllowedLocalOrigin(origin) {
				writeError(w, errors.New(errors.KindAuth, errors.CodeCORSOriginDenied,
					"cross-origin requests from %s are not allowed", origin))
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+localTokenHeader)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedLocalOrigin(origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	return host == "127.0.0.1" || host == "localhost"
}

// observe records request metrics per route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.metrics.ObserveHTTP(routePattern(r), r.Method, ww.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
