package api

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"berkut-siem/api/handlers"
	"berkut-siem/config"
	"berkut-siem/core/utils"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/bcrypt"
)

const (
	limiterTTL             = 10 * time.Minute
	limiterCleanupInterval = time.Minute
	limiterMaxBuckets      = 10000
	apiKeyPrincipal        = "api-key"
)

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Errorf("PANIC %s %s: %v\n%s", r.Method, r.URL.Path, rec, string(debug.Stack()))
				handlers.WriteErrorKind(w, utils.KindInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type requestLimiter struct {
	mu              sync.Mutex
	buckets         map[string]*tokenBucket
	capacity        int
	refill          time.Duration
	ttl             time.Duration
	cleanupInterval time.Duration
	lastCleanup     time.Time
	maxBuckets      int
}

type tokenBucket struct {
	tokens   int
	last     time.Time
	lastSeen time.Time
}

func newLimiter(capacity int, refill time.Duration) *requestLimiter {
	return &requestLimiter{
		buckets:         make(map[string]*tokenBucket),
		capacity:        capacity,
		refill:          refill,
		ttl:             limiterTTL,
		cleanupInterval: limiterCleanupInterval,
		maxBuckets:      limiterMaxBuckets,
	}
}

func (l *requestLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if l.cleanupInterval > 0 && now.Sub(l.lastCleanup) >= l.cleanupInterval {
		l.cleanup(now)
		l.lastCleanup = now
	}
	tb, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &tokenBucket{tokens: l.capacity - 1, last: now, lastSeen: now}
		return true
	}
	tb.lastSeen = now
	elapsed := now.Sub(tb.last)
	if elapsed >= l.refill {
		tb.tokens = l.capacity
		tb.last = now
	}
	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

func (l *requestLimiter) cleanup(now time.Time) {
	if l.ttl > 0 {
		for key, tb := range l.buckets {
			if now.Sub(tb.lastSeen) > l.ttl {
				delete(l.buckets, key)
			}
		}
	}
	if l.maxBuckets > 0 && len(l.buckets) > l.maxBuckets {
		for len(l.buckets) > l.maxBuckets {
			oldestKey := ""
			var oldest time.Time
			for key, tb := range l.buckets {
				if oldestKey == "" || tb.lastSeen.Before(oldest) {
					oldestKey = key
					oldest = tb.lastSeen
				}
			}
			if oldestKey == "" {
				break
			}
			delete(l.buckets, oldestKey)
		}
	}
}

// prefixLimiter applies one per-minute budget to every path under prefix.
type prefixLimiter struct {
	prefix  string
	limiter *requestLimiter
}

// buildLimiters orders prefixes longest first so the most specific rule wins.
func buildLimiters(limits map[string]int) []prefixLimiter {
	out := make([]prefixLimiter, 0, len(limits))
	for prefix, perMinute := range limits {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" || perMinute <= 0 {
			continue
		}
		out = append(out, prefixLimiter{prefix: prefix, limiter: newLimiter(perMinute, time.Minute)})
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].prefix) != len(out[j].prefix) {
			return len(out[i].prefix) > len(out[j].prefix)
		}
		return out[i].prefix < out[j].prefix
	})
	return out
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, pl := range s.limiters {
			if !strings.HasPrefix(r.URL.Path, pl.prefix) {
				continue
			}
			if !pl.limiter.allow(strings.ToLower(s.clientIP(r))) {
				s.logger.Printf("RATE limit %s %s ip=%s prefix=%s", r.Method, r.URL.Path, s.clientIP(r), pl.prefix)
				w.Header().Set("Retry-After", "60")
				handlers.WriteErrorKind(w, utils.KindRateLimited, "too many requests")
				return
			}
			break
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		if isHTTPSRequest(r, s.cfg) {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		user := "-"
		if v := rec.principal; v != "" {
			user = v
		}
		s.logger.Printf("RESP %s %s req=%s user=%s status=%d dur=%s bytes=%d",
			r.Method, r.URL.Path, middleware.GetReqID(r.Context()), user, rec.status, time.Since(start), rec.size)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status    int
	size      int
	principal string
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

// requireAuth admits exempt paths, then a matching API key or basic-auth pair.
// With no credentials configured every request is admitted.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sec := s.cfg.Security
		if !sec.AuthEnabled() || isExemptPath(r.URL.Path, sec.ExemptPaths) {
			next.ServeHTTP(w, r)
			return
		}
		principal, ok := s.authenticate(r)
		if !ok {
			s.logger.Printf("AUTH fail %s %s ip=%s", r.Method, r.URL.Path, s.clientIP(r))
			if sec.BasicUser != "" {
				w.Header().Set("WWW-Authenticate", `Basic realm="berkut-siem"`)
			}
			handlers.WriteErrorKind(w, utils.KindUnauthorized, "authentication required")
			return
		}
		if rec, ok := w.(*statusRecorder); ok {
			rec.principal = principal
		}
		next.ServeHTTP(w, r.WithContext(handlers.WithPrincipal(r.Context(), principal)))
	}
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	sec := s.cfg.Security
	if sec.APIKey != "" {
		key := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if key == "" {
			if authz := r.Header.Get("Authorization"); len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
				key = strings.TrimSpace(authz[7:])
			}
		}
		if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(sec.APIKey)) == 1 {
			return apiKeyPrincipal, true
		}
	}
	if sec.BasicUser != "" && sec.BasicPasswordHash != "" {
		user, pass, ok := r.BasicAuth()
		if !ok {
			return "", false
		}
		if subtle.ConstantTimeCompare([]byte(user), []byte(sec.BasicUser)) != 1 {
			return "", false
		}
		if bcrypt.CompareHashAndPassword([]byte(sec.BasicPasswordHash), []byte(pass)) != nil {
			return "", false
		}
		return user, true
	}
	return "", false
}

// isExemptPath matches exact entries, and entries ending in "/*" as prefixes.
func isExemptPath(path string, exempt []string) bool {
	for _, raw := range exempt {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/*") {
			if strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}

// bodyMiddleware caps the request body and transparently decodes gzip or zstd.
// The cap applies to both the wire bytes and the decoded stream.
func (s *Server) bodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := s.cfg.EffectiveMaxBodyBytes()
		if r.ContentLength > limit {
			handlers.WriteErrorKind(w, utils.KindPayloadTooLarge, "request body exceeds "+strconv.FormatInt(limit, 10)+" bytes")
			return
		}
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))
		switch encoding {
		case "", "identity":
		case "gzip":
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				handlers.WriteErrorKind(w, utils.KindValidation, "invalid gzip body")
				return
			}
			defer gz.Close()
			r.Body = http.MaxBytesReader(w, readCloser{Reader: gz, Closer: r.Body}, limit)
		case "zstd":
			dec, err := zstd.NewReader(r.Body, zstd.WithDecoderConcurrency(1))
			if err != nil {
				handlers.WriteErrorKind(w, utils.KindValidation, "invalid zstd body")
				return
			}
			defer dec.Close()
			r.Body = http.MaxBytesReader(w, readCloser{Reader: dec, Closer: r.Body}, limit)
		default:
			handlers.WriteErrorKind(w, utils.KindValidation, "unsupported content encoding "+strconv.Quote(encoding))
			return
		}
		if encoding != "" && encoding != "identity" {
			r.Header.Del("Content-Encoding")
			r.ContentLength = -1
		}
		next.ServeHTTP(w, r)
	})
}

type readCloser struct {
	io.Reader
	io.Closer
}

func (s *Server) clientIP(r *http.Request) string {
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	if ip == "" {
		ip = r.RemoteAddr
	}
	ip = strings.TrimSpace(ip)
	if s == nil || s.cfg == nil || !isTrustedProxy(ip, s.cfg.Security.TrustedProxies) {
		return ip
	}
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if candidate := extractClientIPFromXFF(xff, s.cfg.Security.TrustedProxies); candidate != "" {
			return candidate
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		if parsed := net.ParseIP(realIP); parsed != nil {
			return parsed.String()
		}
	}
	return ip
}

func isHTTPSRequest(r *http.Request, cfg *config.AppConfig) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if cfg == nil {
		return false
	}
	if cfg.TLSEnabled {
		return true
	}
	remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = strings.TrimSpace(r.RemoteAddr)
	}
	remoteIP = strings.TrimSpace(remoteIP)
	if !isTrustedProxy(remoteIP, cfg.Security.TrustedProxies) {
		return false
	}
	xffProto := strings.ToLower(strings.TrimSpace(strings.SplitN(r.Header.Get("X-Forwarded-Proto"), ",", 2)[0]))
	return xffProto == "https"
}

func extractClientIPFromXFF(xff string, trusted []string) string {
	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		candidate := strings.TrimSpace(parts[i])
		parsed := net.ParseIP(candidate)
		if parsed == nil {
			continue
		}
		val := parsed.String()
		if !isTrustedProxy(val, trusted) {
			return val
		}
	}
	return ""
}

func isTrustedProxy(ip string, trusted []string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	for _, raw := range trusted {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		if strings.Contains(val, "/") {
			if _, block, err := net.ParseCIDR(val); err == nil && block.Contains(parsed) {
				return true
			}
			continue
		}
		if parsed.Equal(net.ParseIP(val)) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
