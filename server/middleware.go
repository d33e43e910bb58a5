package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/formcheck/telemetry"
)

// sessionCookie carries the admin session token.
const sessionCookie = "formcheck_admin"

// isAdmin reports whether r carries a valid X-Admin-Token or session cookie.
func (h *Handlers) isAdmin(r *http.Request) bool {
	if h.Config.AdminToken != "" {
		token := r.Header.Get("X-Admin-Token")
		if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.Config.AdminToken)) == 1 {
			return true
		}
	}
	if c, err := r.Cookie(sessionCookie); err == nil && h.Auth != nil {
		return h.Auth.VerifySession(r.Context(), c.Value) == nil
	}
	return false
}

// adminAuth protects admin routes. Browsers asking for a page are sent to the
// login form; everything else gets 401.
func (h *Handlers) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.isAdmin(r) {
			next.ServeHTTP(w, r)
			return
		}
		slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr), slog.String("component", "http"))
		if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
			http.Redirect(w, r, "/admin/login", http.StatusSeeOther)
			return
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

// rateLimiterConfig bounds uploads per client IP.
type rateLimiterConfig struct {
	enabled       bool
	requestsPerIP int
	window        time.Duration
}

// loadRateLimiterConfig reads RATE_LIMIT_ENABLED, RATE_LIMIT_REQUESTS_PER_IP
// and RATE_LIMIT_WINDOW_SECONDS. Defaults: on, 10 per minute.
func loadRateLimiterConfig() *rateLimiterConfig {
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 10, window: time.Minute}
	if os.Getenv("RATE_LIMIT_ENABLED") == "0" {
		cfg.enabled = false
	}
	if n, err := strconv.Atoi(os.Getenv("RATE_LIMIT_REQUESTS_PER_IP")); err == nil && n > 0 {
		cfg.requestsPerIP = n
	}
	if n, err := strconv.Atoi(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); err == nil && n > 0 {
		cfg.window = time.Duration(n) * time.Second
	}
	return cfg
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one token bucket per client IP. A bucket holds
// requestsPerIP tokens and refills fully over window.
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	cfg      *rateLimiterConfig
}

// newIPRateLimiter creates a limiter whose cleanup goroutine lives as long as ctx.
func newIPRateLimiter(ctx context.Context, cfg *rateLimiterConfig) *ipRateLimiter {
	rl := &ipRateLimiter{visitors: make(map[string]*visitor), cfg: cfg}
	if cfg.enabled {
		go rl.cleanupLoop(ctx)
	}
	return rl
}

func (rl *ipRateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			rl.cleanup(now)
		case <-ctx.Done():
			return
		}
	}
}

// cleanup forgets IPs idle for at least one window. Their buckets would be full again anyway.
func (rl *ipRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) >= rl.cfg.window {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	if !rl.cfg.enabled {
		return true
	}
	now := time.Now()
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		every := rl.cfg.window / time.Duration(rl.cfg.requestsPerIP)
		v = &visitor{limiter: rate.NewLimiter(rate.Every(every), rl.cfg.requestsPerIP)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// retryAfter is the whole-second wait before ip gets another token.
func (rl *ipRateLimiter) retryAfter(ip string) int {
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	rl.mu.Unlock()
	if !ok {
		return 1
	}
	r := v.limiter.ReserveN(time.Now(), 1)
	delay := r.Delay()
	r.Cancel()
	if secs := int(math.Ceil(delay.Seconds())); secs > 0 {
		return secs
	}
	return 1
}

func rateLimit(next http.Handler, limiter *ipRateLimiter, proxies proxyList) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := proxies.clientIP(r)
		if limiter.allow(ip) {
			next.ServeHTTP(w, r)
			return
		}
		slog.Warn("rate limited", slog.String("component", "http"), slog.String("ip", ip), slog.String("path", r.URL.Path))
		w.Header().Set("Retry-After", strconv.Itoa(limiter.retryAfter(ip)))
		http.Error(w, "요청이 너무 많습니다. 잠시 후 다시 시도하세요.", http.StatusTooManyRequests)
	})
}

// proxyList holds the networks of reverse proxies allowed to set X-Forwarded-For.
type proxyList []*net.IPNet

// loadTrustedProxies parses TRUSTED_PROXIES, a comma separated list of CIDRs
// or single addresses. Unparseable entries are logged and skipped.
func loadTrustedProxies() proxyList {
	var list proxyList
	for _, entry := range strings.Split(os.Getenv("TRUSTED_PROXIES"), ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil {
				bits := 8 * len(ip.To16())
				if ip.To4() != nil {
					ip, bits = ip.To4(), 32
				}
				list = append(list, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
				continue
			}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			slog.Warn("ignoring invalid TRUSTED_PROXIES entry", slog.String("component", "http"), slog.String("entry", entry))
			continue
		}
		list = append(list, network)
	}
	return list
}

func (p proxyList) trusts(addr string) bool {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return false
	}
	for _, n := range p {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP is the peer address without its port. X-Forwarded-For is only
// consulted when the peer is a trusted proxy; the result is then the
// rightmost hop that is not itself a trusted proxy.
func (p proxyList) clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	if len(p) == 0 || !p.trusts(host) {
		return host
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !p.trusts(hop) {
			return hop
		}
		host = hop
	}
	return host
}

// corsConfig governs cross-origin access to /api/.
// Permissive mode answers every origin with "*" and no credentials.
type corsConfig struct {
	allowedOrigins []string
	permissive     bool
}

// loadCORSConfig is permissive when ENV is unset or dev, unless CORS_PERMISSIVE
// says otherwise. CORS_ALLOWED_ORIGINS is a comma separated list that may
// contain "*.domain" entries.
func loadCORSConfig() *corsConfig {
	cfg := &corsConfig{}
	switch strings.ToLower(os.Getenv("ENV")) {
	case "", "dev", "development":
		cfg.permissive = true
	}
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		cfg.permissive = v == "1" || strings.EqualFold(v, "true")
	}
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.allowedOrigins = append(cfg.allowedOrigins, o)
		}
	}
	if !cfg.permissive && len(cfg.allowedOrigins) == 0 {
		slog.Warn("no CORS_ALLOWED_ORIGINS set; cross-origin API calls will be refused", slog.String("component", "http"))
	}
	return cfg
}

func withCORS(next http.Handler, cfg *corsConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		origin := r.Header.Get("Origin")
		allowed := true
		switch {
		case cfg.permissive:
			h.Set("Access-Control-Allow-Origin", "*")
		case origin != "" && isOriginAllowed(origin, cfg.allowedOrigins):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		default:
			allowed = false
		}
		if allowed {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed matches origin exactly or against "*.domain" entries, which
// also cover the bare domain.
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	host := origin
	if i := strings.Index(origin, "://"); i >= 0 {
		host = origin[i+3:]
	}
	for _, a := range allowedOrigins {
		if a == origin {
			return true
		}
		domain, ok := strings.CutPrefix(a, "*.")
		if ok && (host == domain || strings.HasSuffix(host, "."+domain)) {
			return true
		}
	}
	return false
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// instrument records request count and latency under the route pattern.
func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)
		telemetry.ObserveHTTP(r.Method, route, rec.statusCode, time.Since(start))
	})
}
