// Package server exposes the upload pages, the admin pages and the JSON API.
// Every request gets a correlation ID for consistent logging and, when
// tracing is enabled, a span.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/formcheck/telemetry"
)

// NewMux returns the HTTP handler with all routes. ctx bounds the rate
// limiter's cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	h := NewHandlers(deps)
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())

	mux := http.NewServeMux()
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, instrument(pattern, fn))
	}
	limited := func(fn http.HandlerFunc) http.HandlerFunc {
		return rateLimit(fn, limiter, h.proxies).ServeHTTP
	}
	admin := func(fn http.HandlerFunc) http.HandlerFunc {
		return h.adminAuth(fn).ServeHTTP
	}

	// Upload and history pages
	handle("GET /{$}", h.HandleIndex)
	handle("POST /analyze", limited(h.HandleAnalyze))
	handle("GET /history", h.HandleHistory)
	handle("GET /viewHistory", h.HandleViewHistory)
	handle("GET /result/{id}", h.HandleResult)
	handle("GET /video/{fileName}", h.HandleVideo)

	// Admin pages
	handle("GET /admin/login", h.HandleLoginForm)
	handle("POST /admin/login", limited(h.HandleLogin))
	handle("POST /admin/logout", h.HandleLogout)
	handle("GET /admin", admin(h.HandleAdminDashboard))
	handle("POST /admin/references", admin(h.HandleReferenceUpload))
	handle("POST /admin/references/{id}/delete", admin(h.HandleReferenceDelete))
	handle("GET /references/{fileName}", admin(h.HandleReferenceFile))
	handle("GET /admin/password", admin(h.HandlePasswordForm))
	handle("POST /admin/password", admin(h.HandlePasswordChange))
	handle("POST /admin/uploads/{id}/requeue", admin(h.HandleRequeue))
	handle("POST /admin/uploads/{id}/priority", admin(h.HandlePriority))
	handle("POST /admin/uploads/{id}/publish", admin(h.HandlePublish))
	handle("GET /admin/monitor", admin(h.HandleAdminMonitor))

	// OAuth endpoints
	handle("GET /auth/youtube/start", admin(h.HandleYouTubeOAuthStart))
	handle("GET /auth/youtube/callback", admin(h.HandleYouTubeOAuthCallback))

	// JSON API
	handle("POST /api/uploads", limited(h.HandleAPIUpload))
	handle("GET /api/uploads", h.HandleAPIList)
	handle("GET /api/uploads/{id}", h.HandleAPIGet)
	handle("POST /api/uploads/{id}/cancel", limited(h.HandleAPICancel))

	// Health, readiness, status and metrics
	handle("GET /healthz", h.HandleHealthz)
	handle("GET /readyz", h.HandleReadyz)
	handle("GET /status", h.HandleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
		if rec.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", rec.statusCode))
			span.SetStatus(code, msg)
		}
	})
	return withCORS(handler, loadCORSConfig())
}

// Start serves handler on addr and shuts down gracefully on context cancellation.
// Timeouts are generous because requests carry video uploads and downloads.
func Start(ctx context.Context, handler http.Handler, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
