// Package server exposes the HTTP API: health, readiness, metrics, the
// session status snapshot, a Server-Sent Events feed of session events and
// the admin controls. It injects correlation IDs into request contexts for
// consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/roomwatch/telemetry"
)

// NewMux returns the HTTP handler with all routes. ctx bounds the rate
// limiter cleanup goroutine and open event streams.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	h := NewHandlers(ctx, deps)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.HandleFunc("/events", h.HandleEvents)

	admin := http.NewServeMux()
	admin.HandleFunc("/admin/connect", h.HandleAdminConnect)
	admin.HandleFunc("/admin/disconnect", h.HandleAdminDisconnect)
	admin.HandleFunc("/admin/comment", h.HandleAdminComment)
	admin.HandleFunc("/admin/ng", h.HandleAdminNG)
	admin.HandleFunc("/admin/credential/reset", h.HandleAdminCredentialReset)
	mux.Handle("/admin/", adminAuth(rateLimitMiddleware(admin, limiter), authCfg))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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

		log := telemetry.LoggerWithCorr(ctx)
		log.Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			log.Info("admin request", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Int("status", rec.statusCode), slog.String("component", "http"))
		}
	})
	return withCORSConfig(handler, loadCORSConfig())
}

// Start runs the HTTP server on addr and shuts down gracefully on context
// cancellation.
func Start(ctx context.Context, addr string, deps Deps) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, deps)
}

// Serve is Start on an existing listener.
func Serve(ctx context.Context, ln net.Listener, deps Deps) error {
	srv := &http.Server{
		Handler:           NewMux(ctx, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", ln.Addr().String()), slog.String("component", "http"))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
