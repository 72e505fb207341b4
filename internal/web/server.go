// Package web serves a read-mostly HTTP view of the consultation core:
// conversation snapshots, stored patterns, cache counters and the
// prometheus metrics endpoint.
package web

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hpungsan/consult/internal/logger"
	"github.com/hpungsan/consult/internal/metrics"
	"github.com/hpungsan/consult/internal/ops"
)

const logModule = "web"

// NewServer creates the HTTP server for the status API.
func NewServer(core *ops.Core, m *metrics.Metrics, version, addr string) *http.Server {
	h := &Handlers{core: core, version: version}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", h.HandleIndex)
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /conversations/{id}", h.HandleConversation)
	mux.HandleFunc("POST /conversations/{id}/timeout", h.HandleCheckTimeout)
	mux.HandleFunc("POST /conversations/purge", h.HandlePurge)
	mux.HandleFunc("GET /patterns", h.HandlePatternList)
	mux.HandleFunc("GET /patterns/{id}", h.HandlePatternDetail)
	mux.HandleFunc("GET /cache/stats", h.HandleCacheStats)
	mux.Handle("GET /metrics", m.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           securityHeaders(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, log logger.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info(logModule, "status server listening", map[string]any{"addr": srv.Addr})
	if strings.HasPrefix(srv.Addr, ":") || strings.Contains(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "[::]") {
		log.Warn(logModule, "status server is binding to all interfaces and may be accessible from the network", nil)
	}

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info(logModule, "shutting down status server", nil)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Run serves srv in the foreground until SIGINT or SIGTERM.
func Run(srv *http.Server, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Serve(ctx, srv, log)
}
