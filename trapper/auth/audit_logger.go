package auth

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// remoteAddr prefers the proxy headers set by the reverse proxy in front of the platform.
func remoteAddr(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// routeAttrs lists the named chi url params, e.g. the project and resource ids.
func routeAttrs(r *http.Request) []any {
	attrs := []any{}
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return attrs
	}
	for i, key := range rctx.URLParams.Keys {
		if key == "*" {
			continue
		}
		attrs = append(attrs, slog.String(key, rctx.URLParams.Values[i]))
	}
	return attrs
}

func filterAttrs(r *http.Request) []any {
	attrs := []any{}
	for key, values := range r.URL.Query() {
		attrs = append(attrs, slog.String(key, strings.Join(values, ";")))
	}
	return attrs
}

// AuditLogger records who touched which project, resource or collection. It writes one json
// line per authenticated request once the handler has produced its status.
type AuditLogger struct {
	logger *slog.Logger
}

func NewAuditLogger(stream io.Writer) AuditLogger {
	return AuditLogger{logger: slog.New(slog.NewJSONHandler(stream, nil))}
}

func (audit *AuditLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := UserFromContext(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		audit.logger.Info("access",
			"actor", actor.Username,
			"actor_id", actor.Id,
			"admin", actor.IsAdmin,
			"remote_addr", remoteAddr(r),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed_ms", time.Since(start).Milliseconds(),
			slog.Group("route", routeAttrs(r)...),
			slog.Group("filters", filterAttrs(r)...),
		)
	})
}
