// logging.go -- Request-scoped slog helpers shared with internal/api.
package auth

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ClientIP is RemoteAddr without the port. RealIP has already swapped in the
// forwarded address when the proxy sent one; INET columns want a bare IP.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// LogRequest logs msg at level with request id, client IP, method, and the
// matched route pattern (falling back to the raw path before routing).
func LogRequest(r *http.Request, level slog.Level, msg string, args ...any) {
	route := r.URL.Path
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		route = rc.RoutePattern()
	}
	attrs := make([]any, 0, 10+len(args))
	attrs = append(attrs, "ip", ClientIP(r), "method", r.Method, "route", route)
	if id := middleware.GetReqID(r.Context()); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if ua := r.UserAgent(); ua != "" && level >= slog.LevelWarn {
		attrs = append(attrs, "user_agent", ua)
	}
	slog.Log(r.Context(), level, msg, append(attrs, args...)...)
}

func logInfo(r *http.Request, msg string, args ...any) {
	LogRequest(r, slog.LevelInfo, msg, args...)
}

func logWarn(r *http.Request, msg string, args ...any) {
	LogRequest(r, slog.LevelWarn, msg, args...)
}

func logError(r *http.Request, msg string, args ...any) {
	LogRequest(r, slog.LevelError, msg, args...)
}
