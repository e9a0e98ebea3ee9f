package app

import (
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/felixge/httpsnoop"
)

// WithRequestLogging logs one line per request.
// httpsnoop keeps the optional ResponseWriter interfaces (Hijacker, Flusher, ...) intact,
// which the websocket upgrade on /ws depends on.
func WithRequestLogging(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)

		level, result := requestLogMeta(m.Code)
		log.Log(r.Context(), level, "http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"status_class", statusClass(m.Code),
			"result", result,
			"bytes", m.Written,
			"duration_ms", m.Duration.Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}

func requestLogMeta(status int) (slog.Level, string) {
	switch {
	case status >= 500:
		return slog.LevelError, "server_error"
	case status >= 400:
		return slog.LevelWarn, "client_error"
	case status >= 300:
		return slog.LevelInfo, "redirect"
	default:
		return slog.LevelInfo, "success"
	}
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// WithCORS applies the configured origin allowlist.
// Requests without an Origin header pass through untouched; disallowed origins get 403.
// Allowlist entries may use a port wildcard ("http://127.0.0.1:*").
func WithCORS(next http.Handler, cfg Config, log *slog.Logger) http.Handler {
	maxAge := ""
	if cfg.CORSMaxAgeSeconds > 0 {
		maxAge = strconv.Itoa(cfg.CORSMaxAgeSeconds)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !originAllowed(origin, cfg.CORSAllowedOrigins) {
			log.Info("cors.reject", "origin", origin, "path", r.URL.Path)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		h := w.Header()
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Allow-Origin", origin)
		if cfg.CORSAllowCredentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			}
			if maxAge != "" {
				h.Set("Access-Control-Max-Age", maxAge)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowed []string) bool {
	scheme, host, ok := splitOrigin(origin)
	if !ok {
		return false
	}

	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		aScheme, aHost, ok := splitOrigin(a)
		if !ok || aScheme != scheme {
			continue
		}
		// "127.0.0.1:*" matches any port.
		if matched, _ := path.Match(aHost, host); matched {
			return true
		}
	}
	return false
}

// splitOrigin splits "scheme://host[:port]". url.Parse is not used because it
// rejects the wildcard port accepted in the allowlist.
func splitOrigin(s string) (scheme, host string, ok bool) {
	scheme, host, ok = strings.Cut(strings.TrimSpace(s), "://")
	host = strings.TrimSuffix(host, "/")
	if !ok || scheme == "" || host == "" || strings.Contains(host, "/") {
		return "", "", false
	}
	return strings.ToLower(scheme), strings.ToLower(host), true
}

// WithSecurityHeaders sets conservative response headers on every route.
func WithSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
