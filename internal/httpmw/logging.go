package httpmw

import (
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/log"
)

// requestFields describes the request in semconv keys. Each pair lands on
// both the logger and the server span.
func requestFields(r *http.Request) [][2]string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	client := ClientIPFromContext(r.Context())
	if client == "" {
		client = peer
	}
	f := [][2]string{
		{"request_id", RequestIDFromContext(r.Context())},
		{"client.address", client},
		{"network.peer.address", peer},
		{"server.address", r.Host},
		{"url.scheme", schemeFromRequest(r)},
	}
	if q := r.URL.RawQuery; q != "" {
		f = append(f, [2]string{"url.query", q})
	}
	return f
}

// WithLogger stores a request scoped logger carrying request id, client and
// url fields. It must run inside ClientIP and RequestID.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			desc := requestFields(r)

			kv := make([]any, 0, 2*len(desc)+4)
			kv = append(kv, "http.request.method", r.Method, "url.path", r.URL.Path)
			attrs := make([]attribute.KeyValue, 0, len(desc))
			for _, f := range desc {
				kv = append(kv, f[0], f[1])
				attrs = append(attrs, attribute.String(f[0], f[1]))
			}
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attrs...)
			}

			ctx = log.WithContext(ctx, base.With(kv...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func isProbePath(p string) bool { return p == "/-/ready" || p == "/-/healthy" }

// AccessLog writes one line per request. Health checks are skipped and
// static files log at debug unless they fail.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, ctx: r.Context(), start: time.Now()}
			next.ServeHTTP(rw, r)
			rw.end()

			if isProbePath(r.URL.Path) {
				return
			}

			status := rw.statusCode()
			kv := []any{
				"http.response.status_code", status,
				"http.server.request.duration", time.Since(rw.start).Seconds(),
				"http.response.body.size", rw.bytes,
				"http.request.body.size", max(r.ContentLength, 0),
				"http.route", routePattern(r),
			}
			if rw.accelerated() {
				kv = append(kv, "stream.accelerated", true)
			}

			ctx := r.Context()
			L := log.FromContext(ctx)
			if status < 400 && IsStaticPath(r.URL.Path) {
				L.Debug(ctx, "http request", kv...)
			} else {
				L.Info(ctx, "http request", kv...)
			}
		})
	}
}

// IsStaticPath reports whether p addresses a module static file, as in
// /{module}/static/...
func IsStaticPath(p string) bool {
	module, rest, ok := strings.Cut(strings.TrimPrefix(p, "/"), "/")
	return ok && module != "" && strings.HasPrefix(rest, "static/")
}

// schemeFromRequest trusts X-Forwarded-Proto only because ClientIP strips it
// from untrusted peers
func schemeFromRequest(r *http.Request) string {
	candidates := []string{}
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		candidates = append(candidates, first)
	}
	if r.URL != nil {
		candidates = append(candidates, r.URL.Scheme)
	}
	for _, c := range candidates {
		switch s := strings.ToLower(strings.TrimSpace(c)); s {
		case "http", "https":
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
