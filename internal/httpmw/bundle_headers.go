package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// BundleInfo reports the installed static assets bundle, "" when none.
type BundleInfo interface {
	BundleHash() string
}

// bundleHeaderLen is how much of the bundle hash goes in X-Assets-Bundle
const bundleHeaderLen = 12

// BundleHeaders adds X-Assets-Bundle to all responses when a bundle is installed
func BundleHeaders(info BundleInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				if h := info.BundleHash(); h != "" {
					short := h
					if len(short) > bundleHeaderLen {
						short = short[:bundleHeaderLen]
					}
					w.Header().Set("X-Assets-Bundle", short)

					if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
						span.SetAttributes(attribute.String("assets.bundle", h))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TraceResponseHeaders echoes the trace and span ids of a sampled request so
// a failing download can be looked up from the browser.
func TraceResponseHeaders(traceHeader, spanHeader string) func(http.Handler) http.Handler {
	if traceHeader == "" {
		traceHeader = "X-Trace-Id"
	}
	if spanHeader == "" {
		spanHeader = "X-Span-Id"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				w.Header().Set(traceHeader, sc.TraceID().String())
				w.Header().Set(spanHeader, sc.SpanID().String())
			}
			next.ServeHTTP(w, r)
		})
	}
}
