// Package httpserver runs the public listener: the stream routes behind
// the shared middleware stack.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/health"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/log"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultPort              = 8069
)

// every public route is GET or HEAD
const maxRequestBody = 1024

var compressibleTypes = []string{
	"text/plain",
	"text/css",
	"application/javascript",
	"text/javascript",
	"application/json",
	"image/svg+xml",
	"image/x-icon",
}

// NewHandler returns the router wrapped in the request middleware. The
// caller owns the *http.Server.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	var h http.Handler = newRouter(opts)
	for _, mw := range layers(opts) {
		if mw != nil {
			h = mw(h)
		}
	}
	return h
}

func newRouter(opts Options) chi.Router {
	r := chi.NewRouter()
	r.Use(
		compress(5, compressibleTypes...),
		// needs the matched pattern, so it lives on the router
		httpmw.AnnotateHTTPRoute,
		httpmw.AccessLog(),
		httpmw.MaxBody(maxRequestBody),
	)

	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}
	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}
	if opts.NotFound != nil {
		r.NotFound(opts.NotFound.ServeHTTP)
		r.MethodNotAllowed(opts.NotFound.ServeHTTP)
	}
	return r
}

// layers lists the wrappers from innermost to outermost. Nil entries are
// skipped. Client IP resolution must wrap the rate limiter and logging,
// security headers go last so even a recovered panic carries them.
func layers(opts Options) []func(http.Handler) http.Handler {
	var recoverMW, bundleMW func(http.Handler) http.Handler
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(opts.Logger, opts.OnPanic)
	}
	if opts.BundleInfo != nil {
		bundleMW = httpmw.BundleHeaders(opts.BundleInfo)
	}
	return []func(http.Handler) http.Handler{
		httpmw.WithLogger(opts.Logger),
		opts.MetricsMW,
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		bundleMW,
		tracing,
		opts.RateLimitMW,
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		httpmw.RequestID("X-Request-Id"),
		recoverMW,
		httpmw.SecurityHeaders,
	}
}

// traced leaves out probes, favicons and module static files. Attachments
// and images are traced.
func traced(r *http.Request) bool {
	switch p := r.URL.Path; p {
	case "/favicon.ico", "/favicon.svg", "/robots.txt", "/-/healthy", "/-/ready":
		return false
	default:
		return !httpmw.IsStaticPath(p)
	}
}

func tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "http.server",
		otelhttp.WithFilter(traced),
		// renamed to the route pattern by AnnotateHTTPRoute
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on opts.Port and serves in the background. The returned
// stop drains the server and is safe to call more than once.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", opts.Port)

	srv := NewServer(addr, NewHandler(opts))
	if opts.WriteTimeout > 0 {
		srv.WriteTimeout = opts.WriteTimeout
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}
	L := opts.Logger.With("addr", addr)
	L.Info(ctx, "http server listening")

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "http server stopped")
		}
	}()

	var (
		once    sync.Once
		stopErr error
	)
	return func(sctx context.Context) error {
		once.Do(func() {
			L.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, DefaultShutdownTimeout)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}, nil
}
