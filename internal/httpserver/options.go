package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/health"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe

	// APIRoutes registers the stream routes on the router
	APIRoutes func(chi.Router)

	// NotFound replaces chi's default 404 and 405 responses
	NotFound http.Handler

	// BundleInfo adds X-Assets-Bundle when an assets bundle is installed
	BundleInfo httpmw.BundleInfo

	// WriteTimeout bounds a single response; large attachments need more
	// than DefaultWriteTimeout on slow clients
	WriteTimeout time.Duration
}
