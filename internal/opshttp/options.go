package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/health"
)

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	OnPanic      func() // Optional callback for when panics are recovered, e.g. to increment prometheus counters
	// BundleHash reports the installed assets bundle on /version, if any
	BundleHash func() string
}
