// Package opshttp serves the admin listener: health and readiness probes,
// prometheus metrics, build version and optionally pprof. Every route is
// restricted to loopback and private networks.
package opshttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"sync"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/health"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/log"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/version"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

// NewHandler builds the admin routes behind the private network check.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HealthzHandler(opts.Health))
	mux.Handle("/readyz", health.ReadyzHandler(opts.Readiness))
	mux.Handle("/version", versionHandler(opts.BundleHash))
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		// shadow pprof so a stray DefaultServeMux registration never leaks out
		mux.Handle("/debug/pprof/", http.NotFoundHandler())
	}

	var h http.Handler = requireNonPublicNetwork(L, mux)
	if opts.UseRecoverMW {
		h = httpmw.Recover(L, opts.OnPanic)(h)
	}
	return h
}

// Start listens on the admin port, 9000 unless set.
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 9000
	}
	addr := fmt.Sprintf(":%d", port)
	h := NewHandler(L, opts)

	srv := httpserver.NewServer(addr, h)
	// profiles stream for up to the requested seconds
	if opts.EnablePprof {
		srv.WriteTimeout = 0
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, httpserver.DefaultShutdownTimeout)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}

// RegisterPprof mounts the net/http/pprof handlers under /debug/pprof/.
func RegisterPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

type versionResponse struct {
	version.Info
	AssetsBundle string `json:"assets_bundle,omitempty"`
}

func versionHandler(bundleHash func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := versionResponse{Info: version.Get()}
		if bundleHash != nil {
			resp.AssetsBundle = bundleHash()
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// nonPublic reports whether remoteAddr is loopback, private or link-local.
func nonPublic(remoteAddr string) (netip.Addr, bool) {
	ap, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return netip.Addr{}, false
	}
	ip := ap.Addr().Unmap()
	return ip, ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// requireNonPublicNetwork answers 403 to public callers. The ops port should
// never be reachable from the internet, this catches a misconfigured
// security group.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, ok := nonPublic(r.RemoteAddr)
		if !ok {
			if ip.IsValid() {
				L.Warn(r.Context(), "ops request from public address rejected",
					"network.peer.address", ip.String(),
					"url.path", r.URL.Path,
				)
			}
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
