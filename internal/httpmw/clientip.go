package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures how far X-Forwarded-For is trusted.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies in front of the server.
	// 0 ignores X-Forwarded-For, 1 takes its rightmost entry (nginx or an
	// ALB), 2 the second from the end (CDN then proxy), and so on.
	TrustedHops int
}

// ClientIP resolves the client address with no trusted proxies.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions stores the resolved client address in the request
// context. Forwarded headers are removed whenever they are not trusted so
// nothing downstream reads them by accident.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, trusted := resolveClientIP(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), opts.TrustedHops)
			if !trusted {
				r.Header.Del("X-Forwarded-For")
				r.Header.Del("X-Forwarded-Proto")
			}
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// resolveClientIP reports the client address and whether the forwarded
// headers may be believed. They are only believed from a private or loopback
// peer (nginx on the same host) with at least hops entries in X-Forwarded-For.
func resolveClientIP(remoteAddr, xff string, hops int) (string, bool) {
	if remoteAddr == "" {
		return "0.0.0.0", false
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr, false
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return "0.0.0.0", false
	}
	peer = peer.Unmap()

	if hops <= 0 || !(peer.IsPrivate() || peer.IsLoopback()) {
		return peer.String(), false
	}
	if xff == "" {
		return peer.String(), true
	}

	parts := strings.Split(xff, ",")
	idx := len(parts) - hops
	if idx < 0 {
		// fewer entries than proxies, fail closed
		return peer.String(), false
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(parts[idx])); err == nil {
		return addr.Unmap().String(), true
	}
	return peer.String(), true
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
