package httpmw

import "net/http"

// Security note: CSRF protection is not implemented because it is not applicable.
// This server is read-only (GET and HEAD) and carries no session state.

// SecurityHeaders is middleware that adds common security headers to HTTP responses.
// Served files are user supplied (attachments, binary fields), so the policy
// sandboxes them: an uploaded HTML or SVG document cannot run script or reach
// the network when opened inline.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Require HTTPS for one year, including subdomains, and allow preload
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")

		// Inline documents render without script, forms, or plugins
		w.Header().Set("Content-Security-Policy", "default-src 'none'; img-src 'self' data:; style-src 'self' 'unsafe-inline'; font-src 'self'; media-src 'self'; base-uri 'none'; form-action 'none'; frame-ancestors 'self'; object-src 'none'; sandbox")

		// Disable MIME type sniffing for integrity/security
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// PDF and image previews are framed by the same origin
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")

		// Referrer policy to control information sent in Referer header
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		// Permissions policy to disable various powerful (in)security features
		w.Header().Set("Permissions-Policy", "accelerometer=(), camera=(), geolocation=(), gyroscope=(), magnetometer=(), microphone=(), payment=(), usb=()")

		// Prevent Adobe Flash and Acrobat from loading content
		w.Header().Set("X-Permitted-Cross-Domain-Policies", "none")

		// Cross-Origin-Opener-Policy to isolate browsing context
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")

		// module assets and images are embedded by sibling hosts of the same site
		w.Header().Set("Cross-Origin-Resource-Policy", "same-site")

		next.ServeHTTP(w, r)
	})
}
