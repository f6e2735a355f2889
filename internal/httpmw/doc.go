// Package httpmw provides HTTP middleware for the public stream server.
//
// Middleware is composed in a specific order in httpserver.NewHandler, from
// the outside in: security headers, panic recovery, request ID, client IP
// extraction, rate limiting, OTEL tracing, assets bundle headers, trace
// response headers, metrics, request logger, then the chi router with
// compression, route annotation and the access log.
//
// Module static files (/{module}/static/...) are recognised by
// [IsStaticPath]: they are not traced, not rate limited and only logged at
// debug level unless they fail. User-supplied data (query params,
// user-agent, headers) is excluded from logs.
package httpmw
