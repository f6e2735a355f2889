// Package ratelimit provides per-IP rate limiting with background eviction
// of stale entries.
//
// This is a single-instance, in-memory limiter for basic abuse prevention.
// It does not protect against distributed attacks or bandwidth-heavy
// downloads that stay under the request rate; use an upstream WAF or CDN for
// those. The visitor table is capped, new IPs are rejected while it is full.
// Requests matched by WithSkip (module static files in the server) bypass
// the limiter entirely.
package ratelimit
