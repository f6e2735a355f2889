// Package stream turns a filesystem resource, an attachment row or a base64
// binary field into a [Stream] descriptor and answers HTTP GET/HEAD for it
// with caching headers and conditional-request handling.
//
// Streams are built by a [Resolver], which owns the trusted roots, the
// attachment filestore and the accelerated-delivery settings. A Stream is
// request-scoped: build it, optionally adjust MaxAge, call [Stream.Serve].
//
// Path streams whose file lies under the filestore are handed to the reverse
// proxy with X-Accel-Redirect when acceleration is enabled. URL streams are
// answered with a permanent redirect and carry no cache headers.
package stream
