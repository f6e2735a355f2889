// Package health serves the liveness and readiness endpoints.
//
// A [Probe] is checked on every request. [All] combines probes, [Fixed]
// gives a static answer and [Ping] wraps a dependency such as the postgres
// pool. [ShutdownGate] fails readiness as soon as the server starts to
// drain, before in-flight attachment downloads finish.
package health
