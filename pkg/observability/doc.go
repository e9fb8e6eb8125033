/*
Package observability exposes Prometheus metrics for the session engine.

Every method on *Metrics is safe to call on a nil receiver, so components take an optional
*Metrics and record unconditionally.
*/
package observability
