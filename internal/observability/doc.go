// Package observability provides the shared zap logger constructor and
// the Prometheus collectors for the gateway request pipeline.
//
// The module never serves metrics itself; the host process registers
// the collectors on its own registry and exposes them however it likes.
package observability
