// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry setup, health checks, and graceful shutdown for the
// Dealscope services.
package observability
