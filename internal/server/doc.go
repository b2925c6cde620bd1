// Package server exposes the HTTP API: job submission and inspection,
// queue and health introspection, administrative controls, and the
// Prometheus metrics endpoint. All routes except /health and /metrics
// pass through the per-client rate limiter.
package server
