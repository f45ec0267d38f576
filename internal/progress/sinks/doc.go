// Package sinks implements the progress consumers: Prometheus collectors, the
// run repository and structured logs.
package sinks
