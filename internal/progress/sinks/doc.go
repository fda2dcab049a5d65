// Package sinks implements progress consumers for the workspace engine:
// structured logging, Prometheus collectors, and run history persistence.
// Each sink satisfies progress.Sink and tolerates repeated Consume/Close calls.
package sinks
