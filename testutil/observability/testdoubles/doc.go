// Package testdoubles provides spy implementations of the querybridge
// observability interfaces for testing store instrumentation without a real
// metrics, tracing or logging backend.
package testdoubles
