// Package metrics declares the Prometheus collectors exported by the relay
// and the handler that serves them.
package metrics
