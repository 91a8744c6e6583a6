// Package notify carries job lifecycle events from the orchestrator to the outside
// world. A Hub buffers events on a background goroutine and fans batches out to sinks
// such as structured logs, Prometheus counters, or a message topic. Emit never blocks.
package notify
