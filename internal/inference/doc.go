// Package inference owns the single process-wide model backend.
//
// Backends are registered by name and opened once at startup with the loaded
// checkpoint. Sessions reach the backend only through a Service, which
// guarantees that at most one Infer call runs at any moment.
package inference
