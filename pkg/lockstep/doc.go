// Package lockstep provides a minimal public façade for declaring processes
// and running them in lock-step without importing internal packages. It
// re-exports the core types for convenience and exposes a Runtime that turns
// Settings into a ready orchestrator with an optional snapshot store.
package lockstep
