// Package prebuilt provides ready-made process types and topologies for
// common lock-step patterns: sinks that accumulate what they receive, relays
// that forward with a one-timestep delay, and injector-fed chains and lanes.
// Each prebuilt exposes a simple configuration and returns a *Graph whose
// roots can be handed straight to an orchestrator's Load.
package prebuilt
