// Package metrics exposes Prometheus counters and histograms used by the
// lockstep runtime (channels, actors, orchestrator and injectors). Collectors
// live on a private registry so embedding programs do not collide with the
// global default; the lockstep serve command publishes it on /metrics.
package metrics
