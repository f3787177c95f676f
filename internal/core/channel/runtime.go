package channel

import "time"

// DefaultQueueSize is the capacity used when a channel config leaves it unset.
const DefaultQueueSize = 32

// RuntimeConfig controls default behavior for channel constructors.
// Zero values mean "use built-in defaults".
type RuntimeConfig struct {
	Capacity int
	Backend  Backend
	Timeout  time.Duration
}

var defaultRuntimeConfig RuntimeConfig

// SetDefaultRuntimeConfig overrides the default channel settings.
func SetDefaultRuntimeConfig(cfg RuntimeConfig) { defaultRuntimeConfig = cfg }

// DefaultRuntimeConfig returns the current channel defaults.
func DefaultRuntimeConfig() RuntimeConfig { return defaultRuntimeConfig }

func (r RuntimeConfig) capacity() int {
	if r.Capacity > 0 {
		return r.Capacity
	}
	return DefaultQueueSize
}

func (r RuntimeConfig) backend() Backend {
	if r.Backend != "" {
		return r.Backend
	}
	return BackendShmem
}
