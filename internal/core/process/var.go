package process

import (
	"fmt"
	"sync"

	"github.com/lockstep/lockstep/internal/core/channel"
)

// Var is a named piece of model state captured by snapshots.
type Var struct {
	name  string
	shape channel.Shape

	mu   sync.RWMutex
	data []float64
}

func (v *Var) Name() string         { return v.name }
func (v *Var) Shape() channel.Shape { return append(channel.Shape(nil), v.shape...) }

// Get returns a copy of the current value.
func (v *Var) Get() []float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]float64(nil), v.data...)
}

// Set replaces the value. data is copied.
func (v *Var) Set(data []float64) error {
	if len(data) != v.shape.Size() {
		return fmt.Errorf("%w: %s needs %d values, got %d", ErrVarSize, v.name, v.shape.Size(), len(data))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	copy(v.data, data)
	return nil
}

// Update applies fn to the value in place under the var's lock.
func (v *Var) Update(fn func(data []float64)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn(v.data)
}
