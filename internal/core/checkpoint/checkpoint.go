// Package checkpoint provides the snapshot domain entities and the persistence
// interface the orchestrator writes through. It has no storage dependencies.
package checkpoint

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Snapshot sources
const (
	SourceRunEnd   = "run_end"
	SourcePeriodic = "periodic"
)

// CurrentVersion is stamped on every new checkpoint
const CurrentVersion = "1"

// Checkpoint is the captured Var state of one process at one timestep
// PRINCIPLES:
// - KISS: Simple struct with clear fields
// - SRP: Only responsible for checkpoint data structure
type Checkpoint struct {
	ID        string               `json:"id" msgpack:"id"`
	RunID     string               `json:"run_id" msgpack:"run_id"`
	Process   string               `json:"process" msgpack:"process"`
	Timestep  int64                `json:"timestep" msgpack:"timestep"`
	Vars      map[string][]float64 `json:"vars" msgpack:"vars"`
	Metadata  Metadata             `json:"metadata" msgpack:"metadata"`
	Timestamp time.Time            `json:"timestamp" msgpack:"timestamp"`
	Version   string               `json:"version" msgpack:"version"`
}

// Metadata contains additional information about a checkpoint
type Metadata struct {
	Source   string   `json:"source" msgpack:"source"`
	Protocol string   `json:"protocol,omitempty" msgpack:"protocol,omitempty"`
	Tags     []string `json:"tags,omitempty" msgpack:"tags,omitempty"`
}

// New stamps a fresh checkpoint for process at timestep.
func New(runID, process string, timestep int64, vars map[string][]float64, meta Metadata) *Checkpoint {
	return &Checkpoint{
		ID:        uuid.NewString(),
		RunID:     runID,
		Process:   process,
		Timestep:  timestep,
		Vars:      vars,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
		Version:   CurrentVersion,
	}
}

// Validate ensures checkpoint integrity
func (c *Checkpoint) Validate() error {
	if c.ID == "" {
		return ErrInvalidCheckpointID
	}
	if c.RunID == "" {
		return ErrInvalidRunID
	}
	if c.Process == "" {
		return ErrInvalidProcess
	}
	if c.Timestep < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTimestep, c.Timestep)
	}
	if c.Vars == nil {
		return ErrNilVars
	}
	return nil
}

// HasTags reports whether c carries every tag in tags.
func (c *Checkpoint) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range c.Metadata.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
